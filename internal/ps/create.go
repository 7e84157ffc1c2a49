// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ps

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/fits"
)

// Settings for creating the PS products from a stack
type Options struct {
	OutputFile                string        // uint8 PS mask
	AmpMeanFile               string        // float32 mean amplitude
	AmpDispersionFile         string        // float32 amplitude dispersion
	Threshold                 float64       // dispersion threshold
	ExistingAmpMeanFile       string        // optional mean amplitude from an earlier run
	ExistingAmpDispersionFile string        // optional dispersion from an earlier run
	UpdateExisting            bool          // combine existing statistics with the stack instead of reusing them as-is
	NodataMask                []bool        // optional full-extent mask, true where no data
	BlockShape                blockio.Shape // block size for streaming the stack
	WriterQueue               int           // maximum queued output blocks
}

// Names of the PS products
type Outputs struct {
	PSFile            string
	AmpMeanFile       string
	AmpDispersionFile string
}

// Creates the PS mask, mean amplitude and amplitude dispersion rasters for the stack.
// With existing mean and dispersion files, either reuses them to threshold the PS mask,
// or updates them online with the acquisitions of the stack.
func CreatePS(logWriter io.Writer, reader blockio.StackReader, opts Options) (Outputs, error) {
	out := Outputs{opts.OutputFile, opts.AmpMeanFile, opts.AmpDispersionFile}
	hasExisting := opts.ExistingAmpMeanFile != "" && opts.ExistingAmpDispersionFile != ""
	if hasExisting && !opts.UpdateExisting {
		fmt.Fprintf(logWriter, "Using existing amplitude dispersion file %s, skipping calculation.\n", opts.ExistingAmpDispersionFile)
		return out, useExisting(opts)
	}

	numSLC := reader.Len()
	var existing *existingStats
	if hasExisting {
		var err error
		if existing, err = openExisting(opts); err != nil {
			return out, err
		}
		defer existing.Close()
		numSLC += existing.n
		fmt.Fprintf(logWriter, "Updating statistics of %d acquisitions with %d new ones\n", existing.n, reader.Len())
	}

	rows, cols := reader.Shape()
	md := map[string]string{KeyNumSLC: strconv.Itoa(numSLC)}
	if err := createOutputs(out, rows, cols, md); err != nil {
		return out, err
	}

	loader, err := blockio.NewEagerLoader(reader, blockio.LoaderOptions{
		BlockShape: opts.BlockShape,
		NodataMask: opts.NodataMask,
		SkipEmpty:  opts.NodataMask == nil && existing == nil,
	})
	if err != nil {
		return out, err
	}
	defer loader.Close()

	writer := blockio.NewBackgroundWriter(blockio.NewFITSSink(), opts.WriterQueue)
	for loader.Next() {
		cube, w := loader.Block()
		size := w.Rows() * w.Cols()

		var mean, dispersion []float32
		var psMask []uint8
		switch {
		case existing != nil:
			// empty blocks keep the existing statistics
			mean, dispersion, err = existing.update(cube, w, !cube.IsEmpty())
			if err != nil {
				writer.Close()
				return out, err
			}
			psMask = EncodePS(threshold(dispersion, opts.Threshold), dispersion)
		case cube.IsEmpty():
			mean = make([]float32, size)
			dispersion = make([]float32, size)
			psMask = make([]uint8, size)
			for i := range psMask {
				mean[i], dispersion[i], psMask[i] = NodataAmpMean, NodataAmpDispersion, NodataPS
			}
		default:
			// all samples need to be valid
			var ps []bool
			mean, dispersion, ps = CalcBlock(cube.Magnitude(0), cube.Depth, size, opts.Threshold, cube.Depth)
			psMask = EncodePS(ps, dispersion)
		}

		writer.Queue(mean, w.Rows(), w.Cols(), out.AmpMeanFile, w.RowStart, w.ColStart)
		writer.Queue(dispersion, w.Rows(), w.Cols(), out.AmpDispersionFile, w.RowStart, w.ColStart)
		writer.Queue(psMask, w.Rows(), w.Cols(), out.PSFile, w.RowStart, w.ColStart)
		fmt.Fprintf(logWriter, "\r%d%%", 100*loader.NumVisited()/loader.NumWindows())
	}
	fmt.Fprintf(logWriter, "\nWaiting to write %d blocks of data.\n", writer.NumQueued())
	err = errors.Join(loader.Err(), writer.Close())
	if err != nil {
		return out, err
	}
	fmt.Fprintf(logWriter, "Finished writing out PS files\n")
	return out, nil
}

func createOutputs(out Outputs, rows, cols int, md map[string]string) error {
	specs := []struct {
		name   string
		kind   fits.Kind
		nodata float64
		md     map[string]string
	}{
		{out.PSFile, fits.KindUint8, float64(NodataPS), nil},
		{out.AmpMeanFile, fits.KindFloat32, float64(NodataAmpMean), md},
		{out.AmpDispersionFile, fits.KindFloat32, float64(NodataAmpDispersion), md},
	}
	for _, s := range specs {
		r, err := fits.Create(s.name, rows, cols, s.kind, s.nodata, s.nodata, s.md)
		if err != nil {
			return err
		}
		if err = r.Close(); err != nil {
			return err
		}
	}
	return nil
}

func threshold(dispersion []float32, thr float64) []bool {
	ps := make([]bool, len(dispersion))
	for i, d := range dispersion {
		ps[i] = d != 0 && float64(d) < thr
	}
	return ps
}

// Thresholds an existing dispersion raster into the PS mask and copies the statistics
func useExisting(opts Options) error {
	r, err := fits.Open(opts.ExistingAmpDispersionFile)
	if err != nil {
		return err
	}
	dispersion, err := r.ReadWindowFloat32(0, 0, r.Rows, r.Cols)
	r.Close()
	if err != nil {
		return err
	}
	psMask := make([]uint8, len(dispersion))
	for i, d := range dispersion {
		switch {
		case d == 0 || r.IsNodata(float64(d)) || isNaN32(d):
			psMask[i] = NodataPS
		case float64(d) < opts.Threshold:
			psMask[i] = 1
		}
	}

	out, err := fits.Create(opts.OutputFile, r.Rows, r.Cols, fits.KindUint8, float64(NodataPS), float64(NodataPS), nil)
	if err != nil {
		return err
	}
	if err = out.WriteWindow(psMask, r.Rows, r.Cols, 0, 0); err != nil {
		out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err = fits.Copy(opts.ExistingAmpDispersionFile, opts.AmpDispersionFile); err != nil {
		return err
	}
	return fits.Copy(opts.ExistingAmpMeanFile, opts.AmpMeanFile)
}

// Existing statistics for online updates
type existingStats struct {
	mean       *fits.Raster
	dispersion *fits.Raster
	n          int
}

func openExisting(opts Options) (*existingStats, error) {
	e := &existingStats{}
	var err error
	if e.mean, err = fits.Open(opts.ExistingAmpMeanFile); err != nil {
		return nil, err
	}
	if e.dispersion, err = fits.Open(opts.ExistingAmpDispersionFile); err != nil {
		e.mean.Close()
		return nil, err
	}
	s, ok := e.dispersion.Metadata()[KeyNumSLC]
	if !ok {
		e.Close()
		return nil, fmt.Errorf("%s: missing %s metadata needed for online update", opts.ExistingAmpDispersionFile, KeyNumSLC)
	}
	if e.n, err = strconv.Atoi(s); err != nil || e.n < 1 {
		e.Close()
		return nil, fmt.Errorf("%s: invalid %s metadata '%s'", opts.ExistingAmpDispersionFile, KeyNumSLC, s)
	}
	return e, nil
}

// Reads the existing statistics for the window and optionally applies the stack's acquisitions in order
func (e *existingStats) update(cube *blockio.Cube, w blockio.Window, apply bool) (mean, dispersion []float32, err error) {
	if mean, err = e.mean.ReadWindowFloat32(w.RowStart, w.ColStart, w.Rows(), w.Cols()); err != nil {
		return nil, nil, err
	}
	if dispersion, err = e.dispersion.ReadWindowFloat32(w.RowStart, w.ColStart, w.Rows(), w.Cols()); err != nil {
		return nil, nil, err
	}
	if !apply {
		return mean, dispersion, nil
	}
	size := w.Rows() * w.Cols()
	amp := cube.Magnitude(0)
	for b := 0; b < cube.Depth; b++ {
		if err = Update(mean, dispersion, e.n+b, amp[b*size:(b+1)*size]); err != nil {
			return nil, nil, err
		}
	}
	return mean, dispersion, nil
}

func (e *existingStats) Close() {
	e.mean.Close()
	e.dispersion.Close()
}

func isNaN32(v float32) bool {
	return v != v
}
