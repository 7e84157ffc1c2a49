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

package sequential

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/fits"
	"github.com/mlnoga/ministack/internal/ministack"
	"github.com/mlnoga/ministack/internal/phaselink"
	"github.com/mlnoga/ministack/internal/ps"
	"github.com/mlnoga/ministack/internal/shp"
)

// Outputs of a sequential run
type Result struct {
	OutputFolder      string   `json:"outputFolder"`      // folder with the final outputs
	OutputFiles       []string `json:"outputFiles"`       // one phase linked raster per real acquisition
	CompressedFiles   []string `json:"compressedFiles"`   // one per ministack, in order
	FinalCompressed   string   `json:"finalCompressed"`   // compressed acquisition of the last ministack
	TemporalCoherence string   `json:"temporalCoherence"` // averaged over ministacks
}

// Outputs of one ministack
type ministackOutputs struct {
	slcFiles   []string
	tcorrFile  string
	compressed *ministack.CompressedInfo
}

// Name of the phase linked output for an acquisition date
func outputName(layout string, date time.Time) string {
	return date.Format(layout) + ".slc.fits"
}

// Estimates phase for the real acquisitions in ministacks and adjusts all ministacks to
// a common datum. Files must be in chronological order with one date each. The kernel
// defaults to EVD.
func Run(logWriter io.Writer, files []string, dates []time.Time, cfg *Config, kernel phaselink.Kernel) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if kernel == nil {
		kernel = phaselink.EVD{}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	planner, err := ministack.NewPlanner(files, dates, cfg.ExistingCompressed, cfg.FileDateFmt, cfg.OutputFolder, cfg.MaxNumCompressed)
	if err != nil {
		return nil, err
	}
	planner.Log = logWriter
	plan, err := planner.Plan(cfg.MinistackSize, cfg.ManualRefIdxs)
	if err != nil {
		return nil, err
	}

	r := &run{log: logWriter, cfg: cfg, kernel: kernel}
	if err = r.loadInputs(files); err != nil {
		return nil, err
	}
	fmt.Fprintf(logWriter, "Run %s: %d acquisitions from %s to %s in %d ministacks of up to %d\n", cfg.RunID, len(files),
		filepath.Base(files[0]), filepath.Base(files[len(files)-1]), len(plan), cfg.MinistackSize)

	outputs := make([]*ministackOutputs, len(plan))
	for i, m := range plan {
		if outputs[i], err = r.processMinistack(i, m); err != nil {
			return nil, err
		}
	}

	finalFolder := filepath.Join(cfg.OutputFolder, "final")
	if err = os.MkdirAll(finalFolder, 0755); err != nil {
		return nil, err
	}
	res := &Result{OutputFolder: finalFolder}
	for _, o := range outputs {
		res.CompressedFiles = append(res.CompressedFiles, o.compressed.Path())
	}
	res.FinalCompressed = res.CompressedFiles[len(res.CompressedFiles)-1]

	if len(outputs) == 1 {
		fmt.Fprintf(logWriter, "Only one ministack, skipping offset calculation.\n")
		for _, f := range outputs[0].slcFiles {
			dst := filepath.Join(finalFolder, filepath.Base(f))
			if err = os.Rename(f, dst); err != nil {
				return nil, err
			}
			res.OutputFiles = append(res.OutputFiles, dst)
		}
		res.TemporalCoherence = filepath.Join(finalFolder, filepath.Base(outputs[0].tcorrFile))
		if err = os.Rename(outputs[0].tcorrFile, res.TemporalCoherence); err != nil {
			return nil, err
		}
		return res, nil
	}

	adjustments, err := r.computeAdjustments(res.CompressedFiles)
	if err != nil {
		return nil, err
	}
	if res.OutputFiles, err = r.applyAdjustments(outputs, adjustments, finalFolder); err != nil {
		return nil, err
	}
	tcorrFiles := make([]string, len(outputs))
	for i, o := range outputs {
		tcorrFiles[i] = o.tcorrFile
	}
	res.TemporalCoherence = filepath.Join(finalFolder, "tcorr_average.fits")
	fmt.Fprintf(logWriter, "Averaging temporal coherence files into %s\n", res.TemporalCoherence)
	if err = r.averageCoherence(tcorrFiles, res.TemporalCoherence); err != nil {
		return nil, err
	}
	return res, nil
}

// Checks the acquisitions share one shape and loads the optional full-extent inputs
func (r *run) loadInputs(files []string) error {
	for i, f := range files {
		rows, cols, _, err := fits.Stat(f)
		if err != nil {
			return err
		}
		if i == 0 {
			r.rows, r.cols = rows, cols
		} else if rows != r.rows || cols != r.cols {
			return fmt.Errorf("%s has shape %dx%d, expected %dx%d like %s", f, rows, cols, r.rows, r.cols, files[0])
		}
	}

	if r.cfg.MaskFile != "" {
		mask, rows, cols, err := blockio.LoadMask(r.cfg.MaskFile, true)
		if err != nil {
			return err
		}
		if err = r.checkShape(r.cfg.MaskFile, rows, cols); err != nil {
			return err
		}
		r.nodata = mask
	} else if err := r.deriveNodataMask(files); err != nil {
		return err
	}
	if r.cfg.PSMaskFile != "" {
		data, rows, cols, err := fits.ReadAllUint8(r.cfg.PSMaskFile)
		if err != nil {
			return err
		}
		if err = r.checkShape(r.cfg.PSMaskFile, rows, cols); err != nil {
			return err
		}
		r.ps = make([]bool, len(data))
		for i, v := range data {
			r.ps[i] = v == 1
		}
	}
	if r.cfg.AmpMeanFile != "" {
		return r.loadAmplitudeStats()
	}
	return nil
}

// Marks pixels as nodata which are zero or NaN in every acquisition
func (r *run) deriveNodataMask(files []string) error {
	reader, err := blockio.NewFileStack(files, r.cfg.ReadThreads)
	if err != nil {
		return err
	}
	defer reader.Close()
	if r.nodata, err = blockio.NodataMask(reader, r.cfg.blockShape(len(files), r.rows, r.cols)); err != nil {
		return err
	}
	if blockio.AllTrue(r.nodata) {
		return fmt.Errorf("all %d acquisitions are empty", len(files))
	}
	return nil
}

func (r *run) checkShape(fileName string, rows, cols int) error {
	if rows != r.rows || cols != r.cols {
		return fmt.Errorf("%s has shape %dx%d, acquisitions have %dx%d", fileName, rows, cols, r.rows, r.cols)
	}
	return nil
}

// Loads amplitude mean and dispersion, with the number of acquisitions behind them
func (r *run) loadAmplitudeStats() error {
	mean, rows, cols, err := fits.ReadAllFloat32(r.cfg.AmpMeanFile)
	if err != nil {
		return err
	}
	if err = r.checkShape(r.cfg.AmpMeanFile, rows, cols); err != nil {
		return err
	}
	_, _, md, err := fits.Stat(r.cfg.AmpDispersionFile)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(md[ps.KeyNumSLC])
	if err != nil || n < 1 {
		return fmt.Errorf("%w: %s has no valid %s", ministack.ErrMissingMetadata, r.cfg.AmpDispersionFile, ps.KeyNumSLC)
	}
	dispersion, rows, cols, err := fits.ReadAllFloat32(r.cfg.AmpDispersionFile)
	if err != nil {
		return err
	}
	if err = r.checkShape(r.cfg.AmpDispersionFile, rows, cols); err != nil {
		return err
	}
	r.ampMean, r.ampVar, r.ampNSLC = mean, shp.VarianceFromDispersion(mean, dispersion), n
	return nil
}

// Phase links one ministack, writing one output per real acquisition, its temporal
// coherence and its compressed acquisition
func (r *run) processMinistack(i int, m *ministack.Ministack) (*ministackOutputs, error) {
	numComp := m.NumCompressed()
	fmt.Fprintf(r.log, "Processing ministack %d: %d files + %d compressed. Output folder: %s\n",
		i, len(m.FileList)-numComp, numComp, m.OutputFolder)
	if err := os.MkdirAll(m.OutputFolder, 0755); err != nil {
		return nil, err
	}

	info, err := m.CompressedInfo()
	if err != nil {
		return nil, err
	}
	info.Mode, info.RunID = string(r.cfg.CompressMode), r.cfg.RunID
	out := &ministackOutputs{
		tcorrFile:  filepath.Join(m.OutputFolder, "tcorr_"+m.RealDateRangeString()+".fits"),
		compressed: info,
	}
	outRows, outCols := blockio.OutShape(r.rows, r.cols, r.cfg.Strides)
	for _, d := range info.RealDates {
		out.slcFiles = append(out.slcFiles, filepath.Join(m.OutputFolder, outputName(m.FileDateFmt, d)))
	}
	nan := math.NaN()
	specs := []struct {
		names      []string
		rows, cols int
		kind       fits.Kind
		nodata     float64
	}{
		{out.slcFiles, outRows, outCols, fits.KindComplex64, 0},
		{[]string{out.tcorrFile}, outRows, outCols, fits.KindFloat32, nan},
		{[]string{info.Path()}, r.rows, r.cols, fits.KindComplex64, 0},
	}
	for _, s := range specs {
		for _, name := range s.names {
			f, err := fits.Create(name, s.rows, s.cols, s.kind, s.nodata, s.nodata, nil)
			if err != nil {
				return nil, err
			}
			if err = f.Close(); err != nil {
				return nil, err
			}
		}
	}

	reader, err := blockio.NewFileStack(m.FileList, r.cfg.ReadThreads)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	writer := blockio.NewBackgroundWriter(blockio.NewFITSSink(), r.cfg.WriterQueue)
	label := fmt.Sprintf("ministack %d", i)
	err = r.linkTiles(reader, label, numComp, m.ReferenceIdx, func(t *linkedTile) error {
		// outputs exclude the compressed inputs
		for j, f := range out.slcFiles {
			r.queueOutBand(writer, t, t.result.Phase.Band(numComp+j), f)
		}
		or, oc := t.outOffset(r.cfg.Strides)
		tcorr := cropFloat32(t.result.TemporalCoherence, t.result.Phase.Cols, or, or+t.out.Rows(), oc, oc+t.out.Cols())
		writer.Queue(tcorr, t.out.Rows(), t.out.Cols(), out.tcorrFile, t.out.RowStart, t.out.ColStart)

		raw := t.cube.BandsFrom(numComp)
		estimate := phaselink.ExpandStrides(t.result.Phase.BandsFrom(numComp), r.cfg.Strides, raw.Rows, raw.Cols)
		comp, err := phaselink.CompressWith(r.cfg.CompressMode, raw, estimate, nil)
		if err != nil {
			return err
		}
		ir, ic := t.in.RowStart-t.window.RowStart, t.in.ColStart-t.window.ColStart
		comp = cropComplex64(comp, raw.Cols, ir, ir+t.in.Rows(), ic, ic+t.in.Cols())
		writer.Queue(comp, t.in.Rows(), t.in.Cols(), info.Path(), t.in.RowStart, t.in.ColStart)
		return nil
	})
	if err != nil {
		writer.Close()
		return nil, err
	}
	fmt.Fprintf(r.log, "Waiting to write %d blocks of data.\n", writer.NumQueued())
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("ministack %d: %w", i, err)
	}
	if err = info.WriteMetadata(""); err != nil {
		return nil, err
	}
	fmt.Fprintf(r.log, "Finished ministack %d, compressed acquisition %s\n", i, info.Path())
	return out, nil
}
