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
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/fits"
)

// Phase links the compressed acquisitions of all ministacks against the first one.
// Returns one adjustment raster per ministack on the output grid.
func (r *run) computeAdjustments(compressedFiles []string) ([]string, error) {
	folder := filepath.Join(r.cfg.OutputFolder, "adjustments")
	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, err
	}
	fmt.Fprintf(r.log, "Running phase linking on %d compressed acquisitions\n", len(compressedFiles))

	outRows, outCols := blockio.OutShape(r.rows, r.cols, r.cfg.Strides)
	adjustments := make([]string, len(compressedFiles))
	for i, f := range compressedFiles {
		adjustments[i] = filepath.Join(folder, "adjustment_"+filepath.Base(f))
		out, err := fits.Create(adjustments[i], outRows, outCols, fits.KindComplex64, 0, 0, nil)
		if err != nil {
			return nil, err
		}
		if err = out.Close(); err != nil {
			return nil, err
		}
	}

	reader, err := blockio.NewFileStack(compressedFiles, r.cfg.ReadThreads)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	writer := blockio.NewBackgroundWriter(blockio.NewFITSSink(), r.cfg.WriterQueue)
	err = r.linkTiles(reader, "adjustments", 0, 0, func(t *linkedTile) error {
		for j, f := range adjustments {
			r.queueOutBand(writer, t, t.result.Phase.Band(j), f)
		}
		return nil
	})
	if err != nil {
		writer.Close()
		return nil, err
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("adjustments: %w", err)
	}
	return adjustments, nil
}

// Output rows per block for full-width passes over the output grid
func (r *run) rowsPerBlock(outCols, bands int) int {
	n := int(r.cfg.MaxBytes / int64(8*outCols*bands))
	if n < 1 {
		n = 1
	}
	return n
}

// Rotates the phase of every ministack output by its adjustment, keeping the magnitude,
// and writes the results into the final folder
func (r *run) applyAdjustments(outputs []*ministackOutputs, adjustments []string, finalFolder string) ([]string, error) {
	outRows, outCols := blockio.OutShape(r.rows, r.cols, r.cfg.Strides)
	writer := blockio.NewBackgroundWriter(blockio.NewFITSSink(), r.cfg.WriterQueue)
	var finals []string
	for i, o := range outputs {
		fmt.Fprintf(r.log, "Compensating %d outputs of ministack %d with %s\n", len(o.slcFiles), i, adjustments[i])
		dsts, err := r.adjustMinistack(writer, o.slcFiles, adjustments[i], finalFolder, outRows, outCols)
		finals = append(finals, dsts...)
		if err != nil {
			return nil, errors.Join(err, writer.Close())
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return finals, nil
}

func (r *run) adjustMinistack(writer *blockio.BackgroundWriter, slcFiles []string, adjustment, finalFolder string,
	outRows, outCols int) (dsts []string, err error) {
	adj, err := fits.Open(adjustment)
	if err != nil {
		return nil, err
	}
	defer adj.Close()

	srcs := make([]*fits.Raster, 0, len(slcFiles))
	defer func() {
		for _, s := range srcs {
			s.Close()
		}
	}()
	for _, f := range slcFiles {
		src, err := fits.Open(f)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, src)
		dst := filepath.Join(finalFolder, filepath.Base(f))
		out, err := fits.Create(dst, outRows, outCols, fits.KindComplex64, 0, 0, nil)
		if err != nil {
			return nil, err
		}
		if err = out.Close(); err != nil {
			return nil, err
		}
		dsts = append(dsts, dst)
	}

	windows, err := blockio.ComputeWindows(outRows, outCols, blockio.Shape{Rows: r.rowsPerBlock(outCols, 2), Cols: outCols}, blockio.Shape{})
	if err != nil {
		return nil, err
	}
	for _, w := range windows {
		b, err := adj.ReadWindowComplex64(w.RowStart, w.ColStart, w.Rows(), w.Cols())
		if err != nil {
			return nil, err
		}
		for j, src := range srcs {
			a, err := src.ReadWindowComplex64(w.RowStart, w.ColStart, w.Rows(), w.Cols())
			if err != nil {
				return nil, err
			}
			applyAdjustment(a, b)
			writer.Queue(a, w.Rows(), w.Cols(), dsts[j], w.RowStart, w.ColStart)
		}
	}
	return dsts, nil
}

// Computes abs(a)*exp(i*(angle(a)+angle(b))) in place. Where b is zero or NaN, a is kept
func applyAdjustment(a, b []complex64) {
	for i, v := range b {
		bb := complex128(v)
		if bb == 0 || cmplx.IsNaN(bb) {
			continue
		}
		a[i] = complex64(complex128(a[i]) * bb / complex(cmplx.Abs(bb), 0))
	}
}

// Writes the per-pixel mean of the given float32 rasters, ignoring NaNs
func (r *run) averageCoherence(files []string, dst string) error {
	outRows, outCols := blockio.OutShape(r.rows, r.cols, r.cfg.Strides)
	srcs := make([]*fits.Raster, 0, len(files))
	defer func() {
		for _, s := range srcs {
			s.Close()
		}
	}()
	for _, f := range files {
		src, err := fits.Open(f)
		if err != nil {
			return err
		}
		srcs = append(srcs, src)
	}
	out, err := fits.Create(dst, outRows, outCols, fits.KindFloat32, 0, 0, nil)
	if err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}

	windows, err := blockio.ComputeWindows(outRows, outCols, blockio.Shape{Rows: r.rowsPerBlock(outCols, len(files)), Cols: outCols}, blockio.Shape{})
	if err != nil {
		return err
	}
	writer := blockio.NewBackgroundWriter(blockio.NewFITSSink(), r.cfg.WriterQueue)
	for _, w := range windows {
		sum := make([]float64, w.Rows()*w.Cols())
		count := make([]int, len(sum))
		for _, src := range srcs {
			data, err := src.ReadWindowFloat32(w.RowStart, w.ColStart, w.Rows(), w.Cols())
			if err != nil {
				return errors.Join(err, writer.Close())
			}
			for i, v := range data {
				if !math.IsNaN(float64(v)) {
					sum[i] += float64(v)
					count[i]++
				}
			}
		}
		mean := make([]float32, len(sum))
		for i := range mean {
			if count[i] == 0 {
				mean[i] = float32(math.NaN())
			} else {
				mean[i] = float32(sum[i] / float64(count[i]))
			}
		}
		writer.Queue(mean, w.Rows(), w.Cols(), dst, w.RowStart, w.ColStart)
	}
	return writer.Close()
}
