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
	"io"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/phaselink"
	"github.com/mlnoga/ministack/internal/shp"
)

// State shared by all tile loops of a run
type run struct {
	log    io.Writer
	cfg    *Config
	kernel phaselink.Kernel
	rows   int
	cols   int

	nodata  []bool    // full extent, true where no data, nil if unknown
	ps      []bool    // full extent, true for persistent scatterers, nil if none
	ampMean []float32 // optional precomputed amplitude statistics for SHP estimation
	ampVar  []float32
	ampNSLC int
}

// A phase linked tile
type linkedTile struct {
	cube   *blockio.Cube
	window blockio.Window
	result *phaselink.Result
	in     blockio.Window // part of the input window this tile writes, absolute
	out    blockio.Window // part of the output grid this tile writes, absolute
}

// Offset of the owned output window within the tile's output grid
func (t *linkedTile) outOffset(strides blockio.Strides) (row, col int) {
	return t.out.RowStart - t.window.RowStart/strides.Y, t.out.ColStart - t.window.ColStart/strides.X
}

// Splits the overlap with each neighboring tile evenly, so that owned windows of
// all tiles partition the raster and its output grid
func (r *run) owned(w blockio.Window) (in, out blockio.Window) {
	ov := r.cfg.overlaps()
	in = w
	if w.RowStart > 0 {
		in.RowStart += ov.Rows / 2
	}
	if w.RowStop < r.rows {
		in.RowStop -= ov.Rows - ov.Rows/2
	}
	if w.ColStart > 0 {
		in.ColStart += ov.Cols / 2
	}
	if w.ColStop < r.cols {
		in.ColStop -= ov.Cols - ov.Cols/2
	}
	return in, in.Out(r.cfg.Strides)
}

// Streams the stack in overlapping tiles, estimates homogeneous neighbors from the
// amplitudes of bands statsFrom onwards, phase links each tile against the given
// reference and hands the result to handle. Tiles without valid pixels are skipped.
func (r *run) linkTiles(reader blockio.StackReader, label string, statsFrom, refIdx int, handle func(t *linkedTile) error) error {
	depth := reader.Len()
	loader, err := blockio.NewEagerLoader(reader, blockio.LoaderOptions{
		BlockShape: r.cfg.blockShape(depth, r.rows, r.cols),
		Overlaps:   r.cfg.overlaps(),
		NodataMask: r.nodata,
		SkipEmpty:  r.nodata == nil,
	})
	if err != nil {
		return err
	}
	defer loader.Close()

	for loader.Next() {
		cube, w := loader.Block()
		t := &linkedTile{cube: cube, window: w}
		t.in, t.out = r.owned(w)
		if t.out.Rows() <= 0 || t.out.Cols() <= 0 {
			continue
		}

		mean, variance, nslc := r.ampStats(cube, w, statsFrom)
		neighbors, err := shp.EstimateNeighbors(mean, variance, w.Rows(), w.Cols(), r.cfg.HalfWindow, nslc,
			r.cfg.Strides, r.cfg.SHPAlpha, r.cfg.SHPMethod, r.cfg.NumWorkers)
		if err != nil {
			return fmt.Errorf("%s, %s: %w", label, w, err)
		}

		t.result, err = r.kernel.Estimate(cube, neighbors, phaselink.Args{
			HalfWindow:   r.cfg.HalfWindow,
			Strides:      r.cfg.Strides,
			Beta:         r.cfg.Beta,
			ReferenceIdx: refIdx,
			NodataMask:   blockio.SubMask(r.nodata, r.cols, w),
			PSMask:       blockio.SubMask(r.ps, r.cols, w),
			NumWorkers:   r.cfg.NumWorkers,
			GPUEnabled:   r.cfg.GPUEnabled,
		})
		if errors.Is(err, phaselink.ErrNoValidPixels) {
			// empty tiles are filtered by the loader, so this one had data the kernel could not use
			fmt.Fprintf(r.log, "\nWarning: %s, %s passed the empty check but has no valid pixels, skipping.\n", label, w)
			continue
		} else if err != nil {
			return fmt.Errorf("%s, %s: %w", label, w, err)
		}

		if err = handle(t); err != nil {
			return fmt.Errorf("%s, %s: %w", label, w, err)
		}
		fmt.Fprintf(r.log, "\r%d%%", 100*loader.NumVisited()/loader.NumWindows())
	}
	fmt.Fprintf(r.log, "\n")
	if err := loader.Err(); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	if n := loader.NumSkipped(); n > 0 {
		fmt.Fprintf(r.log, "Skipped %d of %d empty blocks.\n", n, loader.NumWindows())
	}
	return nil
}

// Amplitude statistics for SHP estimation: the precomputed ones if loaded, else
// computed from the tile's bands from the given index onwards
func (r *run) ampStats(cube *blockio.Cube, w blockio.Window, from int) (mean, variance []float32, nslc int) {
	if r.ampMean != nil {
		return blockio.SubFloat32(r.ampMean, r.cols, w), blockio.SubFloat32(r.ampVar, r.cols, w), r.ampNSLC
	}
	mean, variance = shp.MeanVariance(cube, from)
	return mean, variance, cube.Depth - from
}

// Crops a row-major raster with the given number of columns to rows r0:r1 and columns c0:c1
func cropComplex64(data []complex64, cols, r0, r1, c0, c1 int) []complex64 {
	res := make([]complex64, 0, (r1-r0)*(c1-c0))
	for r := r0; r < r1; r++ {
		res = append(res, data[r*cols+c0:r*cols+c1]...)
	}
	return res
}

func cropFloat32(data []float32, cols, r0, r1, c0, c1 int) []float32 {
	res := make([]float32, 0, (r1-r0)*(c1-c0))
	for r := r0; r < r1; r++ {
		res = append(res, data[r*cols+c0:r*cols+c1]...)
	}
	return res
}

// Queues the owned part of one output band of a tile
func (r *run) queueOutBand(writer *blockio.BackgroundWriter, t *linkedTile, band []complex64, fileName string) {
	or, oc := t.outOffset(r.cfg.Strides)
	data := cropComplex64(band, t.result.Phase.Cols, or, or+t.out.Rows(), oc, oc+t.out.Cols())
	writer.Queue(data, t.out.Rows(), t.out.Cols(), fileName, t.out.RowStart, t.out.ColStart)
}
