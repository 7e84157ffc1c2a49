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

package blockio

import (
	"fmt"
	"math"
)

// A rectangular window into a raster. Start indices are inclusive, stop indices exclusive
type Window struct {
	RowStart int `json:"rowStart"`
	RowStop  int `json:"rowStop"`
	ColStart int `json:"colStart"`
	ColStop  int `json:"colStop"`
}

func (w Window) Rows() int { return w.RowStop - w.RowStart }
func (w Window) Cols() int { return w.ColStop - w.ColStart }

func (w Window) String() string {
	return fmt.Sprintf("rows %d:%d cols %d:%d", w.RowStart, w.RowStop, w.ColStart, w.ColStop)
}

// Decimation factors of the output grid
type Strides struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Half sizes of a neighborhood window. Full size is 2*half+1
type HalfWindow struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Shape of a block, in rows and columns
type Shape struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Returns the output grid shape for the given input shape and strides
func OutShape(rows, cols int, strides Strides) (outRows, outCols int) {
	return rows / strides.Y, cols / strides.X
}

// Returns the output window corresponding to an input window under the given strides
func (w Window) Out(strides Strides) Window {
	return Window{
		RowStart: w.RowStart / strides.Y,
		RowStop:  w.RowStop / strides.Y,
		ColStart: w.ColStart / strides.X,
		ColStop:  w.ColStop / strides.X,
	}
}

// Computes the windows of blocks covering a raster of given extent.
// Consecutive blocks overlap by the given amounts, blocks are clipped at the raster edges.
// Without overlap, the windows partition the raster.
func ComputeWindows(rows, cols int, block Shape, overlaps Shape) ([]Window, error) {
	height, width := block.Rows, block.Cols
	if height <= 0 || height > rows {
		height = rows
	}
	if width <= 0 || width > cols {
		width = cols
	}
	if overlaps.Rows < 0 || overlaps.Cols < 0 {
		return nil, fmt.Errorf("negative overlaps %d,%d", overlaps.Rows, overlaps.Cols)
	}
	if overlaps.Rows >= height && height != rows {
		return nil, fmt.Errorf("row overlap %d must be smaller than block height %d", overlaps.Rows, height)
	}
	if overlaps.Cols >= width && width != cols {
		return nil, fmt.Errorf("column overlap %d must be smaller than block width %d", overlaps.Cols, width)
	}

	windows := []Window{}
	for rowOff := 0; rowOff < rows; {
		rowEnd := rowOff + height
		if rowEnd > rows {
			rowEnd = rows
		}
		for colOff := 0; colOff < cols; {
			colEnd := colOff + width
			if colEnd > cols {
				colEnd = cols
			}
			windows = append(windows, Window{rowOff, rowEnd, colOff, colEnd})
			if colEnd == cols {
				break
			}
			colOff = colEnd - overlaps.Cols
		}
		if rowEnd == rows {
			break
		}
		rowOff = rowEnd - overlaps.Rows
	}
	return windows, nil
}

// Returns the largest roughly square block shape whose stack of the given depth
// fits into maxBytes of complex64 values. The shape is aligned to the strides.
func AutoBlockShape(depth, rows, cols int, strides Strides, maxBytes int64) Shape {
	if depth < 1 {
		depth = 1
	}
	pixels := maxBytes / (int64(depth) * 8)
	if pixels < 1 {
		pixels = 1
	}
	side := int(math.Sqrt(float64(pixels)))
	s := Shape{Rows: side, Cols: side}
	if s.Rows > rows {
		s.Rows = rows
		s.Cols = int(pixels / int64(rows))
	}
	if s.Cols > cols {
		s.Cols = cols
		s.Rows = int(pixels / int64(cols))
		if s.Rows > rows {
			s.Rows = rows
		}
	}
	return s.AlignTo(strides)
}

// Rounds the shape down to a multiple of the strides, keeping at least one stride
func (s Shape) AlignTo(strides Strides) Shape {
	if strides.Y > 1 {
		s.Rows = (s.Rows / strides.Y) * strides.Y
		if s.Rows < strides.Y {
			s.Rows = strides.Y
		}
	}
	if strides.X > 1 {
		s.Cols = (s.Cols / strides.X) * strides.X
		if s.Cols < strides.X {
			s.Cols = strides.X
		}
	}
	if s.Rows < 1 {
		s.Rows = 1
	}
	if s.Cols < 1 {
		s.Cols = 1
	}
	return s
}
