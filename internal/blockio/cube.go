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
	"math/cmplx"
)

// A stack of complex bands over a common window. Index order is band, row, column
type Cube struct {
	Depth int
	Rows  int
	Cols  int
	Data  []complex64
}

// Creates a zero-filled cube of the given dimensions
func NewCube(depth, rows, cols int) *Cube {
	return &Cube{Depth: depth, Rows: rows, Cols: cols, Data: make([]complex64, depth*rows*cols)}
}

// Returns the value at the given band, row and column
func (c *Cube) At(band, row, col int) complex64 {
	return c.Data[(band*c.Rows+row)*c.Cols+col]
}

// Sets the value at the given band, row and column
func (c *Cube) Set(band, row, col int, v complex64) {
	c.Data[(band*c.Rows+row)*c.Cols+col] = v
}

// Returns the given band as a slice into the cube data
func (c *Cube) Band(band int) []complex64 {
	size := c.Rows * c.Cols
	return c.Data[band*size : (band+1)*size]
}

// Returns a cube sharing data with bands from onwards
func (c *Cube) BandsFrom(from int) *Cube {
	size := c.Rows * c.Cols
	return &Cube{Depth: c.Depth - from, Rows: c.Rows, Cols: c.Cols, Data: c.Data[from*size:]}
}

// Returns true if all values are zero or all values are NaN
func (c *Cube) IsEmpty() bool {
	allZero, allNaN := true, true
	for _, v := range c.Data {
		if v != 0 {
			allZero = false
		}
		if !isNaNC(v) {
			allNaN = false
		}
		if !allZero && !allNaN {
			return false
		}
	}
	return true
}

// Samples the cube on the output grid of the given strides, starting from the center
// of the first stride cell. The result has exactly outRows by outCols pixels per band.
func (c *Cube) Decimate(strides Strides, outRows, outCols int) *Cube {
	res := NewCube(c.Depth, outRows, outCols)
	r0, c0 := strides.Y/2, strides.X/2
	for b := 0; b < c.Depth; b++ {
		for r := 0; r < outRows; r++ {
			inRow := r0 + r*strides.Y
			if inRow >= c.Rows {
				break
			}
			for col := 0; col < outCols; col++ {
				inCol := c0 + col*strides.X
				if inCol >= c.Cols {
					break
				}
				res.Set(b, r, col, c.At(b, inRow, inCol))
			}
		}
	}
	return res
}

// Returns per-pixel amplitudes of the bands from the given index onwards, in band, row, column order
func (c *Cube) Magnitude(from int) []float32 {
	size := c.Rows * c.Cols
	src := c.Data[from*size:]
	res := make([]float32, len(src))
	for i, v := range src {
		res[i] = float32(cmplx.Abs(complex128(v)))
	}
	return res
}

func isNaNC(v complex64) bool {
	return real(v) != real(v) || imag(v) != imag(v)
}
