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
	"github.com/mlnoga/ministack/internal/fits"
)

// Computes a full-extent nodata mask for the stack, true where every band is zero or NaN
func NodataMask(reader StackReader, block Shape) ([]bool, error) {
	rows, cols := reader.Shape()
	mask := make([]bool, rows*cols)
	windows, err := ComputeWindows(rows, cols, block, Shape{})
	if err != nil {
		return nil, err
	}
	for _, w := range windows {
		cube, err := reader.ReadBlock(w)
		if err != nil {
			return nil, err
		}
		for r := 0; r < cube.Rows; r++ {
			for c := 0; c < cube.Cols; c++ {
				empty := true
				for b := 0; b < cube.Depth && empty; b++ {
					v := cube.At(b, r, c)
					empty = v == 0 || isNaNC(v)
				}
				mask[(w.RowStart+r)*cols+w.ColStart+c] = empty
			}
		}
	}
	return mask, nil
}

// Loads a uint8 mask raster. Non-zero pixels are nodata, unless invert is set,
// in which case zero pixels are nodata.
func LoadMask(fileName string, invert bool) (mask []bool, rows, cols int, err error) {
	data, rows, cols, err := fits.ReadAllUint8(fileName)
	if err != nil {
		return nil, 0, 0, err
	}
	mask = make([]bool, len(data))
	for i, v := range data {
		mask[i] = (v != 0) != invert
	}
	return mask, rows, cols, nil
}

// Writes a mask as uint8 raster, with 1 for true pixels
func SaveMask(fileName string, mask []bool, rows, cols int) error {
	r, err := fits.Create(fileName, rows, cols, fits.KindUint8, 255, 0, nil)
	if err != nil {
		return err
	}
	if err = r.WriteWindow(mask, rows, cols, 0, 0); err != nil {
		r.Close()
		return err
	}
	return r.Close()
}

// Extracts the given window from a row-major full-extent mask with the given number of columns
func SubMask(mask []bool, cols int, w Window) []bool {
	if mask == nil {
		return nil
	}
	res := make([]bool, w.Rows()*w.Cols())
	for r := 0; r < w.Rows(); r++ {
		start := (w.RowStart+r)*cols + w.ColStart
		copy(res[r*w.Cols():(r+1)*w.Cols()], mask[start:start+w.Cols()])
	}
	return res
}

// Extracts the given window from a row-major full-extent float32 raster with the given number of columns
func SubFloat32(data []float32, cols int, w Window) []float32 {
	if data == nil {
		return nil
	}
	res := make([]float32, w.Rows()*w.Cols())
	for r := 0; r < w.Rows(); r++ {
		start := (w.RowStart+r)*cols + w.ColStart
		copy(res[r*w.Cols():(r+1)*w.Cols()], data[start:start+w.Cols()])
	}
	return res
}

// Returns true if all values are true. Empty slices count as all true
func AllTrue(mask []bool) bool {
	for _, m := range mask {
		if !m {
			return false
		}
	}
	return true
}
