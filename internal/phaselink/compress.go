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

package phaselink

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mlnoga/ministack/internal/blockio"
)

// How a phase linked stack is collapsed into one compressed image
type CompressMode string

const (
	CompressModeNormalized CompressMode = "normalized" // projection onto the normalized estimate, with reference or mean magnitude
	CompressModeMean       CompressMode = "mean"       // plain mean of raw times conjugate estimate
)

// Parses a compression mode. The empty string selects the normalized mode
func ParseCompressMode(s string) (CompressMode, error) {
	switch m := CompressMode(s); m {
	case "":
		return CompressModeNormalized, nil
	case CompressModeNormalized, CompressModeMean:
		return m, nil
	}
	return "", fmt.Errorf("unknown compression mode '%s'", s)
}

// Compresses with the given mode. The magnitude reference is only used in normalized mode
func CompressWith(mode CompressMode, raw, estimate *blockio.Cube, magnitudeRef []float32) ([]complex64, error) {
	switch mode {
	case CompressModeNormalized, "":
		return Compress(raw, estimate, magnitudeRef)
	case CompressModeMean:
		return CompressMean(raw, estimate)
	}
	return nil, fmt.Errorf("unknown compression mode '%s'", mode)
}

// Projects the raw samples of each pixel onto its normalized phase estimate and returns
// one complex image. Its phase is the angle of the projection, its magnitude is taken
// from magnitudeRef if given, else the mean raw magnitude. An estimate on a coarser grid
// is upsampled to the raw grid by nearest neighbor. Pixels with a zero estimate are NaN.
func Compress(raw, estimate *blockio.Cube, magnitudeRef []float32) ([]complex64, error) {
	est, err := matchEstimate(raw, estimate)
	if err != nil {
		return nil, err
	}
	size := raw.Rows * raw.Cols
	if magnitudeRef != nil && len(magnitudeRef) != size {
		return nil, fmt.Errorf("magnitude reference has %d pixels, want %d", len(magnitudeRef), size)
	}
	nan := float32(math.NaN())
	res := make([]complex64, size)
	for p := 0; p < size; p++ {
		var dot complex128
		norm, magSum, magCount := 0.0, 0.0, 0
		for b := 0; b < raw.Depth; b++ {
			e := complex128(est.Data[b*size+p])
			a := cmplx.Abs(e)
			norm += a * a
			v := complex128(raw.Data[b*size+p]) * cmplx.Conj(e)
			if !cmplx.IsNaN(v) {
				dot += v
			}
			if m := cmplx.Abs(complex128(raw.Data[b*size+p])); !math.IsNaN(m) {
				magSum += m
				magCount++
			}
		}
		if norm == 0 || math.IsNaN(norm) {
			res[p] = complex(nan, nan)
			continue
		}
		phase := cmplx.Phase(dot / complex(math.Sqrt(norm), 0))

		var mag float64
		switch {
		case magnitudeRef != nil:
			mag = float64(magnitudeRef[p])
		case magCount > 0:
			mag = magSum / float64(magCount)
		default:
			mag = math.NaN()
		}
		res[p] = complex64(cmplx.Rect(mag, phase))
	}
	return res, nil
}

// Returns the per-pixel mean of raw times conjugate estimate, ignoring NaN products
func CompressMean(raw, estimate *blockio.Cube) ([]complex64, error) {
	est, err := matchEstimate(raw, estimate)
	if err != nil {
		return nil, err
	}
	size := raw.Rows * raw.Cols
	nan := float32(math.NaN())
	res := make([]complex64, size)
	for p := 0; p < size; p++ {
		var sum complex128
		count := 0
		for b := 0; b < raw.Depth; b++ {
			v := complex128(raw.Data[b*size+p]) * cmplx.Conj(complex128(est.Data[b*size+p]))
			if cmplx.IsNaN(v) {
				continue
			}
			sum += v
			count++
		}
		if count == 0 {
			res[p] = complex(nan, nan)
			continue
		}
		res[p] = complex64(sum / complex(float64(count), 0))
	}
	return res, nil
}

// Appends one acquisition to a mean-mode compressed image built from n acquisitions,
// in place. Pixels where the new product is NaN keep their value.
func CompressMeanAppend(compressed []complex64, n int, slc, estimate []complex64) error {
	if len(slc) != len(compressed) || len(estimate) != len(compressed) {
		return fmt.Errorf("length mismatch: compressed %d, slc %d, estimate %d", len(compressed), len(slc), len(estimate))
	}
	if n < 1 {
		return fmt.Errorf("invalid number of compressed acquisitions %d", n)
	}
	n1 := complex(float64(n+1), 0)
	for i, c := range compressed {
		v := complex128(slc[i]) * cmplx.Conj(complex128(estimate[i]))
		if cmplx.IsNaN(v) {
			continue
		}
		old := complex128(c)
		if cmplx.IsNaN(old) {
			compressed[i] = complex64(v)
			continue
		}
		compressed[i] = complex64(old + (v-old)/n1)
	}
	return nil
}

// Checks depths and brings the estimate onto the raw grid
func matchEstimate(raw, estimate *blockio.Cube) (*blockio.Cube, error) {
	if raw.Depth != estimate.Depth {
		return nil, fmt.Errorf("raw stack has %d bands, estimate %d", raw.Depth, estimate.Depth)
	}
	if raw.Rows == estimate.Rows && raw.Cols == estimate.Cols {
		return estimate, nil
	}
	if estimate.Rows == 0 || estimate.Cols == 0 || estimate.Rows > raw.Rows || estimate.Cols > raw.Cols {
		return nil, fmt.Errorf("cannot upsample estimate of %dx%d to %dx%d", estimate.Rows, estimate.Cols, raw.Rows, raw.Cols)
	}
	return UpsampleNearest(estimate, raw.Rows, raw.Cols), nil
}

// Upsamples a cube by repeating each pixel ceil(out/in) times along each axis,
// cropped to the requested shape
func UpsampleNearest(c *blockio.Cube, rows, cols int) *blockio.Cube {
	upR := (rows + c.Rows - 1) / c.Rows
	upC := (cols + c.Cols - 1) / c.Cols
	res := blockio.NewCube(c.Depth, rows, cols)
	for b := 0; b < c.Depth; b++ {
		for r := 0; r < rows; r++ {
			for col := 0; col < cols; col++ {
				res.Set(b, r, col, c.At(b, r/upR, col/upC))
			}
		}
	}
	return res
}

// Expands an estimate on the strided output grid to the given input shape. Each input
// pixel takes the output pixel of its stride cell, edge pixels beyond the grid the last one.
func ExpandStrides(c *blockio.Cube, strides blockio.Strides, rows, cols int) *blockio.Cube {
	res := blockio.NewCube(c.Depth, rows, cols)
	if c.Rows == 0 || c.Cols == 0 {
		return res
	}
	for b := 0; b < c.Depth; b++ {
		for r := 0; r < rows; r++ {
			outRow := r / strides.Y
			if outRow >= c.Rows {
				outRow = c.Rows - 1
			}
			for col := 0; col < cols; col++ {
				outCol := col / strides.X
				if outCol >= c.Cols {
					outCol = c.Cols - 1
				}
				res.Set(b, r, col, c.At(b, outRow, outCol))
			}
		}
	}
	return res
}
