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

// Package shp classifies statistically homogeneous pixels: for every pixel of a
// strided output grid, which neighbors in a window around it share its amplitude
// distribution.
package shp

import (
	"fmt"
	"math"
	"runtime"

	"github.com/mlnoga/ministack/internal/blockio"
)

// Statistical test used to decide homogeneity
type Method string

const (
	MethodGLRT Method = "glrt" // generalized likelihood ratio test on Rayleigh scale parameters
	MethodTF   Method = "tf"   // combined two-sided t-test on means and F-test on variances
	MethodRect Method = "rect" // no test, every pixel in the window is a neighbor
)

// Parses a method name
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodGLRT, MethodTF, MethodRect:
		return m, nil
	}
	return "", fmt.Errorf("unknown SHP method '%s'", s)
}

// Boolean neighbor masks for every pixel of the output grid. Window offsets are
// relative to the window center, so the tested pixel itself is always at
// (HalfRow, HalfCol). Positions outside the image are false.
type Mask struct {
	OutRows int
	OutCols int
	HalfRow int
	HalfCol int
	Data    []bool
}

// Creates an empty mask for the given output grid and half window
func NewMask(outRows, outCols int, halfWin blockio.HalfWindow) *Mask {
	winRows, winCols := 2*halfWin.Y+1, 2*halfWin.X+1
	return &Mask{
		OutRows: outRows,
		OutCols: outCols,
		HalfRow: halfWin.Y,
		HalfCol: halfWin.X,
		Data:    make([]bool, outRows*outCols*winRows*winCols),
	}
}

func (m *Mask) WinRows() int { return 2*m.HalfRow + 1 }
func (m *Mask) WinCols() int { return 2*m.HalfCol + 1 }

// Returns the neighbor window of an output pixel as a slice into the mask data
func (m *Mask) Window(outRow, outCol int) []bool {
	size := m.WinRows() * m.WinCols()
	start := (outRow*m.OutCols + outCol) * size
	return m.Data[start : start+size]
}

// Returns whether the pixel at the given offset from the window center is a neighbor
func (m *Mask) At(outRow, outCol, dRow, dCol int) bool {
	return m.Window(outRow, outCol)[(dRow+m.HalfRow)*m.WinCols()+dCol+m.HalfCol]
}

// Number of neighbors of an output pixel, including itself
func (m *Mask) Count(outRow, outCol int) int {
	n := 0
	for _, v := range m.Window(outRow, outCol) {
		if v {
			n++
		}
	}
	return n
}

// Pairwise homogeneity test of the window center against a neighbor, by flat input index
type pairTest func(center, neighbor int) bool

// Estimates the homogeneous neighbors of each pixel of the strided output grid.
// Mean and variance are per-pixel amplitude statistics over nslc acquisitions, row-major
// with the given shape. numWorkers bounds parallelism over output rows, 0 uses all CPUs.
func EstimateNeighbors(mean, variance []float32, rows, cols int, halfWin blockio.HalfWindow,
	nslc int, strides blockio.Strides, alpha float64, method Method, numWorkers int) (*Mask, error) {
	if len(mean) != rows*cols || len(variance) != rows*cols {
		return nil, fmt.Errorf("mean and variance must have %dx%d pixels, got %d and %d", rows, cols, len(mean), len(variance))
	}
	if strides.X < 1 || strides.Y < 1 {
		return nil, fmt.Errorf("invalid strides %+v", strides)
	}
	if halfWin.X < 0 || halfWin.Y < 0 {
		return nil, fmt.Errorf("invalid half window %+v", halfWin)
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("significance level %g outside (0,1)", alpha)
	}

	var test pairTest
	switch method {
	case MethodGLRT:
		if nslc < 1 {
			return nil, fmt.Errorf("GLRT needs at least one acquisition, got %d", nslc)
		}
		test = glrtTest(mean, variance, GLRTCutoff(alpha, nslc))
	case MethodTF:
		if nslc < 2 {
			return nil, fmt.Errorf("t- and F-tests need at least two acquisitions, got %d", nslc)
		}
		a := PerTestAlpha(alpha)
		tLow, tHigh := TCriticalValues(a, nslc)
		fLow, fHigh := FCriticalValues(a, nslc)
		test = tfTest(mean, variance, nslc, tLow, tHigh, fLow, fHigh)
	case MethodRect:
		test = func(center, neighbor int) bool { return true }
	default:
		return nil, fmt.Errorf("unknown SHP method '%s'", method)
	}

	outRows, outCols := blockio.OutShape(rows, cols, strides)
	mask := NewMask(outRows, outCols, halfWin)
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	sem := make(chan bool, numWorkers)
	for outRow := 0; outRow < outRows; outRow++ {
		sem <- true
		go func(outRow int) {
			defer func() { <-sem }()
			loopOverRow(mask, outRow, rows, cols, strides, test)
		}(outRow)
	}
	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}
	return mask, nil
}

// Fills the neighbor masks of one output row. Each output row writes a disjoint part of the mask
func loopOverRow(mask *Mask, outRow, rows, cols int, strides blockio.Strides, test pairTest) {
	r0, c0 := strides.Y/2, strides.X/2
	winCols := mask.WinCols()
	inR := r0 + outRow*strides.Y
	for outCol := 0; outCol < mask.OutCols; outCol++ {
		inC := c0 + outCol*strides.X
		center := inR*cols + inC
		win := mask.Window(outRow, outCol)

		// Clamp the window to the image bounds
		rStart, rEnd := clamp(inR-mask.HalfRow, inR+mask.HalfRow+1, rows)
		cStart, cEnd := clamp(inC-mask.HalfCol, inC+mask.HalfCol+1, cols)
		for inR2 := rStart; inR2 < rEnd; inR2++ {
			rOff := inR2 - inR + mask.HalfRow
			for inC2 := cStart; inC2 < cEnd; inC2++ {
				cOff := inC2 - inC + mask.HalfCol
				neighbor := inR2*cols + inC2
				// itself is always a neighbor
				win[rOff*winCols+cOff] = neighbor == center || test(center, neighbor)
			}
		}
	}
}

func clamp(start, end, n int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	return start, end
}

// Computes per-pixel amplitude mean and population variance over the bands of a cube
// from the given index onwards. NaN amplitudes are ignored; pixels without valid
// samples get NaN.
func MeanVariance(cube *blockio.Cube, from int) (mean, variance []float32) {
	size := cube.Rows * cube.Cols
	mean = make([]float32, size)
	variance = make([]float32, size)
	for p := 0; p < size; p++ {
		sum, sumSq, n := 0.0, 0.0, 0
		for b := from; b < cube.Depth; b++ {
			v := cube.Data[b*size+p]
			a := math.Hypot(float64(real(v)), float64(imag(v)))
			if math.IsNaN(a) {
				continue
			}
			sum += a
			sumSq += a * a
			n++
		}
		if n == 0 {
			mean[p], variance[p] = float32(math.NaN()), float32(math.NaN())
			continue
		}
		mu := sum / float64(n)
		mean[p] = float32(mu)
		variance[p] = float32(math.Max(sumSq/float64(n)-mu*mu, 0))
	}
	return mean, variance
}

// Derives amplitude variance from mean and dispersion, as var = (dispersion*mean)^2
func VarianceFromDispersion(mean, dispersion []float32) []float32 {
	variance := make([]float32, len(mean))
	for i := range mean {
		sigma := dispersion[i] * mean[i]
		variance[i] = sigma * sigma
	}
	return variance
}
