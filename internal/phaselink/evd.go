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
	"runtime"

	"gonum.org/v1/gonum/mat"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/shp"
)

// Eigenvalue decomposition estimator. Phases are taken from the leading eigenvector
// of the regularized sample coherence matrix. GPUEnabled is ignored.
type EVD struct{}

func (EVD) Estimate(tile *blockio.Cube, neighbors *shp.Mask, args Args) (*Result, error) {
	if args.Strides.X < 1 || args.Strides.Y < 1 {
		return nil, fmt.Errorf("invalid strides %+v", args.Strides)
	}
	if args.ReferenceIdx < 0 || args.ReferenceIdx >= tile.Depth {
		return nil, fmt.Errorf("reference index %d outside stack of depth %d", args.ReferenceIdx, tile.Depth)
	}
	if args.Beta < 0 || args.Beta > 1 {
		return nil, fmt.Errorf("beta %g outside [0,1]", args.Beta)
	}
	size := tile.Rows * tile.Cols
	if (args.NodataMask != nil && len(args.NodataMask) != size) || (args.PSMask != nil && len(args.PSMask) != size) {
		return nil, fmt.Errorf("masks must have %dx%d pixels", tile.Rows, tile.Cols)
	}
	outRows, outCols := blockio.OutShape(tile.Rows, tile.Cols, args.Strides)
	if neighbors == nil {
		neighbors = fullWindows(outRows, outCols, tile.Rows, tile.Cols, args.HalfWindow, args.Strides)
	}
	if neighbors.OutRows != outRows || neighbors.OutCols != outCols {
		return nil, fmt.Errorf("neighbor mask %dx%d does not match output grid %dx%d",
			neighbors.OutRows, neighbors.OutCols, outRows, outCols)
	}

	res := &Result{
		Phase:             blockio.NewCube(tile.Depth, outRows, outCols),
		TemporalCoherence: make([]float32, outRows*outCols),
	}
	valid := make([]bool, outRows)

	numWorkers := args.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	sem := make(chan bool, numWorkers)
	for outRow := 0; outRow < outRows; outRow++ {
		sem <- true
		go func(outRow int) {
			defer func() { <-sem }()
			valid[outRow] = estimateRow(tile, neighbors, args, res, outRow)
		}(outRow)
	}
	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}

	for _, v := range valid {
		if v {
			return res, nil
		}
	}
	return nil, ErrNoValidPixels
}

// Rectangular windows clamped to the tile, used when no neighbor mask is given
func fullWindows(outRows, outCols, rows, cols int, halfWin blockio.HalfWindow, strides blockio.Strides) *shp.Mask {
	mask := shp.NewMask(outRows, outCols, halfWin)
	for outRow := 0; outRow < outRows; outRow++ {
		inR := strides.Y/2 + outRow*strides.Y
		for outCol := 0; outCol < outCols; outCol++ {
			inC := strides.X/2 + outCol*strides.X
			win := mask.Window(outRow, outCol)
			for dr := -halfWin.Y; dr <= halfWin.Y; dr++ {
				for dc := -halfWin.X; dc <= halfWin.X; dc++ {
					r, c := inR+dr, inC+dc
					if r >= 0 && r < rows && c >= 0 && c < cols {
						win[(dr+halfWin.Y)*mask.WinCols()+dc+halfWin.X] = true
					}
				}
			}
		}
	}
	return mask
}

// Estimates one output row, returns true if any pixel got an estimate
func estimateRow(tile *blockio.Cube, neighbors *shp.Mask, args Args, res *Result, outRow int) bool {
	n := tile.Depth
	size := tile.Rows * tile.Cols
	cov := make([]complex128, n*n)
	sample := make([]complex128, n)
	evec := make([]complex128, n)
	anyValid := false

	inR := args.Strides.Y/2 + outRow*args.Strides.Y
	for outCol := 0; outCol < res.Phase.Cols; outCol++ {
		inC := args.Strides.X/2 + outCol*args.Strides.X
		out := outRow*res.Phase.Cols + outCol
		center := inR*tile.Cols + inC

		if args.NodataMask != nil && args.NodataMask[center] {
			res.TemporalCoherence[out] = float32(math.NaN())
			continue
		}

		if args.PSMask != nil && args.PSMask[center] && loadSample(tile, center, size, sample) {
			// persistent scatterers keep their own phase history
			if referencePhases(sample, args.ReferenceIdx, evec) {
				for b := 0; b < n; b++ {
					res.Phase.Data[b*res.Phase.Rows*res.Phase.Cols+out] = complex64(evec[b])
				}
				res.TemporalCoherence[out] = 1
				anyValid = true
				continue
			}
		}

		if !sampleCovariance(tile, neighbors, args, outRow, outCol, inR, inC, cov, sample) ||
			!leadingEigenvector(cov, n, args.Beta, sample) ||
			!referencePhases(sample, args.ReferenceIdx, evec) {
			res.TemporalCoherence[out] = float32(math.NaN())
			continue
		}
		for b := 0; b < n; b++ {
			res.Phase.Data[b*res.Phase.Rows*res.Phase.Cols+out] = complex64(evec[b])
		}
		res.TemporalCoherence[out] = float32(temporalCoherence(cov, n, evec))
		anyValid = true
	}
	return anyValid
}

// Copies the samples of one pixel across all bands. False if any is NaN
func loadSample(tile *blockio.Cube, pixel, size int, sample []complex128) bool {
	for b := range sample {
		v := complex128(tile.Data[b*size+pixel])
		if cmplx.IsNaN(v) {
			return false
		}
		sample[b] = v
	}
	return true
}

// Accumulates the sample coherence matrix over the neighbors of a pixel.
// Rows and columns of bands without power are left at identity
func sampleCovariance(tile *blockio.Cube, neighbors *shp.Mask, args Args, outRow, outCol, inR, inC int,
	cov, sample []complex128) bool {
	n, size := tile.Depth, tile.Rows*tile.Cols
	for i := range cov {
		cov[i] = 0
	}
	count := 0
	win := neighbors.Window(outRow, outCol)
	for dr := -neighbors.HalfRow; dr <= neighbors.HalfRow; dr++ {
		r := inR + dr
		if r < 0 || r >= tile.Rows {
			continue
		}
		for dc := -neighbors.HalfCol; dc <= neighbors.HalfCol; dc++ {
			c := inC + dc
			if c < 0 || c >= tile.Cols || !win[(dr+neighbors.HalfRow)*neighbors.WinCols()+dc+neighbors.HalfCol] {
				continue
			}
			p := r*tile.Cols + c
			if args.NodataMask != nil && args.NodataMask[p] {
				continue
			}
			if !loadSample(tile, p, size, sample) {
				continue
			}
			for i := 0; i < n; i++ {
				for j := i; j < n; j++ {
					cov[i*n+j] += sample[i] * cmplx.Conj(sample[j])
				}
			}
			count++
		}
	}
	if count == 0 {
		return false
	}

	power := make([]float64, n)
	nonzero := false
	for i := 0; i < n; i++ {
		power[i] = real(cov[i*n+i])
		if power[i] > 0 {
			nonzero = true
		}
	}
	if !nonzero {
		return false
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var g complex128
			switch {
			case i == j:
				g = 1
			case power[i] > 0 && power[j] > 0:
				g = cov[i*n+j] / complex(math.Sqrt(power[i]*power[j]), 0)
			}
			cov[i*n+j] = g
			cov[j*n+i] = cmplx.Conj(g)
		}
	}
	return true
}

// Computes the leading eigenvector of (1-beta)*coh + beta*I into vec. The Hermitian
// matrix A+iB is decomposed through its real symmetric embedding [[A,-B],[B,A]],
// whose eigenvectors (u,v) correspond to complex eigenvectors u+iv.
func leadingEigenvector(coh []complex128, n int, beta float64, vec []complex128) bool {
	m := 2 * n
	data := make([]float64, m*m)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			g := coh[i*n+j] * complex(1-beta, 0)
			if i == j {
				g += complex(beta, 0)
			}
			a, b := real(g), imag(g)
			data[i*m+j] = a
			data[i*m+n+j] = -b
			data[(n+i)*m+j] = b
			data[(n+i)*m+n+j] = a
		}
	}
	var es mat.EigenSym
	if ok := es.Factorize(mat.NewSymDense(m, data), true); !ok {
		return false
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	last := m - 1 // eigenvalues are ascending
	for i := 0; i < n; i++ {
		vec[i] = complex(vecs.At(i, last), vecs.At(n+i, last))
	}
	return true
}

// Normalizes a phase vector to unit magnitude relative to the reference entry, into out
func referencePhases(vec []complex128, refIdx int, out []complex128) bool {
	ref := vec[refIdx]
	if ref == 0 || cmplx.IsNaN(ref) {
		return false
	}
	refConj := cmplx.Conj(ref) / complex(cmplx.Abs(ref), 0)
	for i, v := range vec {
		a := cmplx.Abs(v)
		if a == 0 {
			out[i] = 0
			continue
		}
		out[i] = v * refConj / complex(a, 0)
	}
	return true
}

// Computes |mean over i<j of exp(i*(angle(coh_ij) - (theta_i - theta_j)))|
func temporalCoherence(coh []complex128, n int, phases []complex128) float64 {
	if n < 2 {
		return 1
	}
	var sum complex128
	count := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			g := coh[i*n+j]
			if g == 0 || phases[i] == 0 || phases[j] == 0 {
				continue
			}
			residual := g / complex(cmplx.Abs(g), 0) * cmplx.Conj(phases[i]) * phases[j]
			sum += residual
			count++
		}
	}
	if count == 0 {
		return math.NaN()
	}
	return cmplx.Abs(sum) / float64(count)
}
