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

// Package ps finds persistent scatterers, pixels whose amplitude hardly varies over time.
package ps

import (
	"fmt"
	"math"
)

// Nodata sentinels of the PS products
const (
	NodataPS            uint8   = 255
	NodataAmpMean       float32 = 0
	NodataAmpDispersion float32 = 0
)

// Metadata key holding the number of acquisitions behind mean and dispersion rasters
const KeyNumSLC = "NSLC"

// Default amplitude dispersion threshold below which a pixel is a PS
const DefaultThreshold = 0.25

// Computes mean amplitude, amplitude dispersion and PS flags for a block.
// Magnitudes are laid out band by band, with size pixels per band. NaNs are ignored.
// Pixels with fewer than minCount valid samples get dispersion 0, which means nodata,
// as do pixels with zero mean. A negative minCount defaults to 90% of the depth.
func CalcBlock(magnitude []float32, depth, size int, threshold float64, minCount int) (mean, dispersion []float32, ps []bool) {
	if minCount < 0 {
		minCount = int(0.9 * float64(depth))
	}
	mean = make([]float32, size)
	dispersion = make([]float32, size)
	ps = make([]bool, size)
	for p := 0; p < size; p++ {
		sum, count := 0.0, 0
		for b := 0; b < depth; b++ {
			if v := float64(magnitude[b*size+p]); !math.IsNaN(v) {
				sum += v
				count++
			}
		}
		if count == 0 {
			continue // mean and dispersion stay at nodata
		}
		mu := sum / float64(count)
		sumSq := 0.0
		for b := 0; b < depth; b++ {
			if v := float64(magnitude[b*size+p]); !math.IsNaN(v) {
				sumSq += (v - mu) * (v - mu)
			}
		}
		std := math.Sqrt(sumSq / float64(count))

		mean[p] = finiteOrZero(mu)
		if count < minCount {
			continue
		}
		dispersion[p] = finiteOrZero(std / mu)
		ps[p] = dispersion[p] != 0 && float64(dispersion[p]) < threshold
	}
	return mean, dispersion, ps
}

func finiteOrZero(v float64) float32 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return float32(v)
}

// Converts PS flags into the uint8 raster encoding, with nodata where the dispersion is zero
func EncodePS(ps []bool, dispersion []float32) []uint8 {
	res := make([]uint8, len(ps))
	for i, p := range ps {
		switch {
		case dispersion[i] == 0:
			res[i] = NodataPS
		case p:
			res[i] = 1
		}
	}
	return res
}

// Updates mean amplitude and amplitude dispersion computed from n acquisitions with the
// amplitudes of one new acquisition, in place, using Welford's online algorithm.
// Pixels with nodata statistics or NaN amplitude are left unchanged.
func Update(mean, dispersion []float32, n int, amp []float32) error {
	if len(mean) != len(dispersion) || len(mean) != len(amp) {
		return fmt.Errorf("length mismatch: mean %d, dispersion %d, amplitude %d", len(mean), len(dispersion), len(amp))
	}
	if n < 1 {
		return fmt.Errorf("invalid number of prior acquisitions %d", n)
	}
	n1 := float64(n + 1)
	for i := range mean {
		x := float64(amp[i])
		if mean[i] == NodataAmpMean || math.IsNaN(x) {
			continue
		}
		meanN := float64(mean[i])
		dispN := float64(dispersion[i])
		varN := dispN * dispN * meanN * meanN

		meanN1 := meanN + (x-meanN)/n1
		varN1 := varN + ((x-meanN)*(x-meanN1)-varN)/n1

		mean[i] = finiteOrZero(meanN1)
		dispersion[i] = finiteOrZero(math.Sqrt(math.Max(varN1, 0)) / meanN1)
	}
	return nil
}
