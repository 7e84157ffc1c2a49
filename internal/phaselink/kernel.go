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

// Package phaselink estimates one representative phase per acquisition from the
// sample covariance of statistically homogeneous neighbors, and compresses a phase
// linked stack into a single complex image.
package phaselink

import (
	"errors"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/shp"
)

// Returned by a kernel when a tile holds no pixel it can estimate
var ErrNoValidPixels = errors.New("no valid pixels in tile")

// Arguments of a phase linking run over one tile
type Args struct {
	HalfWindow   blockio.HalfWindow
	Strides      blockio.Strides
	Beta         float64 // regularization weight of the identity, in [0,1]
	ReferenceIdx int     // acquisition whose phase is zero in the output
	NodataMask   []bool  // optional, tile-sized, true where no data
	PSMask       []bool  // optional, tile-sized, true for persistent scatterers
	NumWorkers   int     // parallelism over output rows, 0 uses all CPUs
	GPUEnabled   bool
}

// Phase linking output on the strided grid of a tile
type Result struct {
	Phase             *blockio.Cube // unit magnitude phasors, one band per acquisition
	TemporalCoherence []float32     // NaN where no estimate exists
}

// A phase linking estimator
type Kernel interface {
	Estimate(tile *blockio.Cube, neighbors *shp.Mask, args Args) (*Result, error)
}
