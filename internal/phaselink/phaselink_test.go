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
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/shp"
)

// A noise-free tile where every pixel follows the same phase history, with random amplitudes
func coherentTile(depth, rows, cols int, seed uint32) (*blockio.Cube, []float64) {
	rng := fastrand.RNG{}
	rng.Seed(seed)
	phases := make([]float64, depth)
	for b := range phases {
		phases[b] = (float64(rng.Uint32n(6283)) / 1000) - math.Pi
	}
	tile := blockio.NewCube(depth, rows, cols)
	for b := 0; b < depth; b++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				amp := 0.5 + float64(rng.Uint32n(1000))/1000
				tile.Set(b, r, c, complex64(cmplx.Rect(amp, phases[b])))
			}
		}
	}
	return tile, phases
}

func phaseDiff(a complex64, want float64) float64 {
	d := cmplx.Phase(complex128(a)) - want
	return math.Abs(math.Remainder(d, 2*math.Pi))
}

func TestEVDRecoversCoherentPhase(t *testing.T) {
	depth, rows, cols := 6, 9, 8
	tile, phases := coherentTile(depth, rows, cols, 1)
	for _, test := range []struct {
		strides blockio.Strides
		ref     int
	}{
		{blockio.Strides{X: 1, Y: 1}, 0},
		{blockio.Strides{X: 2, Y: 3}, 2},
	} {
		args := Args{HalfWindow: blockio.HalfWindow{X: 2, Y: 1}, Strides: test.strides, Beta: 0.1, ReferenceIdx: test.ref, NumWorkers: 2}
		res, err := EVD{}.Estimate(tile, nil, args)
		if err != nil {
			t.Fatal(err)
		}
		outRows, outCols := blockio.OutShape(rows, cols, test.strides)
		if res.Phase.Rows != outRows || res.Phase.Cols != outCols || res.Phase.Depth != depth {
			t.Fatalf("output %dx%dx%d; want %dx%dx%d", res.Phase.Depth, res.Phase.Rows, res.Phase.Cols, depth, outRows, outCols)
		}
		for r := 0; r < outRows; r++ {
			for c := 0; c < outCols; c++ {
				if tc := res.TemporalCoherence[r*outCols+c]; tc < 0.999 || tc > 1.0001 {
					t.Errorf("strides %+v pixel %d,%d: temporal coherence %v; want 1", test.strides, r, c, tc)
				}
				for b := 0; b < depth; b++ {
					v := res.Phase.At(b, r, c)
					if math.Abs(cmplx.Abs(complex128(v))-1) > 1e-5 {
						t.Errorf("pixel %d,%d band %d: magnitude %v; want 1", r, c, b, cmplx.Abs(complex128(v)))
					}
					if d := phaseDiff(v, phases[b]-phases[test.ref]); d > 1e-4 {
						t.Errorf("strides %+v pixel %d,%d band %d: phase off by %v", test.strides, r, c, b, d)
					}
				}
			}
		}
	}
}

func TestEVDUsesNeighborMask(t *testing.T) {
	tile, phases := coherentTile(4, 5, 5, 2)
	// only the center itself is a neighbor
	mask := shp.NewMask(5, 5, blockio.HalfWindow{X: 1, Y: 1})
	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			mask.Window(r, c)[4] = true
		}
	}
	res, err := EVD{}.Estimate(tile, mask, Args{HalfWindow: blockio.HalfWindow{X: 1, Y: 1}, Strides: blockio.Strides{X: 1, Y: 1}})
	if err != nil {
		t.Fatal(err)
	}
	for b := 0; b < 4; b++ {
		if d := phaseDiff(res.Phase.At(b, 2, 2), phases[b]-phases[0]); d > 1e-4 {
			t.Errorf("band %d: phase off by %v", b, d)
		}
	}

	_, err = EVD{}.Estimate(tile, mask, Args{HalfWindow: blockio.HalfWindow{X: 1, Y: 1}, Strides: blockio.Strides{X: 2, Y: 2}})
	if err == nil {
		t.Errorf("expected error for mask not matching the output grid")
	}
}

func TestEVDPersistentScatterersKeepOwnPhase(t *testing.T) {
	depth, rows, cols := 5, 5, 5
	tile, _ := coherentTile(depth, rows, cols, 3)
	own := []float64{0.3, -1.2, 2.5, 0.1, -2.9}
	for b := 0; b < depth; b++ {
		tile.Set(b, 2, 2, complex64(cmplx.Rect(3, own[b])))
	}
	ps := make([]bool, rows*cols)
	ps[2*cols+2] = true
	res, err := EVD{}.Estimate(tile, nil, Args{HalfWindow: blockio.HalfWindow{X: 1, Y: 1}, Strides: blockio.Strides{X: 1, Y: 1}, PSMask: ps, ReferenceIdx: 1})
	if err != nil {
		t.Fatal(err)
	}
	if tc := res.TemporalCoherence[2*cols+2]; tc != 1 {
		t.Errorf("PS temporal coherence %v; want 1", tc)
	}
	for b := 0; b < depth; b++ {
		if d := phaseDiff(res.Phase.At(b, 2, 2), own[b]-own[1]); d > 1e-5 {
			t.Errorf("band %d: PS phase off by %v", b, d)
		}
	}
}

func TestEVDNodata(t *testing.T) {
	tile, _ := coherentTile(3, 4, 4, 4)
	nodata := make([]bool, 16)
	nodata[0] = true
	res, err := EVD{}.Estimate(tile, nil, Args{HalfWindow: blockio.HalfWindow{X: 1, Y: 1}, Strides: blockio.Strides{X: 1, Y: 1}, NodataMask: nodata})
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(float64(res.TemporalCoherence[0])) || res.Phase.At(1, 0, 0) != 0 {
		t.Errorf("nodata pixel got coherence %v phase %v", res.TemporalCoherence[0], res.Phase.At(1, 0, 0))
	}

	for i := range nodata {
		nodata[i] = true
	}
	_, err = EVD{}.Estimate(tile, nil, Args{HalfWindow: blockio.HalfWindow{X: 1, Y: 1}, Strides: blockio.Strides{X: 1, Y: 1}, NodataMask: nodata})
	if !errors.Is(err, ErrNoValidPixels) {
		t.Errorf("err=%v; want ErrNoValidPixels", err)
	}

	_, err = EVD{}.Estimate(blockio.NewCube(3, 4, 4), nil, Args{Strides: blockio.Strides{X: 1, Y: 1}})
	if !errors.Is(err, ErrNoValidPixels) {
		t.Errorf("all-zero tile: err=%v; want ErrNoValidPixels", err)
	}
}

func TestEVDRejectsBadArgs(t *testing.T) {
	tile, _ := coherentTile(3, 4, 4, 5)
	tests := []Args{
		{Strides: blockio.Strides{X: 0, Y: 1}},
		{Strides: blockio.Strides{X: 1, Y: 1}, ReferenceIdx: 3},
		{Strides: blockio.Strides{X: 1, Y: 1}, Beta: 1.5},
		{Strides: blockio.Strides{X: 1, Y: 1}, PSMask: make([]bool, 3)},
	}
	for i, args := range tests {
		if _, err := (EVD{}).Estimate(tile, nil, args); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

// A stack where every acquisition has the same phase per pixel
func constantPhaseStack(depth, rows, cols int) (raw, estimate *blockio.Cube, phase []float64, meanMag []float64) {
	raw = blockio.NewCube(depth, rows, cols)
	estimate = blockio.NewCube(depth, rows, cols)
	size := rows * cols
	phase = make([]float64, size)
	meanMag = make([]float64, size)
	for p := 0; p < size; p++ {
		phase[p] = -3 + 0.4*float64(p)
		for b := 0; b < depth; b++ {
			mag := 1 + float64(b) + float64(p)/10
			raw.Data[b*size+p] = complex64(cmplx.Rect(mag, phase[p]))
			estimate.Data[b*size+p] = 1
			meanMag[p] += mag / float64(depth)
		}
	}
	return raw, estimate, phase, meanMag
}

func TestCompressRoundTrip(t *testing.T) {
	raw, est, phase, meanMag := constantPhaseStack(5, 3, 4)
	got, err := Compress(raw, est, nil)
	if err != nil {
		t.Fatal(err)
	}
	ref := make([]float32, len(got))
	for p, v := range got {
		if d := phaseDiff(v, phase[p]); d > 1e-5 {
			t.Errorf("pixel %d: phase off by %v", p, d)
		}
		if m := cmplx.Abs(complex128(v)); math.Abs(m-meanMag[p]) > 1e-4 {
			t.Errorf("pixel %d: magnitude %v; want %v", p, m, meanMag[p])
		}
		ref[p] = 7
	}

	got, err = Compress(raw, est, ref)
	if err != nil {
		t.Fatal(err)
	}
	for p, v := range got {
		if m := cmplx.Abs(complex128(v)); math.Abs(m-7) > 1e-5 {
			t.Errorf("pixel %d: magnitude %v; want reference 7", p, m)
		}
	}
}

func TestCompressZeroEstimateIsNaN(t *testing.T) {
	raw, est, _, _ := constantPhaseStack(3, 2, 2)
	for b := 0; b < 3; b++ {
		est.Set(b, 1, 1, 0)
	}
	got, err := Compress(raw, est, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !cmplx.IsNaN(complex128(got[3])) {
		t.Errorf("zero estimate pixel=%v; want NaN", got[3])
	}
	if cmplx.IsNaN(complex128(got[0])) {
		t.Errorf("valid pixel is NaN")
	}
}

func TestCompressUpsamplesCoarseEstimate(t *testing.T) {
	raw, _, phase, _ := constantPhaseStack(2, 4, 6)
	coarse := blockio.NewCube(2, 2, 3)
	for i := range coarse.Data {
		coarse.Data[i] = 1
	}
	got, err := Compress(raw, coarse, nil)
	if err != nil {
		t.Fatal(err)
	}
	for p, v := range got {
		if d := phaseDiff(v, phase[p]); d > 1e-5 {
			t.Errorf("pixel %d: phase off by %v", p, d)
		}
	}
	if _, err := Compress(raw, blockio.NewCube(3, 4, 6), nil); err == nil {
		t.Errorf("expected error for depth mismatch")
	}

	up := UpsampleNearest(&blockio.Cube{Depth: 1, Rows: 2, Cols: 2, Data: []complex64{1, 2, 3, 4}}, 3, 4)
	want := []complex64{1, 1, 2, 2, 1, 1, 2, 2, 3, 3, 4, 4}
	for i := range want {
		if up.Data[i] != want[i] {
			t.Fatalf("upsampled=%v; want %v", up.Data, want)
		}
	}
}

func TestCompressMeanAndAppend(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(6)
	depth, size := 7, 10
	raw := blockio.NewCube(depth, 1, size)
	est := blockio.NewCube(depth, 1, size)
	for i := range raw.Data {
		raw.Data[i] = complex(float32(rng.Uint32n(1000))/100, float32(rng.Uint32n(1000))/100-5)
		est.Data[i] = complex64(cmplx.Rect(1, float64(rng.Uint32n(6283))/1000))
	}
	raw.Data[3] = complex(float32(math.NaN()), 0)

	want, err := CompressMean(raw, est)
	if err != nil {
		t.Fatal(err)
	}
	// incrementally from the first band
	got, err := CompressMean(&blockio.Cube{Depth: 1, Rows: 1, Cols: size, Data: raw.Band(0)},
		&blockio.Cube{Depth: 1, Rows: 1, Cols: size, Data: est.Band(0)})
	if err != nil {
		t.Fatal(err)
	}
	if !cmplx.IsNaN(complex128(got[3])) {
		t.Errorf("single NaN sample=%v; want NaN", got[3])
	}
	for b := 1; b < depth; b++ {
		if err := CompressMeanAppend(got, b, raw.Band(b), est.Band(b)); err != nil {
			t.Fatal(err)
		}
	}
	for p := range want {
		if p == 3 {
			// one sample fewer, appended from the second band onwards
			continue
		}
		if cmplx.Abs(complex128(got[p]-want[p])) > 1e-4 {
			t.Errorf("pixel %d: appended %v; want %v", p, got[p], want[p])
		}
	}
	if err := CompressMeanAppend(got, 0, raw.Band(0), est.Band(0)); err == nil {
		t.Errorf("expected error for n=0")
	}

	if m, err := ParseCompressMode(""); err != nil || m != CompressModeNormalized {
		t.Errorf("default mode=%v, %v; want normalized", m, err)
	}
	if _, err := ParseCompressMode("median"); err == nil {
		t.Errorf("expected error for unknown mode")
	}

	viaMode, err := CompressWith(CompressModeMean, raw, est, nil)
	if err != nil {
		t.Fatal(err)
	}
	for p := range want {
		if p != 3 && viaMode[p] != want[p] {
			t.Errorf("pixel %d: mean mode %v; want %v", p, viaMode[p], want[p])
		}
	}
	if _, err := CompressWith(CompressMode("median"), raw, est, nil); err == nil {
		t.Errorf("expected error for unknown mode")
	}
}

func TestExpandStrides(t *testing.T) {
	c := &blockio.Cube{Depth: 1, Rows: 2, Cols: 2, Data: []complex64{1, 2, 3, 4}}
	got := ExpandStrides(c, blockio.Strides{X: 2, Y: 2}, 5, 5)
	want := []complex64{
		1, 1, 2, 2, 2,
		1, 1, 2, 2, 2,
		3, 3, 4, 4, 4,
		3, 3, 4, 4, 4,
		3, 3, 4, 4, 4,
	}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("expanded=%v; want %v", got.Data, want)
		}
	}
}
