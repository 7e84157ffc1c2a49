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

package ps

import (
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/stat"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/fits"
)

// Random amplitudes around per-pixel levels, laid out band by band
func randomMagnitudes(depth, size int, seed uint32) []float32 {
	rng := fastrand.RNG{}
	rng.Seed(seed)
	mag := make([]float32, depth*size)
	for p := 0; p < size; p++ {
		level := 10 + float32(rng.Uint32n(100))
		spread := float32(rng.Uint32n(50)) / 10
		for b := 0; b < depth; b++ {
			mag[b*size+p] = level + spread*(float32(rng.Uint32n(2001))/1000-1)
		}
	}
	return mag
}

func TestCalcBlockMatchesReferenceStatistics(t *testing.T) {
	depth, size := 20, 50
	mag := randomMagnitudes(depth, size, 1)
	mean, disp, _ := CalcBlock(mag, depth, size, DefaultThreshold, -1)
	for p := 0; p < size; p++ {
		x := make([]float64, depth)
		for b := range x {
			x[b] = float64(mag[b*size+p])
		}
		mu, std := stat.PopMeanStdDev(x, nil)
		if math.Abs(float64(mean[p])-mu) > 1e-4*mu {
			t.Errorf("pixel %d: mean=%v; want %v", p, mean[p], mu)
		}
		if math.Abs(float64(disp[p])-std/mu) > 1e-4 {
			t.Errorf("pixel %d: dispersion=%v; want %v", p, disp[p], std/mu)
		}
	}
}

func TestCalcBlockThreshold(t *testing.T) {
	depth, size := 15, 40
	mag := randomMagnitudes(depth, size, 2)
	_, disp, ps := CalcBlock(mag, depth, size, DefaultThreshold, -1)
	maxDisp := float32(0)
	for p := range disp {
		if ps[p] != (disp[p] < DefaultThreshold && disp[p] != 0) {
			t.Errorf("pixel %d: ps=%v with dispersion %v", p, ps[p], disp[p])
		}
		if disp[p] > maxDisp {
			maxDisp = disp[p]
		}
	}
	// above the maximum dispersion, every valid pixel is a PS
	_, disp, ps = CalcBlock(mag, depth, size, float64(maxDisp)+0.01, -1)
	for p := range ps {
		if disp[p] != 0 && !ps[p] {
			t.Errorf("pixel %d with dispersion %v not a PS", p, disp[p])
		}
	}
}

func TestCalcBlockMinCountAndNodata(t *testing.T) {
	nan := float32(math.NaN())
	// three pixels over four acquisitions: all valid, half NaN, constant
	mag := []float32{
		1, 1, 5,
		2, nan, 5,
		3, nan, 5,
		4, 2, 5,
	}
	mean, disp, ps := CalcBlock(mag, 4, 3, 10, -1) // min count int(0.9*4)=3
	if mean[0] != 2.5 || disp[0] == 0 || !ps[0] {
		t.Errorf("pixel 0: mean=%v disp=%v ps=%v", mean[0], disp[0], ps[0])
	}
	if mean[1] != 1.5 || disp[1] != 0 || ps[1] {
		t.Errorf("pixel 1: mean=%v disp=%v ps=%v; want 1.5 0 false", mean[1], disp[1], ps[1])
	}
	// zero dispersion is the nodata signal, never a PS
	if disp[2] != 0 || ps[2] {
		t.Errorf("pixel 2: disp=%v ps=%v; want 0 false", disp[2], ps[2])
	}
	require.Equal(t, []uint8{1, NodataPS, NodataPS}, EncodePS(ps, disp))
}

func TestWelfordMatchesBatch(t *testing.T) {
	depth, size := 30, 25
	mag := randomMagnitudes(depth, size, 3)

	mean, disp, _ := CalcBlock(mag[:size], 1, size, DefaultThreshold, 0)
	for n := 1; n < depth; n++ {
		require.NoError(t, Update(mean, disp, n, mag[n*size:(n+1)*size]))
	}
	wantMean, wantDisp, _ := CalcBlock(mag, depth, size, DefaultThreshold, 0)
	for p := 0; p < size; p++ {
		if math.Abs(float64(mean[p]-wantMean[p])) > 1e-5*float64(wantMean[p]) {
			t.Errorf("pixel %d: online mean=%v; batch %v", p, mean[p], wantMean[p])
		}
		if math.Abs(float64(disp[p]-wantDisp[p])) > 1e-4*math.Max(float64(wantDisp[p]), 1e-2) {
			t.Errorf("pixel %d: online dispersion=%v; batch %v", p, disp[p], wantDisp[p])
		}
	}
}

func TestUpdateRejectsBadInput(t *testing.T) {
	if err := Update([]float32{1}, []float32{0.1, 0.2}, 3, []float32{1}); err == nil {
		t.Errorf("expected length mismatch error")
	}
	if err := Update([]float32{1}, []float32{0.1}, 0, []float32{1}); err == nil {
		t.Errorf("expected error for n=0")
	}
}

func magnitudeCube(depth, rows, cols int, seed uint32) *blockio.Cube {
	mag := randomMagnitudes(depth, rows*cols, seed)
	cube := blockio.NewCube(depth, rows, cols)
	for i, m := range mag {
		cube.Data[i] = complex(0, m)
	}
	return cube
}

func psOptions(dir, prefix string) Options {
	return Options{
		OutputFile:        filepath.Join(dir, prefix+"ps.fits"),
		AmpMeanFile:       filepath.Join(dir, prefix+"amp_mean.fits"),
		AmpDispersionFile: filepath.Join(dir, prefix+"amp_dispersion.fits"),
		Threshold:         DefaultThreshold,
		BlockShape:        blockio.Shape{Rows: 4, Cols: 5},
		WriterQueue:       3,
	}
}

func TestCreatePSMatchesCalcBlock(t *testing.T) {
	rows, cols, depth := 9, 11, 12
	cube := magnitudeCube(depth, rows, cols, 4)
	// an empty top left block gets nodata
	for b := 0; b < depth; b++ {
		for r := 0; r < 4; r++ {
			for c := 0; c < 5; c++ {
				cube.Set(b, r, c, 0)
			}
		}
	}

	opts := psOptions(t.TempDir(), "")
	out, err := CreatePS(io.Discard, &blockio.MemStack{Cube: cube}, opts)
	require.NoError(t, err)

	wantMean, wantDisp, wantPS := CalcBlock(cube.Magnitude(0), depth, rows*cols, DefaultThreshold, depth)
	gotPS, _, _, err := fits.ReadAllUint8(out.PSFile)
	require.NoError(t, err)
	gotMean, _, _, err := fits.ReadAllFloat32(out.AmpMeanFile)
	require.NoError(t, err)
	gotDisp, _, _, err := fits.ReadAllFloat32(out.AmpDispersionFile)
	require.NoError(t, err)

	encoded := EncodePS(wantPS, wantDisp)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := r*cols + c
			if r < 4 && c < 5 {
				require.Equal(t, NodataPS, gotPS[i])
				require.Equal(t, NodataAmpMean, gotMean[i])
				continue
			}
			require.Equal(t, encoded[i], gotPS[i], "pixel %d,%d", r, c)
			require.InDelta(t, wantMean[i], gotMean[i], 1e-4)
			require.InDelta(t, wantDisp[i], gotDisp[i], 1e-6)
		}
	}

	_, _, md, err := fits.Stat(out.AmpDispersionFile)
	require.NoError(t, err)
	require.Equal(t, "12", md[KeyNumSLC])
}

func TestCreatePSUpdateExistingMatchesBatch(t *testing.T) {
	rows, cols, depth := 6, 7, 16
	cube := magnitudeCube(depth, rows, cols, 5)
	dir := t.TempDir()

	first := &blockio.Cube{Depth: 10, Rows: rows, Cols: cols, Data: cube.Data[:10*rows*cols]}
	second := cube.BandsFrom(10)

	prev, err := CreatePS(io.Discard, &blockio.MemStack{Cube: first}, psOptions(dir, "first_"))
	require.NoError(t, err)

	opts := psOptions(dir, "second_")
	opts.ExistingAmpMeanFile = prev.AmpMeanFile
	opts.ExistingAmpDispersionFile = prev.AmpDispersionFile
	opts.UpdateExisting = true
	out, err := CreatePS(io.Discard, &blockio.MemStack{Cube: second}, opts)
	require.NoError(t, err)

	all, err := CreatePS(io.Discard, &blockio.MemStack{Cube: cube}, psOptions(dir, "all_"))
	require.NoError(t, err)

	gotDisp, _, _, err := fits.ReadAllFloat32(out.AmpDispersionFile)
	require.NoError(t, err)
	wantDisp, _, _, err := fits.ReadAllFloat32(all.AmpDispersionFile)
	require.NoError(t, err)
	for i := range gotDisp {
		require.InDelta(t, wantDisp[i], gotDisp[i], 1e-4)
	}
	_, _, md, err := fits.Stat(out.AmpMeanFile)
	require.NoError(t, err)
	require.Equal(t, "16", md[KeyNumSLC])
}

func TestCreatePSUseExisting(t *testing.T) {
	dir := t.TempDir()
	existingDisp := filepath.Join(dir, "existing_disp.fits")
	existingMean := filepath.Join(dir, "existing_mean.fits")
	r, err := fits.Create(existingDisp, 1, 4, fits.KindFloat32, 0, 0, nil)
	require.NoError(t, err)
	require.NoError(t, r.WriteWindow([]float32{0.1, 0.3, 0, 0.2}, 1, 4, 0, 0))
	require.NoError(t, r.Close())
	r, err = fits.Create(existingMean, 1, 4, fits.KindFloat32, 0, 5, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	opts := psOptions(dir, "")
	opts.ExistingAmpDispersionFile = existingDisp
	opts.ExistingAmpMeanFile = existingMean
	out, err := CreatePS(io.Discard, &blockio.MemStack{Cube: blockio.NewCube(1, 1, 4)}, opts)
	require.NoError(t, err)

	ps, _, _, err := fits.ReadAllUint8(out.PSFile)
	require.NoError(t, err)
	require.Equal(t, []uint8{1, 0, NodataPS, 1}, ps)
	mean, _, _, err := fits.ReadAllFloat32(out.AmpMeanFile)
	require.NoError(t, err)
	require.Equal(t, []float32{5, 5, 5, 5}, mean)
}

func TestMultilookPS(t *testing.T) {
	dir := t.TempDir()
	psFile := filepath.Join(dir, "ps.fits")
	dispFile := filepath.Join(dir, "disp.fits")
	r, err := fits.Create(psFile, 4, 5, fits.KindUint8, float64(NodataPS), 0, nil)
	require.NoError(t, err)
	require.NoError(t, r.WriteWindow([]uint8{
		0, 1, 0, 0, 1,
		0, 0, 0, 0, 1,
		255, 255, 0, 0, 1,
		255, 255, 0, 1, 1,
	}, 4, 5, 0, 0))
	require.NoError(t, r.Close())
	r, err = fits.Create(dispFile, 4, 5, fits.KindFloat32, 0, 0, nil)
	require.NoError(t, err)
	require.NoError(t, r.WriteWindow([]float32{
		0.5, 0.2, 0.4, 0.3, 0.1,
		0.6, 0, 0.7, 0.8, 0.1,
		0, 0, 0.9, 0.9, 0.1,
		0, 0, 0.9, 0.05, 0.1,
	}, 4, 5, 0, 0))
	require.NoError(t, r.Close())

	psOut, dispOut, err := MultilookPS(io.Discard, blockio.Strides{X: 2, Y: 2}, psFile, dispFile)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "ps_looked.fits"), psOut)

	ps, rows, cols, err := fits.ReadAllUint8(psOut)
	require.NoError(t, err)
	require.Equal(t, 2, rows)
	require.Equal(t, 2, cols)
	require.Equal(t, []uint8{1, 0, NodataPS, 1}, ps)

	disp, _, _, err := fits.ReadAllFloat32(dispOut)
	require.NoError(t, err)
	require.Equal(t, []float32{0.2, 0.3, 0, 0.05}, disp)

	// no striding returns the inputs
	a, b, err := MultilookPS(io.Discard, blockio.Strides{X: 1, Y: 1}, psFile, dispFile)
	require.NoError(t, err)
	require.Equal(t, psFile, a)
	require.Equal(t, dispFile, b)
}
