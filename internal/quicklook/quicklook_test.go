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

package quicklook

import (
	"image/jpeg"
	"io"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"
	"golang.org/x/image/tiff"

	"github.com/mlnoga/ministack/internal/fits"
)

func TestSampledRange(t *testing.T) {
	rng := fastrand.RNG{}
	data := make([]float32, 1000)
	for i := range data {
		data[i] = float32(i + 1)
	}
	data[10], data[20] = 0, float32(math.NaN())
	min, max := SampledRange(data, 2, 98, 5000, &rng)
	require.InDelta(t, 20, min, 2)
	require.InDelta(t, 980, max, 2)

	// sampled
	min, max = SampledRange(data, 2, 98, 500, &rng)
	require.InDelta(t, 20, min, 40)
	require.InDelta(t, 980, max, 40)

	min, max = SampledRange([]float32{0, 0}, 2, 98, 10, &rng)
	require.Equal(t, float32(0), min)
	require.Equal(t, float32(1), max)
}

func TestPhaseImage(t *testing.T) {
	rng := fastrand.RNG{}
	data := []complex64{complex64(cmplx.Rect(1, 0)), complex64(cmplx.Rect(1, math.Pi/2)), 0, complex64(cmplx.Rect(1, -math.Pi))}
	img := PhaseImage(data, 2, 2, &rng)
	require.Equal(t, 2, img.Bounds().Dx())

	// phase 0 sits at hue 180, cyan
	c := img.RGBAAt(0, 0)
	require.Zero(t, c.R)
	require.Equal(t, c.G, c.B)
	require.NotZero(t, c.G)
	require.Equal(t, uint8(0), img.RGBAAt(0, 1).R+img.RGBAAt(0, 1).G+img.RGBAAt(0, 1).B)
	// phase -pi sits at hue 0, red
	c = img.RGBAAt(1, 1)
	require.NotZero(t, c.R)
	require.Zero(t, c.G)
}

func TestWriteTIFF16(t *testing.T) {
	data := []float32{0, 0.5, 1, float32(math.NaN()), 2, -1}
	img := GrayImage(data, 2, 3, 0, 1)
	require.Equal(t, uint16(0), img.Gray16At(0, 0).Y)
	require.Equal(t, uint16(32767), img.Gray16At(1, 0).Y)
	require.Equal(t, uint16(65535), img.Gray16At(2, 0).Y)
	require.Equal(t, uint16(0), img.Gray16At(0, 1).Y)
	require.Equal(t, uint16(65535), img.Gray16At(1, 1).Y)
	require.Equal(t, uint16(0), img.Gray16At(2, 1).Y)

	name := filepath.Join(t.TempDir(), "a.tif")
	require.NoError(t, WriteTIFF16ToFile(name, data, 2, 3, 0, 0))
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := tiff.Decode(f)
	require.NoError(t, err)
	require.Equal(t, 3, decoded.Bounds().Dx())
	require.Equal(t, 2, decoded.Bounds().Dy())

	require.Error(t, WriteTIFF16(io.Discard, data, 3, 3, 0, 1))
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	slc := filepath.Join(dir, "slc.fits")
	r, err := fits.Create(slc, 4, 5, fits.KindComplex64, 0, 0, nil)
	require.NoError(t, err)
	data := make([]complex64, 20)
	for i := range data {
		data[i] = complex64(cmplx.Rect(1+float64(i)/20, float64(i)/3))
	}
	require.NoError(t, r.WriteWindow(data, 4, 5, 0, 0))
	require.NoError(t, r.Close())

	out, err := Render(io.Discard, slc, "", 90)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "slc.jpg"), out)
	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	require.Equal(t, 5, img.Bounds().Dx())

	tcorr := filepath.Join(dir, "tcorr.fits")
	r, err = fits.Create(tcorr, 2, 2, fits.KindFloat32, 0, 0.5, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	out, err = Render(io.Discard, tcorr, filepath.Join(dir, "x.tif"), 90)
	require.NoError(t, err)
	require.FileExists(t, out)
}
