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

// Package quicklook renders phase and coherence rasters into preview images.
package quicklook

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"math/cmplx"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/valyala/fastrand"
	"golang.org/x/image/tiff"

	"github.com/mlnoga/ministack/internal/qsort"
)

// Default number of pixels sampled for the stretch
const DefaultSamples = 100000

// Lower and upper percentile of the amplitude stretch
const (
	LowPercentile  = 2
	HighPercentile = 98
)

// Estimates the given low and high percentiles of the valid values from a random
// sample. Zero and NaN count as invalid. Returns 0, 1 if no value is valid.
func SampledRange(data []float32, lo, hi float64, numSamples int, rng *fastrand.RNG) (min, max float32) {
	samples := make([]float32, 0, numSamples)
	if len(data) <= numSamples {
		for _, v := range data {
			if v != 0 && !math.IsNaN(float64(v)) {
				samples = append(samples, v)
			}
		}
	} else {
		for i := 0; i < numSamples; i++ {
			v := data[rng.Uint32n(uint32(len(data)))]
			if v != 0 && !math.IsNaN(float64(v)) {
				samples = append(samples, v)
			}
		}
	}
	if len(samples) == 0 {
		return 0, 1
	}
	min = qsort.QSelectPercentileFloat32(samples, lo)
	max = qsort.QSelectPercentileFloat32(samples, hi)
	if max <= min {
		max = min + 1
	}
	return min, max
}

// Renders a complex raster with hue showing the wrapped phase and value showing the
// stretched amplitude. Zero and NaN pixels are black.
func PhaseImage(data []complex64, rows, cols int, rng *fastrand.RNG) *image.RGBA {
	amp := make([]float32, len(data))
	for i, v := range data {
		amp[i] = float32(cmplx.Abs(complex128(v)))
	}
	min, max := SampledRange(amp, LowPercentile, HighPercentile, DefaultSamples, rng)
	scale := 1 / float64(max-min)

	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := complex128(data[y*cols+x])
			if v == 0 || cmplx.IsNaN(v) {
				img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
				continue
			}
			hue := (cmplx.Phase(v) + math.Pi) * 180 / math.Pi
			if hue >= 360 {
				hue -= 360
			}
			val := math.Min(math.Max((cmplx.Abs(v)-float64(min))*scale, 0), 1)
			// keep weak pixels visible
			val = 0.25 + 0.75*val
			r, g, b := colorful.Hsv(hue, 1, val).Clamped().RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return img
}

// Write a complex raster to JPG as phase preview
func WritePhaseJPEGToFile(fileName string, data []complex64, rows, cols, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err = WritePhaseJPEG(writer, data, rows, cols, quality); err != nil {
		return err
	}
	return writer.Flush()
}

// Write a complex raster to JPG as phase preview
func WritePhaseJPEG(writer io.Writer, data []complex64, rows, cols, quality int) error {
	rng := fastrand.RNG{}
	img := PhaseImage(data, rows, cols, &rng)
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Renders a float raster into a 16-bit grayscale image, linearly mapping [min,max] to
// the full range. NaNs are black.
func GrayImage(data []float32, rows, cols int, min, max float32) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	scale := 1 / (max - min)
	for y := 0; y < rows; y++ {
		yoffset := y * cols
		for x := 0; x < cols; x++ {
			gray := (data[yoffset+x] - min) * scale
			// replace NaNs with zeros for export, else TIFF output breaks
			if math.IsNaN(float64(gray)) || gray < 0 {
				gray = 0
			}
			if gray > 1 {
				gray = 1
			}
			img.SetGray16(x, y, color.Gray16{uint16(gray * 65535)})
		}
	}
	return img
}

// Write a float raster to 16-bit TIFF. Unless min < max, the range is
// stretched to sampled percentiles of the valid values
func WriteTIFF16ToFile(fileName string, data []float32, rows, cols int, min, max float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err = WriteTIFF16(writer, data, rows, cols, min, max); err != nil {
		return err
	}
	return writer.Flush()
}

// Write a float raster to 16-bit TIFF. Unless min < max, the range is
// stretched to sampled percentiles of the valid values
func WriteTIFF16(writer io.Writer, data []float32, rows, cols int, min, max float32) error {
	if len(data) != rows*cols {
		return fmt.Errorf("raster has %d pixels, expected %dx%d", len(data), rows, cols)
	}
	if !(min < max) {
		rng := fastrand.RNG{}
		min, max = SampledRange(data, LowPercentile, HighPercentile, DefaultSamples, &rng)
	}
	img := GrayImage(data, rows, cols, min, max)
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}
