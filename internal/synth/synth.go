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

// Package synth generates synthetic SLC stacks with a known phase history.
package synth

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/ministack/internal/fits"
)

// Parameters of a synthetic stack
type Options struct {
	NumAcquisitions int       `json:"numAcquisitions"`
	Rows            int       `json:"rows"`
	Cols            int       `json:"cols"`
	StartDate       time.Time `json:"startDate"`
	IntervalDays    int       `json:"intervalDays"`
	Rate            float64   `json:"rate"`         // deformation phase in radians per acquisition at the right edge
	Noise           float64   `json:"noise"`        // standard deviation of complex noise relative to the mean amplitude
	NodataBorder    int       `json:"nodataBorder"` // width of an all-zero border
	Seed            uint32    `json:"seed"`
	Prefix          string    `json:"prefix"`
}

// Default parameters, with a 12-day revisit
func NewOptionsDefault() *Options {
	return &Options{
		NumAcquisitions: 20,
		Rows:            64,
		Cols:            64,
		StartDate:       time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		IntervalDays:    12,
		Rate:            0.2,
		Noise:           0.1,
		Seed:            42,
		Prefix:          "slc_",
	}
}

// Noise-free phase of acquisition k at the given pixel: a ramp growing with
// time from left to right
func (o *Options) Phase(k, row, col int) float64 {
	return o.Rate * float64(k) * float64(col) / float64(o.Cols)
}

// Returns true if the pixel lies in the nodata border
func (o *Options) InBorder(row, col int) bool {
	b := o.NodataBorder
	return row < b || col < b || row >= o.Rows-b || col >= o.Cols-b
}

// Writes the stack as complex FITS files named <prefix><date>.fits into dir, and
// returns file names and dates in chronological order
func Generate(dir string, o *Options) (files []string, dates []time.Time, err error) {
	if o.NumAcquisitions < 1 || o.Rows < 1 || o.Cols < 1 {
		return nil, nil, fmt.Errorf("invalid synthetic stack %d x %dx%d", o.NumAcquisitions, o.Rows, o.Cols)
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, err
	}
	rng := fastrand.RNG{}
	rng.Seed(o.Seed)

	// stable per-pixel reflectivity
	size := o.Rows * o.Cols
	amp := make([]float64, size)
	for i := range amp {
		amp[i] = 0.5 + uniform(&rng)
	}

	data := make([]complex64, size)
	for k := 0; k < o.NumAcquisitions; k++ {
		date := o.StartDate.AddDate(0, 0, k*o.IntervalDays)
		for row := 0; row < o.Rows; row++ {
			for col := 0; col < o.Cols; col++ {
				i := row*o.Cols + col
				if o.InBorder(row, col) {
					data[i] = 0
					continue
				}
				v := complex(amp[i]*math.Cos(o.Phase(k, row, col)), amp[i]*math.Sin(o.Phase(k, row, col)))
				v += complex(o.Noise*gaussian(&rng), o.Noise*gaussian(&rng))
				data[i] = complex64(v)
			}
		}
		name := filepath.Join(dir, o.Prefix+date.Format("20060102")+".fits")
		if err = writeSLC(name, data, o.Rows, o.Cols); err != nil {
			return nil, nil, err
		}
		files = append(files, name)
		dates = append(dates, date)
	}
	return files, dates, nil
}

func writeSLC(name string, data []complex64, rows, cols int) error {
	r, err := fits.Create(name, rows, cols, fits.KindComplex64, 0, 0, nil)
	if err != nil {
		return err
	}
	if err = r.WriteWindow(data, rows, cols, 0, 0); err != nil {
		r.Close()
		return err
	}
	return r.Close()
}

// Uniform random number in [0,1)
func uniform(rng *fastrand.RNG) float64 {
	return float64(rng.Uint32()) / (1 << 32)
}

// Standard normal random number via Box-Muller
func gaussian(rng *fastrand.RNG) float64 {
	u1 := uniform(rng)
	for u1 == 0 {
		u1 = uniform(rng)
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*uniform(rng))
}
