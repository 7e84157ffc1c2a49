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

package shp

import (
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// GLRT on Rayleigh scale parameters, after Parizzi and Brcic 2011.
// Neighbors pass if the ratio of larger to smaller squared scale is below the cutoff.
func glrtTest(mean, variance []float32, cutoff float64) pairTest {
	scaleSquared := make([]float64, len(mean))
	for i := range mean {
		m := float64(mean[i])
		scaleSquared[i] = (float64(variance[i]) + m*m) / 2
	}
	return func(center, neighbor int) bool {
		// always bigger scale over smaller scale
		hi, lo := scaleSquared[center], scaleSquared[neighbor]
		if hi < lo {
			hi, lo = lo, hi
		}
		return hi/lo < cutoff
	}
}

// Combined two-sided t-test on means and F-test on variances. Both must pass
func tfTest(mean, variance []float32, nslc int, tLow, tHigh, fLow, fHigh float64) pairTest {
	n := float64(nslc)
	return func(center, neighbor int) bool {
		mu1, mu2 := float64(mean[center]), float64(mean[neighbor])
		var1, var2 := float64(variance[center]), float64(variance[neighbor])
		tStat := (mu1 - mu2) / math.Sqrt((var1+var2)/n)
		fStat := var1 / var2
		return tLow < tStat && tStat < tHigh && fLow < fStat && fStat < fHigh
	}
}

// Upper cutoff of the GLRT statistic at significance alpha for n samples.
// Each squared amplitude is chi-squared with two degrees of freedom, hence 2n.
func GLRTCutoff(alpha float64, n int) float64 {
	dof := float64(2 * n)
	return FQuantile(1-alpha/2, dof, dof)
}

// Significance level of each of two tests such that their joint false alarm rate is alpha
func PerTestAlpha(alpha float64) float64 {
	return 1 - math.Pow(1-alpha, 0.5)
}

// Lower and upper two-sided critical values of the t-distribution with 2(n-1) degrees of freedom
func TCriticalValues(alpha float64, n int) (low, high float64) {
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(2 * (n - 1))}
	return t.Quantile(alpha / 2), t.Quantile(1 - alpha/2)
}

// Lower and upper two-sided critical values of the F-distribution with (n-1, n-1) degrees of freedom
func FCriticalValues(alpha float64, n int) (low, high float64) {
	dof := float64(n - 1)
	return FQuantile(alpha/2, dof, dof), FQuantile(1-alpha/2, dof, dof)
}

// Quantile function of the F-distribution with d1 and d2 degrees of freedom
func FQuantile(p, d1, d2 float64) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return math.Inf(1)
	}
	y := mathext.InvRegIncBeta(d1/2, d2/2, p)
	return d2 * y / (d1 * (1 - y))
}
