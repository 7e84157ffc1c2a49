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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/fits"
)

// Returns the name with "_looked" inserted before the extension
func LookedName(fileName string) string {
	ext := filepath.Ext(fileName)
	return strings.TrimSuffix(fileName, ext) + "_looked" + ext
}

// Creates multilooked versions of a full resolution PS mask and amplitude dispersion,
// matching the strided output grid. A looked pixel is a PS if any of its pixels is,
// and takes the smallest valid dispersion, i.e. that of the strongest scatterer.
// Existing outputs are kept. Without striding, returns the inputs.
func MultilookPS(logWriter io.Writer, strides blockio.Strides, psFile, dispersionFile string) (psOut, dispersionOut string, err error) {
	if strides.X <= 1 && strides.Y <= 1 {
		fmt.Fprintf(logWriter, "No striding request, skipping multilook.\n")
		return psFile, dispersionFile, nil
	}
	psOut, dispersionOut = LookedName(psFile), LookedName(dispersionFile)

	if exists(psOut) {
		fmt.Fprintf(logWriter, "%s exists, skipping.\n", psOut)
	} else {
		fmt.Fprintf(logWriter, "Saving a looked PS mask to %s\n", psOut)
		data, rows, cols, err := fits.ReadAllUint8(psFile)
		if err != nil {
			return "", "", err
		}
		outRows, outCols := blockio.OutShape(rows, cols, strides)
		looked := make([]uint8, outRows*outCols)
		for i := range looked {
			looked[i] = NodataPS
		}
		forEachLook(rows, cols, strides, outRows, outCols, func(out, in int) {
			switch v := data[in]; {
			case v == NodataPS:
			case v != 0:
				looked[out] = 1
			case looked[out] == NodataPS:
				looked[out] = 0
			}
		})
		if err = writeLooked(psOut, outRows, outCols, fits.KindUint8, float64(NodataPS), looked); err != nil {
			return "", "", err
		}
	}

	if exists(dispersionOut) {
		fmt.Fprintf(logWriter, "%s exists, skipping.\n", dispersionOut)
		return psOut, dispersionOut, nil
	}
	data, rows, cols, err := fits.ReadAllFloat32(dispersionFile)
	if err != nil {
		return "", "", err
	}
	outRows, outCols := blockio.OutShape(rows, cols, strides)
	looked := make([]float32, outRows*outCols) // zero is nodata
	forEachLook(rows, cols, strides, outRows, outCols, func(out, in int) {
		v := data[in]
		if v == NodataAmpDispersion || isNaN32(v) {
			return
		}
		if looked[out] == NodataAmpDispersion || v < looked[out] {
			looked[out] = v
		}
	})
	if err = writeLooked(dispersionOut, outRows, outCols, fits.KindFloat32, float64(NodataAmpDispersion), looked); err != nil {
		return "", "", err
	}
	return psOut, dispersionOut, nil
}

// Calls f with output and input indices for every input pixel inside the output grid
func forEachLook(rows, cols int, strides blockio.Strides, outRows, outCols int, f func(out, in int)) {
	for r := 0; r < outRows*strides.Y && r < rows; r++ {
		for c := 0; c < outCols*strides.X && c < cols; c++ {
			f((r/strides.Y)*outCols+c/strides.X, r*cols+c)
		}
	}
}

func writeLooked(fileName string, rows, cols int, kind fits.Kind, nodata float64, data interface{}) error {
	r, err := fits.Create(fileName, rows, cols, kind, nodata, nodata, nil)
	if err != nil {
		return err
	}
	if err = r.WriteWindow(data, rows, cols, 0, 0); err != nil {
		r.Close()
		return err
	}
	return r.Close()
}

func exists(fileName string) bool {
	_, err := os.Stat(fileName)
	return err == nil
}
