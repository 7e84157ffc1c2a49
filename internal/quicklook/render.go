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
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/mlnoga/ministack/internal/fits"
)

// Renders a FITS raster into a preview. Complex rasters become phase JPEGs, float
// rasters 16-bit TIFFs. An empty output name derives one from the input.
func Render(logWriter io.Writer, inFile, outFile string, quality int) (string, error) {
	r, err := fits.Open(inFile)
	if err != nil {
		return "", err
	}
	kind := r.Kind
	r.Close()

	base := strings.TrimSuffix(inFile, filepath.Ext(inFile))
	switch kind {
	case fits.KindComplex64:
		if outFile == "" {
			outFile = base + ".jpg"
		}
		data, rows, cols, err := fits.ReadAllComplex64(inFile)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(logWriter, "Writing phase quicklook of %s to %s\n", inFile, outFile)
		return outFile, WritePhaseJPEGToFile(outFile, data, rows, cols, quality)

	case fits.KindFloat32:
		if outFile == "" {
			outFile = base + ".tif"
		}
		data, rows, cols, err := fits.ReadAllFloat32(inFile)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(logWriter, "Writing quicklook of %s to %s\n", inFile, outFile)
		return outFile, WriteTIFF16ToFile(outFile, data, rows, cols, 0, 0)

	case fits.KindUint8:
		if outFile == "" {
			outFile = base + ".tif"
		}
		raw, rows, cols, err := fits.ReadAllUint8(inFile)
		if err != nil {
			return "", err
		}
		data := make([]float32, len(raw))
		for i, v := range raw {
			data[i] = float32(v)
		}
		fmt.Fprintf(logWriter, "Writing quicklook of %s to %s\n", inFile, outFile)
		return outFile, WriteTIFF16ToFile(outFile, data, rows, cols, 0, 255)
	}
	return "", fmt.Errorf("%s: no quicklook for %s rasters", inFile, kind)
}
