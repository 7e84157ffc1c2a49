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

package fits

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// Pixel kind of a single-band raster
type Kind int

const (
	KindUint8     Kind = iota // 8-bit unsigned masks
	KindFloat32               // 32-bit floating point values
	KindComplex64             // interleaved 32-bit floating point real and imaginary parts
)

func (k Kind) String() string {
	switch k {
	case KindUint8:
		return "uint8"
	case KindFloat32:
		return "float32"
	case KindComplex64:
		return "complex64"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Number of bytes per pixel in the data unit
func (k Kind) BytesPerPixel() int {
	switch k {
	case KindUint8:
		return 1
	case KindFloat32:
		return 4
	case KindComplex64:
		return 8
	}
	return 0
}

func (k Kind) bitpix() int32 {
	if k == KindUint8 {
		return 8
	}
	return -32
}

// A single-band two-dimensional FITS raster, opened for windowed access.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
//
// Complex rasters use three axes, with NAXIS1=2 holding real and imaginary parts,
// NAXIS2 the columns and NAXIS3 the rows.
type Raster struct {
	FileName string  // Name of the underlying file
	Header   Header  // The header with all keys, values, comments, history entries etc.
	Kind     Kind    // Pixel kind
	Rows     int     // Number of rows
	Cols     int     // Number of columns
	Nodata   float64 // Nodata sentinel. May be NaN. Replaces NaNs on write if not NaN

	file       *os.File
	dataOffset int64
}

// Keys reserved for the raster structure, not reported as metadata
var reservedKeys = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "NAXIS1": true, "NAXIS2": true, "NAXIS3": true,
	"NODATA": true, "CTYPE1": true, "EXTEND": true,
}

// Warnings about unparseable header lines go here
var WarnWriter io.Writer = os.Stderr

// Returns the raster shape as rows, columns
func (r *Raster) Shape() (rows, cols int) {
	return r.Rows, r.Cols
}

// Returns a copy of the string-keyed metadata dictionary stored in the header
func (r *Raster) Metadata() map[string]string {
	md := make(map[string]string, len(r.Header.Strings))
	for k, v := range r.Header.Strings {
		if !reservedKeys[k] {
			md[k] = v
		}
	}
	return md
}

// Closes the underlying file
func (r *Raster) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Returns true if the value matches the nodata sentinel, treating NaN as equal to NaN
func (r *Raster) IsNodata(v float64) bool {
	if math.IsNaN(r.Nodata) {
		return math.IsNaN(v)
	}
	return v == r.Nodata
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float32
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32

	continueKey string // key of the last string value ending in '&', for CONTINUE lines
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int32),
		Floats:   make(map[string]float32),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
		End:      false,
	}
}

// Returns the string keys in sorted order, for deterministic header output
func (h *Header) sortedStringKeys() []string {
	keys := make([]string, 0, len(h.Strings))
	for k := range h.Strings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const HeaderLineSize int = 80  // Line size of a FITS header

const bufLen int = 16 * 1024 // buffer length for bulk data transfers
