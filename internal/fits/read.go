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
	"regexp"
	"strconv"
	"strings"
)

var reParser *regexp.Regexp = compileRE() // Regexp parser for FITS header lines

// Opens the raster with the given name for windowed reading
func Open(fileName string) (*Raster, error) {
	return openFlags(fileName, os.O_RDONLY)
}

// Opens the raster with the given name for windowed reading and writing
func OpenUpdate(fileName string) (*Raster, error) {
	return openFlags(fileName, os.O_RDWR)
}

func openFlags(fileName string, flags int) (*Raster, error) {
	f, err := os.OpenFile(fileName, flags, 0)
	if err != nil {
		return nil, err
	}
	r := &Raster{FileName: fileName, Header: NewHeader(), file: f}
	if err := r.readHeader(f); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Returns the shape and metadata of the raster with the given name, without keeping it open
func Stat(fileName string) (rows, cols int, md map[string]string, err error) {
	r, err := Open(fileName)
	if err != nil {
		return 0, 0, nil, err
	}
	defer r.Close()
	return r.Rows, r.Cols, r.Metadata(), nil
}

func (r *Raster) popHeaderInt(key string) (int, error) {
	if val, ok := r.Header.Ints[key]; ok {
		delete(r.Header.Ints, key)
		return int(val), nil
	}
	return 0, fmt.Errorf("%s: FITS header does not contain key %s", r.FileName, key)
}

func (r *Raster) readHeader(f io.Reader) (err error) {
	if err = r.Header.read(f, r.FileName, WarnWriter); err != nil {
		return err
	}
	r.dataOffset = int64(r.Header.Length)

	// check mandatory fields as per standard
	if !r.Header.Bools["SIMPLE"] {
		return fmt.Errorf("%s: Not a valid FITS file; SIMPLE=T missing in header", r.FileName)
	}
	delete(r.Header.Bools, "SIMPLE")

	bitpix, err := r.popHeaderInt("BITPIX")
	if err != nil {
		return err
	}
	naxis, err := r.popHeaderInt("NAXIS")
	if err != nil {
		return err
	}
	naxisn := make([]int, naxis)
	for i := range naxisn {
		if naxisn[i], err = r.popHeaderInt("NAXIS" + strconv.Itoa(i+1)); err != nil {
			return err
		}
	}

	switch {
	case bitpix == 8 && naxis == 2:
		r.Kind, r.Cols, r.Rows = KindUint8, naxisn[0], naxisn[1]
	case bitpix == -32 && naxis == 2:
		r.Kind, r.Cols, r.Rows = KindFloat32, naxisn[0], naxisn[1]
	case bitpix == -32 && naxis == 3 && naxisn[0] == 2:
		r.Kind, r.Cols, r.Rows = KindComplex64, naxisn[1], naxisn[2]
	default:
		return fmt.Errorf("%s: unsupported raster layout BITPIX=%d NAXIS=%v", r.FileName, bitpix, naxisn)
	}

	r.Nodata = 0
	if s, ok := r.Header.Strings["NODATA"]; ok {
		if r.Nodata, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return fmt.Errorf("%s: invalid NODATA value '%s'", r.FileName, s)
		}
	}
	return nil
}

// Checks a window against the raster extent and kind
func (r *Raster) checkWindow(kind Kind, row0, col0, rows, cols int) error {
	if r.file == nil {
		return fmt.Errorf("%s: raster is closed", r.FileName)
	}
	if r.Kind != kind {
		return fmt.Errorf("%s: cannot access %s raster as %s", r.FileName, r.Kind, kind)
	}
	if row0 < 0 || col0 < 0 || rows < 0 || cols < 0 || row0+rows > r.Rows || col0+cols > r.Cols {
		return fmt.Errorf("%s: window rows %d:%d cols %d:%d outside raster of shape %dx%d",
			r.FileName, row0, row0+rows, col0, col0+cols, r.Rows, r.Cols)
	}
	return nil
}

// Byte offset of the given pixel in the file
func (r *Raster) offset(row, col int) int64 {
	return r.dataOffset + (int64(row)*int64(r.Cols)+int64(col))*int64(r.Kind.BytesPerPixel())
}

// Reads the raw bytes of a window row by row, calling decode for each row
func (r *Raster) readWindow(row0, col0, rows, cols int, decode func(row int, buf []byte)) error {
	buf := make([]byte, cols*r.Kind.BytesPerPixel())
	for row := 0; row < rows; row++ {
		if _, err := r.file.ReadAt(buf, r.offset(row0+row, col0)); err != nil {
			return fmt.Errorf("%s: reading row %d: %w", r.FileName, row0+row, err)
		}
		decode(row, buf)
	}
	return nil
}

// Reads a window of a complex raster, in row-major order
func (r *Raster) ReadWindowComplex64(row0, col0, rows, cols int) ([]complex64, error) {
	if err := r.checkWindow(KindComplex64, row0, col0, rows, cols); err != nil {
		return nil, err
	}
	data := make([]complex64, rows*cols)
	err := r.readWindow(row0, col0, rows, cols, func(row int, buf []byte) {
		out := data[row*cols : (row+1)*cols]
		for i := range out {
			re := getFloat32(buf[i<<3:])
			im := getFloat32(buf[(i<<3)+4:])
			out[i] = complex(re, im)
		}
	})
	return data, err
}

// Reads a window of a float32 raster, in row-major order
func (r *Raster) ReadWindowFloat32(row0, col0, rows, cols int) ([]float32, error) {
	if err := r.checkWindow(KindFloat32, row0, col0, rows, cols); err != nil {
		return nil, err
	}
	data := make([]float32, rows*cols)
	err := r.readWindow(row0, col0, rows, cols, func(row int, buf []byte) {
		out := data[row*cols : (row+1)*cols]
		for i := range out {
			out[i] = getFloat32(buf[i<<2:])
		}
	})
	return data, err
}

// Reads a window of a uint8 raster, in row-major order
func (r *Raster) ReadWindowUint8(row0, col0, rows, cols int) ([]uint8, error) {
	if err := r.checkWindow(KindUint8, row0, col0, rows, cols); err != nil {
		return nil, err
	}
	data := make([]uint8, rows*cols)
	err := r.readWindow(row0, col0, rows, cols, func(row int, buf []byte) {
		copy(data[row*cols:(row+1)*cols], buf)
	})
	return data, err
}

// Reads an entire complex raster from the file with the given name
func ReadAllComplex64(fileName string) (data []complex64, rows, cols int, err error) {
	r, err := Open(fileName)
	if err != nil {
		return nil, 0, 0, err
	}
	defer r.Close()
	data, err = r.ReadWindowComplex64(0, 0, r.Rows, r.Cols)
	return data, r.Rows, r.Cols, err
}

// Reads an entire float32 raster from the file with the given name
func ReadAllFloat32(fileName string) (data []float32, rows, cols int, err error) {
	r, err := Open(fileName)
	if err != nil {
		return nil, 0, 0, err
	}
	defer r.Close()
	data, err = r.ReadWindowFloat32(0, 0, r.Rows, r.Cols)
	return data, r.Rows, r.Cols, err
}

// Reads an entire uint8 raster from the file with the given name
func ReadAllUint8(fileName string) (data []uint8, rows, cols int, err error) {
	r, err := Open(fileName)
	if err != nil {
		return nil, 0, 0, err
	}
	defer r.Close()
	data, err = r.ReadWindowUint8(0, 0, r.Rows, r.Cols)
	return data, r.Rows, r.Cols, err
}

// Decodes a float32 in network byte order
func getFloat32(b []byte) float32 {
	bits := (uint32(b[0]) << 24) | (uint32(b[1]) << 16) | (uint32(b[2]) << 8) | uint32(b[3])
	return math.Float32frombits(bits)
}

func (h *Header) read(r io.Reader, name string, logWriter io.Writer) error {
	buf := make([]byte, fitsBlockSize)

	for h.Length = 0; !h.End; {
		// read next header unit
		bytesRead, err := io.ReadFull(r, buf)
		if err != nil || bytesRead != fitsBlockSize {
			return fmt.Errorf("%s: reading header: %v", name, err)
		}
		h.Length += int32(bytesRead)

		// parse all lines in this header unit
		for lineNo := 0; lineNo < fitsBlockSize/HeaderLineSize && !h.End; lineNo++ {
			line := buf[lineNo*HeaderLineSize : (lineNo+1)*HeaderLineSize]
			subValues := reParser.FindSubmatch(line)
			if subValues == nil {
				fmt.Fprintf(logWriter, "%s: Warning: Cannot parse '%s', ignoring\n", name, string(line))
			} else {
				subNames := reParser.SubexpNames()
				h.readLine(subNames, subValues, name, lineNo, logWriter)
			}
		}
	}
	return nil
}

func (h *Header) readLine(subNames []string, subValues [][]byte, name string, lineNo int, logWriter io.Writer) {
	key := ""
	// ignore index 0 which is the whole line
	for i := 1; i < len(subNames); i++ {
		if subValues[i] != nil && len(subNames[i]) == 1 {
			switch c := subNames[i][0]; c {
			case byte('E'): // end line
				h.End = true
			case byte('H'): // history line
				h.History = append(h.History, string(subValues[i]))
			case byte('C'): // comment line
				h.Comments = append(h.Comments, string(subValues[i]))
			case byte('k'): // key
				key = string(subValues[i])
			case byte('b'): // boolean
				if len(subValues[i]) > 0 {
					v := subValues[i][0]
					h.Bools[key] = v == byte('t') || v == byte('T')
				}
			case byte('i'): // int
				val, err := strconv.ParseInt(string(subValues[i]), 10, 64)
				if err == nil {
					h.Ints[key] = int32(val)
				}
			case byte('f'): // float
				val, err := strconv.ParseFloat(string(subValues[i]), 64)
				if err == nil {
					h.Floats[key] = float32(val)
				}
			case byte('s'): // string
				val := unescapeString(subValues[i])
				h.Strings[key] = val
				h.continueKey = ""
				if strings.HasSuffix(val, "&") {
					h.continueKey = key
				}
			case byte('n'): // string continuation
				if h.continueKey == "" {
					fmt.Fprintf(logWriter, "%s:%d: Warning: CONTINUE without preceding long string, ignoring\n", name, lineNo)
					break
				}
				prev := h.Strings[h.continueKey]
				val := unescapeString(subValues[i])
				h.Strings[h.continueKey] = strings.TrimSuffix(prev, "&") + val
				if !strings.HasSuffix(val, "&") {
					h.continueKey = ""
				}
			case byte('d'): // date
				h.Dates[key] = string(subValues[i])
			case byte('c'): // comment
				// ignore value comments
			default:
				fmt.Fprintf(logWriter, "%s:%d: Warning: Unknown token '%s'\n", name, lineNo, string(c))
			}
		}
	}
}

// Removes quote escaping and insignificant trailing blanks from a string value
func unescapeString(b []byte) string {
	return strings.TrimRight(strings.ReplaceAll(string(b), "''", "'"), " ")
}

// Build regexp parser for FITS header lines
func compileRE() *regexp.Regexp {
	white := "\\s+"
	whiteOpt := "\\s*"
	whiteLine := white

	hist := "HISTORY"
	rest := ".*"
	histLine := hist + white + "(?P<H>" + rest + ")"

	commKey := "COMMENT"
	commLine := commKey + white + "(?P<C>" + rest + ")"

	end := "(?P<E>END)"
	endLine := end + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	equals := "="

	boo := "(?P<b>[TF])"
	inte := "(?P<i>[+-]?[0-9]+)"
	floa := "(?P<f>[+-]?[0-9]*\\.[0-9]*(?:[ED][-+]?[0-9]+)?)"
	stri := "'(?P<s>(?:[^']|'')*)'"
	date := "(?P<d>[0-9]{1,4}-?[012][0-9]-?[0123][0-9]T[012][0-9]:?[0-5][0-9]:?[0-5][0-9].?[0-9]*)"
	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + "|" + date + ")"

	// long strings continue over lines ending in & as per the CONTINUE convention
	contLine := "CONTINUE" + white + "'(?P<n>(?:[^']|'')*)'" + whiteOpt + "(?:/.*)?"

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + equals + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + whiteLine + "|" + histLine + "|" + commLine + "|" + contLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}
