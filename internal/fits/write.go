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
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var reMetadataKey = regexp.MustCompile("^[A-Z0-9_-]{1,8}$")

// Creates a raster file with the given name, shape, kind and nodata value.
// All pixels are initialized to fill. Metadata keys must be valid FITS keywords.
// Overwrites existing files. Returns the raster opened for update.
func Create(fileName string, rows, cols int, kind Kind, nodata, fill float64, md map[string]string) (*Raster, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%s: invalid raster shape %dx%d", fileName, rows, cols)
	}
	if kind.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("%s: invalid raster kind %s", fileName, kind)
	}
	if err := checkMetadata(md); err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}

	f, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, bufLen)
	header := buildHeader(kind, rows, cols, nodata, md)
	if _, err = w.WriteString(header); err != nil {
		f.Close()
		return nil, err
	}
	if err = writeFill(w, kind, rows*cols, fill); err != nil {
		f.Close()
		return nil, err
	}
	if err = w.Flush(); err != nil {
		f.Close()
		return nil, err
	}

	r := &Raster{FileName: fileName, Header: NewHeader(), file: f}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	if err = r.readHeader(f); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Creates a raster with the same shape as the given template raster file.
// Negative rows or cols take the template's values.
func CreateLike(like, fileName string, kind Kind, rows, cols int, nodata, fill float64) (*Raster, error) {
	lrows, lcols, _, err := Stat(like)
	if err != nil {
		return nil, err
	}
	if rows < 0 {
		rows = lrows
	}
	if cols < 0 {
		cols = lcols
	}
	return Create(fileName, rows, cols, kind, nodata, fill, nil)
}

// Writes a window of data at the given offset. Data is row-major with the given number
// of rows and columns, and is clipped to the raster extent. Supported data types are
// []complex64, []float32, []uint8 and []bool, matching the raster kind. NaNs are replaced
// with the nodata value, if that is not NaN itself.
func (r *Raster) WriteWindow(data interface{}, rows, cols, row0, col0 int) error {
	if r.file == nil {
		return fmt.Errorf("%s: raster is closed", r.FileName)
	}
	if row0 < 0 || col0 < 0 || row0 >= r.Rows || col0 >= r.Cols {
		return fmt.Errorf("%s: window offset %d,%d outside raster of shape %dx%d", r.FileName, row0, col0, r.Rows, r.Cols)
	}
	clipRows, clipCols := rows, cols
	if row0+clipRows > r.Rows {
		clipRows = r.Rows - row0
	}
	if col0+clipCols > r.Cols {
		clipCols = r.Cols - col0
	}

	bpp := r.Kind.BytesPerPixel()
	buf := make([]byte, clipCols*bpp)
	replace := !math.IsNaN(r.Nodata)
	nodata := float32(r.Nodata)

	var encode func(row int)
	switch d := data.(type) {
	case []complex64:
		if r.Kind != KindComplex64 || len(d) < rows*cols {
			return r.writeTypeError(data, len(d), rows, cols)
		}
		encode = func(row int) {
			for i, v := range d[row*cols : row*cols+clipCols] {
				re, im := real(v), imag(v)
				if replace && (isNaN32(re) || isNaN32(im)) {
					re, im = nodata, 0
				}
				putFloat32(buf[i<<3:], re)
				putFloat32(buf[(i<<3)+4:], im)
			}
		}
	case []float32:
		if r.Kind != KindFloat32 || len(d) < rows*cols {
			return r.writeTypeError(data, len(d), rows, cols)
		}
		encode = func(row int) {
			for i, v := range d[row*cols : row*cols+clipCols] {
				if replace && isNaN32(v) {
					v = nodata
				}
				putFloat32(buf[i<<2:], v)
			}
		}
	case []uint8:
		if r.Kind != KindUint8 || len(d) < rows*cols {
			return r.writeTypeError(data, len(d), rows, cols)
		}
		encode = func(row int) {
			copy(buf, d[row*cols:row*cols+clipCols])
		}
	case []bool:
		if r.Kind != KindUint8 || len(d) < rows*cols {
			return r.writeTypeError(data, len(d), rows, cols)
		}
		encode = func(row int) {
			for i, v := range d[row*cols : row*cols+clipCols] {
				buf[i] = 0
				if v {
					buf[i] = 1
				}
			}
		}
	default:
		return fmt.Errorf("%s: unsupported data type %T", r.FileName, data)
	}

	for row := 0; row < clipRows; row++ {
		encode(row)
		if _, err := r.file.WriteAt(buf, r.offset(row0+row, col0)); err != nil {
			return fmt.Errorf("%s: writing row %d: %w", r.FileName, row0+row, err)
		}
	}
	return nil
}

func (r *Raster) writeTypeError(data interface{}, n, rows, cols int) error {
	return fmt.Errorf("%s: cannot write %T of length %d as %dx%d window into %s raster", r.FileName, data, n, rows, cols, r.Kind)
}

// Flushes written data to stable storage
func (r *Raster) Sync() error {
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Merges the given metadata into the header of the raster file with the given name.
// The file is rewritten through a temporary file in the same directory.
func SetMetadata(fileName string, md map[string]string) error {
	if err := checkMetadata(md); err != nil {
		return fmt.Errorf("%s: %w", fileName, err)
	}
	r, err := Open(fileName)
	if err != nil {
		return err
	}
	defer r.Close()

	merged := r.Metadata()
	for k, v := range md {
		merged[k] = v
	}

	tmp, err := os.CreateTemp(filepath.Dir(fileName), "."+filepath.Base(fileName)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriterSize(tmp, bufLen)
	if _, err = w.WriteString(buildHeader(r.Kind, r.Rows, r.Cols, r.Nodata, merged)); err != nil {
		tmp.Close()
		return err
	}
	if _, err = io.Copy(w, io.NewSectionReader(r.file, r.dataOffset, math.MaxInt64-r.dataOffset)); err != nil {
		tmp.Close()
		return err
	}
	if err = w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	r.Close()
	return os.Rename(tmpName, fileName)
}

// Copies the raster file src to dst, overwriting dst
func Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func checkMetadata(md map[string]string) error {
	for k := range md {
		if !reMetadataKey.MatchString(k) {
			return fmt.Errorf("invalid metadata key '%s'", k)
		}
		if reservedKeys[k] {
			return fmt.Errorf("metadata key '%s' is reserved", k)
		}
	}
	return nil
}

// Builds a complete, padded header for a raster of given kind and shape
func buildHeader(kind Kind, rows, cols int, nodata float64, md map[string]string) string {
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "FITS standard 4.0")
	writeInt(&sb, "BITPIX", int(kind.bitpix()), "Bits per value")
	if kind == KindComplex64 {
		writeInt(&sb, "NAXIS", 3, "Number of axes")
		writeInt(&sb, "NAXIS1", 2, "Real and imaginary part")
		writeInt(&sb, "NAXIS2", cols, "Columns")
		writeInt(&sb, "NAXIS3", rows, "Rows")
		writeString(&sb, "CTYPE1", "COMPLEX", "")
	} else {
		writeInt(&sb, "NAXIS", 2, "Number of axes")
		writeInt(&sb, "NAXIS1", cols, "Columns")
		writeInt(&sb, "NAXIS2", rows, "Rows")
	}
	writeString(&sb, "NODATA", strconv.FormatFloat(nodata, 'g', -1, 64), "Nodata value")

	h := Header{Strings: md}
	for _, k := range h.sortedStringKeys() {
		writeString(&sb, k, md[k], "")
	}
	writeEnd(&sb)

	// Pad current header block with spaces if necessary
	if bytesInHeaderBlock := sb.Len() % fitsBlockSize; bytesInHeaderBlock > 0 {
		sb.WriteString(strings.Repeat(" ", fitsBlockSize-bytesInHeaderBlock))
	}
	return sb.String()
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	v := "F"
	if value {
		v = "T"
	}
	writeValue(w, key, v, comment)
}

// Writes a FITS header integer value
func writeInt(w io.Writer, key string, value int, comment string) {
	writeValue(w, key, strconv.Itoa(value), comment)
}

func writeValue(w io.Writer, key, value, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, value, comment)
}

// Writes a FITS header string value, with escaping and CONTINUE lines if necessary.
// Escaped quote pairs are never split across lines.
func writeString(w io.Writer, key, value, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	chunks := splitEscaped(value, HeaderLineSize-13)
	for i, chunk := range chunks {
		line := fmt.Sprintf("%-8s= '", key)
		if i > 0 {
			line = "CONTINUE  '"
		}
		line += chunk
		if i < len(chunks)-1 {
			line += "&"
		}
		line += "'"
		if i == len(chunks)-1 && comment != "" && len(line)+3+len(comment) <= HeaderLineSize {
			line += " / " + comment
		}
		fmt.Fprintf(w, "%-80s", line)
	}
}

// Splits a value into escaped chunks of at most max bytes each
func splitEscaped(value string, max int) []string {
	chunks := []string{}
	cur := strings.Builder{}
	for i := 0; i < len(value); i++ {
		c := value[i : i+1]
		if c == "'" {
			c = "''"
		}
		if cur.Len()+len(c) > max {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(c)
	}
	return append(chunks, cur.String())
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", HeaderLineSize-3))
}

// Writes n pixels of the given fill value in network byte order, padded to a full FITS block
func writeFill(w io.Writer, kind Kind, n int, fill float64) error {
	bpp := kind.BytesPerPixel()
	pixel := make([]byte, bpp)
	switch kind {
	case KindUint8:
		pixel[0] = uint8(fill)
	case KindFloat32:
		putFloat32(pixel, float32(fill))
	case KindComplex64:
		putFloat32(pixel, float32(fill))
		putFloat32(pixel[4:], 0)
	}
	buf := make([]byte, 0, bufLen)
	for len(buf)+bpp <= bufLen {
		buf = append(buf, pixel...)
	}

	remaining := n * bpp
	for remaining > 0 {
		size := len(buf)
		if size > remaining {
			size = remaining
		}
		if _, err := w.Write(buf[:size]); err != nil {
			return err
		}
		remaining -= size
	}

	if padding := (n * bpp) % fitsBlockSize; padding > 0 {
		_, err := w.Write(make([]byte, fitsBlockSize-padding))
		return err
	}
	return nil
}

// Encodes a float32 in network byte order
func putFloat32(b []byte, v float32) {
	val := math.Float32bits(v)
	b[0] = byte(val >> 24)
	b[1] = byte(val >> 16)
	b[2] = byte(val >> 8)
	b[3] = byte(val)
}

func isNaN32(v float32) bool {
	return v != v
}
