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

package blockio

import (
	"errors"
	"fmt"

	"github.com/mlnoga/ministack/internal/fits"
)

// Reads windows from a time-ordered stack of co-registered single-band rasters
type StackReader interface {
	Len() int                          // number of bands
	Shape() (rows, cols int)           // common raster extent
	ReadBlock(w Window) (*Cube, error) // reads all bands over the given window
}

// A stack of per-acquisition FITS rasters, read with a bounded number of concurrent band reads
type FileStack struct {
	Files      []string
	NumThreads int // concurrent band reads. 0 reads sequentially

	rasters []*fits.Raster
	rows    int
	cols    int
}

// Opens the given complex rasters as a stack. All rasters must have the same shape
func NewFileStack(files []string, numThreads int) (*FileStack, error) {
	if len(files) == 0 {
		return nil, errors.New("empty file list for stack")
	}
	s := &FileStack{Files: append([]string(nil), files...), NumThreads: numThreads}
	for _, f := range files {
		r, err := fits.Open(f)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.rasters = append(s.rasters, r)
		if r.Kind != fits.KindComplex64 {
			s.Close()
			return nil, fmt.Errorf("%s: stack raster has kind %s, want %s", f, r.Kind, fits.KindComplex64)
		}
		if len(s.rasters) == 1 {
			s.rows, s.cols = r.Rows, r.Cols
		} else if r.Rows != s.rows || r.Cols != s.cols {
			s.Close()
			return nil, fmt.Errorf("%s: shape %dx%d differs from stack shape %dx%d", f, r.Rows, r.Cols, s.rows, s.cols)
		}
	}
	return s, nil
}

func (s *FileStack) Len() int                { return len(s.rasters) }
func (s *FileStack) Shape() (rows, cols int) { return s.rows, s.cols }

// Reads all bands over the given window. Bands are stacked in file order
// regardless of the completion order of concurrent reads.
func (s *FileStack) ReadBlock(w Window) (*Cube, error) {
	cube := NewCube(len(s.rasters), w.Rows(), w.Cols())
	readBand := func(i int) error {
		data, err := s.rasters[i].ReadWindowComplex64(w.RowStart, w.ColStart, w.Rows(), w.Cols())
		if err != nil {
			return err
		}
		copy(cube.Band(i), data)
		return nil
	}

	if s.NumThreads <= 0 {
		for i := range s.rasters {
			if err := readBand(i); err != nil {
				return nil, err
			}
		}
		return cube, nil
	}

	limiter := make(chan bool, s.NumThreads)
	errs := make(chan error, len(s.rasters))
	for i := range s.rasters {
		limiter <- true
		go func(i int) {
			defer func() { <-limiter }()
			errs <- readBand(i)
		}(i)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	var err error
	for i := 0; i < len(s.rasters); i++ { // collect errors
		if e := <-errs; e != nil {
			err = errors.Join(err, e)
		}
	}
	if err != nil {
		return nil, err
	}
	return cube, nil
}

// Closes all rasters of the stack
func (s *FileStack) Close() error {
	var err error
	for _, r := range s.rasters {
		err = errors.Join(err, r.Close())
	}
	return err
}

// An in-memory stack
type MemStack struct {
	Cube *Cube
}

func (m *MemStack) Len() int                { return m.Cube.Depth }
func (m *MemStack) Shape() (rows, cols int) { return m.Cube.Rows, m.Cube.Cols }

func (m *MemStack) ReadBlock(w Window) (*Cube, error) {
	if w.RowStart < 0 || w.ColStart < 0 || w.RowStop > m.Cube.Rows || w.ColStop > m.Cube.Cols {
		return nil, fmt.Errorf("window %s outside stack of shape %dx%d", w, m.Cube.Rows, m.Cube.Cols)
	}
	res := NewCube(m.Cube.Depth, w.Rows(), w.Cols())
	for b := 0; b < m.Cube.Depth; b++ {
		for r := 0; r < w.Rows(); r++ {
			src := ((b*m.Cube.Rows)+w.RowStart+r)*m.Cube.Cols + w.ColStart
			copy(res.Data[(b*res.Rows+r)*res.Cols:(b*res.Rows+r+1)*res.Cols], m.Cube.Data[src:src+w.Cols()])
		}
	}
	return res, nil
}
