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
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/ministack/internal/fits"
)

func TestComputeWindowsPartition(t *testing.T) {
	tests := []struct {
		rows, cols int
		block      Shape
		want       int
	}{
		{10, 10, Shape{5, 5}, 4},
		{11, 10, Shape{5, 5}, 6},
		{3, 7, Shape{10, 10}, 1},
		{100, 1, Shape{7, 7}, 15},
	}
	for _, test := range tests {
		ws, err := ComputeWindows(test.rows, test.cols, test.block, Shape{})
		require.NoError(t, err)
		if len(ws) != test.want {
			t.Errorf("%dx%d block %v: %d windows; want %d", test.rows, test.cols, test.block, len(ws), test.want)
		}
		hits := make([]int, test.rows*test.cols)
		for _, w := range ws {
			if w.Rows() > test.block.Rows || w.Cols() > test.block.Cols || w.Rows() <= 0 || w.Cols() <= 0 {
				t.Errorf("window %s exceeds block %v", w, test.block)
			}
			for r := w.RowStart; r < w.RowStop; r++ {
				for c := w.ColStart; c < w.ColStop; c++ {
					hits[r*test.cols+c]++
				}
			}
		}
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("%dx%d: pixel %d covered %d times; want 1", test.rows, test.cols, i, h)
			}
		}
	}
}

func TestComputeWindowsOverlap(t *testing.T) {
	ws, err := ComputeWindows(20, 13, Shape{8, 6}, Shape{2, 1})
	require.NoError(t, err)
	hits := make([]int, 20*13)
	for i, w := range ws {
		if w.RowStop > 20 || w.ColStop > 13 {
			t.Errorf("window %s not clipped", w)
		}
		if i > 0 && ws[i-1].RowStart == w.RowStart && w.ColStart != ws[i-1].ColStop-1 {
			t.Errorf("window %s does not overlap predecessor %s by 1 column", w, ws[i-1])
		}
		for r := w.RowStart; r < w.RowStop; r++ {
			for c := w.ColStart; c < w.ColStop; c++ {
				hits[r*13+c]++
			}
		}
	}
	for i, h := range hits {
		if h == 0 {
			t.Fatalf("pixel %d not covered", i)
		}
	}

	if _, err := ComputeWindows(20, 20, Shape{4, 4}, Shape{4, 0}); err == nil {
		t.Errorf("expected error for overlap not smaller than block")
	}
}

func TestAutoBlockShape(t *testing.T) {
	s := AutoBlockShape(10, 1000, 1000, Strides{X: 3, Y: 2}, 10*8*100*100)
	if s.Rows != 100 || s.Cols != 99 {
		t.Errorf("shape=%v; want 100x99", s)
	}
	s = AutoBlockShape(10, 20, 1000, Strides{X: 1, Y: 1}, 10*8*100*100)
	if s.Rows != 20 || s.Cols != 500 {
		t.Errorf("shape=%v; want 20x500", s)
	}
	s = AutoBlockShape(10, 20, 30, Strides{X: 1, Y: 1}, 1<<30)
	if s.Rows != 20 || s.Cols != 30 {
		t.Errorf("shape=%v; want 20x30", s)
	}
}

func randomCube(depth, rows, cols int, rng *fastrand.RNG) *Cube {
	c := NewCube(depth, rows, cols)
	for i := range c.Data {
		c.Data[i] = complex(float32(rng.Uint32n(1000))+1, float32(rng.Uint32n(1000)))
	}
	return c
}

func writeStack(t *testing.T, dir string, cube *Cube) []string {
	files := []string{}
	for b := 0; b < cube.Depth; b++ {
		name := filepath.Join(dir, fmt.Sprintf("band%02d.fits", b))
		r, err := fits.Create(name, cube.Rows, cube.Cols, fits.KindComplex64, 0, 0, nil)
		require.NoError(t, err)
		require.NoError(t, r.WriteWindow(cube.Band(b), cube.Rows, cube.Cols, 0, 0))
		require.NoError(t, r.Close())
		files = append(files, name)
	}
	return files
}

func TestFileStackParallelReadsAreDeterministic(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(42)
	cube := randomCube(6, 17, 11, &rng)
	files := writeStack(t, t.TempDir(), cube)

	w := Window{RowStart: 3, RowStop: 15, ColStart: 2, ColStop: 9}
	want, err := (&MemStack{cube}).ReadBlock(w)
	require.NoError(t, err)

	for _, threads := range []int{0, 1, 3, 16} {
		s, err := NewFileStack(files, threads)
		require.NoError(t, err)
		got, err := s.ReadBlock(w)
		require.NoError(t, err)
		require.Equal(t, want.Data, got.Data, "threads=%d", threads)
		require.NoError(t, s.Close())
	}
}

func TestFileStackRejectsShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.fits"), filepath.Join(dir, "b.fits")
	r, err := fits.Create(a, 4, 4, fits.KindComplex64, 0, 0, nil)
	require.NoError(t, err)
	r.Close()
	r, err = fits.Create(b, 4, 5, fits.KindComplex64, 0, 0, nil)
	require.NoError(t, err)
	r.Close()
	if _, err := NewFileStack([]string{a, b}, 0); err == nil {
		t.Errorf("expected shape mismatch error")
	}
}

func TestEagerLoaderSkipsEmptyBlocks(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(7)
	cube := randomCube(3, 8, 8, &rng)
	// top left 4x4 all zero, top right 4x4 all NaN
	nan := float32(math.NaN())
	for b := 0; b < 3; b++ {
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				cube.Set(b, r, c, 0)
				cube.Set(b, r, c+4, complex(nan, nan))
			}
		}
	}

	l, err := NewEagerLoader(&MemStack{cube}, LoaderOptions{BlockShape: Shape{4, 4}, SkipEmpty: true})
	require.NoError(t, err)
	defer l.Close()
	got := []Window{}
	for l.Next() {
		_, w := l.Block()
		got = append(got, w)
	}
	require.NoError(t, l.Err())
	want := []Window{{4, 8, 0, 4}, {4, 8, 4, 8}}
	require.Equal(t, want, got)
	require.Equal(t, 2, l.NumSkipped())
}

func TestEagerLoaderMaskTakesPrecedence(t *testing.T) {
	cube := NewCube(2, 4, 4) // all zero, but a mask is given
	mask := make([]bool, 16)
	for i := 0; i < 8; i++ {
		mask[i] = true // top half masked
	}
	l, err := NewEagerLoader(&MemStack{cube}, LoaderOptions{BlockShape: Shape{2, 4}, NodataMask: mask, SkipEmpty: true})
	require.NoError(t, err)
	defer l.Close()
	n := 0
	for l.Next() {
		_, w := l.Block()
		if w.RowStart != 2 {
			t.Errorf("unexpected window %s", w)
		}
		n++
	}
	require.Equal(t, 1, n)
}

type failingReader struct{ MemStack }

func (f *failingReader) ReadBlock(w Window) (*Cube, error) {
	if w.RowStart > 0 {
		return nil, errors.New("disk on fire")
	}
	return f.MemStack.ReadBlock(w)
}

func TestEagerLoaderStopsOnError(t *testing.T) {
	l, err := NewEagerLoader(&failingReader{MemStack{NewCube(1, 4, 4)}}, LoaderOptions{BlockShape: Shape{2, 4}})
	require.NoError(t, err)
	defer l.Close()
	n := 0
	for l.Next() {
		n++
	}
	require.Equal(t, 1, n)
	require.Error(t, l.Err())
	require.True(t, strings.Contains(l.Err().Error(), "disk on fire"))
}

type recordingSink struct {
	writes  []string
	flushes int
	failOn  string
}

func (s *recordingSink) WriteWindow(fileName string, data interface{}, rows, cols, row, col int) error {
	if fileName == s.failOn {
		return errors.New("no space left")
	}
	s.writes = append(s.writes, fmt.Sprintf("%s@%d,%d", fileName, row, col))
	return nil
}

func (s *recordingSink) Flush() error {
	s.flushes++
	return nil
}

func TestBackgroundWriterOrderAndBarrier(t *testing.T) {
	sink := &recordingSink{failOn: "bad"}
	w := NewBackgroundWriter(sink, 2)
	for i := 0; i < 10; i++ {
		w.Queue([]float32{1}, 1, 1, "a", i, 0)
	}
	require.NoError(t, w.Wait())
	require.Equal(t, 0, w.NumQueued())
	require.Equal(t, 10, len(sink.writes))
	for i, s := range sink.writes {
		require.Equal(t, fmt.Sprintf("a@%d,0", i), s)
	}

	w.Queue([]float32{1}, 1, 1, "bad", 0, 0)
	w.Queue([]float32{1}, 1, 1, "b", 0, 0)
	err := w.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no space left")
	require.Equal(t, "b@0,0", sink.writes[len(sink.writes)-1])

	// errors are reported once
	require.NoError(t, w.Close())
	require.Equal(t, 3, sink.flushes)

	// barriers and repeated closes after Close are no-ops
	require.NoError(t, w.Wait())
	require.NoError(t, w.Close())
	require.Equal(t, 3, sink.flushes)
}

func TestBackgroundWriterFITSSink(t *testing.T) {
	name := filepath.Join(t.TempDir(), "out.fits")
	r, err := fits.Create(name, 4, 6, fits.KindFloat32, math.NaN(), math.NaN(), nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	w := NewBackgroundWriter(NewFITSSink(), 4)
	w.Queue([]float32{1, 2, 3, 4}, 2, 2, name, 0, 0)
	w.Queue([]float32{5, 6, 7, 8}, 2, 2, name, 2, 4)
	require.NoError(t, w.Close())

	data, _, _, err := fits.ReadAllFloat32(name)
	require.NoError(t, err)
	require.Equal(t, float32(1), data[0])
	require.Equal(t, float32(4), data[7])
	require.Equal(t, float32(8), data[23])
	require.True(t, math.IsNaN(float64(data[2])))
}

func TestNodataMaskAndSubMask(t *testing.T) {
	cube := NewCube(2, 3, 3)
	cube.Set(0, 1, 1, 1)
	cube.Set(1, 2, 2, complex(float32(math.NaN()), 0))
	mask, err := NodataMask(&MemStack{cube}, Shape{2, 2})
	require.NoError(t, err)
	for i, m := range mask {
		if m != (i != 4) {
			t.Errorf("mask[%d]=%v; want %v", i, m, i != 4)
		}
	}
	sub := SubMask(mask, 3, Window{1, 3, 1, 3})
	require.Equal(t, []bool{false, true, true, true}, sub)
	require.False(t, AllTrue(sub))

	name := filepath.Join(t.TempDir(), "mask.fits")
	require.NoError(t, SaveMask(name, mask, 3, 3))
	loaded, rows, cols, err := LoadMask(name, false)
	require.NoError(t, err)
	require.Equal(t, 3, rows)
	require.Equal(t, 3, cols)
	require.Equal(t, mask, loaded)
}

func TestCubeDecimate(t *testing.T) {
	c := NewCube(1, 6, 7)
	for r := 0; r < 6; r++ {
		for col := 0; col < 7; col++ {
			c.Set(0, r, col, complex(float32(r), float32(col)))
		}
	}
	d := c.Decimate(Strides{X: 3, Y: 2}, 3, 2)
	want := []complex64{complex(1, 1), complex(1, 4), complex(3, 1), complex(3, 4), complex(5, 1), complex(5, 4)}
	require.Equal(t, want, d.Data)
}
