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
	"fmt"
	"sync/atomic"
)

// Options for iterating a stack block by block
type LoaderOptions struct {
	BlockShape Shape  // block size; zero values use the full extent
	Overlaps   Shape  // overlap between consecutive blocks
	NodataMask []bool // optional full-extent mask, true where no data. Blocks fully masked are skipped
	SkipEmpty  bool   // without a mask, skip blocks which are all zero or all NaN
}

type loadResult struct {
	cube   *Cube
	window Window
	err    error
}

// Iterates over the blocks of a stack in row-major window order, loading the next
// non-empty block in the background while the caller processes the current one.
// The iteration is finite and cannot be restarted.
type EagerLoader struct {
	reader  StackReader
	windows []Window
	opts    LoaderOptions
	cols    int

	results chan loadResult
	done    chan struct{}
	cur     loadResult
	err     error
	skipped int64
	visited int64
}

// Creates a loader for the given stack and starts prefetching the first block
func NewEagerLoader(reader StackReader, opts LoaderOptions) (*EagerLoader, error) {
	rows, cols := reader.Shape()
	if opts.NodataMask != nil && len(opts.NodataMask) != rows*cols {
		return nil, fmt.Errorf("nodata mask has %d pixels, stack has %dx%d", len(opts.NodataMask), rows, cols)
	}
	windows, err := ComputeWindows(rows, cols, opts.BlockShape, opts.Overlaps)
	if err != nil {
		return nil, err
	}
	l := &EagerLoader{
		reader:  reader,
		windows: windows,
		opts:    opts,
		cols:    cols,
		results: make(chan loadResult, 1),
		done:    make(chan struct{}),
	}
	go l.prefetch()
	return l, nil
}

// Total number of windows, including skipped ones
func (l *EagerLoader) NumWindows() int { return len(l.windows) }

// Number of windows skipped so far as empty or fully masked
func (l *EagerLoader) NumSkipped() int { return int(atomic.LoadInt64(&l.skipped)) }

// Number of windows the loader has looked at so far, loaded or skipped
func (l *EagerLoader) NumVisited() int { return int(atomic.LoadInt64(&l.visited)) }

func (l *EagerLoader) prefetch() {
	defer close(l.results)
	for _, w := range l.windows {
		atomic.AddInt64(&l.visited, 1)
		if l.opts.NodataMask != nil && AllTrue(SubMask(l.opts.NodataMask, l.cols, w)) {
			atomic.AddInt64(&l.skipped, 1)
			continue
		}
		cube, err := l.reader.ReadBlock(w)
		if err != nil {
			err = fmt.Errorf("reading %s: %w", w, err)
		} else if l.opts.NodataMask == nil && l.opts.SkipEmpty && cube.IsEmpty() {
			atomic.AddInt64(&l.skipped, 1)
			continue
		}
		select {
		case l.results <- loadResult{cube, w, err}:
		case <-l.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Advances to the next block. Returns false when all blocks have been visited,
// or on a read error, which is then available from Err().
func (l *EagerLoader) Next() bool {
	if l.err != nil {
		return false
	}
	res, ok := <-l.results
	if !ok {
		return false
	}
	if res.err != nil {
		l.err = res.err
		return false
	}
	l.cur = res
	return true
}

// Returns the current block and its window
func (l *EagerLoader) Block() (*Cube, Window) {
	return l.cur.cube, l.cur.window
}

// Returns the first read error encountered, if any
func (l *EagerLoader) Err() error {
	return l.err
}

// Stops background loading. Safe to call after the iteration has finished
func (l *EagerLoader) Close() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	for range l.results { // drain so the prefetcher can exit
	}
}
