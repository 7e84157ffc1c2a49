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
	"sync/atomic"

	"github.com/mlnoga/ministack/internal/fits"
)

// Destination for windowed writes into named rasters
type Sink interface {
	WriteWindow(fileName string, data interface{}, rows, cols, row, col int) error
	Flush() error // closes or syncs all destinations written since the last flush
}

// Sink writing into existing FITS rasters. Opens each destination once and keeps it
// open until the next flush. Not safe for concurrent use.
type FITSSink struct {
	open map[string]*fits.Raster
}

func NewFITSSink() *FITSSink {
	return &FITSSink{open: make(map[string]*fits.Raster)}
}

func (s *FITSSink) WriteWindow(fileName string, data interface{}, rows, cols, row, col int) error {
	r, ok := s.open[fileName]
	if !ok {
		var err error
		if r, err = fits.OpenUpdate(fileName); err != nil {
			return err
		}
		s.open[fileName] = r
	}
	return r.WriteWindow(data, rows, cols, row, col)
}

func (s *FITSSink) Flush() error {
	var err error
	for name, r := range s.open {
		err = errors.Join(err, r.Close())
		delete(s.open, name)
	}
	return err
}

type writeRequest struct {
	data     interface{}
	rows     int
	cols     int
	fileName string
	row      int
	col      int
	barrier  chan error // non-nil for drain barriers
}

// Writes blocks to their destinations in a single background goroutine, in the order
// they were queued. The queue is bounded, so producers block when it is full.
// Write errors are collected and reported at the next Wait barrier.
type BackgroundWriter struct {
	sink   Sink
	queue  chan writeRequest
	done   chan struct{}
	queued int64
	closed bool
}

// Creates a background writer with the given sink and maximum number of queued blocks
func NewBackgroundWriter(sink Sink, maxQueued int) *BackgroundWriter {
	if maxQueued < 1 {
		maxQueued = 1
	}
	w := &BackgroundWriter{
		sink:  sink,
		queue: make(chan writeRequest, maxQueued),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *BackgroundWriter) run() {
	defer close(w.done)
	var errs error
	for req := range w.queue {
		if req.barrier != nil {
			errs = errors.Join(errs, w.sink.Flush())
			req.barrier <- errs
			errs = nil
			continue
		}
		if err := w.sink.WriteWindow(req.fileName, req.data, req.rows, req.cols, req.row, req.col); err != nil {
			errs = errors.Join(errs, fmt.Errorf("writing %s at %d,%d: %w", req.fileName, req.row, req.col, err))
		}
		atomic.AddInt64(&w.queued, -1)
	}
}

// Queues a row-major block of data with the given shape for writing into the named
// raster at the given row and column offset. Blocks while the queue is full.
func (w *BackgroundWriter) Queue(data interface{}, rows, cols int, fileName string, row, col int) {
	atomic.AddInt64(&w.queued, 1)
	w.queue <- writeRequest{data: data, rows: rows, cols: cols, fileName: fileName, row: row, col: col}
}

// Number of queued blocks not yet written
func (w *BackgroundWriter) NumQueued() int {
	return int(atomic.LoadInt64(&w.queued))
}

// Blocks until all previously queued blocks are written and destinations are flushed.
// Returns the errors of all writes since the previous barrier. No-op after Close.
func (w *BackgroundWriter) Wait() error {
	if w.closed {
		return nil
	}
	reply := make(chan error, 1)
	w.queue <- writeRequest{barrier: reply}
	return <-reply
}

// Drains the queue and stops the background goroutine. The writer must not be used afterwards
func (w *BackgroundWriter) Close() error {
	if w.closed {
		return nil
	}
	err := w.Wait()
	w.closed = true
	close(w.queue)
	<-w.done
	return err
}
