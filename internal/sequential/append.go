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

package sequential

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/fits"
	"github.com/mlnoga/ministack/internal/ministack"
	"github.com/mlnoga/ministack/internal/phaselink"
)

// Extends a mean-mode compressed acquisition in place with new acquisitions and their
// phase linked estimates, which must be on the compressed grid. Metadata is updated
// to include the new acquisitions.
func AppendToCompressed(logWriter io.Writer, compressedFile string, slcFiles, estimateFiles []string,
	dates []time.Time, maxBytes int64) error {
	if len(slcFiles) != len(estimateFiles) || len(slcFiles) != len(dates) {
		return fmt.Errorf("%w: %d acquisitions, %d estimates and %d dates", ministack.ErrInvalidConfig,
			len(slcFiles), len(estimateFiles), len(dates))
	}
	info, err := ministack.CompressedInfoFromMetadata(compressedFile)
	if err != nil {
		return err
	}
	if info.Mode != string(phaselink.CompressModeMean) {
		return fmt.Errorf("%w: %s was compressed in mode '%s', appending needs '%s'", ministack.ErrInvalidConfig,
			compressedFile, info.Mode, phaselink.CompressModeMean)
	}
	n := info.NumReal()
	for _, d := range dates {
		if !d.After(info.EndDate) {
			return fmt.Errorf("%w: %s is not after the end date %s", ministack.ErrInvalidConfig,
				d.Format(info.FileDateFmt), info.EndDate.Format(info.FileDateFmt))
		}
	}

	comp, err := fits.OpenUpdate(compressedFile)
	if err != nil {
		return err
	}
	rasters := make([]*fits.Raster, 0, 2*len(slcFiles))
	closeAll := func() error {
		errs := []error{comp.Close()}
		for _, r := range rasters {
			errs = append(errs, r.Close())
		}
		return errors.Join(errs...)
	}
	for _, f := range append(append([]string{}, slcFiles...), estimateFiles...) {
		r, err := fits.Open(f)
		if err != nil {
			return errors.Join(err, closeAll())
		}
		rasters = append(rasters, r)
		if r.Rows != comp.Rows || r.Cols != comp.Cols {
			return errors.Join(fmt.Errorf("%s has shape %dx%d, compressed acquisition has %dx%d",
				f, r.Rows, r.Cols, comp.Rows, comp.Cols), closeAll())
		}
	}
	slcs, estimates := rasters[:len(slcFiles)], rasters[len(slcFiles):]

	rowsPerBlock := int(maxBytes / int64(8*comp.Cols*3))
	if rowsPerBlock < 1 {
		rowsPerBlock = 1
	}
	windows, err := blockio.ComputeWindows(comp.Rows, comp.Cols, blockio.Shape{Rows: rowsPerBlock, Cols: comp.Cols}, blockio.Shape{})
	if err != nil {
		return errors.Join(err, closeAll())
	}
	fmt.Fprintf(logWriter, "Appending %d acquisitions to %s with %d\n", len(slcFiles), compressedFile, n)
	for i, w := range windows {
		if err = appendWindow(comp, slcs, estimates, w, n); err != nil {
			return errors.Join(err, closeAll())
		}
		fmt.Fprintf(logWriter, "\r%d%%", 100*(i+1)/len(windows))
	}
	fmt.Fprintf(logWriter, "\n")
	if err = closeAll(); err != nil {
		return err
	}

	info.RealFiles = append(info.RealFiles, slcFiles...)
	info.RealDates = append(info.RealDates, dates...)
	info.EndDate = dates[len(dates)-1]
	return info.WriteMetadata(compressedFile)
}

func appendWindow(comp *fits.Raster, slcs, estimates []*fits.Raster, w blockio.Window, n int) error {
	data, err := comp.ReadWindowComplex64(w.RowStart, w.ColStart, w.Rows(), w.Cols())
	if err != nil {
		return err
	}
	for k := range slcs {
		slc, err := slcs[k].ReadWindowComplex64(w.RowStart, w.ColStart, w.Rows(), w.Cols())
		if err != nil {
			return err
		}
		est, err := estimates[k].ReadWindowComplex64(w.RowStart, w.ColStart, w.Rows(), w.Cols())
		if err != nil {
			return err
		}
		if err = phaselink.CompressMeanAppend(data, n+k, slc, est); err != nil {
			return err
		}
	}
	return comp.WriteWindow(data, w.Rows(), w.Cols(), w.RowStart, w.ColStart)
}
