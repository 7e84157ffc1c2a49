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

package ministack

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"
)

// Default number of compressed acquisitions retained per ministack
const DefaultMaxNumCompressed = 5

// Plans ministacks over a timeline of existing compressed acquisitions followed by real ones
type Planner struct {
	FileList         []string      `json:"fileList"`
	Dates            [][]time.Time `json:"dates"`
	IsCompressed     []bool        `json:"isCompressed"`
	FileDateFmt      string        `json:"fileDateFmt"`
	OutputFolder     string        `json:"outputFolder"`
	MaxNumCompressed int           `json:"maxNumCompressed"`
	Log              io.Writer     `json:"-"` // optional, receives warnings
}

// Creates a planner from existing compressed files, whose date triplets are parsed from
// their names, and chronologically ordered real files with one date each
func NewPlanner(realFiles []string, realDates []time.Time, existingCompressed []string,
	layout, outputFolder string, maxNumCompressed int) (*Planner, error) {
	if len(realFiles) == 0 {
		return nil, fmt.Errorf("%w: empty file list", ErrInvalidConfig)
	}
	if len(realFiles) != len(realDates) {
		return nil, fmt.Errorf("%w: %d files but %d dates", ErrInvalidConfig, len(realFiles), len(realDates))
	}
	if layout == "" {
		layout = DefaultDateFmt
	}
	p := &Planner{FileDateFmt: layout, OutputFolder: outputFolder, MaxNumCompressed: maxNumCompressed}
	for _, f := range existingCompressed {
		info, err := CompressedInfoFromFilename(f, layout)
		if err != nil {
			return nil, err
		}
		p.FileList = append(p.FileList, f)
		p.Dates = append(p.Dates, info.Dates())
		p.IsCompressed = append(p.IsCompressed, true)
	}
	for i, f := range realFiles {
		p.FileList = append(p.FileList, f)
		p.Dates = append(p.Dates, []time.Time{realDates[i]})
		p.IsCompressed = append(p.IsCompressed, false)
	}
	return p, nil
}

// Partitions the real acquisitions into consecutive ministacks of the given size. Each
// ministack is preceded by up to MaxNumCompressed most recent compressed acquisitions,
// the earlier ones produced by previous ministacks, and is referenced to the last of them.
// Manual reference indices are absolute positions in the file list and override the
// reference of the ministack whose real acquisitions contain them.
func (p *Planner) Plan(ministackSize int, manualIdxs []int) ([]*Ministack, error) {
	if ministackSize < 2 {
		return nil, fmt.Errorf("%w: cannot create ministacks with size %d < 2", ErrInvalidConfig, ministackSize)
	}
	if p.MaxNumCompressed < 0 {
		return nil, fmt.Errorf("%w: negative maximum number of compressed acquisitions %d", ErrInvalidConfig, p.MaxNumCompressed)
	}
	base := Ministack{FileList: p.FileList, Dates: p.Dates, IsCompressed: p.IsCompressed, FileDateFmt: p.FileDateFmt}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	firstReal := base.FirstRealIdx()
	if firstReal < 0 {
		return nil, fmt.Errorf("%w: no real acquisitions to plan", ErrInvalidConfig)
	}
	for i := firstReal; i < len(p.IsCompressed); i++ {
		if p.IsCompressed[i] {
			return nil, fmt.Errorf("%w: compressed acquisition %s after real ones", ErrInvalidConfig, p.FileList[i])
		}
	}
	manual, err := p.checkManualIdxs(manualIdxs, firstReal, ministackSize)
	if err != nil {
		return nil, err
	}

	// seed the lineage with existing compressed acquisitions
	var lineage []*CompressedInfo
	for _, f := range base.CompressedFiles() {
		info, err := CompressedInfoFromFilename(f, p.FileDateFmt)
		if err != nil {
			return nil, err
		}
		lineage = append(lineage, info)
	}

	var res []*Ministack
	for start := firstReal; start < len(p.FileList); start += ministackSize {
		stop := start + ministackSize
		if stop > len(p.FileList) {
			stop = len(p.FileList)
		}

		retained := lineage
		if len(retained) > p.MaxNumCompressed {
			retained = retained[len(retained)-p.MaxNumCompressed:]
		}
		numComp := len(retained)
		m := &Ministack{FileDateFmt: p.FileDateFmt}
		for _, c := range retained {
			m.FileList = append(m.FileList, c.Path())
			m.Dates = append(m.Dates, c.Dates())
			m.IsCompressed = append(m.IsCompressed, true)
		}
		for i := start; i < stop; i++ {
			m.FileList = append(m.FileList, p.FileList[i])
			m.Dates = append(m.Dates, copyDates(p.Dates[i]))
			m.IsCompressed = append(m.IsCompressed, false)
		}

		// reference the most recent compressed acquisition, if any
		if numComp > 0 {
			m.ReferenceIdx = numComp - 1
		}
		if len(manual) > 0 && manual[0] < stop {
			m.ReferenceIdx = manual[0] - start + numComp
			manual = manual[1:]
		}

		last := p.Dates[stop-1]
		m.OutputFolder = filepath.Join(p.OutputFolder, FormatDates(p.FileDateFmt, p.Dates[start][0], last[len(last)-1]))
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if len(m.FileList) == 1 && p.Log != nil {
			fmt.Fprintf(p.Log, "Warning: ministack %s has only one acquisition\n", m.RealDateRangeString())
		}
		res = append(res, m)

		info, err := m.CompressedInfo()
		if err != nil {
			return nil, err
		}
		lineage = append(lineage, info)
	}
	return res, nil
}

// Sorts manual reference indices and checks that each lies on a real acquisition,
// with at most one per ministack
func (p *Planner) checkManualIdxs(manualIdxs []int, firstReal, ministackSize int) ([]int, error) {
	manual := append([]int(nil), manualIdxs...)
	sort.Ints(manual)
	for i, idx := range manual {
		if idx < firstReal || idx >= len(p.FileList) {
			return nil, fmt.Errorf("%w: manual reference index %d outside real acquisitions %d:%d",
				ErrInvalidConfig, idx, firstReal, len(p.FileList))
		}
		if i > 0 && (idx-firstReal)/ministackSize == (manual[i-1]-firstReal)/ministackSize {
			return nil, fmt.Errorf("%w: manual reference indices %d and %d fall into the same ministack",
				ErrInvalidConfig, manual[i-1], idx)
		}
	}
	return manual, nil
}

func copyDates(d []time.Time) []time.Time {
	return append([]time.Time(nil), d...)
}
