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

// Package ministack plans the processing of a long acquisition timeline in batches,
// chaining the compressed summary of each batch into the following ones.
package ministack

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrInvalidConfig   = errors.New("invalid ministack configuration")
	ErrMissingMetadata = errors.New("missing compressed acquisition metadata")
)

// One batch of acquisitions processed together. Compressed entries come first.
// Real entries have one date, compressed entries their reference, start and end dates.
type Ministack struct {
	FileList     []string      `json:"fileList"`
	Dates        [][]time.Time `json:"dates"`
	IsCompressed []bool        `json:"isCompressed"`
	FileDateFmt  string        `json:"fileDateFmt"`
	OutputFolder string        `json:"outputFolder"`
	ReferenceIdx int           `json:"referenceIdx"`
}

// Checks list lengths and the reference index
func (m *Ministack) Validate() error {
	if len(m.FileList) == 0 {
		return fmt.Errorf("%w: cannot create empty ministack", ErrInvalidConfig)
	}
	if len(m.IsCompressed) != len(m.FileList) {
		return fmt.Errorf("%w: file list and compressed flags must have the same length, got %d and %d",
			ErrInvalidConfig, len(m.FileList), len(m.IsCompressed))
	}
	if len(m.Dates) != len(m.FileList) {
		return fmt.Errorf("%w: dates and file list must have the same length, got %d and %d",
			ErrInvalidConfig, len(m.Dates), len(m.FileList))
	}
	for i, d := range m.Dates {
		if len(d) == 0 {
			return fmt.Errorf("%w: no date for %s", ErrInvalidConfig, m.FileList[i])
		}
	}
	if m.ReferenceIdx < 0 || m.ReferenceIdx >= len(m.FileList) {
		return fmt.Errorf("%w: reference index %d outside ministack of %d files", ErrInvalidConfig, m.ReferenceIdx, len(m.FileList))
	}
	return nil
}

// Date of the reference phase
func (m *Ministack) ReferenceDate() time.Time {
	return m.Dates[m.ReferenceIdx][0]
}

// Index of the first real acquisition, or -1 if there is none
func (m *Ministack) FirstRealIdx() int {
	for i, c := range m.IsCompressed {
		if !c {
			return i
		}
	}
	return -1
}

// Number of compressed entries
func (m *Ministack) NumCompressed() int {
	n := 0
	for _, c := range m.IsCompressed {
		if c {
			n++
		}
	}
	return n
}

func (m *Ministack) RealFiles() []string {
	return m.filter(false)
}

func (m *Ministack) CompressedFiles() []string {
	return m.filter(true)
}

func (m *Ministack) filter(compressed bool) []string {
	var res []string
	for i, f := range m.FileList {
		if m.IsCompressed[i] == compressed {
			res = append(res, f)
		}
	}
	return res
}

// Date range of the real acquisitions, e.g. 20210101_20210202
func (m *Ministack) RealDateRangeString() string {
	first := m.FirstRealIdx()
	if first < 0 {
		return ""
	}
	last := m.Dates[len(m.Dates)-1]
	return FormatDates(m.FileDateFmt, m.Dates[first][0], last[len(last)-1])
}

// Date range from the reference to the last acquisition
func (m *Ministack) FullDateRangeString() string {
	last := m.Dates[len(m.Dates)-1]
	return FormatDates(m.FileDateFmt, m.ReferenceDate(), last[len(last)-1])
}

// Formatted dates of each entry, single dates for real entries and triplets for compressed ones
func (m *Ministack) DateStrings() []string {
	res := make([]string, len(m.Dates))
	for i, d := range m.Dates {
		res[i] = FormatDates(m.FileDateFmt, d...)
	}
	return res
}

// Describes the compressed acquisition this ministack produces, built from its real
// entries only
func (m *Ministack) CompressedInfo() (*CompressedInfo, error) {
	info := &CompressedInfo{
		ReferenceDate:    m.ReferenceDate(),
		FileDateFmt:      m.FileDateFmt,
		FilenameTemplate: DefaultFilenameTemplate,
		OutputFolder:     m.OutputFolder,
	}
	for i, f := range m.FileList {
		if m.IsCompressed[i] {
			info.CompressedFiles = append(info.CompressedFiles, f)
			continue
		}
		info.RealFiles = append(info.RealFiles, f)
		info.RealDates = append(info.RealDates, m.Dates[i][0])
	}
	if len(info.RealFiles) == 0 {
		return nil, fmt.Errorf("%w: no real acquisitions in ministack", ErrInvalidConfig)
	}
	info.StartDate = info.RealDates[0]
	info.EndDate = info.RealDates[len(info.RealDates)-1]
	return info, nil
}

// Template for compressed file names, with %s standing for the date triplet
const DefaultFilenameTemplate = "compressed_%s.fits"

// A compressed acquisition summarizing the real acquisitions of one ministack
type CompressedInfo struct {
	ReferenceDate    time.Time   `json:"referenceDate"`
	StartDate        time.Time   `json:"startDate"`
	EndDate          time.Time   `json:"endDate"`
	RealFiles        []string    `json:"realFiles,omitempty"`
	RealDates        []time.Time `json:"realDates,omitempty"`
	CompressedFiles  []string    `json:"compressedFiles,omitempty"`
	FileDateFmt      string      `json:"fileDateFmt"`
	FilenameTemplate string      `json:"filenameTemplate"`
	OutputFolder     string      `json:"outputFolder"`
	Mode             string      `json:"mode,omitempty"`
	RunID            string      `json:"runId,omitempty"`
}

// Reference, start and end date
func (c *CompressedInfo) Dates() []time.Time {
	return []time.Time{c.ReferenceDate, c.StartDate, c.EndDate}
}

// Number of real acquisitions behind the compressed one, if known
func (c *CompressedInfo) NumReal() int {
	return len(c.RealFiles)
}

func (c *CompressedInfo) Filename() string {
	return strings.Replace(c.FilenameTemplate, "%s", FormatDates(c.FileDateFmt, c.Dates()...), 1)
}

func (c *CompressedInfo) Path() string {
	return filepath.Join(c.OutputFolder, c.Filename())
}

// Parses the date triplet from a compressed file name. The template is derived from the name
func CompressedInfoFromFilename(fileName, layout string) (*CompressedInfo, error) {
	dates, err := GetDates(fileName, layout)
	if err != nil {
		return nil, err
	}
	if len(dates) < 3 {
		return nil, fmt.Errorf("%w: %s does not have 3 dates like %s", ErrInvalidConfig, fileName, layout)
	}
	base := filepath.Base(fileName)
	return &CompressedInfo{
		ReferenceDate:    dates[0],
		StartDate:        dates[1],
		EndDate:          dates[2],
		FileDateFmt:      layout,
		FilenameTemplate: strings.Replace(base, FormatDates(layout, dates[:3]...), "%s", 1),
		OutputFolder:     filepath.Dir(fileName),
	}, nil
}
