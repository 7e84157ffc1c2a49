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
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Default layout of dates in file names
const DefaultDateFmt = "20060102"

// Builds a regexp matching strings of the given time layout, with digits as wildcards
func layoutRE(layout string) (*regexp.Regexp, error) {
	if layout == "" {
		return nil, fmt.Errorf("%w: empty date format", ErrInvalidConfig)
	}
	var b strings.Builder
	for _, r := range layout {
		if r >= '0' && r <= '9' {
			b.WriteString(`\d`)
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return regexp.Compile(b.String())
}

// Parses all dates of the given layout from the base name of a file, in order of appearance
func GetDates(fileName, layout string) ([]time.Time, error) {
	re, err := layoutRE(layout)
	if err != nil {
		return nil, err
	}
	var dates []time.Time
	for _, s := range re.FindAllString(filepath.Base(fileName), -1) {
		if d, err := time.Parse(layout, s); err == nil {
			dates = append(dates, d)
		}
	}
	return dates, nil
}

// Formats dates with the given layout, joined by underscores
func FormatDates(layout string, dates ...time.Time) string {
	parts := make([]string, len(dates))
	for i, d := range dates {
		parts[i] = d.Format(layout)
	}
	return strings.Join(parts, "_")
}

// Sorts files by the first date in their names and returns those dates.
// Files without a date are an error.
func SortFilesByDate(files []string, layout string) ([]string, []time.Time, error) {
	type entry struct {
		file string
		date time.Time
	}
	entries := make([]entry, len(files))
	for i, f := range files {
		dates, err := GetDates(f, layout)
		if err != nil {
			return nil, nil, err
		}
		if len(dates) == 0 {
			return nil, nil, fmt.Errorf("%w: no date like %s in %s", ErrInvalidConfig, layout, f)
		}
		entries[i] = entry{f, dates[0]}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].date.Before(entries[j].date) })
	sorted := make([]string, len(entries))
	dates := make([]time.Time, len(entries))
	for i, e := range entries {
		sorted[i], dates[i] = e.file, e.date
	}
	return sorted, dates, nil
}
