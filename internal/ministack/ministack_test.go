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
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mlnoga/ministack/internal/fits"
)

func timeline(n int) ([]string, []time.Time) {
	files := make([]string, n)
	dates := make([]time.Time, n)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range files {
		dates[i] = start.AddDate(0, 0, 12*i)
		files[i] = fmt.Sprintf("slc_%s.fits", dates[i].Format(DefaultDateFmt))
	}
	return files, dates
}

func plan(t *testing.T, n, size, maxComp int, manual []int) []*Ministack {
	t.Helper()
	files, dates := timeline(n)
	p, err := NewPlanner(files, dates, nil, DefaultDateFmt, "out", maxComp)
	if err != nil {
		t.Fatal(err)
	}
	ms, err := p.Plan(size, manual)
	if err != nil {
		t.Fatal(err)
	}
	return ms
}

func TestPlanSizes(t *testing.T) {
	tests := []struct {
		n, size, maxComp int
		wantSizes        []int
		wantRefs         []int
	}{
		// last ministack has 5 real plus 2 compressed, not a full 9
		{25, 10, 5, []int{10, 11, 7}, []int{0, 0, 1}},
		{27, 10, 5, []int{10, 11, 9}, []int{0, 0, 1}},
		{20, 20, 5, []int{20}, []int{0}},
		{20, 30, 5, []int{20}, []int{0}},
		{35, 10, 1, []int{10, 11, 11, 6}, []int{0, 0, 0, 0}},
		{12, 2, 3, []int{2, 3, 4, 5, 5, 5}, []int{0, 0, 1, 2, 2, 2}},
		{7, 3, 0, []int{3, 3, 1}, []int{0, 0, 0}},
	}
	for _, test := range tests {
		ms := plan(t, test.n, test.size, test.maxComp, nil)
		var sizes, refs []int
		for _, m := range ms {
			sizes = append(sizes, len(m.FileList))
			refs = append(refs, m.ReferenceIdx)
		}
		if diff := cmp.Diff(test.wantSizes, sizes); diff != "" {
			t.Errorf("n=%d size=%d: sizes mismatch (-want +got):\n%s", test.n, test.size, diff)
		}
		if diff := cmp.Diff(test.wantRefs, refs); diff != "" {
			t.Errorf("n=%d size=%d: references mismatch (-want +got):\n%s", test.n, test.size, diff)
		}
	}
}

func TestPlanCompressedLineage(t *testing.T) {
	ms := plan(t, 25, 10, 5, nil)
	files, dates := timeline(25)

	third := ms[2]
	if diff := cmp.Diff([]bool{true, true, false, false, false, false, false}, third.IsCompressed); diff != "" {
		t.Errorf("compressed flags mismatch (-want +got):\n%s", diff)
	}
	wantComp := []string{
		filepath.Join("out", "20200101_20200418", "compressed_20200101_20200101_20200418.fits"),
		filepath.Join("out", "20200430_20200816", "compressed_20200101_20200430_20200816.fits"),
	}
	if diff := cmp.Diff(wantComp, third.CompressedFiles()); diff != "" {
		t.Errorf("compressed files mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(files[20:], third.RealFiles()); diff != "" {
		t.Errorf("real files mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Time{dates[0], dates[10], dates[19]}, third.Dates[1]); diff != "" {
		t.Errorf("compressed dates mismatch (-want +got):\n%s", diff)
	}
	if got, want := third.OutputFolder, filepath.Join("out", "20200828_20201015"); got != want {
		t.Errorf("output folder=%s; want %s", got, want)
	}
	if got := third.ReferenceDate(); !got.Equal(dates[0]) {
		t.Errorf("reference date=%v; want %v", got, dates[0])
	}
	if got, want := third.RealDateRangeString(), "20200828_20201015"; got != want {
		t.Errorf("real date range=%s; want %s", got, want)
	}
	if got := third.FirstRealIdx(); got != 2 {
		t.Errorf("first real index=%d; want 2", got)
	}

	info, err := third.CompressedInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.NumReal() != 5 || !info.StartDate.Equal(dates[20]) || !info.EndDate.Equal(dates[24]) {
		t.Errorf("compressed info %d real from %v to %v", info.NumReal(), info.StartDate, info.EndDate)
	}
	if diff := cmp.Diff(wantComp, info.CompressedFiles); diff != "" {
		t.Errorf("info compressed files mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanManualReference(t *testing.T) {
	ms := plan(t, 25, 10, 5, []int{13, 2})
	refs := []int{ms[0].ReferenceIdx, ms[1].ReferenceIdx, ms[2].ReferenceIdx}
	if diff := cmp.Diff([]int{2, 4, 1}, refs); diff != "" {
		t.Errorf("references mismatch (-want +got):\n%s", diff)
	}

	files, dates := timeline(25)
	p, err := NewPlanner(files, dates, nil, "", "out", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, manual := range [][]int{{25}, {-1}, {11, 15}} {
		if _, err := p.Plan(10, manual); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("manual %v: err=%v; want ErrInvalidConfig", manual, err)
		}
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	a := plan(t, 33, 7, 3, []int{20})
	b := plan(t, 33, 7, 3, []int{20})
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("plans differ (-first +second):\n%s", diff)
	}
}

func TestPlanRejectsInvalidConfig(t *testing.T) {
	files, dates := timeline(5)
	p, err := NewPlanner(files, dates, nil, DefaultDateFmt, "out", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, size := range []int{-1, 0, 1} {
		if _, err := p.Plan(size, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("size %d: err=%v; want ErrInvalidConfig", size, err)
		}
	}
	if _, err := NewPlanner(nil, nil, nil, DefaultDateFmt, "out", 5); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("empty list: err=%v; want ErrInvalidConfig", err)
	}
	if _, err := NewPlanner(files, dates[:4], nil, DefaultDateFmt, "out", 5); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("mismatched lengths: err=%v; want ErrInvalidConfig", err)
	}
	if _, err := NewPlanner(files, dates, []string{"compressed_20200101.fits"}, DefaultDateFmt, "out", 5); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("compressed file without triplet: err=%v; want ErrInvalidConfig", err)
	}
	bad := &Planner{FileList: files, Dates: make([][]time.Time, 4), IsCompressed: make([]bool, 5), FileDateFmt: DefaultDateFmt}
	if _, err := bad.Plan(2, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("mismatched planner: err=%v; want ErrInvalidConfig", err)
	}
}

func TestPlanWithExistingCompressed(t *testing.T) {
	files, dates := timeline(12)
	existing := filepath.Join("old", "compressed_20190101_20190101_20191201.fits")
	p, err := NewPlanner(files, dates, []string{existing}, DefaultDateFmt, "out", 5)
	if err != nil {
		t.Fatal(err)
	}
	ms, err := p.Plan(5, []int{7})
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 3 {
		t.Fatalf("got %d ministacks; want 3", len(ms))
	}
	if ms[0].FileList[0] != existing || ms[0].ReferenceIdx != 0 || len(ms[0].FileList) != 6 {
		t.Errorf("first ministack %v ref %d", ms[0].FileList, ms[0].ReferenceIdx)
	}
	// index 7 is the second real file of the second ministack, behind two compressed
	if ms[1].ReferenceIdx != 3 {
		t.Errorf("second ministack reference=%d; want 3", ms[1].ReferenceIdx)
	}
	if ms[2].NumCompressed() != 3 || ms[2].ReferenceIdx != 2 {
		t.Errorf("third ministack has %d compressed, reference %d; want 3, 2", ms[2].NumCompressed(), ms[2].ReferenceIdx)
	}
	want := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := ms[1].Dates[1][0]; !got.Equal(want) {
		t.Errorf("reference date of chained compressed=%v; want %v", got, want)
	}
}

func TestDates(t *testing.T) {
	got, err := GetDates("/data/2019/compressed_20200101_20200113_20200401.fits", DefaultDateFmt)
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 13, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dates mismatch (-want +got):\n%s", diff)
	}
	if s := FormatDates("2006-01-02", want[:2]...); s != "2020-01-01_2020-01-13" {
		t.Errorf("formatted=%s", s)
	}
	got, _ = GetDates("t1_2020-03-04_x.fits", "2006-01-02")
	if len(got) != 1 || got[0].Day() != 4 {
		t.Errorf("dashed layout: %v", got)
	}
	// invalid month is not a date
	if got, _ = GetDates("slc_20201399.fits", DefaultDateFmt); len(got) != 0 {
		t.Errorf("invalid date parsed as %v", got)
	}

	sorted, dates, err := SortFilesByDate([]string{"b_20200301.fits", "a_20200401.fits", "c_20200101.fits"}, DefaultDateFmt)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c_20200101.fits", "b_20200301.fits", "a_20200401.fits"}, sorted); diff != "" {
		t.Errorf("sorted mismatch (-want +got):\n%s", diff)
	}
	if dates[0].Month() != time.January {
		t.Errorf("first date %v", dates[0])
	}
	if _, _, err := SortFilesByDate([]string{"nodate.fits"}, DefaultDateFmt); err == nil {
		t.Errorf("expected error for file without date")
	}
}

func TestCompressedInfoFromFilename(t *testing.T) {
	name := filepath.Join("some", "dir", "ccslc_20200101_20200113_20200401_v2.fits")
	info, err := CompressedInfoFromFilename(name, DefaultDateFmt)
	if err != nil {
		t.Fatal(err)
	}
	if info.FilenameTemplate != "ccslc_%s_v2.fits" {
		t.Errorf("template=%s", info.FilenameTemplate)
	}
	if info.Path() != name {
		t.Errorf("path=%s; want %s", info.Path(), name)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	ms := plan(t, 25, 10, 5, nil)
	info, err := ms[2].CompressedInfo()
	if err != nil {
		t.Fatal(err)
	}
	info.Mode = "normalized"
	info.RunID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	dir := t.TempDir()
	info.OutputFolder = dir
	r, err := fits.Create(info.Path(), 2, 3, fits.KindComplex64, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = r.Close(); err != nil {
		t.Fatal(err)
	}
	if err = info.WriteMetadata(""); err != nil {
		t.Fatal(err)
	}

	got, err := CompressedInfoFromMetadata(info.Path())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(info, got); diff != "" {
		t.Errorf("metadata round trip mismatch (-want +got):\n%s", diff)
	}

	plain := filepath.Join(dir, "plain.fits")
	r, err = fits.Create(plain, 1, 1, fits.KindComplex64, 0, 0, map[string]string{"OTHER": "x"})
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	if _, err = CompressedInfoFromMetadata(plain); !errors.Is(err, ErrMissingMetadata) {
		t.Errorf("err=%v; want ErrMissingMetadata", err)
	}
}
