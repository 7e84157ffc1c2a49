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
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mlnoga/ministack/internal/fits"
)

// Version of the compressed acquisition metadata schema
const MetadataVersion = 1

// Metadata keys of compressed acquisitions. Lists are JSON encoded, dates RFC 3339
const (
	KeyVersion          = "MSVER"
	KeyReferenceDate    = "REFDATE"
	KeyStartDate        = "STARTDT"
	KeyEndDate          = "ENDDATE"
	KeyNumReal          = "NREAL"
	KeyRealFiles        = "REALFILE"
	KeyRealDates        = "REALDATE"
	KeyCompressedFiles  = "COMPFILE"
	KeyDateFmt          = "DATEFMT"
	KeyFilenameTemplate = "FNTEMPL"
	KeyMode             = "COMPMODE"
	KeyRunID            = "RUNID"
)

// Encodes the compressed acquisition as raster metadata
func (c *CompressedInfo) Metadata() (map[string]string, error) {
	realDates := make([]string, len(c.RealDates))
	for i, d := range c.RealDates {
		realDates[i] = d.Format(time.RFC3339)
	}
	lists := []struct {
		key string
		val interface{}
	}{
		{KeyRealFiles, nonNil(c.RealFiles)},
		{KeyRealDates, realDates},
		{KeyCompressedFiles, nonNil(c.CompressedFiles)},
	}
	md := map[string]string{
		KeyVersion:          strconv.Itoa(MetadataVersion),
		KeyReferenceDate:    c.ReferenceDate.Format(time.RFC3339),
		KeyStartDate:        c.StartDate.Format(time.RFC3339),
		KeyEndDate:          c.EndDate.Format(time.RFC3339),
		KeyNumReal:          strconv.Itoa(len(c.RealFiles)),
		KeyDateFmt:          c.FileDateFmt,
		KeyFilenameTemplate: c.FilenameTemplate,
		KeyMode:             c.Mode,
		KeyRunID:            c.RunID,
	}
	for _, l := range lists {
		b, err := json.Marshal(l.val)
		if err != nil {
			return nil, err
		}
		md[l.key] = string(b)
	}
	return md, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Embeds the metadata into the given file, or into Path() if fileName is empty.
// The file must exist.
func (c *CompressedInfo) WriteMetadata(fileName string) error {
	if fileName == "" {
		fileName = c.Path()
	}
	md, err := c.Metadata()
	if err != nil {
		return err
	}
	return fits.SetMetadata(fileName, md)
}

// Loads a compressed acquisition from the metadata embedded in the given file.
// The output folder is the directory the file resides in now.
func CompressedInfoFromMetadata(fileName string) (*CompressedInfo, error) {
	_, _, md, err := fits.Stat(fileName)
	if err != nil {
		return nil, err
	}
	return compressedInfoFromMap(fileName, md)
}

func compressedInfoFromMap(fileName string, md map[string]string) (*CompressedInfo, error) {
	ver, ok := md[KeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %s key", ErrMissingMetadata, fileName, KeyVersion)
	}
	if v, err := strconv.Atoi(ver); err != nil || v != MetadataVersion {
		return nil, fmt.Errorf("%s: unsupported metadata version '%s'", fileName, ver)
	}
	for _, key := range []string{KeyReferenceDate, KeyStartDate, KeyEndDate, KeyNumReal, KeyRealFiles,
		KeyRealDates, KeyCompressedFiles, KeyDateFmt, KeyFilenameTemplate} {
		if _, ok := md[key]; !ok {
			return nil, fmt.Errorf("%w: %s has no %s key", ErrMissingMetadata, fileName, key)
		}
	}

	c := &CompressedInfo{
		FileDateFmt:      md[KeyDateFmt],
		FilenameTemplate: md[KeyFilenameTemplate],
		OutputFolder:     filepath.Dir(fileName),
		Mode:             md[KeyMode],
		RunID:            md[KeyRunID],
	}
	var err error
	dates := []struct {
		key string
		dst *time.Time
	}{
		{KeyReferenceDate, &c.ReferenceDate},
		{KeyStartDate, &c.StartDate},
		{KeyEndDate, &c.EndDate},
	}
	for _, d := range dates {
		if *d.dst, err = time.Parse(time.RFC3339, md[d.key]); err != nil {
			return nil, fmt.Errorf("%s: invalid %s: %w", fileName, d.key, err)
		}
	}

	var realDates []string
	lists := []struct {
		key string
		dst *[]string
	}{
		{KeyRealFiles, &c.RealFiles},
		{KeyRealDates, &realDates},
		{KeyCompressedFiles, &c.CompressedFiles},
	}
	for _, l := range lists {
		if err = json.Unmarshal([]byte(md[l.key]), l.dst); err != nil {
			return nil, fmt.Errorf("%s: invalid %s: %w", fileName, l.key, err)
		}
	}
	if len(realDates) != len(c.RealFiles) {
		return nil, fmt.Errorf("%s: %d real files but %d real dates", fileName, len(c.RealFiles), len(realDates))
	}
	for _, s := range realDates {
		d, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid %s: %w", fileName, KeyRealDates, err)
		}
		c.RealDates = append(c.RealDates, d)
	}
	if n, err := strconv.Atoi(md[KeyNumReal]); err != nil || n != len(c.RealFiles) {
		return nil, fmt.Errorf("%s: %s is '%s' but %d real files are listed", fileName, KeyNumReal, md[KeyNumReal], len(c.RealFiles))
	}
	return c, nil
}
