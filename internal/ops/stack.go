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

package ops

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/mlnoga/ministack/internal/ministack"
	"github.com/mlnoga/ministack/internal/synth"
)

// Loads a stack from file name patterns with wildcards, sorted by the dates in the names
type OpLoad struct {
	OpBase
	FilePatterns []string `json:"filePatterns"`
	FileDateFmt  string   `json:"fileDateFmt"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadDefault() }) } // register the operator for JSON decoding

func NewOpLoadDefault() *OpLoad { return NewOpLoad(nil, ministack.DefaultDateFmt) }

func NewOpLoad(filePatterns []string, fileDateFmt string) *OpLoad {
	return &OpLoad{
		OpBase:       OpBase{Type: "load", Active: true},
		FilePatterns: filePatterns,
		FileDateFmt:  fileDateFmt,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpLoad) UnmarshalJSON(data []byte) error {
	type defaults OpLoad
	def := defaults(*NewOpLoadDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpLoad(def)
	return nil
}

func (op *OpLoad) Apply(c *Context) error {
	var files []string
	for _, pattern := range op.FilePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		for _, match := range matches {
			if err := c.CheckPath(match); err != nil {
				fmt.Fprintf(c.Log, "Warning: %s, skipping\n", err)
				continue
			}
			files = append(files, match)
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("%s operator with no files to load from pattern %v", op.Type, op.FilePatterns)
	}
	if err := c.SetStack(files, op.FileDateFmt); err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "Found %d acquisitions from %s to %s.\n", len(c.Files),
		c.Dates[0].Format(c.FileDateFmt), c.Dates[len(c.Dates)-1].Format(c.FileDateFmt))
	return nil
}

// Generates a synthetic stack and loads it
type OpSimulate struct {
	OpBase
	Folder string `json:"folder"`
	synth.Options
}

func init() { SetOperatorFactory(func() Operator { return NewOpSimulateDefault() }) } // register the operator for JSON decoding

func NewOpSimulateDefault() *OpSimulate { return NewOpSimulate("synth", synth.NewOptionsDefault()) }

func NewOpSimulate(folder string, opts *synth.Options) *OpSimulate {
	return &OpSimulate{
		OpBase:  OpBase{Type: "simulate", Active: true},
		Folder:  folder,
		Options: *opts,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpSimulate) UnmarshalJSON(data []byte) error {
	type defaults OpSimulate
	def := defaults(*NewOpSimulateDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpSimulate(def)
	return nil
}

func (op *OpSimulate) Apply(c *Context) error {
	if err := c.CheckPath(op.Folder); err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "Simulating %d acquisitions of %dx%d pixels into %s\n", op.NumAcquisitions, op.Rows, op.Cols, op.Folder)
	files, dates, err := synth.Generate(op.Folder, &op.Options)
	if err != nil {
		return err
	}
	c.Files, c.Dates, c.FileDateFmt = files, dates, ministack.DefaultDateFmt
	return nil
}
