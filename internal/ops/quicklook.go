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

	"github.com/mlnoga/ministack/internal/quicklook"
)

// Renders preview images of rasters. Without patterns, renders the products of
// earlier steps in the context
type OpQuicklook struct {
	OpBase
	FilePatterns []string `json:"filePatterns"`
	Quality      int      `json:"quality"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpQuicklookDefault() }) } // register the operator for JSON decoding

func NewOpQuicklookDefault() *OpQuicklook {
	return &OpQuicklook{
		OpBase:  OpBase{Type: "quicklook", Active: true},
		Quality: 90,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpQuicklook) UnmarshalJSON(data []byte) error {
	type defaults OpQuicklook
	def := defaults(*NewOpQuicklookDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpQuicklook(def)
	return nil
}

// Returns the files to render
func (op *OpQuicklook) inputs(c *Context) ([]string, error) {
	var files []string
	for _, pattern := range op.FilePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	if len(op.FilePatterns) > 0 {
		return files, nil
	}
	if c.Result != nil {
		files = append(files, c.Result.OutputFiles...)
		files = append(files, c.Result.TemporalCoherence)
	}
	if c.PS != nil {
		files = append(files, c.PS.AmpDispersionFile, c.PS.AmpMeanFile)
	}
	return files, nil
}

func (op *OpQuicklook) Apply(c *Context) error {
	files, err := op.inputs(c)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%s operator with nothing to render", op.Type)
	}
	for _, f := range files {
		if err = c.CheckPath(f); err != nil {
			return err
		}
		if _, err = quicklook.Render(c.Log, f, "", op.Quality); err != nil {
			return err
		}
	}
	return nil
}
