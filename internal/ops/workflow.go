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
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loads a workflow from a JSON or YAML file, depending on the suffix
func LoadWorkflow(fileName string) (*OpSequence, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	seq, err := DecodeWorkflow(data, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return seq, nil
}

// Decodes a workflow. A YAML document is converted to JSON first, so both formats
// share the same field names and defaults
func DecodeWorkflow(data []byte, isYAML bool) (*OpSequence, error) {
	if isYAML {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		var err error
		if data, err = json.Marshal(doc); err != nil {
			return nil, err
		}
	}
	seq := NewOpSequenceDefault()
	if err := json.Unmarshal(data, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// Encodes a workflow as YAML
func EncodeWorkflowYAML(seq *OpSequence) ([]byte, error) {
	data, err := json.Marshal(seq)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err = yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}
