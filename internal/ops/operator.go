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

// Package ops wraps the processing steps into operators which can be chained into
// workflows and serialized to JSON or YAML.
package ops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"github.com/mlnoga/ministack/internal/ministack"
	"github.com/mlnoga/ministack/internal/ps"
	"github.com/mlnoga/ministack/internal/sequential"
)

// An execution context for operators. Carries the stack and the products of earlier steps
type Context struct {
	Log           io.Writer
	MemoryMB      int    // memory.TotalMemory()/1024/1024
	StackMemoryMB int    // MemoryMB*7/10
	MaxThreads    int    `json:"maxThreads"`
	CPUBrand      string `json:"cpuBrand"`
	Sandboxed     bool   // restrict file names to the working directory tree

	Files       []string               // acquisitions in chronological order
	Dates       []time.Time            // one per acquisition
	FileDateFmt string                 // layout of the dates in the file names
	PS          *ps.Outputs            // products of the last PS step, if any
	Plan        []*ministack.Ministack // last plan, if any
	Result      *sequential.Result     // last sequential run, if any
}

func NewContext(log io.Writer) *Context {
	memoryMB := int(memory.TotalMemory() / 1024 / 1024)
	threads := cpuid.CPU.LogicalCores
	if threads < 1 || threads > runtime.GOMAXPROCS(0) {
		threads = runtime.GOMAXPROCS(0)
	}
	return &Context{
		Log:           log,
		MemoryMB:      memoryMB,
		StackMemoryMB: memoryMB * 7 / 10,
		MaxThreads:    threads,
		CPUBrand:      cpuid.CPU.BrandName,
		FileDateFmt:   ministack.DefaultDateFmt,
	}
}

// Sets the acquisitions of the context, sorted by date
func (c *Context) SetStack(files []string, layout string) error {
	if layout == "" {
		layout = ministack.DefaultDateFmt
	}
	sorted, dates, err := ministack.SortFilesByDate(files, layout)
	if err != nil {
		return err
	}
	c.Files, c.Dates, c.FileDateFmt = sorted, dates, layout
	return nil
}

// Returns an error if the context is sandboxed and the path leaves the working directory tree
func (c *Context) CheckPath(p string) error {
	if c.Sandboxed && !IsPathAllowed(p) {
		return fmt.Errorf("file name '%s' outside current directory tree", p)
	}
	return nil
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func IsPathAllowed(p string) bool {
	if filepath.IsAbs(p) {
		return false // relative paths only
	}
	return !strings.Contains(p, "..") // no going outside the tree
}

// A processing step working on the context
type Operator interface {
	GetType() string
	IsActive() bool
	Apply(c *Context) error
}

// Base type for operators, including type information for JSON serializing/deserializing
type OpBase struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

func (op *OpBase) GetType() string { return op.Type }
func (op *OpBase) IsActive() bool  { return op.Active }

// Factory method for operators. For JSON serializing/deserializing
type OperatorFactory func() Operator

// Mapping from operator type strings to factory method for the type
var operatorFactories = map[string]OperatorFactory{}

// Returns the operator factory for a given type string
func GetOperatorFactory(t string) OperatorFactory {
	return operatorFactories[t]
}

// Registers a given type string for a given type of Operator, identified via an exemplar generator
func SetOperatorFactory(f OperatorFactory) {
	t := f().GetType()
	if GetOperatorFactory(t) != nil {
		panic(fmt.Sprintf("error: re-registering operator key %s\n", t))
	}
	operatorFactories[t] = f
}

// Applies a sequence of operators in order, skipping inactive ones
type OpSequence struct {
	OpBase
	Steps    []Operator        `json:"-"`     // the actual steps
	StepsRaw []json.RawMessage `json:"steps"` // helper for unmarshaling
}

func init() { SetOperatorFactory(func() Operator { return NewOpSequenceDefault() }) } // register the operator for JSON decoding

func NewOpSequenceDefault() *OpSequence { return NewOpSequence() }

func NewOpSequence(steps ...Operator) *OpSequence {
	return &OpSequence{
		OpBase: OpBase{Type: "seq", Active: true},
		Steps:  steps,
	}
}

// Unmarshals a sequence of polymorphic operators from JSON.
// Uses temporary op.StepsRaw inspired by https://alexkappa.medium.com/json-polymorphism-in-go-4cade1e58ed1
func (op *OpSequence) UnmarshalJSON(b []byte) error {
	type alias OpSequence
	def := alias(*NewOpSequenceDefault())
	if err := json.Unmarshal(b, &def); err != nil {
		return err
	}
	*op = OpSequence(def)

	for _, raw := range op.StepsRaw {
		var step OpBase
		if err := json.Unmarshal(raw, &step); err != nil {
			return err
		}
		factory := GetOperatorFactory(step.Type)
		if factory == nil {
			return fmt.Errorf("unknown operator type '%s' in raw JSON message '%s'", step.Type, string(raw))
		}
		i := factory()
		if err := json.Unmarshal(raw, i); err != nil {
			return fmt.Errorf("%s: %w", step.Type, err)
		}
		op.Steps = append(op.Steps, i)
	}
	op.StepsRaw = nil
	return nil
}

// Marshals a sequence with polymorphic operators to JSON.
// Uses the actual op.Steps with label "steps", and ignores op.StepsRaw
func (op *OpSequence) MarshalJSON() (bs []byte, err error) {
	buf := bytes.Buffer{}
	buf.WriteString("{\"type\":")
	inner, err := json.Marshal(op.Type)
	if err != nil {
		return nil, err
	}
	buf.Write(inner)
	fmt.Fprintf(&buf, ",\"active\":%v,\"steps\":", op.Active)
	steps := op.Steps
	if steps == nil {
		steps = []Operator{}
	}
	if inner, err = json.Marshal(steps); err != nil {
		return nil, err
	}
	buf.Write(inner)
	buf.WriteRune('}')
	return buf.Bytes(), nil
}

// Appends one or more operators to the existing sequence
func (op *OpSequence) Append(steps ...Operator) {
	op.Steps = append(op.Steps, steps...)
}

func (op *OpSequence) Apply(c *Context) error {
	for i, step := range op.Steps {
		if !step.IsActive() {
			fmt.Fprintf(c.Log, "Skipping inactive step %d (%s)\n", i, step.GetType())
			continue
		}
		start := time.Now()
		fmt.Fprintf(c.Log, "Step %d: %s\n", i, step.GetType())
		if err := step.Apply(c); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.GetType(), err)
		}
		fmt.Fprintf(c.Log, "Step %d done after %v\n", i, time.Since(start).Round(time.Millisecond))
	}
	return nil
}
