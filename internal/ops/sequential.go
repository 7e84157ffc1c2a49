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

	"github.com/mlnoga/ministack/internal/ministack"
	"github.com/mlnoga/ministack/internal/phaselink"
	"github.com/mlnoga/ministack/internal/sequential"
)

// Plans the ministacks for the loaded stack without processing them
type OpPlan struct {
	OpBase
	OutputFolder       string   `json:"outputFolder"`
	MinistackSize      int      `json:"ministackSize"`
	MaxNumCompressed   int      `json:"maxNumCompressed"`
	ManualRefIdxs      []int    `json:"manualRefIdxs"`
	ExistingCompressed []string `json:"existingCompressed"`
	PlanFile           string   `json:"planFile"` // optional JSON output
}

func init() { SetOperatorFactory(func() Operator { return NewOpPlanDefault() }) } // register the operator for JSON decoding

func NewOpPlanDefault() *OpPlan {
	return &OpPlan{
		OpBase:           OpBase{Type: "plan", Active: true},
		OutputFolder:     "sequential",
		MinistackSize:    10,
		MaxNumCompressed: ministack.DefaultMaxNumCompressed,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpPlan) UnmarshalJSON(data []byte) error {
	type defaults OpPlan
	def := defaults(*NewOpPlanDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpPlan(def)
	return nil
}

func (op *OpPlan) Apply(c *Context) error {
	if len(c.Files) == 0 {
		return fmt.Errorf("%s operator needs a loaded stack", op.Type)
	}
	planner, err := ministack.NewPlanner(c.Files, c.Dates, op.ExistingCompressed, c.FileDateFmt, op.OutputFolder, op.MaxNumCompressed)
	if err != nil {
		return err
	}
	planner.Log = c.Log
	if c.Plan, err = planner.Plan(op.MinistackSize, op.ManualRefIdxs); err != nil {
		return err
	}
	for i, m := range c.Plan {
		fmt.Fprintf(c.Log, "Ministack %d: %d real + %d compressed, reference %s, output %s\n", i,
			len(m.FileList)-m.NumCompressed(), m.NumCompressed(), m.ReferenceDate().Format(c.FileDateFmt), m.OutputFolder)
	}
	if op.PlanFile == "" {
		return nil
	}
	if err = c.CheckPath(op.PlanFile); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c.Plan, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "Writing plan to %s\n", op.PlanFile)
	return os.WriteFile(op.PlanFile, data, 0644)
}

// Runs sequential phase linking over the loaded stack
type OpSequential struct {
	OpBase
	Kernel string `json:"kernel"`
	UsePS  bool   `json:"usePS"` // use the products of an earlier PS step unless files are given
	sequential.Config
}

func init() { SetOperatorFactory(func() Operator { return NewOpSequentialDefault() }) } // register the operator for JSON decoding

func NewOpSequentialDefault() *OpSequential {
	return &OpSequential{
		OpBase: OpBase{Type: "sequential", Active: true},
		Kernel: "evd",
		UsePS:  true,
		Config: *sequential.NewConfigDefault(),
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpSequential) UnmarshalJSON(data []byte) error {
	type defaults OpSequential
	def := defaults(*NewOpSequentialDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpSequential(def)
	return nil
}

// Returns the phase linking kernel with the given name
func NewKernel(name string) (phaselink.Kernel, error) {
	switch name {
	case "", "evd":
		return phaselink.EVD{}, nil
	}
	return nil, fmt.Errorf("%w: unknown kernel '%s'", ministack.ErrInvalidConfig, name)
}

func (op *OpSequential) Apply(c *Context) error {
	if len(c.Files) == 0 {
		return fmt.Errorf("%s operator needs a loaded stack", op.Type)
	}
	kernel, err := NewKernel(op.Kernel)
	if err != nil {
		return err
	}
	cfg := op.Config
	cfg.FileDateFmt = c.FileDateFmt
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = c.MaxThreads
	}
	if op.UsePS && c.PS != nil && cfg.PSMaskFile == "" && cfg.AmpMeanFile == "" {
		cfg.PSMaskFile = c.PS.PSFile
		cfg.AmpMeanFile, cfg.AmpDispersionFile = c.PS.AmpMeanFile, c.PS.AmpDispersionFile
	}
	for _, p := range append([]string{cfg.OutputFolder, cfg.MaskFile, cfg.PSMaskFile}, cfg.ExistingCompressed...) {
		if err = c.CheckPath(p); err != nil {
			return err
		}
	}

	if c.Result, err = sequential.Run(c.Log, c.Files, c.Dates, &cfg, kernel); err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "Wrote %d phase linked acquisitions to %s, final compressed acquisition %s\n",
		len(c.Result.OutputFiles), c.Result.OutputFolder, c.Result.FinalCompressed)
	return nil
}

// Extends a mean-mode compressed acquisition with the loaded stack, using the outputs
// of the last sequential run as phase estimates
type OpAppendCompressed struct {
	OpBase
	CompressedFile string   `json:"compressedFile"`
	EstimateFiles  []string `json:"estimateFiles"` // defaults to the outputs of the last sequential run
	MaxBytes       int64    `json:"maxBytes"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpAppendCompressedDefault() }) } // register the operator for JSON decoding

func NewOpAppendCompressedDefault() *OpAppendCompressed {
	return &OpAppendCompressed{
		OpBase:   OpBase{Type: "appendCompressed", Active: true},
		MaxBytes: 32e6,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpAppendCompressed) UnmarshalJSON(data []byte) error {
	type defaults OpAppendCompressed
	def := defaults(*NewOpAppendCompressedDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpAppendCompressed(def)
	return nil
}

func (op *OpAppendCompressed) Apply(c *Context) error {
	estimates := op.EstimateFiles
	if len(estimates) == 0 && c.Result != nil {
		estimates = c.Result.OutputFiles
	}
	if len(c.Files) == 0 || len(estimates) != len(c.Files) {
		return fmt.Errorf("%s operator needs one estimate per loaded acquisition, have %d for %d",
			op.Type, len(estimates), len(c.Files))
	}
	if err := c.CheckPath(op.CompressedFile); err != nil {
		return err
	}
	return sequential.AppendToCompressed(c.Log, op.CompressedFile, c.Files, estimates, c.Dates, op.MaxBytes)
}
