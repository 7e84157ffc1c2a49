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

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/ps"
)

// Finds persistent scatterers in the loaded stack
type OpCreatePS struct {
	OpBase
	OutputFolder              string          `json:"outputFolder"`
	Threshold                 float64         `json:"threshold"`
	ExistingAmpMeanFile       string          `json:"existingAmpMeanFile"`
	ExistingAmpDispersionFile string          `json:"existingAmpDispersionFile"`
	UpdateExisting            bool            `json:"updateExisting"`
	MaskFile                  string          `json:"maskFile"` // optional uint8 raster, zero where no data
	BlockShape                blockio.Shape   `json:"blockShape"`
	LookStrides               blockio.Strides `json:"lookStrides"` // also write multilooked PS products if larger than 1
}

func init() { SetOperatorFactory(func() Operator { return NewOpCreatePSDefault() }) } // register the operator for JSON decoding

func NewOpCreatePSDefault() *OpCreatePS {
	return &OpCreatePS{
		OpBase:       OpBase{Type: "ps", Active: true},
		OutputFolder: "ps",
		Threshold:    ps.DefaultThreshold,
		BlockShape:   blockio.Shape{Rows: 512, Cols: 512},
		LookStrides:  blockio.Strides{X: 1, Y: 1},
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpCreatePS) UnmarshalJSON(data []byte) error {
	type defaults OpCreatePS
	def := defaults(*NewOpCreatePSDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpCreatePS(def)
	return nil
}

func (op *OpCreatePS) Apply(c *Context) error {
	if len(c.Files) == 0 {
		return fmt.Errorf("%s operator needs a loaded stack", op.Type)
	}
	if err := c.CheckPath(op.OutputFolder); err != nil {
		return err
	}
	if err := os.MkdirAll(op.OutputFolder, 0755); err != nil {
		return err
	}
	opts := ps.Options{
		OutputFile:                filepath.Join(op.OutputFolder, "ps_pixels.fits"),
		AmpMeanFile:               filepath.Join(op.OutputFolder, "amp_mean.fits"),
		AmpDispersionFile:         filepath.Join(op.OutputFolder, "amp_dispersion.fits"),
		Threshold:                 op.Threshold,
		ExistingAmpMeanFile:       op.ExistingAmpMeanFile,
		ExistingAmpDispersionFile: op.ExistingAmpDispersionFile,
		UpdateExisting:            op.UpdateExisting,
		BlockShape:                op.BlockShape,
		WriterQueue:               16,
	}
	if op.MaskFile != "" {
		mask, _, _, err := blockio.LoadMask(op.MaskFile, true)
		if err != nil {
			return err
		}
		opts.NodataMask = mask
	}

	reader, err := blockio.NewFileStack(c.Files, c.MaxThreads)
	if err != nil {
		return err
	}
	defer reader.Close()
	fmt.Fprintf(c.Log, "Creating PS products for %d acquisitions in %s\n", reader.Len(), op.OutputFolder)
	out, err := ps.CreatePS(c.Log, reader, opts)
	if err != nil {
		return err
	}
	c.PS = &out

	if op.LookStrides.X > 1 || op.LookStrides.Y > 1 {
		psLooked, dispLooked, err := ps.MultilookPS(c.Log, op.LookStrides, out.PSFile, out.AmpDispersionFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Log, "Multilooked PS products: %s, %s\n", psLooked, dispLooked)
	}
	return nil
}
