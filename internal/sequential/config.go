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

// Package sequential estimates wrapped phase over a long stack in ministacks, and
// stitches the independently referenced ministacks together via their compressed
// acquisitions.
package sequential

import (
	"fmt"

	"github.com/mlnoga/ministack/internal/blockio"
	"github.com/mlnoga/ministack/internal/ministack"
	"github.com/mlnoga/ministack/internal/phaselink"
	"github.com/mlnoga/ministack/internal/shp"
)

// Settings of a sequential run
type Config struct {
	OutputFolder       string                 `json:"outputFolder"`
	ExistingCompressed []string               `json:"existingCompressed"` // compressed acquisitions of an earlier run, oldest first
	FileDateFmt        string                 `json:"fileDateFmt"`
	MinistackSize      int                    `json:"ministackSize"`
	MaxNumCompressed   int                    `json:"maxNumCompressed"`
	ManualRefIdxs      []int                  `json:"manualRefIdxs"`
	HalfWindow         blockio.HalfWindow     `json:"halfWindow"`
	Strides            blockio.Strides        `json:"strides"`
	Beta               float64                `json:"beta"`
	SHPMethod          shp.Method             `json:"shpMethod"`
	SHPAlpha           float64                `json:"shpAlpha"`
	MaskFile           string                 `json:"maskFile"`          // optional uint8 raster, zero where no data
	PSMaskFile         string                 `json:"psMaskFile"`        // optional uint8 PS mask, 1 for PS
	AmpMeanFile        string                 `json:"ampMeanFile"`       // optional amplitude statistics for SHP estimation
	AmpDispersionFile  string                 `json:"ampDispersionFile"` // with NSLC metadata
	BlockShape         blockio.Shape          `json:"blockShape"`        // zero derives the shape from MaxBytes
	MaxBytes           int64                  `json:"maxBytes"`
	ReadThreads        int                    `json:"readThreads"`
	WriterQueue        int                    `json:"writerQueue"`
	CompressMode       phaselink.CompressMode `json:"compressMode"`
	NumWorkers         int                    `json:"numWorkers"`
	GPUEnabled         bool                   `json:"gpuEnabled"`
	RunID              string                 `json:"runId"` // stamped into compressed metadata, generated if empty
}

// Default settings
func NewConfigDefault() *Config {
	return &Config{
		OutputFolder:     "sequential",
		FileDateFmt:      ministack.DefaultDateFmt,
		MinistackSize:    10,
		MaxNumCompressed: ministack.DefaultMaxNumCompressed,
		HalfWindow:       blockio.HalfWindow{X: 11, Y: 5},
		Strides:          blockio.Strides{X: 1, Y: 1},
		Beta:             0.01,
		SHPMethod:        shp.MethodGLRT,
		SHPAlpha:         0.05,
		MaxBytes:         32e6,
		ReadThreads:      1,
		WriterQueue:      16,
		CompressMode:     phaselink.CompressModeNormalized,
	}
}

// Checks the settings which do not depend on the data
func (c *Config) Validate() error {
	if c.Strides.X < 1 || c.Strides.Y < 1 {
		return fmt.Errorf("%w: invalid strides %+v", ministack.ErrInvalidConfig, c.Strides)
	}
	if c.HalfWindow.X < 0 || c.HalfWindow.Y < 0 {
		return fmt.Errorf("%w: invalid half window %+v", ministack.ErrInvalidConfig, c.HalfWindow)
	}
	if c.Beta < 0 || c.Beta > 1 {
		return fmt.Errorf("%w: beta %g outside [0,1]", ministack.ErrInvalidConfig, c.Beta)
	}
	if _, err := shp.ParseMethod(string(c.SHPMethod)); err != nil {
		return fmt.Errorf("%w: %v", ministack.ErrInvalidConfig, err)
	}
	if c.SHPAlpha <= 0 || c.SHPAlpha >= 1 {
		return fmt.Errorf("%w: SHP significance level %g outside (0,1)", ministack.ErrInvalidConfig, c.SHPAlpha)
	}
	if _, err := phaselink.ParseCompressMode(string(c.CompressMode)); err != nil {
		return fmt.Errorf("%w: %v", ministack.ErrInvalidConfig, err)
	}
	if (c.AmpMeanFile == "") != (c.AmpDispersionFile == "") {
		return fmt.Errorf("%w: amplitude mean and dispersion files must be given together", ministack.ErrInvalidConfig)
	}
	if c.OutputFolder == "" {
		return fmt.Errorf("%w: empty output folder", ministack.ErrInvalidConfig)
	}
	return nil
}

// Overlap between blocks: the half window, rounded up to whole strides so that
// every block starts on the output grid
func (c *Config) overlaps() blockio.Shape {
	return blockio.Shape{
		Rows: roundUp(c.HalfWindow.Y, c.Strides.Y),
		Cols: roundUp(c.HalfWindow.X, c.Strides.X),
	}
}

// Block shape for a stack of the given depth, aligned to the strides and larger than the overlaps
func (c *Config) blockShape(depth, rows, cols int) blockio.Shape {
	s := c.BlockShape
	if s.Rows <= 0 || s.Cols <= 0 {
		s = blockio.AutoBlockShape(depth, rows, cols, c.Strides, c.MaxBytes)
	}
	ov := c.overlaps()
	if least := 2*ov.Rows + c.Strides.Y; s.Rows < least {
		s.Rows = least
	}
	if least := 2*ov.Cols + c.Strides.X; s.Cols < least {
		s.Cols = least
	}
	return s.AlignTo(c.Strides)
}

func roundUp(v, multiple int) int {
	return (v + multiple - 1) / multiple * multiple
}
