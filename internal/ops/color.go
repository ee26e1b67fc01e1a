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
	"errors"
	"fmt"

	"github.com/mlnoga/falsecolor/internal/config"
	"github.com/mlnoga/falsecolor/internal/pipeline"
	"github.com/mlnoga/falsecolor/internal/postproc"
)

// False colors the channel pair of a frame into an H&E-like RGB image.
// Uses the given settings if present, otherwise the settings of the context
type OpFalseColor struct {
	OpUnaryBase
	Settings *config.Settings `json:"settings,omitempty"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpFalseColorDefault() }) } // register the operator for JSON decoding

func NewOpFalseColorDefault() *OpFalseColor { return NewOpFalseColor(nil) }

func NewOpFalseColor(s *config.Settings) *OpFalseColor {
	op:=OpFalseColor{
		OpUnaryBase : OpUnaryBase{OpBase: OpBase{Type: "falseColor", Active: true}},
		Settings    : s,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpFalseColor) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if f.Nuclei==nil || f.Cyto==nil { return nil, errors.New(fmt.Sprintf("%d: %s operator without channel images", f.ID, op.Type)) }
	s:=op.Settings
	if s==nil { s=c.Settings }
	rgb, err:=pipeline.ColorImage(c.Ctx, f.Nuclei, f.Cyto, s, c.Log, f.ID)
	if err!=nil { return nil, err }
	f.RGB=rgb
	return f, nil
}

// Computes the tissue mask of the RGB image, and optionally blanks empty regions to black
type OpMaskEmpty struct {
	OpUnaryBase
	postproc.EmptyOptions
	Blank bool `json:"blank"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpMaskEmptyDefault() }) } // register the operator for JSON decoding

func NewOpMaskEmptyDefault() *OpMaskEmpty { return NewOpMaskEmpty(postproc.DefaultEmptyOptions(), false) }

func NewOpMaskEmpty(opt postproc.EmptyOptions, blank bool) *OpMaskEmpty {
	op:=OpMaskEmpty{
		OpUnaryBase  : OpUnaryBase{OpBase: OpBase{Type: "maskEmpty", Active: true}},
		EmptyOptions : opt,
		Blank        : blank,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpMaskEmpty) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if f.RGB==nil { return nil, errors.New(fmt.Sprintf("%d: %s operator without RGB image", f.ID, op.Type)) }
	if f.Mask, err=postproc.MaskEmpty(f.RGB, op.EmptyOptions); err!=nil { return nil, err }
	fmt.Fprintf(c.Log, "%d: Tissue covers %d of %d pixels\n", f.ID, f.Mask.Count(), len(f.Mask.Bits))
	if op.Blank {
		if err:=f.Mask.ApplyTo(f.RGB); err!=nil { return nil, err }
	}
	return f, nil
}

// Segments nuclei in the RGB image into the frame mask
type OpSegmentNuclei struct {
	OpUnaryBase
	postproc.SegmentOptions
}

func init() { SetOperatorFactory(func() Operator { return NewOpSegmentNucleiDefault() }) } // register the operator for JSON decoding

func NewOpSegmentNucleiDefault() *OpSegmentNuclei { return NewOpSegmentNuclei(postproc.DefaultSegmentOptions()) }

func NewOpSegmentNuclei(opt postproc.SegmentOptions) *OpSegmentNuclei {
	op:=OpSegmentNuclei{
		OpUnaryBase    : OpUnaryBase{OpBase: OpBase{Type: "segmentNuclei", Active: true}},
		SegmentOptions : opt,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpSegmentNuclei) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if f.RGB==nil { return nil, errors.New(fmt.Sprintf("%d: %s operator without RGB image", f.ID, op.Type)) }
	if f.Mask, err=postproc.SegmentNuclei(f.RGB, op.SegmentOptions); err!=nil { return nil, err }
	fmt.Fprintf(c.Log, "%d: Segmented %d nuclear pixels\n", f.ID, f.Mask.Count())
	return f, nil
}

// Separates the stains of the RGB image by color deconvolution
type OpDeconvolve struct {
	OpUnaryBase
}

func init() { SetOperatorFactory(func() Operator { return NewOpDeconvolve() }) } // register the operator for JSON decoding

func NewOpDeconvolve() *OpDeconvolve {
	op:=OpDeconvolve{OpUnaryBase{OpBase: OpBase{Type: "deconvolve", Active: true}}}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpDeconvolve) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if f.RGB==nil { return nil, errors.New(fmt.Sprintf("%d: %s operator without RGB image", f.ID, op.Type)) }
	f.Stains=postproc.Deconvolve(f.RGB)
	fmt.Fprintf(c.Log, "%d: Deconvolved %s into stains\n", f.ID, f.RGB)
	return f, nil
}

// Sharpens the RGB image with the given gradient magnitude weight
type OpSharpen struct {
	OpUnaryBase
	Alpha float32 `json:"alpha"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpSharpenDefault() }) } // register the operator for JSON decoding

func NewOpSharpenDefault() *OpSharpen { return NewOpSharpen(0) }

func NewOpSharpen(alpha float32) *OpSharpen {
	op:=OpSharpen{
		OpUnaryBase : OpUnaryBase{OpBase: OpBase{Type: "sharpen", Active: alpha!=0}},
		Alpha       : alpha,
	}
	op.OpUnaryBase.Apply=op.Apply
	return &op
}

func (op *OpSharpen) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if f.RGB==nil { return nil, errors.New(fmt.Sprintf("%d: %s operator without RGB image", f.ID, op.Type)) }
	f.RGB=postproc.SharpenRGB(f.RGB, op.Alpha)
	fmt.Fprintf(c.Log, "%d: Sharpened with alpha %g\n", f.ID, op.Alpha)
	return f, nil
}

// Standard graph for coloring image pairs: load, false color, optionally sharpen
// and mask empty regions, then save
func NewOpColorPairs(nucleiPattern, cytoPattern string, s *config.Settings, sharpen float32, blank bool, outPattern string) *OpSequence {
	return NewOpSequence(
		NewOpLoadPairs(nucleiPattern, cytoPattern),
		NewOpForEach(NewOpSequence(
			NewOpFalseColor(s),
			NewOpSharpen(sharpen),
			NewOpMaskEmpty(postproc.DefaultEmptyOptions(), blank),
			NewOpSave(outPattern, "rgb"),
		)),
	)
}
