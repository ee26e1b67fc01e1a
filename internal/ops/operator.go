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


// Package ops composes false coloring and post-processing steps into JSON-serializable
// operator graphs. Operators turn input promises into output promises, so frames are only
// loaded and processed once a graph is materialized.
package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"github.com/mlnoga/falsecolor/internal/config"
	"github.com/mlnoga/falsecolor/internal/postproc"
	"github.com/mlnoga/falsecolor/internal/volume"
)

// An execution context for operators
type Context struct {
	Ctx        context.Context
	Log        io.Writer
	Settings   *config.Settings
	MemoryMB   int  // memory.TotalMemory()/1024/1024
	MaxThreads int  `json:"maxThreads"`
	Sandboxed  bool // restrict file names to relative paths within the working directory
}

func NewContext(log io.Writer, s *config.Settings) *Context {
	if s==nil { s=config.DefaultSettings() }
	threads:=s.Processing.MaxThreads
	if threads<=0 { threads=runtime.GOMAXPROCS(0) }
	return &Context{
		Ctx        : context.Background(),
		Log        : log,
		Settings   : s,
		MemoryMB   : int(memory.TotalMemory()/1024/1024),
		MaxThreads : threads,
	}
}

// Describes the CPU the operators run on
func (c *Context) CPUString() string {
	return fmt.Sprintf("%s with %d cores, %d threads, L1D %d KB, AVX2 %v", cpuid.CPU.BrandName,
		cpuid.CPU.PhysicalCores, c.MaxThreads, cpuid.CPU.Cache.L1D/1024, cpuid.CPU.AVX2())
}

// A pair of channel images and everything derived from them
type Frame struct {
	ID       int
	FileName string            // nuclear channel file the frame was loaded from
	Nuclei   *volume.Plane
	Cyto     *volume.Plane
	RGB      *volume.RGB       // false colored image
	Mask     *postproc.Mask    // latest segmentation or tissue mask
	Stains   *postproc.Stains  // color deconvolution of RGB
}

func (f *Frame) String() string {
	if f.RGB!=nil { return f.RGB.String() }
	if f.Nuclei!=nil { return f.Nuclei.String()+" pair" }
	return "empty frame"
}

// A promise for a frame. Returns a materialized frame, or an error
type Promise func() (f *Frame, err error)

// Materializes all promises with given concurrency limit
func MaterializeAll(ins []Promise, maxThreads int, forget bool) (outs []*Frame, err error) {
	if len(ins)==0 { return nil, nil }
	if maxThreads<=0 { maxThreads=1 }
	if !forget {
		outs=make([]*Frame, len(ins))
	}
	limiter:=make(chan bool, maxThreads)
	errs   :=make(chan error, len(ins))
	for i, in:=range ins {
		limiter <- true
		go func(i int, theIn Promise) {
			defer func() { <-limiter }()
			f, err:=theIn() // materialize the promise
			if !forget && err==nil {
				outs[i]=f
			}
			errs <- err
		}(i, in)
	}
	for i:=0; i<cap(limiter); i++ {  // wait for goroutines to finish
		limiter <- true
	}
	for i:=0; i<len(ins); i++ {  // collect errors
		e:= <-errs
		if e!=nil {
			if err==nil {
				err=e
			} else {
				err=errors.New(fmt.Sprintf("%s; %s", err.Error(), e.Error()))
			}
		}
	}
	return RemoveNils(outs), err
}

// Remove nils from an array of frames, editing the underlying array in place
func RemoveNils(frames []*Frame) []*Frame {
	o:=0
	for i:=0; i<len(frames); i++ {
		if frames[i]!=nil {
			frames[o]=frames[i]
			o++
		}
	}
	for i:=o; i<len(frames); i++ {
		frames[i]=nil
	}
	return frames[:o]
}


// A general frame processing operator: takes n promises as inputs,
// and produces m promises as output or an error
type Operator interface {
	GetType() string
	IsActive() bool
	MakePromises(ins []Promise, c *Context) (outs []Promise, err error)
}

// Base type for operators, including type information for JSON serializing/deserializing
type OpBase struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

func (op *OpBase) GetType() string { return op.Type }
func (op *OpBase) IsActive() bool { return op.Active }

// Factory method for operators. For JSON serializing/deserializing
type OperatorFactory func() Operator

var operatorFactories=map[string]OperatorFactory{}

// Returns the operator factory for a given type string, or nil
func GetOperatorFactory(t string) OperatorFactory {
	return operatorFactories[t]
}

// Registers the type string of the operator returned by the factory
func SetOperatorFactory(f OperatorFactory) {
	t:=f().GetType()
	if GetOperatorFactory(t)!=nil { panic(fmt.Sprintf("error: re-registering operator key %s\n", t)) }
	operatorFactories[t]=f
}

// Returns the registered operator types in alphabetical order
func OperatorTypes() []string {
	res:=make([]string, 0, len(operatorFactories))
	for t:=range operatorFactories { res=append(res, t) }
	sort.Strings(res)
	return res
}

// Decodes a single polymorphic operator from JSON, dispatching on its type field
func UnmarshalOperator(raw []byte) (Operator, error) {
	var base OpBase
	if err:=json.Unmarshal(raw, &base); err!=nil { return nil, err }
	factory:=GetOperatorFactory(base.Type)
	if factory==nil {
		return nil, errors.New(fmt.Sprintf("Unknown operator type '%s' in raw JSON message '%s'", base.Type, string(raw)))
	}
	op:=factory()
	if err:=json.Unmarshal(raw, op); err!=nil { return nil, err }
	return op, nil
}


// A unary operator: given n promises as inputs,
// applies itself to each of them individually and returns n output promises or an error
type OperatorUnary interface {
	Operator
	Apply(f *Frame, c *Context) (fOut *Frame, err error)
}

// Abstract base type for unary operators. Subtypes assign their Apply method in the constructor
type OpUnaryBase struct {
	OpBase
	Apply func(f *Frame, c *Context) (fOut *Frame, err error) `json:"-"`
}

func (op *OpUnaryBase) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins)==0 { return nil, errors.New(fmt.Sprintf("%s operator with %d inputs", op.Type, len(ins))) }
	if !op.Active { return ins, nil }
	outs=make([]Promise, len(ins))
	for i,in:=range ins {
		outs[i]=op.MakePromise(in, c)
	}
	return outs, nil
}

func (op *OpUnaryBase) MakePromise(in Promise, c *Context) (out Promise) {
	return func() (f *Frame, err error) {
		if f, err=in(); err!=nil { return nil, err }           // materialize input promise
		if err=c.Ctx.Err(); err!=nil { return nil, err }
		if f, err=op.Apply(f, c); err!=nil { return nil, err } // apply unary operator
		return f, nil
	}
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func isPathAllowed(p string) bool {
	if filepath.IsAbs(p) { return false }          // relative paths only
	if strings.Contains(p, "..") { return false }  // no going outside the tree
	return true
}

func (c *Context) checkPath(p string) error {
	if c.Sandboxed && !isPathAllowed(p) {
		return errors.New(fmt.Sprintf("File name %s outside current directory tree, aborting", p))
	}
	return nil
}


// Loads a pair of nuclear and cytoplasmic channel images. Takes zero inputs, produces one output
type OpLoadPair struct {
	OpBase
	ID     int    `json:"id"`
	Nuclei string `json:"nuclei"`
	Cyto   string `json:"cyto"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadPairDefault() }) } // register the operator for JSON decoding

func NewOpLoadPairDefault() *OpLoadPair { return NewOpLoadPair(0, "", "") }

func NewOpLoadPair(id int, nuclei, cyto string) *OpLoadPair {
	return &OpLoadPair{
		OpBase : OpBase{Type: "loadPair", Active: true},
		ID     : id,
		Nuclei : nuclei,
		Cyto   : cyto,
	}
}

func (op *OpLoadPair) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins)>0 { return nil, errors.New(fmt.Sprintf("%s operator with non-zero input", op.Type)) }
	if err:=c.checkPath(op.Nuclei); err!=nil { return nil, err }
	if err:=c.checkPath(op.Cyto); err!=nil { return nil, err }

	out:=func() (f *Frame, err error) {
		return op.Apply(nil, c)
	}
	return []Promise{out}, nil
}

// Loads the image pair. Ignores any f argument provided
func (op *OpLoadPair) Apply(f *Frame, c *Context) (result *Frame, err error) {
	nuc, err:=volume.ReadPlaneTIFF(op.Nuclei)
	if err!=nil { return nil, errors.New(fmt.Sprintf("%d: Error loading %s: %s", op.ID, op.Nuclei, err.Error())) }
	cyto, err:=volume.ReadPlaneTIFF(op.Cyto)
	if err!=nil { return nil, errors.New(fmt.Sprintf("%d: Error loading %s: %s", op.ID, op.Cyto, err.Error())) }

	fmt.Fprintf(c.Log, "%d: Loaded %s pair from %s and %s\n", op.ID, nuc, op.Nuclei, op.Cyto)
	return &Frame{ID: op.ID, FileName: op.Nuclei, Nuclei: nuc, Cyto: cyto}, nil
}

// Loads many image pairs from file name patterns with wildcards. Matches of both
// patterns are sorted by name and paired by position. Takes zero inputs, produces n outputs
type OpLoadPairs struct {
	OpBase
	NucleiPattern string `json:"nucleiPattern"`
	CytoPattern   string `json:"cytoPattern"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadPairsDefault() }) } // register the operator for JSON decoding

func NewOpLoadPairsDefault() *OpLoadPairs { return NewOpLoadPairs("", "") }

func NewOpLoadPairs(nucleiPattern, cytoPattern string) *OpLoadPairs {
	return &OpLoadPairs{
		OpBase        : OpBase{Type: "loadPairs", Active: true},
		NucleiPattern : nucleiPattern,
		CytoPattern   : cytoPattern,
	}
}

func globSorted(pattern string) ([]string, error) {
	matches, err:=filepath.Glob(pattern)
	if err!=nil { return nil, err }
	sort.Strings(matches)
	return matches, nil
}

// Turn file name wildcards into a list of pair load operators
func (op *OpLoadPairs) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins)>0 { return nil, errors.New(fmt.Sprintf("%s operator with non-zero input", op.Type)) }
	nucs, err:=globSorted(op.NucleiPattern)
	if err!=nil { return nil, err }
	cytos, err:=globSorted(op.CytoPattern)
	if err!=nil { return nil, err }
	if len(nucs)!=len(cytos) {
		return nil, errors.New(fmt.Sprintf("%s operator found %d nuclear but %d cytoplasmic files", op.Type, len(nucs), len(cytos)))
	}
	for i:=range nucs {
		if c.Sandboxed && (!isPathAllowed(nucs[i]) || !isPathAllowed(cytos[i])) {
			fmt.Fprintf(c.Log, "Pattern match outside current directory tree, skipping\n")
			continue
		}
		promises, err:=NewOpLoadPair(len(outs), nucs[i], cytos[i]).MakePromises(nil, c)
		if err!=nil { return nil, err }
		outs=append(outs, promises...)
	}
	if len(outs)==0 {
		return nil, errors.New(fmt.Sprintf("%s operator with no files to load from patterns %s and %s",
		                                   op.Type, op.NucleiPattern, op.CytoPattern))
	}
	fmt.Fprintf(c.Log, "Found %d pairs.\n", len(outs))
	return outs, nil
}


// Saves part of a frame under a given file name, with pattern expansion for %d based on the frame id.
// Takes one input, produces one output (the materialized but unchanged input)
type OpSave struct {
	OpUnaryBase
	FilePattern string `json:"filePattern"`
	What        string `json:"what"`    // rgb, mask, hematoxylin, eosin or dab
	Quality     int    `json:"quality"` // JPEG quality, 95 if unset
}

func init() { SetOperatorFactory(func() Operator { return NewOpSaveDefault() }) } // register the operator for JSON decoding

func NewOpSaveDefault() *OpSave { return NewOpSave("", "rgb") }

func NewOpSave(filenamePattern, what string) *OpSave {
	op:=OpSave{
		OpUnaryBase : OpUnaryBase{OpBase: OpBase{Type: "save", Active: filenamePattern!=""}},
		FilePattern : filenamePattern,
		What        : what,
		Quality     : 95,
	}
	op.OpUnaryBase.Apply=op.Apply // assign class method to superclass abstract method
	return &op
}

// Returns the RGB image to write, rendering masks and stains as needed
func (op *OpSave) image(f *Frame) (*volume.RGB, *volume.Plane, error) {
	var st *postproc.Stains
	switch op.What {
	case "", "rgb":
		if f.RGB==nil { return nil, nil, errors.New("no RGB image, run falseColor first") }
		return f.RGB, nil, nil
	case "mask":
		if f.Mask==nil { return nil, nil, errors.New("no mask, run maskEmpty or segmentNuclei first") }
		return f.Mask.RGB(f.ID), nil, nil
	case "hematoxylin", "eosin", "dab":
		if st=f.Stains; st==nil { return nil, nil, errors.New("no stains, run deconvolve first") }
	default:
		return nil, nil, errors.New(fmt.Sprintf("unknown part %s", op.What))
	}
	p:=map[string]*volume.Plane{"hematoxylin": st.H, "eosin": st.E, "dab": st.D}[op.What]
	scaled:=volume.NewPlane(p.Rows, p.Cols)
	for i,v:=range p.Data { scaled.Data[i]=v*65535 }
	return nil, scaled, nil
}

func (op *OpSave) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if !op.Active || op.FilePattern=="" { return f, nil }
	fileName:=op.FilePattern
	if strings.Contains(fileName, "%d") {
		fileName=fmt.Sprintf(op.FilePattern, f.ID)
	}
	if err:=c.checkPath(fileName); err!=nil { return nil, err }
	quality:=op.Quality
	if quality<=0 { quality=95 }

	rgb, plane, err:=op.image(f)
	if err!=nil { return nil, errors.New(fmt.Sprintf("%d: Cannot save %s to %s: %s", f.ID, op.What, fileName, err.Error())) }

	fnLower:=strings.ToLower(fileName)
	switch {
	case plane!=nil && (strings.HasSuffix(fnLower, ".tif") || strings.HasSuffix(fnLower, ".tiff")):
		fmt.Fprintf(c.Log, "%d: Writing %s pixel 16-bit %s TIFF to %s\n", f.ID, plane, op.What, fileName)
		err=volume.WritePlaneTIFF16(fileName, plane)
	case plane!=nil:
		err=errors.New("stains can only be written as TIFF")
	case strings.HasSuffix(fnLower, ".tif") || strings.HasSuffix(fnLower, ".tiff"):
		fmt.Fprintf(c.Log, "%d: Writing %s %s TIFF to %s\n", f.ID, rgb, op.What, fileName)
		err=rgb.WriteTIFFToFile(fileName)
	case strings.HasSuffix(fnLower, ".jpeg") || strings.HasSuffix(fnLower, ".jpg"):
		fmt.Fprintf(c.Log, "%d: Writing %s %s JPEG to %s\n", f.ID, rgb, op.What, fileName)
		err=rgb.WriteJPGToFile(fileName, quality)
	default:
		err=errors.New("Unknown suffix")
	}
	if err!=nil { return nil, errors.New(fmt.Sprintf("%d: Error writing to file %s: %s", f.ID, fileName, err.Error())) }
	return f, nil
}


// Applies a sequence of operators to a promise. Number of inputs, outputs as per the chained steps
type OpSequence struct {
	OpBase
	Steps    []Operator        `json:"-"`      // the actual steps
	StepsRaw []json.RawMessage `json:"steps"`  // helper for unmarshaling
}

func init() { SetOperatorFactory(func() Operator { return NewOpSequenceDefault() }) } // register the operator for JSON decoding

func NewOpSequenceDefault() *OpSequence { return NewOpSequence() }

func NewOpSequence(steps ...Operator) *OpSequence {
	return &OpSequence{
		OpBase : OpBase{Type: "seq", Active: len(steps)>0},
		Steps  : steps,
	}
}

// Unmarshals a sequence of polymorphic operators from JSON, via the temporary op.StepsRaw
func (op *OpSequence) UnmarshalJSON(b []byte) error {
	type alias OpSequence
	if err:=json.Unmarshal(b, (*alias)(op)); err!=nil { return err }

	op.Steps=nil
	for _, raw:=range op.StepsRaw {
		step, err:=UnmarshalOperator(raw)
		if err!=nil { return err }
		op.Steps=append(op.Steps, step)
	}
	op.StepsRaw=nil
	return nil
}

// Appends one or more operators to the existing sequence
func (op *OpSequence) Append(steps ...Operator) {
	op.Steps=append(op.Steps, steps...)
	op.Active=op.Active || len(steps)>0
}

// Marshals a sequence with polymorphic operators to JSON.
// Uses the actual op.Steps with label "steps", and ignores op.StepsRaw
func (op *OpSequence) MarshalJSON() (bs []byte, err error) {
	buf:=bytes.Buffer{}
	buf.WriteString("{\"type\":")
	inner, err:=json.Marshal(op.Type)
	if err!=nil { return nil, err }
	buf.Write(inner)
	fmt.Fprintf(&buf, ", \"active\":%v, \"steps\":", op.Active)
	steps:=op.Steps
	if steps==nil { steps=[]Operator{} }
	inner, err=json.Marshal(steps)
	if err!=nil { return nil, err }
	buf.Write(inner)
	buf.WriteRune('}')
	return buf.Bytes(), nil
}

func (op *OpSequence) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	return op.applyRecursive(op.Steps, ins, c)
}

func (op *OpSequence) applyRecursive(steps []Operator, ins []Promise, c *Context) (outs []Promise, err error) {
	if len(steps)==0 { return ins, nil }
	if steps[0].IsActive() {
		if ins, err=steps[0].MakePromises(ins, c); err!=nil { return nil, err }
	}
	return op.applyRecursive(steps[1:], ins, c)
}


// Applies a single operator to each input. Takes n inputs, produces n outputs
type OpForEach struct {
	OpBase
	Operation    Operator        `json:"-"`
	OperationRaw json.RawMessage `json:"operation"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpForEachDefault() }) } // register the operator for JSON decoding

func NewOpForEachDefault() *OpForEach { return NewOpForEach(nil) }

func NewOpForEach(operation Operator) *OpForEach {
	return &OpForEach{
		OpBase    : OpBase{Type: "forEach", Active: operation!=nil},
		Operation : operation,
	}
}

func (op *OpForEach) UnmarshalJSON(b []byte) error {
	type alias OpForEach
	if err:=json.Unmarshal(b, (*alias)(op)); err!=nil { return err }
	op.Operation=nil
	if len(op.OperationRaw)>0 && string(op.OperationRaw)!="null" {
		inner, err:=UnmarshalOperator(op.OperationRaw)
		if err!=nil { return err }
		op.Operation=inner
	}
	op.OperationRaw=nil
	return nil
}

func (op *OpForEach) MarshalJSON() ([]byte, error) {
	inner, err:=json.Marshal(op.Operation)
	if err!=nil { return nil, err }
	type alias OpForEach
	return json.Marshal(&alias{OpBase: op.OpBase, OperationRaw: inner})
}

// Applies the operation to each input individually
func (op *OpForEach) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins)==0 { return ins, nil }
	if op.Operation==nil { return nil, errors.New(fmt.Sprintf("%s operator has no operation to apply", op.Type)) }
	for _,in:=range ins {
		out, err:=op.Operation.MakePromises([]Promise{in}, c)
		if err!=nil { return nil, err }
		if len(out)!=1 { return nil, errors.New(fmt.Sprintf("%s operator needs exactly one promise from embedded operation", op.Type)) }
		outs=append(outs, out[0])
	}
	return outs, nil
}
