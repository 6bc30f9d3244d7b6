// Copyright (C) 2021 Markus L. Noga
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


package starless

import (
	"encoding/json"
	"fmt"
	"github.com/mlnoga/starless/internal/config"
	"github.com/mlnoga/starless/internal/curve"
	"github.com/mlnoga/starless/internal/fits"
	"github.com/mlnoga/starless/internal/ops"
	"github.com/mlnoga/starless/internal/ops/starnet"
	"github.com/mlnoga/starless/internal/ops/stf"
)


// Removes stars from a linear image. Takes one input, produces one output: the
// starless linear image, or the unchanged input when only trying the clip
type OpLinearStarNet struct {
	ops.OpUnaryBase
	Params   config.Params   `json:"params"`
	StarMap  string          `json:"starMap"`   // file pattern for the star map, empty to skip
	ClipMap  string          `json:"clipMap"`   // file pattern for the clip map, empty to skip
	Preview  string          `json:"preview"`   // file pattern for a JPEG of the starless image with the forward stretch, empty to skip
	Provider stf.Provider    `json:"-"`         // selected from params if nil
	Remover  starnet.Remover `json:"-"`         // executable from params if nil
}

var _ ops.Operator = (*OpLinearStarNet)(nil) // this type is an Operator
func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpLinearStarNetDefault() })} // register the operator for JSON decoding

func NewOpLinearStarNetDefault() *OpLinearStarNet { return NewOpLinearStarNet(config.Default(), "", "") }

func NewOpLinearStarNet(p config.Params, starMap, clipMap string) *OpLinearStarNet {
	op:=OpLinearStarNet{
	  	OpUnaryBase : ops.OpUnaryBase{OpBase : ops.OpBase{Type: "linearStarNet", Active: true}},
	  	Params      : p,
	  	StarMap     : starMap,
	  	ClipMap     : clipMap,
  	}
	op.OpUnaryBase.Apply=op.Apply // assign class method to superclass abstract method
	return &op	
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpLinearStarNet) UnmarshalJSON(data []byte) error {
	type defaults OpLinearStarNet
	def:=defaults( *NewOpLinearStarNetDefault() )
	err:=json.Unmarshal(data, &def)
	if err!=nil { return err }
	*op=OpLinearStarNet(def)
	op.OpUnaryBase.Apply=op.Apply
	return op.Params.Validate()
}

func (op *OpLinearStarNet) Apply(f *fits.Image, c *ops.Context) (result *fits.Image, err error) {
	if !op.Active { return f, nil }
	r:=NewRunner(op.Params, op.Provider, op.Remover)
	res, err:=r.LinearStarNet(c, f)
	if err!=nil { return nil, err }

	if err=saveOptional(res.ClipMap, op.ClipMap, nil, c); err!=nil { return nil, err }
	if err=saveOptional(res.StarMap, op.StarMap, nil, c); err!=nil { return nil, err }
	if res.Starless==nil { return f, nil }
	if err=saveOptional(res.Starless, op.Preview, &res.Forward, c); err!=nil { return nil, err }
	return res.Starless, nil
}


// Returns a stretched image to linear state, using the auto-stretch of a linear
// reference image. Takes one input, produces one output
type OpReLinear struct {
	ops.OpUnaryBase
	Params   config.Params `json:"params"`
	Linear   string        `json:"linear"`   // file name of the linear reference image
	Preview  string        `json:"preview"`  // file pattern for a JPEG of the result with the forward stretch, empty to skip
	Provider stf.Provider  `json:"-"`        // selected from params if nil
}

var _ ops.Operator = (*OpReLinear)(nil) // this type is an Operator
func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpReLinearDefault() })} // register the operator for JSON decoding

func NewOpReLinearDefault() *OpReLinear { return NewOpReLinear(config.Default(), "") }

func NewOpReLinear(p config.Params, linear string) *OpReLinear {
	op:=OpReLinear{
	  	OpUnaryBase : ops.OpUnaryBase{OpBase : ops.OpBase{Type: "reLinear", Active: true}},
	  	Params      : p,
	  	Linear      : linear,
  	}
	op.OpUnaryBase.Apply=op.Apply // assign class method to superclass abstract method
	return &op	
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpReLinear) UnmarshalJSON(data []byte) error {
	type defaults OpReLinear
	def:=defaults( *NewOpReLinearDefault() )
	err:=json.Unmarshal(data, &def)
	if err!=nil { return err }
	*op=OpReLinear(def)
	op.OpUnaryBase.Apply=op.Apply
	return op.Params.Validate()
}

func (op *OpReLinear) Apply(f *fits.Image, c *ops.Context) (result *fits.Image, err error) {
	if !op.Active { return f, nil }
	if op.Linear=="" { return nil, ErrMissingLinear }
	if err=c.CheckPath(op.Linear); err!=nil { return nil, err }
	linear, err:=fits.NewImageFromFile(op.Linear, -1, c.Log)
	if err!=nil { return nil, fmt.Errorf("%w: %s", ErrMissingLinear, err.Error()) }

	r:=NewRunner(op.Params, op.Provider, nil)
	res, err:=r.ReLinear(c, f, linear)
	if err!=nil { return nil, err }
	if err=saveOptional(res.Starless, op.Preview, &res.Forward, c); err!=nil { return nil, err }
	return res.Starless, nil
}


// Makes all star removal steps of the operator tree use the given engine and
// engine settings, regardless of what was decoded from JSON
func BindEngine(op ops.Operator, r starnet.Remover, s config.StarNet) {
	switch o:=op.(type) {
	case *ops.OpSequence:
		for _,step:=range o.Steps { BindEngine(step, r, s) }
	case *ops.OpForEach:
		if o.Operation!=nil { BindEngine(o.Operation, r, s) }
	case *OpLinearStarNet:
		o.Params.StarNet, o.Remover=s, r
	case *starnet.OpStarNet:
		o.Remover=r
	}
}


// Saves the image under the expanded file pattern, if both are given. JPEG files get the preview table
func saveOptional(f *fits.Image, pattern string, preview *curve.Table, c *ops.Context) error {
	if f==nil || pattern=="" { return nil }
	fileName:=ops.ExpandFilePattern(pattern, f)
	if err:=c.CheckPath(fileName); err!=nil { return err }
	return ops.SaveImage(f, fileName, preview, c)
}

// Pattern selecting an output file name derived from the input file name
const Auto="%auto"

// Returns the pattern, or for Auto the input file name with the suffix and a
// .fits extension in place of its extension
func AutoFileName(pattern, inputFileName, suffix string) string {
	if pattern!=Auto { return pattern }
	return ops.TrimExt(inputFileName)+suffix+".fits"
}

// Returns the pattern, or for Auto a pattern expanding to the file name of each
// image with the suffix and a .fits extension in place of its extension
func AutoPattern(pattern, suffix string) string {
	if pattern!=Auto { return pattern }
	return "%f"+suffix+".fits"
}
