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

// Package config holds the persisted instance parameters of a run. A Params
// value is built once, from defaults, an optional YAML file and command line
// flags, and then passed by value.
package config

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"gopkg.in/yaml.v2"
)

// Inverse table modes
const (
	InverseExact    ="exact"    // invert the forward table
	InverseRederive ="rederive" // re-derive from the descriptor of the starless result
)

// Instance parameters of a star removal or re-linearization run
type Params struct {
	ShadowsClip      float64 `yaml:"mtfShadowClip" json:"mtfShadowClip"` // auto-stretch shadows clipping, in units of normalized MAD
	TargetBackground float64 `yaml:"mtfBG"         json:"mtfBG"`         // auto-stretch target background
	ShowClipMap      bool    `yaml:"ShowClipMap"   json:"showClipMap"`
	OnlyTryClip      bool    `yaml:"OnlyTryClip"   json:"onlyTryClip"`   // only report clipping, do not run the engine
	Stride           int     `yaml:"starnetStride" json:"starnetStride"` // one of 128, 64, 32, 16, 8
	SNStars          bool    `yaml:"SNStars"       json:"snStars"`       // also produce a linear star mask
	CopyView         bool    `yaml:"CopyView"      json:"copyView"`      // work on a duplicate, leaving the input untouched
	LinkedRGB        bool    `yaml:"linkedRGB"     json:"linkedRGB"`
	C0               float64 `yaml:"Pc0"           json:"pc0"`           // manual shadows clipping point
	M                float64 `yaml:"Pm"            json:"pm"`            // manual midtones balance
	InverseMode      string  `yaml:"inverseMode"   json:"inverseMode"`
	StarNet          StarNet `yaml:"starnet"       json:"starnet"`
}

// Settings for the external star removal engine
type StarNet struct {
	Command        string `yaml:"command"        json:"command"`        // executable for color images
	MonoCommand    string `yaml:"monoCommand"    json:"monoCommand"`    // executable for monochrome images
	WorkDir        string `yaml:"workDir"        json:"workDir"`        // directory for exchanged files, temporary if empty
	MaskBase       string `yaml:"maskBase"       json:"maskBase"`       // base name of star mask outputs
	SynthesizeMask bool   `yaml:"synthesizeMask" json:"synthesizeMask"` // derive the mask as input minus starless if the engine writes none
	MaskMedian     bool   `yaml:"maskMedian"     json:"maskMedian"`     // denoise synthesized masks with a 3x3 median
	Keep           bool   `yaml:"keep"           json:"keep"`           // keep exchanged files
}

// Valid star removal strides, largest first
var Strides=[]int{128, 64, 32, 16, 8}

// Returns the default parameters
func Default() Params {
	return Params{
		ShadowsClip      : -3.5,
		TargetBackground : 0.1,
		ShowClipMap      : true,
		OnlyTryClip      : false,
		Stride           : 128,
		SNStars          : false,
		CopyView         : false,
		LinkedRGB        : false,
		C0               : 0,
		M                : 0.5,
		InverseMode      : InverseExact,
		StarNet          : StarNet{
			Command        : "rgb_starnet++",
			MonoCommand    : "mono_starnet++",
			MaskBase       : "star_mask",
			SynthesizeMask : true,
		},
	}
}

// True if the manual stretch parameters differ from their neutral defaults
func (p Params) Manual() bool { return p.C0!=0 || p.M!=0.5 }

// Checks that all values are in range
func (p Params) Validate() error {
	if math.IsNaN(p.ShadowsClip) || p.ShadowsClip< -10 || p.ShadowsClip>0 {
		return fmt.Errorf("mtfShadowClip %g out of range [-10,0]", p.ShadowsClip)
	}
	if !(p.TargetBackground>0 && p.TargetBackground<1) {
		return fmt.Errorf("mtfBG %g out of range (0,1)", p.TargetBackground)
	}
	validStride:=false
	for _,s:=range Strides { validStride=validStride || s==p.Stride }
	if !validStride { return fmt.Errorf("starnetStride %d not one of %v", p.Stride, Strides) }
	if !(p.C0>=0 && p.C0<1) { return fmt.Errorf("Pc0 %g out of range [0,1)", p.C0) }
	if !(p.M>=0 && p.M<=1)  { return fmt.Errorf("Pm %g out of range [0,1]", p.M) }
	if p.InverseMode!=InverseExact && p.InverseMode!=InverseRederive {
		return fmt.Errorf("inverseMode %q not one of %s, %s", p.InverseMode, InverseExact, InverseRederive)
	}
	return nil
}

// Loads parameters from a YAML file. Missing keys keep their default values, unknown keys are errors
func Load(fileName string) (Params, error) {
	p:=Default()
	contents, err:=os.ReadFile(fileName)
	if err!=nil { return p, fmt.Errorf("read '%s': %w", fileName, err) }
	if err=yaml.UnmarshalStrict(contents, &p); err!=nil { return p, fmt.Errorf("parse '%s': %w", fileName, err) }
	return p, p.Validate()
}

// Returns the parameters as YAML
func (p Params) YAML() ([]byte, error) { return yaml.Marshal(p) }

// Saves parameters to a YAML file
func (p Params) Save(fileName string) error {
	b, err:=p.YAML()
	if err!=nil { return err }
	return os.WriteFile(fileName, b, 0644)
}

// A command line flag bound to a parameter field
type flagSpec struct {
	name  string
	usage string
	field func(p *Params) interface{}
}

var flagSpecs=[]flagSpec{
	{"mtfShadowClip", "auto-stretch shadows clipping in normalized MAD units", func(p *Params) interface{} { return &p.ShadowsClip }},
	{"mtfBG",         "auto-stretch target background",                        func(p *Params) interface{} { return &p.TargetBackground }},
	{"showClipMap",   "write a map of pixels clipped by the stretch",          func(p *Params) interface{} { return &p.ShowClipMap }},
	{"onlyTryClip",   "only report stretch clipping, do not remove stars",     func(p *Params) interface{} { return &p.OnlyTryClip }},
	{"stride",        "star removal stride, one of 128, 64, 32, 16, 8",        func(p *Params) interface{} { return &p.Stride }},
	{"snStars",       "also produce a linear star mask",                       func(p *Params) interface{} { return &p.SNStars }},
	{"copyView",      "work on a copy, leaving the input image untouched",     func(p *Params) interface{} { return &p.CopyView }},
	{"linkedRGB",     "link the auto-stretch across color channels",           func(p *Params) interface{} { return &p.LinkedRGB }},
	{"pc0",           "manual stretch shadows clipping point",                 func(p *Params) interface{} { return &p.C0 }},
	{"pm",            "manual stretch midtones balance",                       func(p *Params) interface{} { return &p.M }},
	{"inverseMode",   "inverse table mode, exact or rederive",                 func(p *Params) interface{} { return &p.InverseMode }},
	{"starnet",       "star removal executable for color images",              func(p *Params) interface{} { return &p.StarNet.Command }},
	{"starnetMono",   "star removal executable for monochrome images",         func(p *Params) interface{} { return &p.StarNet.MonoCommand }},
	{"starnetDir",    "directory for files exchanged with the star removal engine, temporary if empty", func(p *Params) interface{} { return &p.StarNet.WorkDir }},
	{"maskBase",      "base name of star mask files written by the engine",    func(p *Params) interface{} { return &p.StarNet.MaskBase }},
	{"synthMask",     "derive the star mask as input minus starless if the engine writes none", func(p *Params) interface{} { return &p.StarNet.SynthesizeMask }},
	{"maskMedian",    "denoise synthesized star masks with a 3x3 median",      func(p *Params) interface{} { return &p.StarNet.MaskMedian }},
	{"keep",          "keep files exchanged with the star removal engine",     func(p *Params) interface{} { return &p.StarNet.Keep }},
}

// Registers a command line flag for each parameter on the flag set, showing the given defaults
func RegisterFlags(fs *flag.FlagSet, defaults Params) {
	for _,s:=range flagSpecs {
		switch v:=s.field(&defaults).(type) {
		case *float64: fs.Float64(s.name, *v, s.usage)
		case *int:     fs.Int    (s.name, *v, s.usage)
		case *bool:    fs.Bool   (s.name, *v, s.usage)
		case *string:  fs.String (s.name, *v, s.usage)
		}
	}
}

// Returns a copy of base with the values of all explicitly set parameter flags applied.
// Flags left at their defaults do not override values loaded from a file
func Overlay(base Params, fs *flag.FlagSet) (Params, error) {
	res:=base
	var err error
	fs.Visit(func(fl *flag.Flag) {
		if err!=nil { return }
		for _,s:=range flagSpecs {
			if s.name!=fl.Name { continue }
			val:=fl.Value.String()
			switch v:=s.field(&res).(type) {
			case *float64: *v, err=strconv.ParseFloat(val, 64)
			case *int:     *v, err=strconv.Atoi(val)
			case *bool:    *v, err=strconv.ParseBool(val)
			case *string:  *v=val
			}
			if err!=nil { err=fmt.Errorf("flag -%s: %w", fl.Name, err) }
		}
	})
	return res, err
}
