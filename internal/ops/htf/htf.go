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


// Package htf applies histogram transformation curve tables to images, and
// reports the pixels a table clips.
package htf

import (
	"encoding/json"
	"fmt"
	"strings"
	"github.com/mlnoga/starless/internal/curve"
	"github.com/mlnoga/starless/internal/fits"
	"github.com/mlnoga/starless/internal/ops"
)

// Applies a curve table to the image in place. Takes one input, produces one output
type OpHistogramTransform struct {
	ops.OpUnaryBase
	Table     curve.Table  `json:"table"`
	Label     string       `json:"label"`     // for log output and FITS history, e.g. "forward" or "inverse"
}

var _ ops.Operator = (*OpHistogramTransform)(nil) // this type is an Operator
func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpHistogramTransformDefault() })} // register the operator for JSON decoding

func NewOpHistogramTransformDefault() *OpHistogramTransform { return NewOpHistogramTransform(curve.IdentityTable(), "") }

func NewOpHistogramTransform(t curve.Table, label string) *OpHistogramTransform {
	op:=OpHistogramTransform{
	  	OpUnaryBase : ops.OpUnaryBase{OpBase : ops.OpBase{Type: "htf", Active: !t.IsIdentity()}},
	  	Table       : t,
	  	Label       : label,
  	}
	op.OpUnaryBase.Apply=op.Apply // assign class method to superclass abstract method
	return &op	
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpHistogramTransform) UnmarshalJSON(data []byte) error {
	type defaults OpHistogramTransform
	def:=defaults( *NewOpHistogramTransformDefault() )
	err:=json.Unmarshal(data, &def)
	if err!=nil { return err }
	*op=OpHistogramTransform(def)
	op.OpUnaryBase.Apply=op.Apply
	return nil
}

func (op *OpHistogramTransform) Apply(f *fits.Image, c *ops.Context) (result *fits.Image, err error) {
	if !op.Active { return f, nil }
	Apply(f, op.Table, op.Label, c)
	return f, nil
}

// Applies the table to the image in place, logging it and recording it in the FITS history
func Apply(f *fits.Image, t curve.Table, label string, c *ops.Context) {
	if label=="" { label="histogram transformation" }
	fmt.Fprintf(c.Log, "%d: Applying %s %s\n", f.ID, label, t.String())
	f.ApplyTable(t)
	for i:=0; i<curve.NumChannels; i++ {
		if !t[i].IsIdentity() {
			f.Header.AddHistory("%s %d %s", label, i, t[i].String())
		}
	}
	fmt.Fprintf(c.Log, "%d: Result has %v\n", f.ID, f.Stats)
}


// Number of pixels of a channel the forward table clips
type ChannelClip struct {
	Black   int     // values below the black point, mapped to the output black point
	White   int     // values above the white point, mapped to the output white point
	Total   int     // number of values in the channel
}

// Fraction of clipped pixels
func (cc ChannelClip) Fraction() float32 {
	if cc.Total==0 { return 0 }
	return float32(cc.Black+cc.White)/float32(cc.Total)
}

// Per-channel clip statistics of a table applied to an image. These are the
// pixels for which the inverse table cannot restore the original value
type ClipReport []ChannelClip

// Counts pixels clipped by the table, per image channel. Takes the combined record into account
func NewClipReport(f *fits.Image, t curve.Table) ClipReport {
	report:=make(ClipReport, f.Channels())
	for ch:=range report {
		rec, rgbk:=recordsFor(t, ch)
		data:=f.ChannelData(ch)
		cc:=ChannelClip{Total:len(data)}
		for _,v:=range data {
			black, white:=clips(rec, rgbk, v)
			if black { cc.Black++ } else if white { cc.White++ }
		}
		report[ch]=cc
	}
	return report
}

// True if any channel clips at least one pixel
func (r ClipReport) Clips() bool {
	for _,cc:=range r {
		if cc.Black+cc.White>0 { return true }
	}
	return false
}

func (r ClipReport) String() string {
	b:=strings.Builder{}
	for ch,cc:=range r {
		if ch>0 { b.WriteString(", ") }
		fmt.Fprintf(&b, "ch%d black %d white %d (%.3f%%)", ch, cc.Black, cc.White, cc.Fraction()*100)
	}
	return b.String()
}

// Returns a mono image of the same size, with 1 where any channel of the pixel
// is clipped by the table and 0 elsewhere
func ClipMap(f *fits.Image, t curve.Table) *fits.Image {
	naxisn:=f.Naxisn[:2]
	res:=fits.NewImageFromNaxisn(naxisn, nil)
	res.ID, res.Name=f.ID, f.Name+"_clipmap"
	for ch:=0; ch<f.Channels(); ch++ {
		rec, rgbk:=recordsFor(t, ch)
		for i,v:=range f.ChannelData(ch) {
			if black, white:=clips(rec, rgbk, v); black || white {
				res.Data[i]=1
			}
		}
	}
	res.UpdateStats()
	return res
}

// Returns the channel record and the combined record used for the given image channel
func recordsFor(t curve.Table, ch int) (rec, rgbk curve.Record) {
	if ch<curve.NumInverted { return t[ch], t[curve.RGBK] }
	return t[curve.NumChannels], curve.Identity
}

// Checks whether value v is clipped to black or white by the channel record
// followed by the combined record
func clips(rec, rgbk curve.Record, v float32) (black, white bool) {
	x:=float64(v)
	if x<rec.BlackPoint { return true, false }
	if x>rec.WhitePoint { return false, true }
	y:=rec.Transform(x)
	if y<rgbk.BlackPoint { return true, false }
	if y>rgbk.WhitePoint { return false, true }
	return false, false
}
