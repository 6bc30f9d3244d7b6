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

// Package curve derives midtones transfer function curve tables from screen
// transfer function auto-stretch descriptors, and inverts them.
//
// All types are fixed-size arrays of plain values, so tables are copied on
// assignment and never shared between callers.
package curve

import (
	"fmt"
	"strings"
)

const (
	NumChannels = 4 // per-channel records in an auto-stretch descriptor
	NumRecords  = 5 // records in a curve table, including the trailing sentinel
	NumInverted = 3 // leading records whose midtones balance gets inverted
	RGBK        = 3 // index of the combined curve applied after the per-channel one
)

// A histogram transformation curve for a single channel. Input is clipped to
// [BlackPoint, WhitePoint] and rescaled, passed through the midtones transfer
// function, then expanded to [OutputBlack, OutputWhite].
// Host array layout is (c0, m, c1, r0, r1).
type Record struct {
	BlackPoint      float64 `json:"blackPoint"      yaml:"blackPoint"`
	MidtonesBalance float64 `json:"midtonesBalance" yaml:"midtonesBalance"`
	WhitePoint      float64 `json:"whitePoint"      yaml:"whitePoint"`
	OutputBlack     float64 `json:"outputBlack"     yaml:"outputBlack"`
	OutputWhite     float64 `json:"outputWhite"     yaml:"outputWhite"`
}

// The identity curve
var Identity = Record{0, 0.5, 1, 0, 1}

// The fifth record of every table. The host's multi-channel histogram
// transformation requires it, and it never changes pixels
var Sentinel = Record{0.0, 0.5, 1.0, 0.0, 1.0}

// Returns the record in host array layout (c0, m, c1, r0, r1)
func (r Record) Array() [5]float64 {
	return [5]float64{r.BlackPoint, r.MidtonesBalance, r.WhitePoint, r.OutputBlack, r.OutputWhite}
}

// Creates a record from host array layout (c0, m, c1, r0, r1)
func RecordFromArray(a [5]float64) Record {
	return Record{a[0], a[1], a[2], a[3], a[4]}
}

func (r Record) IsIdentity() bool { return r == Identity }

// True if the record changes the endpoints of the curve, i.e. clips or
// compresses the range. Such changes are lost on inversion
func (r Record) Clips() bool {
	return r.BlackPoint != 0 || r.WhitePoint != 1 || r.OutputBlack != 0 || r.OutputWhite != 1
}

// Applies the curve to a normalized value x
func (r Record) Transform(x float64) float64 {
	if r.WhitePoint <= r.BlackPoint {
		if x < r.BlackPoint {
			x = 0
		} else {
			x = 1
		}
	} else {
		x = (x - r.BlackPoint) / (r.WhitePoint - r.BlackPoint)
	}
	x = MTF(r.MidtonesBalance, x)
	return r.OutputBlack + x*(r.OutputWhite-r.OutputBlack)
}

func (r Record) String() string {
	return fmt.Sprintf("[%.8f, %.8f, %.8f, %.8f, %.8f]", r.BlackPoint, r.MidtonesBalance, r.WhitePoint, r.OutputBlack, r.OutputWhite)
}

// Midtones transfer function with midtones balance m. Maps 0 to 0, m to 0.5
// and 1 to 1. Clamps x to [0,1]. MTF(1-m, MTF(m, x)) == x
func MTF(m, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	if m == 0.5 {
		return x
	}
	if m <= 0 {
		return 1
	}
	if m >= 1 {
		return 0
	}
	return (m - 1) * x / ((2*m-1)*x - m)
}

// A screen transfer function record as produced by an auto-stretch.
// Host array layout is (c0, c1, m, r0, r1): position 2 carries the midtones
// balance, position 1 the input white point
type Stretch struct {
	Shadows    float64 `json:"shadows"    yaml:"shadows"`    // c0
	Highlights float64 `json:"highlights" yaml:"highlights"` // c1
	Midtones   float64 `json:"midtones"   yaml:"midtones"`   // m
	Low        float64 `json:"low"        yaml:"low"`        // r0
	High       float64 `json:"high"       yaml:"high"`       // r1
}

// The identity screen transfer function
var IdentityStretch = Stretch{0, 1, 0.5, 0, 1}

// Returns the stretch in host array layout (c0, c1, m, r0, r1)
func (s Stretch) Array() [5]float64 {
	return [5]float64{s.Shadows, s.Highlights, s.Midtones, s.Low, s.High}
}

// Creates a stretch from host array layout (c0, c1, m, r0, r1)
func StretchFromArray(a [5]float64) Stretch {
	return Stretch{a[0], a[1], a[2], a[3], a[4]}
}

// An auto-stretch descriptor: one stretch per color channel, plus the
// combined channel
type Descriptor [NumChannels]Stretch

// A curve table: three color channels, the combined RGB/K channel, and the sentinel
type Table [NumRecords]Record

// Returns a descriptor with all identity stretches
func IdentityDescriptor() Descriptor {
	return Descriptor{IdentityStretch, IdentityStretch, IdentityStretch, IdentityStretch}
}

// Returns a table with all identity records
func IdentityTable() Table {
	return Table{Identity, Identity, Identity, Identity, Sentinel}
}

// Repurposes an auto-stretch descriptor into a forward curve table. Per
// channel, the stretch midtones become the curve midtones balance and the
// white point resets to full scale; black point and output range pass through.
// The sentinel is appended as fifth record
func BuildForwardTable(d Descriptor) Table {
	var t Table
	for i, s := range d {
		t[i] = Record{
			BlackPoint:      s.Shadows,
			MidtonesBalance: s.Midtones,
			WhitePoint:      1,
			OutputBlack:     s.Low,
			OutputWhite:     s.High,
		}
	}
	t[NumChannels] = Sentinel
	return t
}

// Inverts the midtones balance of the three color channels of the given table.
// All endpoints reset to identity, and the combined channel and the sentinel are
// identity regardless of input. Exact for pure midtones adjustments, lossy
// wherever the forward table clipped
func InvertExact(t Table) Table {
	inv := IdentityTable()
	for i := 0; i < NumInverted; i++ {
		inv[i].MidtonesBalance = 1 - t[i].MidtonesBalance
	}
	return inv
}

// Returns the inverse of the forward table derived from the given descriptor
func Rederive(d Descriptor) Table {
	return InvertExact(BuildForwardTable(d))
}

// Applies channel ch of the table to x, followed by the combined RGB/K channel
func (t Table) TransformChannel(ch int, x float64) float64 {
	return t[RGBK].Transform(t[ch].Transform(x))
}

// True if no record of the table changes pixel values
func (t Table) IsIdentity() bool {
	for i := 0; i < NumChannels; i++ {
		if !t[i].IsIdentity() {
			return false
		}
	}
	return true
}

// True if inverting the table loses information, because a color channel or
// the combined channel clips or compresses its range
func (t Table) Clips() bool {
	for i := 0; i < NumChannels; i++ {
		if t[i].Clips() {
			return true
		}
	}
	return false
}

// Returns the table in host array layout
func (t Table) Arrays() [][5]float64 {
	res := make([][5]float64, len(t))
	for i, r := range t {
		res[i] = r.Array()
	}
	return res
}

func (t Table) String() string {
	b := strings.Builder{}
	b.WriteString("[ // c0, m, c1, r0, r1\n")
	for i, r := range t {
		fmt.Fprintf(&b, "  %s", r.String())
		if i < len(t)-1 {
			b.WriteRune(',')
		}
		b.WriteRune('\n')
	}
	b.WriteString("]")
	return b.String()
}

// Returns the descriptor in host array layout
func (d Descriptor) Arrays() [][5]float64 {
	res := make([][5]float64, len(d))
	for i, s := range d {
		res[i] = s.Array()
	}
	return res
}

// Creates a descriptor from host arrays. Expects exactly four records of five
// normalized values each
func DescriptorFromArrays(as [][]float64) (d Descriptor, err error) {
	if len(as) != NumChannels {
		return d, fmt.Errorf("descriptor has %d records; want %d", len(as), NumChannels)
	}
	for i, a := range as {
		if len(a) != 5 {
			return d, fmt.Errorf("descriptor record %d has %d values; want 5", i, len(a))
		}
		for j, v := range a {
			if v < 0 || v > 1 {
				return d, fmt.Errorf("descriptor record %d value %d is %g; want [0,1]", i, j, v)
			}
		}
		d[i] = StretchFromArray([5]float64{a[0], a[1], a[2], a[3], a[4]})
	}
	return d, nil
}

// Creates a table from host arrays. Expects exactly five records of five values each
func TableFromArrays(as [][]float64) (t Table, err error) {
	if len(as) != NumRecords {
		return t, fmt.Errorf("table has %d records; want %d", len(as), NumRecords)
	}
	for i, a := range as {
		if len(a) != 5 {
			return t, fmt.Errorf("table record %d has %d values; want 5", i, len(a))
		}
		if a[1] < 0 || a[1] > 1 {
			return t, fmt.Errorf("table record %d midtones balance is %g; want [0,1]", i, a[1])
		}
		t[i] = RecordFromArray([5]float64{a[0], a[1], a[2], a[3], a[4]})
	}
	return t, nil
}

func (d Descriptor) String() string {
	b := strings.Builder{}
	b.WriteString("[ // c0, c1, m, r0, r1\n")
	for i, s := range d {
		fmt.Fprintf(&b, "  [%.8f, %.8f, %.8f, %.8f, %.8f]", s.Shadows, s.Highlights, s.Midtones, s.Low, s.High)
		if i < len(d)-1 {
			b.WriteRune(',')
		}
		b.WriteRune('\n')
	}
	b.WriteString("]")
	return b.String()
}
