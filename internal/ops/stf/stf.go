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


// Package stf provides screen transfer function auto-stretch descriptors for images.
package stf

import (
	"errors"
	"fmt"
	"os"
	"gopkg.in/yaml.v2"
	"github.com/mlnoga/starless/internal/config"
	"github.com/mlnoga/starless/internal/curve"
	"github.com/mlnoga/starless/internal/fits"
	"github.com/mlnoga/starless/internal/stats"
)

// Provides an auto-stretch descriptor for an image
type Provider interface {
	Descriptor(f *fits.Image, linked bool) (curve.Descriptor, error)
}


// The screen transfer function auto-stretch. Shadows are clipped ShadowsClip
// normalized MADs from the median, and the median is mapped to TargetBackground
type Auto struct {
	ShadowsClip      float64
	TargetBackground float64
}

var _ Provider = Auto{}

// Number of color channels the descriptor covers for the image
func imageChannels(f *fits.Image) int {
	n:=f.Channels()
	if n>curve.NumInverted { n=curve.NumInverted }
	return n
}

func (a Auto) Descriptor(f *fits.Image, linked bool) (d curve.Descriptor, err error) {
	d=curve.IdentityDescriptor()
	if f==nil || len(f.Data)==0 { return d, errors.New("no image data for auto-stretch") }

	n:=imageChannels(f)
	medians, mads:=make([]float64, n), make([]float64, n)
	for ch:=0; ch<n; ch++ {
		s:=f.ChannelStats(ch)
		medians[ch]=float64(s.Median())
		mads[ch]=float64(s.MAD())*stats.MADToSigma
		if medians[ch]!=medians[ch] {
			return d, fmt.Errorf("%d: channel %d has no valid pixels", f.ID, ch)
		}
	}

	if linked {
		s:=a.linkedStretch(medians, mads)
		for ch:=0; ch<n; ch++ { d[ch]=s }
	} else {
		for ch:=0; ch<n; ch++ {
			d[ch]=a.channelStretch(medians[ch], mads[ch])
		}
	}
	return d, nil
}

// Returns the stretch for a single channel with given median and normalized MAD
func (a Auto) channelStretch(median, mad float64) curve.Stretch {
	if median<0.5 {
		c0:=0.0
		if 1+mad!=1 { c0=clamp(median+a.ShadowsClip*mad) }
		return curve.Stretch{Shadows:c0, Highlights:1, Midtones:curve.MTF(a.TargetBackground, median-c0), Low:0, High:1}
	}
	// inverted channel, median in the upper half
	c1:=1.0
	if 1+mad!=1 { c1=clamp(median-a.ShadowsClip*mad) }
	return curve.Stretch{Shadows:0, Highlights:c1, Midtones:curve.MTF(c1-median, a.TargetBackground), Low:0, High:1}
}

// Returns a single stretch shared by all channels, from averaged channel statistics
func (a Auto) linkedStretch(medians, mads []float64) curve.Stretch {
	n:=float64(len(medians))
	inverted:=0
	for _,m:=range medians {
		if m>0.5 { inverted++ }
	}

	if inverted<len(medians) {
		c0, m:=0.0, 0.0
		for ch:=range medians {
			if 1+mads[ch]!=1 { c0+=medians[ch]+a.ShadowsClip*mads[ch] }
			m+=medians[ch]
		}
		c0=clamp(c0/n)
		return curve.Stretch{Shadows:c0, Highlights:1, Midtones:curve.MTF(a.TargetBackground, m/n-c0), Low:0, High:1}
	}

	c1, m:=0.0, 0.0
	for ch:=range medians {
		m+=medians[ch]
		if 1+mads[ch]!=1 { 
			c1+=medians[ch]-a.ShadowsClip*mads[ch] 
		} else {
			c1+=1
		}
	}
	c1=clamp(c1/n)
	return curve.Stretch{Shadows:0, Highlights:c1, Midtones:curve.MTF(c1-m/n, a.TargetBackground), Low:0, High:1}
}

func clamp(x float64) float64 {
	if x<0 { return 0 }
	if x>1 { return 1 }
	return x
}


// A fixed stretch with given shadows clipping point and midtones balance,
// applied to every color channel of the image
type Manual struct {
	C0 float64
	M  float64
}

var _ Provider = Manual{}

func (m Manual) Descriptor(f *fits.Image, linked bool) (d curve.Descriptor, err error) {
	d=curve.IdentityDescriptor()
	if f==nil { return d, errors.New("no image for manual stretch") }
	s:=curve.Stretch{Shadows:m.C0, Highlights:1, Midtones:m.M, Low:0, High:1}
	for ch:=0; ch<imageChannels(f); ch++ { d[ch]=s }
	return d, nil
}


// A descriptor loaded from a YAML sidecar file, for instance exported from another tool.
// Independent of the image
type Sidecar struct {
	Arrays [][]float64 `yaml:"descriptor"`       // four records in host array layout (c0, c1, m, r0, r1)
	Linked bool        `yaml:"linked"`           // link mode the descriptor was computed with, informational

	descriptor curve.Descriptor
}

var _ Provider = (*Sidecar)(nil)

// Loads a sidecar descriptor from a YAML file
func LoadSidecar(fileName string) (*Sidecar, error) {
	contents, err:=os.ReadFile(fileName)
	if err!=nil { return nil, fmt.Errorf("read '%s': %w", fileName, err) }
	return ParseSidecar(contents)
}

// Parses a sidecar descriptor from YAML
func ParseSidecar(contents []byte) (*Sidecar, error) {
	s:=&Sidecar{}
	if err:=yaml.UnmarshalStrict(contents, s); err!=nil { return nil, fmt.Errorf("parse sidecar: %w", err) }
	d, err:=curve.DescriptorFromArrays(s.Arrays)
	if err!=nil { return nil, err }
	s.descriptor=d
	return s, nil
}

// Creates a sidecar for the given descriptor
func NewSidecar(d curve.Descriptor, linked bool) *Sidecar {
	s:=&Sidecar{Linked:linked, descriptor:d}
	for _,a:=range d.Arrays() {
		s.Arrays=append(s.Arrays, []float64{a[0], a[1], a[2], a[3], a[4]})
	}
	return s
}

// Writes the sidecar to a YAML file
func (s *Sidecar) Save(fileName string) error {
	b, err:=yaml.Marshal(s)
	if err!=nil { return err }
	return os.WriteFile(fileName, b, 0644)
}

func (s *Sidecar) Descriptor(f *fits.Image, linked bool) (curve.Descriptor, error) {
	return s.descriptor, nil
}


// Selects the descriptor provider for the parameters: the sidecar if given,
// else the manual stretch if its parameters differ from neutral, else the auto-stretch
func Select(p config.Params, sidecar *Sidecar) Provider {
	if sidecar!=nil { return sidecar }
	if p.Manual() { return Manual{C0:p.C0, M:p.M} }
	return Auto{ShadowsClip:p.ShadowsClip, TargetBackground:p.TargetBackground}
}
