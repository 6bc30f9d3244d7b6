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


package fits

import (
	"fmt"
	"strings"
	"github.com/mlnoga/starless/internal/stats"
)

// A FITS image. 
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int         // Sequential ID number, for log output
	Name     string      // Image name, used to derive names of duplicates and outputs
	FileName string      // Original file name, if any, for log output.

	Header Header 	     // The header with all keys, values, comments, history entries etc.
	Bitpix int32         // Bits per pixel value from the header. Positive values are integral, negative floating.
	Bzero  float32 		 // Zero offset. True pixel value is Bzero + Bscale * Data[i]. 
	Bscale float32 		 // Value scaler. True pixel value is Bzero + Bscale * Data[i]. 
	Naxisn []int32 		 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y,channel)
	Pixels int32 		 // Number of values in the image. Product of Naxisn[]

	Data   []float32     // The image data, channels stored one after the other

	Exposure float32     // Image exposure in seconds

	Stats  *stats.Stats  // Basic image statistics across all channels: min, mean, max
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header:  NewHeader(),
		Bscale:  1,
	}
}

// Creates a FITS image from given naxisn. Data is not copied, allocated if nil. naxisn is deep copied
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels:=int32(1)
	for _,naxis:=range(naxisn) {
		numPixels*=naxis
	}
	if data==nil {
		data=make([]float32, numPixels)
	}
	return &Image{
		Header:   NewHeader(),
		Bitpix:   -32,
		Bscale:   1,
		Naxisn:   append([]int32(nil), naxisn...), // clone slice
		Pixels:   numPixels,
		Data:     data,
		Stats:    stats.NewStats(data, naxisn[0]),
	}
}

// Returns an independent deep copy of the image with the given name.
// Changes to the duplicate never affect the original
func (f *Image) Duplicate(name string) *Image {
	data:=append([]float32(nil), f.Data...)
	return &Image{
		ID:       f.ID,
		Name:     name,
		FileName: f.FileName,
		Header:   f.Header.Clone(),
		Bitpix:   f.Bitpix,
		Bzero:    f.Bzero,
		Bscale:   f.Bscale,
		Naxisn:   append([]int32(nil), f.Naxisn...),
		Pixels:   f.Pixels,
		Data:     data,
		Exposure: f.Exposure,
		Stats:    stats.NewStats(data, f.Naxisn[0]),
	}
}

// Number of color channels. Two-dimensional images have one
func (f *Image) Channels() int {
	if len(f.Naxisn)<3 { return 1 }
	return int(f.Naxisn[2])
}

// Returns the data of the given channel. Shares memory with the image
func (f *Image) ChannelData(ch int) []float32 {
	l:=len(f.Data)/f.Channels()
	return f.Data[ch*l:(ch+1)*l]
}

// Returns fresh statistics for the given channel
func (f *Image) ChannelStats(ch int) *stats.Stats {
	return stats.NewStats(f.ChannelData(ch), f.Naxisn[0])
}

// Recalculates basic statistics after the data has changed
func (f *Image) UpdateStats() {
	f.Stats=stats.NewStats(f.Data, f.Naxisn[0])
}

// True if both images have identical dimensions
func (f *Image) SameShape(o *Image) bool {
	return EqualInt32Slice(f.Naxisn, o.Naxisn)
}


// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float32
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:   make(map[string]bool), 
		Ints:    make(map[string]int32),
		Floats:  make(map[string]float32),
		Strings: make(map[string]string),
		Dates:   make(map[string]string),
		Comments:make([]string,0),
		History: make([]string,0),
		End:     false,
	}
}

// Returns a deep copy of the header
func (h *Header) Clone() Header {
	c:=NewHeader()
	for k,v:=range h.Bools   { c.Bools[k]=v   }
	for k,v:=range h.Ints    { c.Ints[k]=v    }
	for k,v:=range h.Floats  { c.Floats[k]=v  }
	for k,v:=range h.Strings { c.Strings[k]=v }
	for k,v:=range h.Dates   { c.Dates[k]=v   }
	c.Comments=append(c.Comments, h.Comments...)
	c.History =append(c.History,  h.History...)
	c.End, c.Length=h.End, h.Length
	return c
}

// Appends a history entry, which is persisted when writing FITS
func (h *Header) AddHistory(format string, args ...interface{}) {
	h.History=append(h.History, fmt.Sprintf(format, args...))
}

const fitsBlockSize int      = 2880       // Block size of FITS header and data units
const HeaderLineSize int =   80       // Line size of a FITS header


func (f *Image) DimensionsToString() string {
	b:=strings.Builder{}
	for i,naxis:=range(f.Naxisn) {
		if i>0 { 
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	} 
	return b.String()
}

// Equal tells whether a and b contain the same elements.
// A nil argument is equivalent to an empty slice.
func EqualInt32Slice(a, b []int32) bool {
    if len(a)!=len(b) {
        return false
    }
    for i, v:=range a {
        if v!=b[i] {
            return false
        }
    }
    return true
}
