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
	"runtime"
	"github.com/mlnoga/starless/internal/curve"
	"github.com/mlnoga/starless/internal/median"
)


//////////////////////////////////////////////////////////////////
// Complex, CPU-limited pixel operations. Parallelized across CPUs
//////////////////////////////////////////////////////////////////

// A pixel function. Operates in-place. For parallelization across CPUs.
type PixelFunction func(data []float32, params interface{}) 


// Apply given pixel function to the given data. Uses thead parallelism across all available CPUs. Operates in-place. 
func applyPixelFunction(data []float32, pf PixelFunction, args interface{}) {
	// split into 8*NumCPU() work packages, limit parallelism to NumCPUS()
	numBatches:=8*runtime.NumCPU()
	batchSize :=(len(data)+numBatches-1)/(numBatches)
	if batchSize<1 { batchSize=1 }
	sem       :=make(chan bool, runtime.NumCPU())
	for lower:=0; lower<len(data); lower+=batchSize {
		upper:=lower+batchSize
		if upper>len(data) { upper=len(data) }

		sem <- true 
		go func(data []float32) {
			pf(data, args)
			<-sem
		}(data[lower:upper])
	}

	for i:=0; i<cap(sem); i++ {  // wait for goroutines to finish
		sem <- true
	}
}

// Apply given pixel function to all values of the image. Operates in-place. 
func (f* Image) ApplyPixelFunction(pf PixelFunction, args interface{}) {
	applyPixelFunction(f.Data, pf, args)
}

// Apply given pixel function to given channel of the image. Operates in-place. 
func (f* Image) ApplyPixelFunction1Chan(chanID int, pf PixelFunction, args interface{}) {
	applyPixelFunction(f.ChannelData(chanID), pf, args)
}


type pfScaleOffsetArgs struct {
	Scale   float32
	Offset  float32
}

// Pixel function to apply a scale and an offset. 2nd parameter must be a pfScaleOffsetArgs. Operates in-place. 
func pfScaleOffset(data []float32, params interface{}) {
	scale, offset :=params.(pfScaleOffsetArgs).Scale, params.(pfScaleOffsetArgs).Offset
	for i, d:=range data {
		data[i]=d*scale+offset
	}
}

// Applies given scale factor and offset to image.  Operates in-place. 
func (f* Image) ApplyScaleOffset(scale, offset float32) {
	f.ApplyPixelFunction(pfScaleOffset, pfScaleOffsetArgs{scale, offset})
	f.UpdateStats()
}

// Normalize image to [0..1] based on basic stats, if values exceed that range. Operates in-place.
// Returns true if the image was changed
func (f* Image) Normalize() bool {
	min, max:=f.Stats.Min(), f.Stats.Max()
	if min>=0 && max<=1 { return false }
	if max<=min {
		f.ApplyScaleOffset(0, 0)
		return true
	}
	scale:=1.0/(max-min)
	offset:=-min*scale
	f.ApplyScaleOffset(scale, offset)
	return true
}


// Pixel function applying one channel of a curve table. 2nd parameter must be a pfTableArgs. Operates in-place
func pfTable(data []float32, params interface{}) {
	args:=params.(pfTableArgs)
	for i, d:=range data {
		data[i]=float32(args.Table.TransformChannel(args.Channel, float64(d)))
	}
}

type pfTableArgs struct {
	Table   curve.Table
	Channel int
}

// Applies a histogram transformation curve table to the image. Channels 0..2 use
// records 0..2 followed by the combined record 3. Further channels, such as alpha,
// use the sentinel. Operates in-place
func (f* Image) ApplyTable(t curve.Table) {
	for ch:=0; ch<f.Channels(); ch++ {
		if ch<curve.NumInverted {
			if t[ch].IsIdentity() && t[curve.RGBK].IsIdentity() { continue }
			f.ApplyPixelFunction1Chan(ch, pfTable, pfTableArgs{t, ch})
		} else {
			if t[curve.NumChannels].IsIdentity() { continue }
			tt:=curve.IdentityTable()
			tt[0]=t[curve.NumChannels]
			f.ApplyPixelFunction1Chan(ch, pfTable, pfTableArgs{tt, 0})
		}
	}
	f.UpdateStats()
}


// Returns a new image with values a-b+offset, clamped to [0,1]. Both images must have
// the same dimensions
func Subtract(a, b *Image, offset float32) (*Image, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("%d: cannot subtract image of size %s from image of size %s", 
			a.ID, b.DimensionsToString(), a.DimensionsToString())
	}
	res:=NewImageFromNaxisn(a.Naxisn, nil)
	res.ID, res.Exposure=a.ID, a.Exposure
	for i, v:=range a.Data {
		d:=v-b.Data[i]+offset
		if d<0 { d=0 }
		if d>1 { d=1 }
		if d!=d { d=0 }
		res.Data[i]=d
	}
	res.UpdateStats()
	return res, nil
}


// Applies a 3x3 median filter to every channel of the image, removing isolated
// hot and cold pixels. Operates in-place
func (f *Image) ApplyMedian3x3() {
	tmp:=make([]float32, len(f.Data)/f.Channels())
	for ch:=0; ch<f.Channels(); ch++ {
		data:=f.ChannelData(ch)
		median.MedianFilter3x3(tmp, data, f.Naxisn[0])
		copy(data, tmp)
	}
	f.UpdateStats()
}
