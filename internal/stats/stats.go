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


package stats

import (
	"fmt"
	"math"
	"sync"

	"github.com/mlnoga/starless/internal/qsort"
	"github.com/valyala/fastrand"
)

// Up to this many values, median and MAD are computed exactly. Above, they are
// estimated from this many random samples
const MaxSamples = 1<<20

// Scale factor making the median absolute deviation coherent with the standard
// deviation of a normal distribution
const MADToSigma = 1.4826

// Statistics for a single image channel. Min, max and mean are computed on
// creation, median and MAD lazily on first use. Safe for concurrent use
type Stats struct {
	data   []float32
	width  int32

	min    float32
	max    float32
	mean   float32

	once   sync.Once
	median float32
	mad    float32
}

// Creates statistics for the given data, computing min, max and mean
func NewStats(data []float32, width int32) *Stats {
	min, mean, max:=minMeanMax(data)
	return NewStatsWithMMM(data, width, min, max, mean)
}

// Creates statistics for the given data, with precomputed min, max and mean
func NewStatsWithMMM(data []float32, width int32, min, max, mean float32) *Stats {
	return &Stats{data: data, width: width, min: min, max: max, mean: mean}
}

// Creates statistics for one channel of a planar multi-channel image
func NewStatsForChannel(data []float32, width int32, channel, channels int) *Stats {
	l:=len(data)/channels
	return NewStats(data[channel*l:(channel+1)*l], width)
}

func (s *Stats) Min()  float32 { return s.min  }
func (s *Stats) Max()  float32 { return s.max  }
func (s *Stats) Mean() float32 { return s.mean }
func (s *Stats) Width() int32  { return s.width }

// Median of the data
func (s *Stats) Median() float32 {
	s.once.Do(s.calcMedianMAD)
	return s.median
}

// Median absolute deviation from the median. Not normalized; multiply with
// MADToSigma for a standard deviation estimate
func (s *Stats) MAD() float32 {
	s.once.Do(s.calcMedianMAD)
	return s.mad
}

func (s *Stats) calcMedianMAD() {
	s.median, s.mad=MedianMAD(s.data, MaxSamples)
}

func (s *Stats) String() string {
	return fmt.Sprintf("min %.4g mean %.4g max %.4g", s.min, s.mean, s.max)
}

// Returns median and median absolute deviation of the data. Uses exact
// selection for up to numSamples values, random subsampling above. Does not
// change the data
func MedianMAD(data []float32, numSamples int) (median, mad float32) {
	if len(data)==0 { return 0, 0 }

	var samples []float32
	if len(data)<=numSamples {
		samples=append([]float32(nil), data...)
	} else {
		samples=make([]float32, numSamples)
		max:=uint32(len(data))
		rng:=fastrand.RNG{}
		for i:=range samples {
			samples[i]=data[rng.Uint32n(max)]
		}
	}
	samples=dropNaNs(samples)
	if len(samples)==0 { return float32(math.NaN()), float32(math.NaN()) }

	median=qsort.QSelectMedianFloat32(samples)
	for i,v:=range samples {
		samples[i]=float32(math.Abs(float64(v-median)))
	}
	mad=qsort.QSelectMedianFloat32(samples)
	return median, mad
}

// Removes NaNs in place, returning the shortened slice
func dropNaNs(data []float32) []float32 {
	o:=0
	for _,v:=range data {
		if v==v {
			data[o]=v
			o++
		}
	}
	return data[:o]
}

// Returns minimum, mean and maximum of the data, ignoring NaNs
func minMeanMax(data []float32) (min, mean, max float32) {
	min, max=float32(math.MaxFloat32), float32(-math.MaxFloat32)
	sum, n:=float64(0), 0
	for _,v:=range data {
		if v!=v { continue }
		if v<min { min=v }
		if v>max { max=v }
		sum+=float64(v)
		n++
	}
	if n==0 { return 0, 0, 0 }
	return min, float32(sum/float64(n)), max
}
