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
	"math"
	"testing"
	"github.com/valyala/fastrand"
)

func TestMedianMADExact(t *testing.T) {
	tcs:=[]struct {
		data        []float32
		median, mad float32
	}{
		{[]float32{1, 2, 3, 4, 100}, 3, 1},
		{[]float32{1, 2, 3, 4}, 2.5, 1},
		{[]float32{5}, 5, 0},
		{[]float32{float32(math.NaN()), 1, 3}, 2, 1},
	}
	for _, tc:=range tcs {
		orig:=append([]float32(nil), tc.data...)
		median, mad:=MedianMAD(tc.data, MaxSamples)
		if median!=tc.median || mad!=tc.mad { t.Errorf("MedianMAD(%v)=%f, %f; want %f, %f", orig, median, mad, tc.median, tc.mad) }
		for i:=range orig {
			if orig[i]!=tc.data[i] && !(orig[i]!=orig[i]) { t.Errorf("MedianMAD changed data[%d] from %f to %f", i, orig[i], tc.data[i]) }
		}
	}
}

func TestMedianMADSampled(t *testing.T) {
	rng:=fastrand.RNG{}
	data:=make([]float32, 200000)
	for i:=range data {
		data[i]=float32(rng.Uint32n(1000)) / 1000
	}
	median, mad:=MedianMAD(data, 50000)
	if math.Abs(float64(median-0.5)) > 0.02 { t.Errorf("sampled median=%f; want ~0.5", median) }
	if math.Abs(float64(mad-0.25)) > 0.02 { t.Errorf("sampled mad=%f; want ~0.25", mad) }
}

func TestStats(t *testing.T) {
	data:=[]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	s:=NewStats(data, 3)
	if s.Min()!=0.1 || s.Max()!=0.6 { t.Errorf("min, max=%f, %f; want 0.1, 0.6", s.Min(), s.Max()) }
	if math.Abs(float64(s.Mean()-0.35)) > 1e-6 { t.Errorf("mean=%f; want 0.35", s.Mean()) }
	if math.Abs(float64(s.Median()-0.35)) > 1e-6 { t.Errorf("median=%f; want 0.35", s.Median()) }

	ch:=NewStatsForChannel(data, 1, 1, 2)
	if ch.Min()!=0.4 || ch.Max()!=0.6 { t.Errorf("channel min, max=%f, %f; want 0.4, 0.6", ch.Min(), ch.Max()) }
}

func TestHistogramPeakFit(t *testing.T) {
	bins:=make([]int32, 256)
	mu, sigma:=0.2, 0.03
	for i:=range bins {
		x:=float64(binCenter(i, len(bins), 0, 1))
		d:=(x - mu) / sigma
		bins[i]=int32(10000 * math.Exp(-0.5*d*d))
	}
	mode, stdDev, err:=GetModeStdDevFromHistogram(bins, 0, 1)
	if err!=nil { t.Fatalf("GetModeStdDevFromHistogram: %v", err) }
	if math.Abs(float64(mode)-mu) > 0.005 { t.Errorf("mode=%f; want %f", mode, mu) }
	if math.Abs(float64(stdDev)-sigma) > 0.005 { t.Errorf("stdDev=%f; want %f", stdDev, sigma) }
}

func TestHistogramIgnoresOutOfRange(t *testing.T) {
	bins:=make([]int32, 4)
	Histogram([]float32{-1, 0, 0.3, 1, 2, float32(math.NaN())}, 0, 1, bins)
	want:=[]int32{1, 1, 0, 1}
	for i:=range want {
		if bins[i]!=want[i] { t.Errorf("bins[%d]=%d; want %d", i, bins[i], want[i]) }
	}
}
