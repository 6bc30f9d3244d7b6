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
	"errors"
	"math"
	"gonum.org/v1/gonum/optimize"
)

// Calculate histogram of data between min and max into given bins. Values
// outside the range and NaNs are ignored
func Histogram(data []float32, min, max float32, bins []int32) {
	for i:=range bins {
		bins[i]=0
	}
	if max<=min { return }
	scale:=float32(len(bins)) / (max - min)
	last:=len(bins) - 1
	for _, d:=range data {
		if !(d>=min && d<=max) { continue }
		index:=int((d - min) * scale)
		if index>last {
			index=last
		}
		bins[index]++
	}
}

// Returns the center location and the value of the histogram peak
func GetPeak(bins []int32, min, max float32) (x, y float32) {
	maxIndex, maxValue:=0, int32(math.MinInt32)
	for i, v:=range bins {
		if v>maxValue {
			maxIndex, maxValue=i, v
		}
	}
	x=binCenter(maxIndex, len(bins), min, max)
	return x, float32(maxValue)
}

func binCenter(i, numBins int, min, max float32) float32 {
	return min + (float32(i)+0.5)*(max-min)/float32(numBins)
}

// Calculates the mode and the standard deviation of the given histogram, by
// fitting a normal distribution to it. Starts from the histogram peak
func GetModeStdDevFromHistogram(bins []int32, min, max float32) (mode, stdDev float32, err error) {
	if len(bins)<3 || max<=min { return 0, 0, errors.New("histogram too small for peak fit") }

	// Take an educated initial guess: the maximum value of the histogram, a few bins wide
	peak, peakVal:=GetPeak(bins, min, max)
	binWidth:=float64(max-min) / float64(len(bins))
	x0:=[]float64{float64(peakVal) * 3 * binWidth * math.Sqrt(2*math.Pi), float64(peak), 3 * binWidth}

	// Now minimize the distance between the histogram and a normal distribution
	problem:=optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma:=x[0], x[1], math.Abs(x[2])+1e-12
			scaler:=alpha / (sigma * math.Sqrt(2*math.Pi))
			sumSqDiff:=0.0
			for i, y:=range bins {
				x:=float64(binCenter(i, len(bins), min, max))
				xmusig:=(x - mu) / sigma
				diff:=float64(y) - scaler*math.Exp(-0.5*xmusig*xmusig)
				sumSqDiff+=diff * diff
			}
			return math.Sqrt(sumSqDiff / float64(len(bins)))
		},
	}
	result, err:=optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err!=nil { return -1, -1, err }
	return float32(result.X[1]), float32(math.Abs(result.X[2])), nil
}

// Returns the background peak location and width of the given normalized
// channel data, using a histogram fit
func BackgroundPeak(data []float32, numBins int) (mode, stdDev float32, err error) {
	bins:=make([]int32, numBins)
	Histogram(data, 0, 1, bins)
	return GetModeStdDevFromHistogram(bins, 0, 1)
}
