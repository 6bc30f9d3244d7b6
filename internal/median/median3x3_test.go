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


package median

import (
	"sort"
	"testing"
	"github.com/valyala/fastrand"
)

func TestMedianFloat32Slice9(t *testing.T) {
	rng:=fastrand.RNG{}
	for n:=0; n<1000; n++ {
		a:=make([]float32, 9)
		for i:=range a { a[i]=float32(rng.Uint32n(100)) }
		sorted:=append([]float32(nil), a...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i]<sorted[j] })
		if res:=MedianFloat32Slice9(a); res!=sorted[4] {
			t.Errorf("median9(%v)=%f; want %f", sorted, res, sorted[4])
		}
	}
}

func TestMedianFilter3x3RemovesHotPixel(t *testing.T) {
	width, height:=int32(5), int32(4)
	data:=make([]float32, width*height)
	for i:=range data { data[i]=0.1 }
	data[1*width+2]=1 // hot pixel
	data[0]=0.9       // border pixels are copied unchanged

	out:=make([]float32, len(data))
	MedianFilter3x3(out, data, width)
	if out[1*width+2]!=0.1 { t.Errorf("out[hot]=%f; want 0.1", out[1*width+2]) }
	if out[0]!=0.9 { t.Errorf("out[0]=%f; want 0.9", out[0]) }
	for i:=range out {
		if i!=0 && out[i]!=0.1 { t.Errorf("out[%d]=%f; want 0.1", i, out[i]) }
	}
}
