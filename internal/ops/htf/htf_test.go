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


package htf

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"testing"
	"github.com/mlnoga/starless/internal/curve"
	"github.com/mlnoga/starless/internal/fits"
	"github.com/mlnoga/starless/internal/ops"
)

func TestOpHistogramTransform(t *testing.T) {
	f:=fits.NewImageFromNaxisn([]int32{2,1}, []float32{0.25, 1})
	tab:=curve.IdentityTable()
	tab[0].MidtonesBalance=0.25
	op:=NewOpHistogramTransform(tab, "forward")
	if !op.Active { t.Fatalf("op inactive; want active for non-identity table") }

	c:=ops.NewContext(context.Background(), io.Discard)
	res, err:=op.Apply(f, c)
	if err!=nil { t.Fatalf("Apply: %v", err) }
	if math.Abs(float64(res.Data[0]-0.5))>1e-6 || res.Data[1]!=1 {
		t.Errorf("data=%v; want [0.5 1]", res.Data)
	}
	if len(res.Header.History)!=1 {
		t.Errorf("history=%v; want one entry", res.Header.History)
	}

	if NewOpHistogramTransform(curve.IdentityTable(), "").Active {
		t.Errorf("identity op active; want inactive")
	}
}

func TestOpHistogramTransformJSON(t *testing.T) {
	var op OpHistogramTransform
	err:=json.Unmarshal([]byte(`{"type":"htf","active":true,"table":[
		{"blackPoint":0,"midtonesBalance":0.8,"whitePoint":1,"outputBlack":0,"outputWhite":1},
		{"blackPoint":0,"midtonesBalance":0.5,"whitePoint":1,"outputBlack":0,"outputWhite":1},
		{"blackPoint":0,"midtonesBalance":0.5,"whitePoint":1,"outputBlack":0,"outputWhite":1},
		{"blackPoint":0,"midtonesBalance":0.5,"whitePoint":1,"outputBlack":0,"outputWhite":1},
		{"blackPoint":0,"midtonesBalance":0.5,"whitePoint":1,"outputBlack":0,"outputWhite":1}]}`), &op)
	if err!=nil { t.Fatalf("Unmarshal: %v", err) }
	if op.Table[0].MidtonesBalance!=0.8 { t.Errorf("m=%g; want 0.8", op.Table[0].MidtonesBalance) }
	if op.OpUnaryBase.Apply==nil { t.Errorf("Apply not wired after unmarshal") }
	if f:=ops.GetOperatorFactory("htf"); f==nil { t.Errorf("htf operator not registered") }
}

func TestClipReportAndMap(t *testing.T) {
	// 3x1 RGB image
	f:=fits.NewImageFromNaxisn([]int32{3,1,3}, []float32{
		0.05, 0.5, 0.9,  // R
		0.5,  0.5, 0.5,  // G
		0.5,  0.5, 0.01, // B
	})
	tab:=curve.IdentityTable()
	tab[0].BlackPoint=0.1
	tab[2].BlackPoint=0.02

	r:=NewClipReport(f, tab)
	if len(r)!=3 { t.Fatalf("len=%d; want 3", len(r)) }
	if r[0].Black!=1 || r[1].Black!=0 || r[2].Black!=1 {
		t.Errorf("report=%v; want black 1,0,1", r)
	}
	if !r.Clips() { t.Errorf("Clips()=false; want true") }
	if math.Abs(float64(r[0].Fraction())-1.0/3)>1e-6 { t.Errorf("fraction=%f; want 1/3", r[0].Fraction()) }

	m:=ClipMap(f, tab)
	want:=[]float32{1, 0, 1}
	for i:=range want {
		if m.Data[i]!=want[i] { t.Errorf("clipmap[%d]=%f; want %f", i, m.Data[i], want[i]) }
	}
	if m.Channels()!=1 { t.Errorf("channels=%d; want 1", m.Channels()) }

	if NewClipReport(f, curve.IdentityTable()).Clips() {
		t.Errorf("identity table clips; want none")
	}
}

func TestClipReportCombinedChannel(t *testing.T) {
	f:=fits.NewImageFromNaxisn([]int32{2,1}, []float32{0.1, 0.9})
	tab:=curve.IdentityTable()
	tab[curve.RGBK].WhitePoint=0.8
	r:=NewClipReport(f, tab)
	if r[0].White!=1 || r[0].Black!=0 { t.Errorf("report=%v; want white 1", r) }
}
