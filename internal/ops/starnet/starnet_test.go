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


package starnet

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
	"github.com/mlnoga/starless/internal/fits"
	"github.com/mlnoga/starless/internal/ops"
)

func TestStride(t *testing.T) {
	for i,s:=range Strides {
		if s.Index()!=i { t.Errorf("%v.Index()=%d; want %d", s, s.Index(), i) }
		p, err:=ParseStride(s.String())
		if err!=nil || p!=s { t.Errorf("ParseStride(%q)=%v, %v; want %v", s.String(), p, err, s) }
	}
	if Stride(100).Index()!=-1 { t.Errorf("Index of invalid stride != -1") }
	for _,bad:=range []string{"100", "abc", ""} {
		if _, err:=ParseStride(bad); err==nil { t.Errorf("ParseStride(%q) err=nil; want error", bad) }
	}
	if DefaultStride!=128 { t.Errorf("DefaultStride=%d; want 128", DefaultStride) }
}

func TestFindMask(t *testing.T) {
	dir:=t.TempDir()
	since:=time.Now().Add(-time.Minute)
	if got:=FindMask(dir, "star_mask", since); got!="" { t.Errorf("FindMask in empty dir=%q; want none", got) }

	for _,name:=range []string{"star_mask.tif", "star_mask2.tif", "star_mask10.tif", "other.tif"} {
		os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644)
	}
	if got:=FindMask(dir, "star_mask", since); filepath.Base(got)!="star_mask10.tif" {
		t.Errorf("FindMask=%q; want star_mask10.tif", got)
	}
	if got:=FindMask(dir, "star_mask", time.Now().Add(time.Hour)); got!="" {
		t.Errorf("FindMask with future cutoff=%q; want none", got)
	}
	if got:=FindMask(dir, "", since); got!="" { t.Errorf("FindMask with empty base=%q; want none", got) }
}

// Writes a shell script standing in for the star removal engine. It copies its input
// to its output, halving all values, and optionally writes a mask next to the output
func fakeEngine(t *testing.T, writeMask bool) string {
	if runtime.GOOS=="windows" { t.Skip("fake engine needs a POSIX shell") }
	dir:=t.TempDir()
	script:="#!/bin/sh\necho \"stride $3\"\ncp \"$1\" \"$2\"\n"
	if writeMask {
		script+="cp \"$1\" \"$(dirname \"$2\")/star_mask3.tif\"\n"
	}
	name:=filepath.Join(dir, "fake_starnet")
	if err:=os.WriteFile(name, []byte(script), 0755); err!=nil { t.Fatal(err) }
	return name
}

func testImage() *fits.Image {
	f:=fits.NewImageFromNaxisn([]int32{4,3,3}, nil)
	for i:=range f.Data { f.Data[i]=float32(i)/float32(len(f.Data)) }
	f.UpdateStats()
	f.ID, f.Name=5, "m42"
	return f
}

func TestExecutableRemove(t *testing.T) {
	log:=&bytes.Buffer{}
	c:=ops.NewContext(context.Background(), log)
	e:=&Executable{Command:fakeEngine(t, true), WorkDir:t.TempDir(), MaskBase:"star_mask"}
	f:=testImage()

	starless, mask, err:=e.Remove(c, f, Stride32, true)
	if err!=nil { t.Fatalf("Remove: %v", err) }
	if !starless.SameShape(f) || starless.Name!="m42" || starless.ID!=5 {
		t.Errorf("starless %s name %q id %d", starless.DimensionsToString(), starless.Name, starless.ID)
	}
	for i:=range f.Data {
		if math.Abs(float64(starless.Data[i]-f.Data[i]))>1.0/65535 {
			t.Errorf("starless[%d]=%f; want %f", i, starless.Data[i], f.Data[i])
		}
	}
	if mask==nil { t.Fatalf("mask=nil; want mask written by engine") }
	if !strings.Contains(log.String(), "starnet: stride 32") { t.Errorf("engine output not logged:\n%s", log.String()) }

	// exchanged files are cleaned up
	left, _:=filepath.Glob(filepath.Join(e.WorkDir, "*.tif"))
	if len(left)!=0 { t.Errorf("left over files %v", left) }
}

func TestExecutableSynthesizesMask(t *testing.T) {
	c:=ops.NewContext(context.Background(), &bytes.Buffer{})
	e:=&Executable{Command:fakeEngine(t, false), MaskBase:"star_mask", SynthesizeMask:true, MaskMedian:true}
	f:=testImage()
	_, mask, err:=e.Remove(c, f, Stride128, true)
	if err!=nil { t.Fatalf("Remove: %v", err) }
	if mask==nil { t.Fatalf("mask=nil; want synthesized mask") }
	if mask.Stats.Max()>1.0/65535 { t.Errorf("mask max=%f; want ~0 for identical starless", mask.Stats.Max()) }

	e.SynthesizeMask=false
	_, mask, err=e.Remove(c, f, Stride128, true)
	if err!=nil { t.Fatalf("Remove: %v", err) }
	if mask!=nil { t.Errorf("mask=%v; want nil without engine mask or synthesis", mask) }
}

func TestExecutableErrors(t *testing.T) {
	c:=ops.NewContext(context.Background(), &bytes.Buffer{})
	f:=testImage()
	if _, _, err:=(&Executable{}).Remove(c, f, Stride128, false); err==nil { t.Errorf("err=nil; want no executable error") }
	if _, _, err:=(&Executable{Command:"true"}).Remove(c, f, Stride(7), false); err==nil { t.Errorf("err=nil; want invalid stride error") }
	missing:=filepath.Join(t.TempDir(), "does_not_exist")
	if _, _, err:=(&Executable{Command:missing}).Remove(c, f, Stride128, false); err==nil { t.Errorf("err=nil; want start error") }

	failing:=filepath.Join(t.TempDir(), "failing")
	os.WriteFile(failing, []byte("#!/bin/sh\necho broken\nexit 3\n"), 0755)
	if runtime.GOOS!="windows" {
		if _, _, err:=(&Executable{Command:failing}).Remove(c, f, Stride128, false); err==nil { t.Errorf("err=nil; want exit status error") }
	}

	ctx, cancel:=context.WithCancel(context.Background())
	cancel()
	cc:=ops.NewContext(ctx, &bytes.Buffer{})
	if _, _, err:=(&Executable{Command:fakeEngine(t, false)}).Remove(cc, f, Stride128, false); err==nil {
		t.Errorf("err=nil; want error for cancelled context")
	}
}

type fakeRemover struct{ calls int }

func (r *fakeRemover) Remove(c *ops.Context, f *fits.Image, stride Stride, wantMask bool) (*fits.Image, *fits.Image, error) {
	r.calls++
	return f.Duplicate(f.Name), nil, nil
}

func TestOpStarNet(t *testing.T) {
	r:=&fakeRemover{}
	op:=NewOpStarNet(r, Stride64)
	res, err:=op.Apply(testImage(), ops.NewContext(context.Background(), &bytes.Buffer{}))
	if err!=nil || res==nil || r.calls!=1 { t.Errorf("Apply=%v, %v; calls %d", res, err, r.calls) }

	var back OpStarNet
	if err:=back.UnmarshalJSON([]byte(`{"type":"starnet","active":true,"stride":16}`)); err!=nil { t.Fatalf("UnmarshalJSON: %v", err) }
	if back.Stride!=Stride16 || back.Remover==nil { t.Errorf("unmarshaled %+v", back) }
}
