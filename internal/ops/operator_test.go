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


package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"github.com/mlnoga/starless/internal/fits"
)

func testContext() *Context {
	return NewContext(context.Background(), io.Discard)
}

func TestIsPathAllowed(t *testing.T) {
	tcs:=[]struct{ path string; want bool }{
		{"a.fits", true},
		{"dir/a.fits", true},
		{"/etc/passwd", false},
		{"../a.fits", false},
		{"dir/../../a.fits", false},
	}
	for _,tc:=range tcs {
		if got:=IsPathAllowed(tc.path); got!=tc.want {
			t.Errorf("IsPathAllowed(%q)=%v; want %v", tc.path, got, tc.want)
		}
	}
}

func TestCheckPathOnlyWhenSandboxed(t *testing.T) {
	c:=testContext()
	if err:=c.CheckPath("/tmp/a.fits"); err!=nil { t.Errorf("unsandboxed CheckPath()=%v; want nil", err) }
	c.Sandboxed=true
	if err:=c.CheckPath("/tmp/a.fits"); err==nil { t.Errorf("sandboxed CheckPath()=nil; want error") }
}

func TestMaterializeAll(t *testing.T) {
	ok:=func(id int) Promise {
		return func() (*fits.Image, error) {
			f:=fits.NewImageFromNaxisn([]int32{1,1}, nil)
			f.ID=id
			return f, nil
		}
	}
	fail:=func() (*fits.Image, error) { return nil, errors.New("boom") }

	outs, err:=MaterializeAll([]Promise{ok(0), ok(1), ok(2)}, 2, false)
	if err!=nil { t.Fatalf("MaterializeAll: %v", err) }
	if len(outs)!=3 { t.Fatalf("len=%d; want 3", len(outs)) }
	for i,f:=range outs {
		if f.ID!=i { t.Errorf("outs[%d].ID=%d; want %d", i, f.ID, i) }
	}

	outs, err=MaterializeAll([]Promise{ok(0), fail, ok(2)}, 2, false)
	if err==nil { t.Errorf("err=nil; want boom") }
	if len(outs)!=2 { t.Errorf("len=%d; want 2", len(outs)) }
}

func TestSaveLoadSequence(t *testing.T) {
	dir:=t.TempDir()
	f:=fits.NewImageFromNaxisn([]int32{2,2}, []float32{0, 0.25, 0.5, 1})
	f.Name="m42"
	c:=testContext()

	pattern:=filepath.Join(dir, "%n_%d.fits")
	seq:=NewOpSequence(NewOpSave(pattern), NewOpSave(filepath.Join(dir, "%n.jpg")), NewOpSave(filepath.Join(dir, "%n.tif")))
	promises, err:=seq.MakePromises([]Promise{func() (*fits.Image, error) { return f, nil }}, c)
	if err!=nil { t.Fatalf("MakePromises: %v", err) }
	if _, err=MaterializeAll(promises, 1, true); err!=nil { t.Fatalf("MaterializeAll: %v", err) }

	for _,name:=range []string{"m42_0.fits", "m42.jpg", "m42.tif"} {
		if _, err:=os.Stat(filepath.Join(dir, name)); err!=nil { t.Errorf("missing output %s: %v", name, err) }
	}

	load:=NewOpLoad(7, filepath.Join(dir, "m42_0.fits"))
	promises, err=load.MakePromises(nil, c)
	if err!=nil { t.Fatalf("MakePromises: %v", err) }
	g, err:=promises[0]()
	if err!=nil { t.Fatalf("load: %v", err) }
	if g.ID!=7 || g.Pixels!=4 || g.Data[1]!=0.25 {
		t.Errorf("loaded id=%d pixels=%d data=%v", g.ID, g.Pixels, g.Data)
	}
}

func TestSaveUnknownSuffix(t *testing.T) {
	f:=fits.NewImageFromNaxisn([]int32{1,1}, nil)
	if _, err:=NewOpSave(filepath.Join(t.TempDir(), "x.bmp")).Apply(f, testContext()); err==nil {
		t.Errorf("err=nil; want unknown suffix error")
	}
}

func TestSequenceJSONRoundTrip(t *testing.T) {
	seq:=NewOpSequence(NewOpLoad(1, "in.fits"), NewOpSave("out.fits"))
	b, err:=json.Marshal(seq)
	if err!=nil { t.Fatalf("Marshal: %v", err) }

	var back OpSequence
	if err=json.Unmarshal(b, &back); err!=nil { t.Fatalf("Unmarshal: %v", err) }
	if len(back.Steps)!=2 { t.Fatalf("steps=%d; want 2", len(back.Steps)) }
	if l, ok:=back.Steps[0].(*OpLoad); !ok || l.FileName!="in.fits" || l.ID!=1 {
		t.Errorf("steps[0]=%#v; want load in.fits", back.Steps[0])
	}
	if s, ok:=back.Steps[1].(*OpSave); !ok || s.FilePattern!="out.fits" {
		t.Errorf("steps[1]=%#v; want save out.fits", back.Steps[1])
	}

	if err=json.Unmarshal([]byte(`{"type":"seq","steps":[{"type":"nope"}]}`), &back); err==nil {
		t.Errorf("err=nil; want unknown operator type error")
	}
}

func TestLoadManyForEach(t *testing.T) {
	dir:=t.TempDir()
	for i,name:=range []string{"a.fits", "b.fits"} {
		f:=fits.NewImageFromNaxisn([]int32{2,1}, []float32{0, float32(i+1)/4})
		if err:=f.WriteFile(filepath.Join(dir, name)); err!=nil { t.Fatal(err) }
	}
	if err:=os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err!=nil { t.Fatal(err) }

	// a.fits matches twice and is loaded once
	load:=NewOpLoadMany([]string{filepath.Join(dir, "*.fits"), filepath.Join(dir, "a.fits")})
	seq:=NewOpSequence(load, NewOpForEach(NewOpSave("%f_copy.fits")))
	promises, err:=seq.MakePromises(nil, testContext())
	if err!=nil { t.Fatalf("MakePromises: %v", err) }
	outs, err:=MaterializeAll(promises, 2, false)
	if err!=nil { t.Fatalf("MaterializeAll: %v", err) }
	if len(outs)!=2 { t.Fatalf("len=%d; want 2", len(outs)) }
	for i,f:=range outs {
		if f.ID!=i+1 { t.Errorf("outs[%d].ID=%d; want %d", i, f.ID, i+1) }
	}
	for _,name:=range []string{"a_copy.fits", "b_copy.fits"} {
		if _, err:=os.Stat(filepath.Join(dir, name)); err!=nil { t.Errorf("missing output %s: %v", name, err) }
	}
}

func TestLoadManyErrors(t *testing.T) {
	c:=testContext()
	if _, err:=NewOpLoadMany([]string{filepath.Join(t.TempDir(), "*.fits")}).MakePromises(nil, c); err==nil {
		t.Errorf("no matches: err=nil; want error")
	}
	if _, err:=NewOpLoadMany([]string{"[.fits"}).MakePromises(nil, c); err==nil {
		t.Errorf("bad pattern: err=nil; want error")
	}
	in:=func() (*fits.Image, error) { return nil, nil }
	if _, err:=NewOpLoadMany([]string{"*.fits"}).MakePromises([]Promise{in}, c); err==nil {
		t.Errorf("with input: err=nil; want error")
	}
	c.Sandboxed=true
	if _, err:=NewOpLoadMany([]string{"/etc/*"}).MakePromises(nil, c); err==nil {
		t.Errorf("sandboxed absolute pattern: err=nil; want error")
	}
}

func TestForEachJSON(t *testing.T) {
	b, err:=json.Marshal(NewOpForEach(NewOpSequence(NewOpSave("%f_out.fits"))))
	if err!=nil { t.Fatalf("Marshal: %v", err) }
	var back OpForEach
	if err=json.Unmarshal(b, &back); err!=nil { t.Fatalf("Unmarshal: %v", err) }
	seq, ok:=back.Operation.(*OpSequence)
	if !ok || back.Type!="forEach" || !back.Active || len(seq.Steps)!=1 {
		t.Fatalf("back=%#v; want forEach over a one-step sequence", back)
	}
	if s, ok:=seq.Steps[0].(*OpSave); !ok || s.FilePattern!="%f_out.fits" {
		t.Errorf("steps[0]=%#v; want save %%f_out.fits", seq.Steps[0])
	}

	if err=json.Unmarshal([]byte(`{"type":"forEach","operation":{"type":"nope"}}`), &back); err==nil {
		t.Errorf("err=nil; want unknown operator type error")
	}
	if err=json.Unmarshal([]byte(`{"type":"forEach"}`), &back); err!=nil || back.Operation!=nil { 
		t.Fatalf("Unmarshal without operation: %v %#v", err, back) 
	}
	in:=func() (*fits.Image, error) { return nil, nil }
	if _, err=back.MakePromises([]Promise{in}, testContext()); err==nil {
		t.Errorf("err=nil; want error for missing operation")
	}
}

func TestExpandFilePattern(t *testing.T) {
	f:=fits.NewImageFromNaxisn([]int32{1,1}, nil)
	f.ID, f.Name, f.FileName=3, "m31", "data/m31.fits.gz"
	tcs:=[]struct{ pattern, want string }{
		{"%n.fits", "m31.fits"},
		{"out_%d.tif", "out_3.tif"},
		{"%f_starless.fits", "data/m31_starless.fits"},
	}
	for _,tc:=range tcs {
		if got:=ExpandFilePattern(tc.pattern, f); got!=tc.want { t.Errorf("ExpandFilePattern(%q)=%q; want %q", tc.pattern, got, tc.want) }
	}
	f.FileName=""
	if got:=ExpandFilePattern("%f.fits", f); got!="m31.fits" { t.Errorf("without file name=%q; want m31.fits", got) }
}

func TestTrimExt(t *testing.T) {
	tcs:=[]struct{ in, want string }{
		{"m31.fits", "m31"},
		{"dir/m31.FITS.GZ", "dir/m31"},
		{"m31", "m31"},
		{"a.b.tif", "a.b"},
	}
	for _,tc:=range tcs {
		if got:=TrimExt(tc.in); got!=tc.want { t.Errorf("TrimExt(%q)=%q; want %q", tc.in, got, tc.want) }
	}
}
