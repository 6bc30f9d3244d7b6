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


package rest

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"github.com/gin-gonic/gin"
	"github.com/mlnoga/starless/internal/config"
	"github.com/mlnoga/starless/internal/fits"
	"github.com/mlnoga/starless/internal/ops"
	"github.com/mlnoga/starless/internal/ops/starnet"
)

func init() { gin.SetMode(gin.TestMode) }

type identityRemover struct{}

func (identityRemover) Remove(c *ops.Context, f *fits.Image, stride starnet.Stride, wantMask bool) (*fits.Image, *fits.Image, error) {
	var mask *fits.Image
	if wantMask { mask=f.Duplicate(f.Name+"_mask") }
	return f.Duplicate(f.Name), mask, nil
}

func newTestServer() *Server {
	p:=config.Default()
	p.C0, p.M=0, 0.25 // manual stretch without clipping
	return NewServer(p, identityRemover{}, 4096)
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w:=httptest.NewRecorder()
	req, _:=http.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

// Changes into a fresh temporary directory for the duration of the test
func chdirTemp(t *testing.T) {
	wd, err:=os.Getwd()
	if err!=nil { t.Fatal(err) }
	if err=os.Chdir(t.TempDir()); err!=nil { t.Fatal(err) }
	t.Cleanup(func() { os.Chdir(wd) })
}

func writeLinear(t *testing.T, fileName string) *fits.Image {
	f:=fits.NewImageFromNaxisn([]int32{8,8,3}, nil)
	for i:=range f.Data { f.Data[i]=0.02+0.1*float32(i%17)/17 }
	f.UpdateStats()
	f.Name="m31"
	if err:=f.WriteFile(fileName); err!=nil { t.Fatal(err) }
	return f
}

func TestPing(t *testing.T) {
	r:=newTestServer().Router()
	w:=httptest.NewRecorder()
	req, _:=http.NewRequest("GET", "/api/v1/ping", nil)
	r.ServeHTTP(w, req)
	if w.Code!=200 || !strings.Contains(w.Body.String(), "pong") { t.Errorf("ping=%d %q", w.Code, w.Body.String()) }

	w=httptest.NewRecorder()
	req, _=http.NewRequest("GET", "/", nil)
	r.ServeHTTP(w, req)
	if w.Code!=200 || !strings.Contains(w.Body.String(), "/api/v1/starless") { t.Errorf("index=%d", w.Code) }
}

func TestCurveForward(t *testing.T) {
	r:=newTestServer().Router()
	w:=post(r, "/api/v1/curve/forward", 
		`{"descriptor":[[0,0,0.8,0,1],[0,0,0.75,0,1],[0,0,0.82,0,1],[0,0,1,0,1]]}`)
	if w.Code!=200 { t.Fatalf("code=%d body %s", w.Code, w.Body.String()) }
	var res struct {
		Forward [][5]float64 `json:"forward"`
		Inverse [][5]float64 `json:"inverse"`
		Clips   bool         `json:"clips"`
	}
	if err:=json.Unmarshal(w.Body.Bytes(), &res); err!=nil { t.Fatalf("Unmarshal: %v", err) }
	if len(res.Forward)!=5 || res.Forward[0]!=[5]float64{0, 0.8, 1, 0, 1} || res.Forward[4]!=[5]float64{0, 0.5, 1, 0, 1} {
		t.Errorf("forward=%v", res.Forward)
	}
	if len(res.Inverse)!=5 || math.Abs(res.Inverse[2][1]-0.18)>1e-9 { t.Errorf("inverse=%v", res.Inverse) }
	if res.Clips { t.Errorf("clips=true; want false") }

	for _,bad:=range []string{`{}`, `{"descriptor":[[0,0,0.8,0,1]]}`, `not json`} {
		if w:=post(r, "/api/v1/curve/forward", bad); w.Code!=http.StatusBadRequest { t.Errorf("%s: code=%d; want 400", bad, w.Code) }
	}
}

func TestCurveInvert(t *testing.T) {
	r:=newTestServer().Router()
	w:=post(r, "/api/v1/curve/invert", 
		`{"table":[[0,0.8,1,0,1],[0,0.5,1,0,1],[0,0,1,0,1],[0,1,1,0,1],[0,0.5,1,0,1]]}`)
	if w.Code!=200 { t.Fatalf("code=%d body %s", w.Code, w.Body.String()) }
	var res struct{ Inverse [][5]float64 `json:"inverse"` }
	if err:=json.Unmarshal(w.Body.Bytes(), &res); err!=nil { t.Fatalf("Unmarshal: %v", err) }
	if math.Abs(res.Inverse[0][1]-0.2)>1e-9 || res.Inverse[1][1]!=0.5 || res.Inverse[2][1]!=1 || res.Inverse[3][1]!=0.5 {
		t.Errorf("inverse=%v", res.Inverse)
	}
	if w:=post(r, "/api/v1/curve/invert", `{"table":[[0,0.5,1,0,1]]}`); w.Code!=http.StatusBadRequest { t.Errorf("code=%d; want 400", w.Code) }
}

func TestPostStarless(t *testing.T) {
	chdirTemp(t)
	orig:=writeLinear(t, "m31.fits")
	r:=newTestServer().Router()

	w:=post(r, "/api/v1/starless", `{"fileName":"m31.fits","starMap":"%n.fits","params":{"starnetStride":64,"snStars":true,"pm":0.25}}`)
	if w.Code!=200 { t.Fatalf("code=%d", w.Code) }
	body:=w.Body.String()
	if !strings.Contains(body, "Done.") { t.Fatalf("run did not complete:\n%s", body) }

	out, err:=fits.NewImageFromFile("m31_starless.fits", 1, &strings.Builder{})
	if err!=nil { t.Fatalf("reading output: %v", err) }
	for i:=range orig.Data {
		if math.Abs(float64(out.Data[i]-orig.Data[i]))>1e-5 { t.Fatalf("out[%d]=%g; want %g", i, out.Data[i], orig.Data[i]) }
	}
	if _, err:=os.Stat("m31_starmap.fits"); err!=nil { t.Errorf("star map not written: %v", err) }
}

func TestPostStarlessErrors(t *testing.T) {
	chdirTemp(t)
	r:=newTestServer().Router()
	if w:=post(r, "/api/v1/starless", `{"params":{}}`); w.Code!=http.StatusBadRequest { t.Errorf("missing file: code=%d; want 400", w.Code) }
	if w:=post(r, "/api/v1/starless", `{"fileName":"a.fits","params":{"starnetStride":3}}`); w.Code!=http.StatusBadRequest { 
		t.Errorf("invalid stride: code=%d; want 400", w.Code) 
	}
	w:=post(r, "/api/v1/starless", `{"fileName":"/etc/passwd"}`)
	if !strings.Contains(w.Body.String(), "error: ") || !strings.Contains(w.Body.String(), "outside current directory") {
		t.Errorf("absolute path not rejected:\n%s", w.Body.String())
	}
	w=post(r, "/api/v1/starless", `{"fileName":"missing.fits"}`)
	if !strings.Contains(w.Body.String(), "error: ") { t.Errorf("missing file not reported:\n%s", w.Body.String()) }
}

func TestPostReLinear(t *testing.T) {
	chdirTemp(t)
	writeLinear(t, "ref.fits")
	writeLinear(t, "stretched.fits")
	r:=newTestServer().Router()

	w:=post(r, "/api/v1/relinear", `{"fileName":"stretched.fits","linear":"ref.fits"}`)
	if !strings.Contains(w.Body.String(), "Done.") { t.Fatalf("run did not complete:\n%s", w.Body.String()) }
	if _, err:=os.Stat("stretched_clone.fits"); err!=nil { t.Errorf("output not written: %v", err) }

	w=post(r, "/api/v1/relinear", `{"fileName":"stretched.fits"}`)
	if !strings.Contains(w.Body.String(), "missing linear reference image") { t.Errorf("missing linear not reported:\n%s", w.Body.String()) }
}

func TestNewServerSlots(t *testing.T) {
	if s:=NewServer(config.Default(), nil, 0); cap(s.slots)!=1 { t.Errorf("slots=%d; want 1", cap(s.slots)) }
}

func TestNewServerUsesConfiguredEngine(t *testing.T) {
	p:=config.Default()
	p.StarNet.Command="/opt/starnet/rgb_starnet++"
	s:=NewServer(p, nil, 4096)
	e, ok:=s.Remover.(*starnet.Executable)
	if !ok || e.Command!=p.StarNet.Command { t.Errorf("remover=%#v; want executable %s", s.Remover, p.StarNet.Command) }
}

// Writes an executable shell script that creates the file "touched" in the current directory
func writeTouchScript(t *testing.T, fileName string) {
	if runtime.GOOS=="windows" { t.Skip("needs a POSIX shell") }
	if err:=os.WriteFile(fileName, []byte("#!/bin/sh\ntouch touched\nexit 1\n"), 0755); err!=nil { t.Fatal(err) }
}

func TestPostStarlessIgnoresRequestedEngine(t *testing.T) {
	chdirTemp(t)
	writeTouchScript(t, "engine.sh")
	writeLinear(t, "m31.fits")

	// the configured engine copies its input to its output
	engine:=filepath.Join(t.TempDir(), "copy_engine")
	if err:=os.WriteFile(engine, []byte("#!/bin/sh\ncp \"$1\" \"$2\"\n"), 0755); err!=nil { t.Fatal(err) }
	p:=config.Default()
	p.StarNet.Command=engine
	r:=NewServer(p, nil, 4096).Router()

	w:=post(r, "/api/v1/starless", `{"fileName":"m31.fits","params":{"pm":0.25,"starnet":{"command":"./engine.sh","workDir":"exchange"}}}`)
	body:=w.Body.String()
	if !strings.Contains(body, "Done.") { t.Fatalf("run did not complete:\n%s", body) }
	if strings.Contains(body, "engine.sh") { t.Errorf("requested engine shows in log:\n%s", body) }
	if _, err:=os.Stat("touched"); err==nil { t.Errorf("requested engine was run") }
	if _, err:=os.Stat("exchange"); err==nil { t.Errorf("requested work directory was created") }
	if _, err:=os.Stat("m31_starless.fits"); err!=nil { t.Errorf("output not written: %v", err) }
}

func TestPostStarlessFilePatterns(t *testing.T) {
	chdirTemp(t)
	writeLinear(t, "a.fits")
	writeLinear(t, "b.fits")
	r:=newTestServer().Router()

	w:=post(r, "/api/v1/starless", `{"filePatterns":["*.fits"],"params":{"pm":0.25}}`)
	if !strings.Contains(w.Body.String(), "Found 2 files.") || !strings.Contains(w.Body.String(), "Done.") {
		t.Fatalf("run did not complete:\n%s", w.Body.String())
	}
	for _,fileName:=range []string{"a_starless.fits", "b_starless.fits"} {
		if _, err:=os.Stat(fileName); err!=nil { t.Errorf("output not written: %v", err) }
	}
}

const jobJSON=`{"type":"seq","active":true,"steps":[
	{"type":"loadMany","active":true,"filePatterns":["*.fits"]},
	{"type":"forEach","active":true,"operation":{"type":"seq","active":true,"steps":[
		{"type":"linearStarNet","active":true,"params":{"pm":0.25,"starnet":{"command":"./engine.sh"}}},
		{"type":"save","active":true,"filePattern":"%f_job.fits"}
	]}}
]}`

func TestPostJob(t *testing.T) {
	chdirTemp(t)
	writeTouchScript(t, "engine.sh")
	orig:=writeLinear(t, "a.fits")
	writeLinear(t, "b.fits")
	r:=newTestServer().Router()

	w:=post(r, "/api/v1/job", jobJSON)
	if w.Code!=200 || !strings.Contains(w.Body.String(), "Done.") { t.Fatalf("code=%d, run did not complete:\n%s", w.Code, w.Body.String()) }
	if _, err:=os.Stat("touched"); err==nil { t.Errorf("requested engine was run") }
	out, err:=fits.NewImageFromFile("a_job.fits", 1, &strings.Builder{})
	if err!=nil { t.Fatalf("reading output: %v", err) }
	for i:=range orig.Data {
		if math.Abs(float64(out.Data[i]-orig.Data[i]))>1e-5 { t.Fatalf("out[%d]=%g; want %g", i, out.Data[i], orig.Data[i]) }
	}
	if _, err:=os.Stat("b_job.fits"); err!=nil { t.Errorf("output not written: %v", err) }
}

func TestPostJobErrors(t *testing.T) {
	chdirTemp(t)
	r:=newTestServer().Router()
	for _,bad:=range []string{`{}`, `{"type":"seq","steps":[{"type":"format_disk"}]}`, `not json`} {
		if w:=post(r, "/api/v1/job", bad); w.Code!=http.StatusBadRequest { t.Errorf("%s: code=%d; want 400", bad, w.Code) }
	}
	w:=post(r, "/api/v1/job", `{"type":"seq","steps":[{"type":"loadMany","active":true,"filePatterns":["/etc/*"]}]}`)
	if !strings.Contains(w.Body.String(), "outside current directory") { t.Errorf("absolute pattern not rejected:\n%s", w.Body.String()) }
}

func TestMakeSandboxNoop(t *testing.T) {
	if err:=MakeSandbox("", -1, &strings.Builder{}); err!=nil { t.Errorf("MakeSandbox: %v", err) }
}
