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
	"fmt"
	"io"
	"net/http"
	"runtime"
	"github.com/gin-gonic/gin"
	"github.com/mlnoga/starless/internal/config"
	"github.com/mlnoga/starless/internal/curve"
	"github.com/mlnoga/starless/internal/ops"
	"github.com/mlnoga/starless/internal/ops/starless"
	"github.com/mlnoga/starless/internal/ops/starnet"
	"github.com/mlnoga/starless/web"
)

// Memory budgeted per concurrent run
const memoryPerRunMB=2048

// Serves curve derivation and star removal runs over HTTP. Requests may
// override run parameters, but never the star removal engine settings
type Server struct {
	Params  config.Params    // defaults for parameters missing from requests
	Remover starnet.Remover  // star removal engine
	slots   chan struct{}    // bounds the number of concurrent runs
}

// Creates a server. Without a remover, the executable configured in p.StarNet is used.
// Concurrent runs are bounded by available memory and CPU count
func NewServer(p config.Params, remover starnet.Remover, memoryMB int) *Server {
	if remover==nil { remover=starnet.NewExecutable(p.StarNet) }
	n:=memoryMB/memoryPerRunMB
	if n>runtime.NumCPU() { n=runtime.NumCPU() }
	if n<1 { n=1 }
	return &Server{Params:p, Remover:remover, slots:make(chan struct{}, n)}
}

// Returns the router with all routes
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	r.GET("/", getIndex)
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET ("/ping",          getPing)
			v1.POST("/curve/forward", postCurveForward)
			v1.POST("/curve/invert",  postCurveInvert)
			v1.POST("/starless",      s.postStarless)
			v1.POST("/relinear",      s.postReLinear)
			v1.POST("/job",           s.postJob)
		}
	}
	return r
}

// Listens and serves on the given address, e.g. ":8080"
func (s *Server) Serve(addr string) error {
	return s.Router().Run(addr)
}

func getIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.IndexHTML)
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

type postCurveForwardArgs struct {
	Descriptor [][]float64 `json:"descriptor" binding:"required"` // four records (c0, c1, m, r0, r1)
}

// Derives the forward table and its inverse from an auto-stretch descriptor
func postCurveForward(c *gin.Context) {
	var args postCurveForwardArgs
	if err:=c.ShouldBindJSON(&args); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error() } )
		return
	}
	d, err:=curve.DescriptorFromArrays(args.Descriptor)
	if err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error() } )
		return
	}
	fwd:=curve.BuildForwardTable(d)
	c.JSON(http.StatusOK, gin.H{
		"forward": fwd.Arrays(),
		"inverse": curve.InvertExact(fwd).Arrays(),
		"clips":   fwd.Clips(),
	})
}

type postCurveInvertArgs struct {
	Table [][]float64 `json:"table" binding:"required"` // five records (c0, m, c1, r0, r1)
}

// Inverts a curve table
func postCurveInvert(c *gin.Context) {
	var args postCurveInvertArgs
	if err:=c.ShouldBindJSON(&args); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error() } )
		return
	}
	t, err:=curve.TableFromArrays(args.Table)
	if err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error() } )
		return
	}
	c.JSON(http.StatusOK, gin.H{"inverse": curve.InvertExact(t).Arrays()})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m,err:=json.MarshalIndent(args, "", "  ")
	if err!=nil { return err }
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

type postStarlessArgs struct {
	FileName     string        `json:"fileName"`
	FilePatterns []string      `json:"filePatterns"` // alternative to fileName, with wildcards
	Out          string        `json:"out"`          // defaults to <name>_starless.fits
	StarMap      string        `json:"starMap"`
	ClipMap      string        `json:"clipMap"`
	Params       config.Params `json:"params"`
}

func (s *Server) postStarless(c *gin.Context) {
	args:=postStarlessArgs{Out:starless.Auto, Params:s.Params}
	if !s.bindRunArgs(c, &args, &args.Params) { return }
	patterns, ok:=filePatterns(c, args.FileName, args.FilePatterns)
	if !ok { return }

	op:=starless.NewOpLinearStarNet(args.Params, args.StarMap, args.ClipMap)
	op.Remover=s.Remover
	perImage:=ops.NewOpSequence(op)
	if !args.Params.OnlyTryClip {
		perImage.Append(ops.NewOpSave(starless.AutoPattern(args.Out, "_starless")))
	}
	s.run(c, ops.NewOpSequence(ops.NewOpLoadMany(patterns), ops.NewOpForEach(perImage)), args)
}

type postReLinearArgs struct {
	FileName     string        `json:"fileName"`
	FilePatterns []string      `json:"filePatterns"` // alternative to fileName, with wildcards
	Linear       string        `json:"linear"`
	Out          string        `json:"out"`          // defaults to <name>_clone.fits
	Params       config.Params `json:"params"`
}

func (s *Server) postReLinear(c *gin.Context) {
	args:=postReLinearArgs{Out:starless.Auto, Params:s.Params}
	if !s.bindRunArgs(c, &args, &args.Params) { return }
	patterns, ok:=filePatterns(c, args.FileName, args.FilePatterns)
	if !ok { return }

	perImage:=ops.NewOpSequence(
		starless.NewOpReLinear(args.Params, args.Linear),
		ops.NewOpSave(starless.AutoPattern(args.Out, "_clone")),
	)
	s.run(c, ops.NewOpSequence(ops.NewOpLoadMany(patterns), ops.NewOpForEach(perImage)), args)
}

// Runs a JSON operator sequence, e.g. {"type":"seq","steps":[{"type":"loadMany",...},...]}.
// Star removal steps always use the engine of the server
func (s *Server) postJob(c *gin.Context) {
	seq:=ops.NewOpSequenceDefault()
	if err:=c.ShouldBindJSON(seq); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error() } )
		return
	}
	if len(seq.Steps)==0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job has no steps" } )
		return
	}
	starless.BindEngine(seq, s.Remover, s.Params.StarNet)
	s.run(c, seq, seq)
}

// Returns the file patterns of a request, or responds with 400 if there are none
func filePatterns(c *gin.Context, fileName string, patterns []string) ([]string, bool) {
	if fileName!="" { patterns=append([]string{fileName}, patterns...) }
	if len(patterns)==0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileName or filePatterns required" } )
		return nil, false
	}
	return patterns, true
}

// Binds and validates run arguments. Engine settings always come from the
// server. Responds with 400 and returns false on failure
func (s *Server) bindRunArgs(c *gin.Context, args interface{}, p *config.Params) bool {
	if err:=c.ShouldBindJSON(args); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error() } )
		return false
	}
	p.StarNet=s.Params.StarNet
	if err:=p.Validate(); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error() } )
		return false
	}
	return true
}

// Runs the operator sequence in a sandboxed context, streaming the log as plain text
func (s *Server) run(c *gin.Context, seq *ops.OpSequence, args interface{}) {
	logWriter := &flushWriter{c.Writer}
	header := c.Writer.Header()
	header.Set("Content-Type", "text/plain")
	c.Writer.WriteHeader(http.StatusOK)

	if err:=printArgs(logWriter, "Arguments:\n", "\n", args); err!=nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	select {
	case s.slots<-struct{}{}:
		defer func() { <-s.slots }()
	case <-c.Request.Context().Done():
		fmt.Fprintf(logWriter, "error: %s\n", c.Request.Context().Err().Error())
		return
	}

	ctx:=ops.NewContext(c.Request.Context(), logWriter)
	ctx.Sandboxed=true
	promises, err:=seq.MakePromises(nil, ctx)
	if err==nil {
		_, err=ops.MaterializeAll(promises, ctx.MaxThreads, true)
	}
	if err!=nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}
	fmt.Fprintf(logWriter, "Done.\n")
}

// Flushes the response after every write, so the log streams to the client
type flushWriter struct {
	w gin.ResponseWriter
}

func (fw *flushWriter) Write(p []byte) (n int, err error) {
	n, err=fw.w.Write(p)
	fw.w.Flush()
	return n, err
}
