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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"
	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
	"github.com/mlnoga/starless/internal/config"
	"github.com/mlnoga/starless/internal/curve"
	"github.com/mlnoga/starless/internal/fits"
	"github.com/mlnoga/starless/internal/logging"
	"github.com/mlnoga/starless/internal/ops"
	"github.com/mlnoga/starless/internal/ops/starless"
	"github.com/mlnoga/starless/internal/ops/stf"
	"github.com/mlnoga/starless/internal/rest"
)

const version = "0.1.0"

var totalMiBs=memory.TotalMemory()/1024/1024

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out     = flag.String("out", "%auto", "save output to `file`. `%auto` appends _starless or _clone to the input name, %n expands to the image name, %f to the input file name without extension")
var starmap = flag.String("starmap", "%n.fits", "save the linear star map to `file` when -snStars is set, %n expands to the image name")
var clipmap = flag.String("clipmap", "", "save the map of pixels clipped by the stretch to `file` when -showClipMap is set, e.g. `%n.tif`")
var jpg     = flag.String("jpg", "", "save 8bit preview of output as JPEG to `file`, stretched with the forward table. `%auto` replaces suffix of output file with .jpg")
var log     = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")

var paramsFile    = flag.String("params", "", "load parameters from YAML `file`. Flags override loaded values")
var saveParams    = flag.String("saveParams", "", "save effective parameters to YAML `file`")
var descriptor    = flag.String("descriptor", "", "use auto-stretch descriptor from YAML `file` instead of computing one")
var saveDescriptor= flag.String("saveDescriptor", "", "save auto-stretch descriptors to YAML `file`, %n expands to the image name")
var linear        = flag.String("linear", "", "linear reference image `file` for relinear")

var addr   = flag.String("addr", ":8080", "listen on `address` when serving")
var chroot = flag.String("chroot", "", "chroot to `dir` when serving, requires root")
var setuid = flag.Int("setuid", -1, "change user ID to `uid` when serving, -1 keeps the current one")

func init() { config.RegisterFlags(flag.CommandLine, config.Default()) }

func main() {
	logWriter:=logging.Writer()
	start:=time.Now()
	flag.Usage=func(){
 	    fmt.Fprintf(logWriter, `Starless Copyright (c) 2021 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (starless|relinear|curve|params|serve|legal|version) (img0.fits ... imgn.fits | '*.fits')

Commands:
  starless Remove stars from linear images: stretch, run StarNet, unstretch
  relinear Return stretched images to linear state using the stretch of the -linear reference
  curve    Show auto-stretch descriptor, forward and inverse curve tables of images
  params   Show effective parameters as YAML
  serve    Serve the REST API
  legal    Show license and attribution information
  version  Show version information

Flags:
`, os.Args[0])
	    flag.PrintDefaults()
	}
	flag.Parse()

    args:=flag.Args()
    if len(args)<1 {
    	flag.Usage()
    	return
    }

	// Initialize logging to file in addition to stdout, if selected
	if *log=="%auto" {
		*log=""
		if (args[0]=="starless" || args[0]=="relinear") && len(args)>1 {
			o:=starless.AutoFileName(*out, args[1], autoSuffix(args[0]))
			if !strings.ContainsAny(o, "%*?[") { *log=strings.TrimSuffix(o, filepath.Ext(o))+".log" }
		}
	}
	if *log!="" { 
		if err:=logging.LogAlsoToFile(*log); err!=nil { logging.LogFatalf("Unable to open logfile '%s'\n", *log) }
	}

	// Enable CPU profiling if flagged
    if *cpuprofile != "" {
        f, err := os.Create(*cpuprofile)
        if err != nil {
            logging.LogFatalf("Could not create CPU profile: %s\n", err.Error())
        }
        defer f.Close()
        if err := pprof.StartCPUProfile(f); err != nil {
            logging.LogFatalf("Could not start CPU profile: %s\n", err.Error())
        }
        defer pprof.StopCPUProfile()
    }

	params, err:=loadParams()
	if err!=nil { logging.LogFatalf("Error: %s\n", err.Error()) }

	c:=ops.NewContext(context.Background(), logWriter)

	// run actions
    switch args[0] {
    case "starless":
    	err=cmdStarless(args[1:], params, c)

    case "relinear":
    	err=cmdReLinear(args[1:], params, c)

    case "curve":
    	err=cmdCurve(args[1:], params, c)

    case "params":
    	err=cmdParams(params, logWriter)

    case "serve":
    	if err=rest.MakeSandbox(*chroot, *setuid, logWriter); err!=nil { break }
    	fmt.Fprintf(logWriter, "Serving on %s with %d MiB memory\n", *addr, totalMiBs)
    	err=rest.NewServer(params, nil, int(totalMiBs)).Serve(*addr)

    case "legal":
    	cmdLegal()

    case "version":
    	cmdVersion(logWriter)

    case "help", "?":
    	flag.Usage()

    default:
    	logging.LogPrintf("Unknown command '%s'\n\n", args[0])
    	flag.Usage()
    	return 
    }

	elapsed:=time.Since(start)
	logging.LogPrintf("\nDone after %v\n", elapsed)

	// Store memory profile if flagged
    if *memprofile != "" {
        f, err := os.Create(*memprofile)
        if err != nil {
            logging.LogFatalf("Could not create memory profile: %s\n", err.Error())
        }
        defer f.Close()
        runtime.GC() // get up-to-date statistics
        if err := pprof.Lookup("allocs").WriteTo(f,0); err != nil {
            logging.LogFatalf("Could not write allocation profile: %s\n", err.Error())
        }
    }

    if err!=nil {
		logging.LogFatalf("Error: %s\n", err.Error())
	}
    logging.LogSync()
}

func autoSuffix(command string) string {
	if command=="relinear" { return "_clone" }
	return "_starless"
}

// Builds the effective parameters: defaults, overlaid with the parameter file
// if given, overlaid with explicitly set flags
func loadParams() (p config.Params, err error) {
	p=config.Default()
	if *paramsFile!="" {
		if p, err=config.Load(*paramsFile); err!=nil { return p, err }
	}
	if p, err=config.Overlay(p, flag.CommandLine); err!=nil { return p, err }
	return p, p.Validate()
}

// Returns the provider for the parameters and the -descriptor flag
func provider(p config.Params) (stf.Provider, error) {
	if *descriptor=="" { return stf.Select(p, nil), nil }
	s, err:=stf.LoadSidecar(*descriptor)
	if err!=nil { return nil, err }
	return stf.Select(p, s), nil
}

// Loads all images matching the file name patterns
func loadImages(patterns []string, c *ops.Context) ([]*fits.Image, error) {
	if len(patterns)==0 { return nil, starless.ErrMissingTarget }
	promises, err:=ops.NewOpLoadMany(patterns).MakePromises(nil, c)
	if err!=nil { return nil, err }
	return ops.MaterializeAll(promises, c.MaxThreads, false)
}

// Runs the per-image operator on all images matching the file name patterns, one
// image at a time. The star removal engine uses all cores by itself
func runForEach(patterns []string, perImage ops.Operator, c *ops.Context) error {
	if len(patterns)==0 { return starless.ErrMissingTarget }
	seq:=ops.NewOpSequence(ops.NewOpLoadMany(patterns), ops.NewOpForEach(perImage))
	promises, err:=seq.MakePromises(nil, c)
	if err!=nil { return err }
	_, err=ops.MaterializeAll(promises, 1, true)
	return err
}

// Returns the JPEG preview pattern. `%auto` replaces the suffix of the output pattern with .jpg
func previewPattern(jpgPattern, outPattern string) string {
	if jpgPattern!="%auto" { return jpgPattern }
	return strings.TrimSuffix(outPattern, filepath.Ext(outPattern))+".jpg"
}

func cmdStarless(patterns []string, p config.Params, c *ops.Context) error {
	prov, err:=provider(p)
	if err!=nil { return err }
	fmt.Fprintf(c.Log, "Removing stars with these parameters:\n%s\n", paramsString(p))

	outPattern:=starless.AutoPattern(*out, "_starless")
	op:=starless.NewOpLinearStarNet(p, *starmap, *clipmap)
	op.Provider, op.Preview=prov, previewPattern(*jpg, outPattern)
	perImage:=ops.NewOpSequence(op)
	if !p.OnlyTryClip { perImage.Append(ops.NewOpSave(outPattern)) }
	return runForEach(patterns, perImage, c)
}

func cmdReLinear(patterns []string, p config.Params, c *ops.Context) error {
	if len(patterns)==0 { return starless.ErrMissingTarget }
	if *linear=="" { return starless.ErrMissingLinear }
	prov, err:=provider(p)
	if err!=nil { return err }

	outPattern:=starless.AutoPattern(*out, "_clone")
	op:=starless.NewOpReLinear(p, *linear)
	op.Provider, op.Preview=prov, previewPattern(*jpg, outPattern)
	return runForEach(patterns, ops.NewOpSequence(op, ops.NewOpSave(outPattern)), c)
}

// Prints descriptor, forward and inverse table for each image
func cmdCurve(fileNames []string, p config.Params, c *ops.Context) error {
	prov, err:=provider(p)
	if err!=nil { return err }
	fs, err:=loadImages(fileNames, c)
	if err!=nil { return err }
	for _,f:=range fs {
		d, err:=prov.Descriptor(f, p.LinkedRGB)
		if err!=nil { return err }
		fwd:=curve.BuildForwardTable(d)
		fmt.Fprintf(c.Log, "%d: Auto-stretch descriptor %s\n%d: Forward table %s\n%d: Inverse table %s\n", 
			f.ID, d.String(), f.ID, fwd.String(), f.ID, curve.InvertExact(fwd).String())
		if fwd.Clips() { fmt.Fprintf(c.Log, "%d: Forward table clips, inverse is not exact\n", f.ID) }

		if *saveDescriptor!="" {
			fileName:=ops.ExpandFilePattern(*saveDescriptor, f)
			if err=stf.NewSidecar(d, p.LinkedRGB).Save(fileName); err!=nil { return err }
			fmt.Fprintf(c.Log, "%d: Saved descriptor to %s\n", f.ID, fileName)
		}
	}
	return nil
}

func cmdParams(p config.Params, logWriter io.Writer) error {
	fmt.Fprintf(logWriter, "%s", paramsString(p))
	if *saveParams=="" { return nil }
	if err:=p.Save(*saveParams); err!=nil { return err }
	fmt.Fprintf(logWriter, "Saved parameters to %s\n", *saveParams)
	return nil
}

func paramsString(p config.Params) string {
	b, err:=p.YAML()
	if err!=nil { return err.Error() }
	return string(b)
}

func cmdVersion(logWriter io.Writer) {
	logging.LogPrintln("Version", version)
	fmt.Fprintf(logWriter, "Go %s on %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(logWriter, "CPU %s with %d physical and %d logical cores, AVX2 %v\n", 
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.AVX2())
	fmt.Fprintf(logWriter, "Memory %d MiB\n", totalMiBs)
}
