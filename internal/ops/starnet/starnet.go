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


// Package starnet runs an external star removal engine on stretched images.
package starnet

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"github.com/mlnoga/starless/internal/config"
	"github.com/mlnoga/starless/internal/fits"
	"github.com/mlnoga/starless/internal/ops"
)

// Removes stars from a stretched image. Returns the starless image, and a star
// mask if requested and available. A nil mask means none was produced
type Remover interface {
	Remove(c *ops.Context, f *fits.Image, stride Stride, wantMask bool) (starless, mask *fits.Image, err error)
}

// Runs a star removal executable as `<command> <in.tif> <out.tif> <stride>`,
// exchanging uncompressed 16-bit TIFF files
type Executable struct {
	Command        string  // executable for color images
	MonoCommand    string  // executable for monochrome images
	WorkDir        string  // directory for exchanged files, temporary if empty
	MaskBase       string  // base name of star mask files the engine writes into the work directory
	SynthesizeMask bool    // derive the mask as input minus starless if the engine writes none
	MaskMedian     bool    // denoise synthesized masks with a 3x3 median
	Keep           bool    // keep exchanged files
}

var _ Remover = (*Executable)(nil)

// Creates an executable remover from the configured settings
func NewExecutable(s config.StarNet) *Executable {
	return &Executable{
		Command:        s.Command,
		MonoCommand:    s.MonoCommand,
		WorkDir:        s.WorkDir,
		MaskBase:       s.MaskBase,
		SynthesizeMask: s.SynthesizeMask,
		MaskMedian:     s.MaskMedian,
		Keep:           s.Keep,
	}
}

// Highest numeric suffix checked when looking for mask files
const maxMaskSuffix=99

func (e *Executable) Remove(c *ops.Context, f *fits.Image, stride Stride, wantMask bool) (starless, mask *fits.Image, err error) {
	if stride.Index()<0 { return nil, nil, fmt.Errorf("%d: invalid stride %d", f.ID, int(stride)) }
	command:=e.Command
	if f.Channels()==1 && e.MonoCommand!="" { command=e.MonoCommand }
	if command=="" { return nil, nil, fmt.Errorf("%d: no star removal executable configured", f.ID) }

	dir, cleanup, err:=e.workDir()
	if err!=nil { return nil, nil, fmt.Errorf("%d: %w", f.ID, err) }
	defer cleanup()

	base:=fmt.Sprintf("starless_%d_%d", os.Getpid(), f.ID)
	inName, outName:=filepath.Join(dir, base+"_in.tif"), filepath.Join(dir, base+"_out.tif")
	if err=f.WriteTIFF16ToFile(inName, 0, 1, false); err!=nil { 
		return nil, nil, fmt.Errorf("%d: writing engine input: %w", f.ID, err) 
	}
	if !e.Keep {
		defer os.Remove(inName)
		defer os.Remove(outName)
	}

	start:=time.Now().Add(-time.Second) // allow for coarse file system timestamps
	fmt.Fprintf(c.Log, "%d: Running %s with stride %s on %s pixels\n", f.ID, command, stride, f.DimensionsToString())
	if err=e.run(c, f.ID, command, inName, outName, stride); err!=nil { return nil, nil, err }

	if starless, err=readEngineTIFF(outName, f); err!=nil { return nil, nil, err }
	fmt.Fprintf(c.Log, "%d: Starless result has %v\n", f.ID, starless.Stats)

	if !wantMask { return starless, nil, nil }

	if maskName:=FindMask(dir, e.MaskBase, start); maskName!="" {
		if mask, err=readEngineTIFF(maskName, f); err!=nil { return nil, nil, err }
		if !e.Keep { os.Remove(maskName) }
		fmt.Fprintf(c.Log, "%d: Found star mask %s\n", f.ID, maskName)
	} else if e.SynthesizeMask {
		if mask, err=fits.Subtract(f, starless, 0); err!=nil { return nil, nil, err }
		if e.MaskMedian { mask.ApplyMedian3x3() }
		fmt.Fprintf(c.Log, "%d: Synthesized star mask as input minus starless\n", f.ID)
	}
	if mask!=nil { mask.Name=f.Name+"_mask" }
	return starless, mask, nil
}

// Returns the work directory and a function to clean it up
func (e *Executable) workDir() (dir string, cleanup func(), err error) {
	if e.WorkDir!="" {
		if err=os.MkdirAll(e.WorkDir, 0755); err!=nil { return "", nil, err }
		return e.WorkDir, func() {}, nil
	}
	dir, err=os.MkdirTemp("", "starless-")
	if err!=nil { return "", nil, err }
	if e.Keep { return dir, func() {}, nil }
	return dir, func() { os.RemoveAll(dir) }, nil
}

// Runs the engine, logging its output line by line. Cancelled through the context
func (e *Executable) run(c *ops.Context, id int, command, inName, outName string, stride Stride) error {
	dir:=""
	if strings.ContainsRune(command, os.PathSeparator) {
		abs, err:=filepath.Abs(command)
		if err!=nil { return fmt.Errorf("%d: %w", id, err) }
		command, dir=abs, filepath.Dir(abs) // engines load their weights from the working directory
	}
	cmd:=exec.CommandContext(c.Ctx, command, inName, outName, stride.String())
	cmd.Dir=dir
	pr, pw:=io.Pipe()
	cmd.Stdout, cmd.Stderr=pw, pw

	if err:=cmd.Start(); err!=nil {
		return fmt.Errorf("%d: starting %s: %w", id, command, err)
	}
	done:=make(chan struct{})
	go func() {
		defer close(done)
		sc:=bufio.NewScanner(pr)
		for sc.Scan() {
			fmt.Fprintf(c.Log, "%d: starnet: %s\n", id, sc.Text())
		}
		io.Copy(io.Discard, pr) // drain over-long lines
	}()
	err:=cmd.Wait()
	pw.Close()
	<-done
	if err!=nil { return fmt.Errorf("%d: running %s: %w", id, command, err) }
	return nil
}

// Reads a TIFF written by the engine, checking it matches the shape of the reference
func readEngineTIFF(fileName string, ref *fits.Image) (*fits.Image, error) {
	file, err:=os.Open(fileName)
	if err!=nil { return nil, fmt.Errorf("%d: engine output: %w", ref.ID, err) }
	defer file.Close()

	res:=fits.NewImage()
	if err=res.ReadTIFF(file); err!=nil { return nil, fmt.Errorf("%d: reading %s: %w", ref.ID, fileName, err) }
	if !res.SameShape(ref) {
		return nil, fmt.Errorf("%d: engine output %s has size %s; want %s", 
			ref.ID, fileName, res.DimensionsToString(), ref.DimensionsToString())
	}
	res.ID, res.Name, res.FileName=ref.ID, ref.Name, ""
	res.Header, res.Exposure=ref.Header.Clone(), ref.Exposure
	res.Bitpix=-32
	return res, nil
}

// Finds the most recent star mask in dir following the naming convention
// <base>.tif, <base>1.tif ... <base>99.tif, probing the highest suffix first.
// Files older than since are ignored. Returns "" if none is found
func FindMask(dir, base string, since time.Time) string {
	if base=="" { return "" }
	for n:=maxMaskSuffix; n>=0; n-- {
		name:=base+".tif"
		if n>0 { name=fmt.Sprintf("%s%d.tif", base, n) }
		p:=filepath.Join(dir, name)
		if st, err:=os.Stat(p); err==nil && !st.IsDir() && !st.ModTime().Before(since) {
			return p
		}
	}
	return ""
}


// Removes stars with a remover. Takes one input, produces one output
type OpStarNet struct {
	ops.OpUnaryBase
	Stride   Stride    `json:"stride"`
	Remover  Remover   `json:"-"`
}

var _ ops.Operator = (*OpStarNet)(nil) // this type is an Operator
func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpStarNetDefault() })} // register the operator for JSON decoding

func NewOpStarNetDefault() *OpStarNet { 
	return NewOpStarNet(NewExecutable(config.Default().StarNet), DefaultStride) 
}

func NewOpStarNet(r Remover, stride Stride) *OpStarNet {
	op:=OpStarNet{
	  	OpUnaryBase : ops.OpUnaryBase{OpBase : ops.OpBase{Type: "starnet", Active: r!=nil}},
	  	Stride      : stride,
	  	Remover     : r,
  	}
	op.OpUnaryBase.Apply=op.Apply // assign class method to superclass abstract method
	return &op	
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpStarNet) UnmarshalJSON(data []byte) error {
	type defaults OpStarNet
	def:=defaults( *NewOpStarNetDefault() )
	err:=json.Unmarshal(data, &def)
	if err!=nil { return err }
	*op=OpStarNet(def)
	op.OpUnaryBase.Apply=op.Apply
	return nil
}

func (op *OpStarNet) Apply(f *fits.Image, c *ops.Context) (result *fits.Image, err error) {
	if !op.Active { return f, nil }
	if op.Remover==nil { return nil, errors.New("starnet operator without remover") }
	starless, _, err:=op.Remover.Remove(c, f, op.Stride, false)
	return starless, err
}
