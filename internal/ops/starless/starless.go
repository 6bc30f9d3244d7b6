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


// Package starless removes stars from linear images by stretching them,
// running a star removal engine and unstretching the result, and returns
// stretched images to linear state.
package starless

import (
	"errors"
	"fmt"
	"github.com/mlnoga/starless/internal/config"
	"github.com/mlnoga/starless/internal/curve"
	"github.com/mlnoga/starless/internal/fits"
	"github.com/mlnoga/starless/internal/ops"
	"github.com/mlnoga/starless/internal/ops/htf"
	"github.com/mlnoga/starless/internal/ops/starnet"
	"github.com/mlnoga/starless/internal/ops/stf"
	"github.com/mlnoga/starless/internal/star"
	"github.com/mlnoga/starless/internal/stats"
)

var (
	ErrMissingTarget = errors.New("no target image selected")
	ErrMissingLinear = errors.New("missing linear reference image")
	ErrNoStarMask    = errors.New("no star mask output found after running the star removal engine")
)

// Returns an independent copy of the source image with the given name
type Duplicator func(src *fits.Image, name string) *fits.Image

func duplicate(src *fits.Image, name string) *fits.Image { return src.Duplicate(name) }

const (
	backgroundBins  =1024 // histogram bins for background peak estimates
	maxResidualStars=10   // residual stars listed in the log after removal
)

// Outcome of a run. Images which were not produced are nil
type Result struct {
	Starless   *fits.Image        // starless linear image, or re-linearized image
	StarMap    *fits.Image        // linear star mask, if requested
	ClipMap    *fits.Image        // pixels clipped by the forward table, if requested
	Forward    curve.Table        // table applied before star removal
	Inverse    curve.Table        // table applied afterwards
	Descriptor curve.Descriptor   // auto-stretch descriptor the tables derive from
	Clips      htf.ClipReport     // per channel clipping statistics of the forward table
	StarsBefore int               // stars detected in the stretched image, -1 if not checked
	StarsAfter  int               // stars detected in the stretched starless image, -1 if not checked
}

// Runs star removal and re-linearization with a fixed set of parameters and collaborators
type Runner struct {
	Params    config.Params
	Provider  stf.Provider
	Remover   starnet.Remover
	Duplicate Duplicator
}

// Creates a runner. A nil provider selects one from the parameters, a nil remover
// runs the configured executable
func NewRunner(p config.Params, provider stf.Provider, remover starnet.Remover) *Runner {
	if provider==nil { provider=stf.Select(p, nil) }
	if remover==nil  { remover=starnet.NewExecutable(p.StarNet) }
	return &Runner{Params:p, Provider:provider, Remover:remover, Duplicate:duplicate}
}

// Returns the correction for an image stretched with its own current auto-stretch
func RederiveFromCurrentStretch(p stf.Provider, f *fits.Image, linked bool) (curve.Table, error) {
	d, err:=p.Descriptor(f, linked)
	if err!=nil { return curve.IdentityTable(), err }
	return curve.Rederive(d), nil
}

// Removes stars from the linear image f. Stretches with a forward table derived from the
// auto-stretch descriptor of f, runs the star removal engine, then applies the inverse table.
// Works in place unless CopyView is set. On failure the target keeps the state of the
// last completed step
func (r *Runner) LinearStarNet(c *ops.Context, f *fits.Image) (res Result, err error) {
	res.Forward, res.Inverse=curve.IdentityTable(), curve.IdentityTable()
	res.StarsBefore, res.StarsAfter=-1, -1
	if f==nil || len(f.Data)==0 { return res, ErrMissingTarget }
	target:=f
	if r.Params.CopyView { target=r.Duplicate(f, f.Name+"_starless") }
	if target.Normalize() { fmt.Fprintf(c.Log, "%d: Normalized to [0,1], now %v\n", f.ID, target.Stats) }

	res.Descriptor, err=r.Provider.Descriptor(target, r.Params.LinkedRGB)
	if err!=nil { return res, err }
	res.Forward=curve.BuildForwardTable(res.Descriptor)
	res.Inverse=curve.InvertExact(res.Forward)
	fmt.Fprintf(c.Log, "%d: Auto-stretch descriptor %s\n", f.ID, res.Descriptor.String())

	res.Clips=htf.NewClipReport(target, res.Forward)
	fmt.Fprintf(c.Log, "%d: Forward table clips %s\n", f.ID, res.Clips.String())
	if res.Forward.Clips() {
		fmt.Fprintf(c.Log, "%d: Warning: forward table changes endpoints, clipped pixels cannot be restored\n", f.ID)
	}
	if r.Params.ShowClipMap { res.ClipMap=htf.ClipMap(target, res.Forward) }
	if r.Params.OnlyTryClip { 
		fmt.Fprintf(c.Log, "%d: Only trying clip, not running star removal\n", f.ID)
		return res, nil 
	}

	stride, err:=starnet.StrideFromInt(r.Params.Stride)
	if err!=nil { return res, err }
	if r.Remover==nil { return res, errors.New("no star removal engine") }

	logBackground(c, target, "before")

	htf.Apply(target, res.Forward, "forward", c)
	_, res.StarsBefore=detectStars(target)
	starless, mask, err:=r.Remover.Remove(c, target, stride, r.Params.SNStars)
	if err!=nil { return res, err }
	if starless==nil { return res, fmt.Errorf("%d: star removal engine returned no image", f.ID) }
	residual, numAfter:=detectStars(starless)
	res.StarsAfter=numAfter
	fmt.Fprintf(c.Log, "%d: Detected %d stars before removal and %d after\n", f.ID, res.StarsBefore, res.StarsAfter)
	if len(residual)>maxResidualStars { residual=residual[:maxResidualStars] }
	if len(residual)>0 {
		fmt.Fprintf(c.Log, "%d: Brightest residual stars:\n", f.ID)
		star.PrintStars(c.Log, residual)
	}
	if !starless.SameShape(target) {
		return res, fmt.Errorf("%d: starless image has size %s; want %s", f.ID, starless.DimensionsToString(), target.DimensionsToString())
	}
	copy(target.Data, starless.Data)
	target.UpdateStats()

	if r.Params.InverseMode==config.InverseRederive {
		if res.Inverse, err=RederiveFromCurrentStretch(r.Provider, target, r.Params.LinkedRGB); err!=nil { return res, err }
	}
	htf.Apply(target, res.Inverse, "inverse", c)
	res.Starless=target
	logBackground(c, target, "after")
	if r.Params.SNStars && mask==nil { return res, ErrNoStarMask }

	if mask!=nil {
		mask.ID=f.ID
		htf.Apply(mask, res.Inverse, "inverse", c)
		mask.Name=f.Name+"_starmap"
		res.StarMap=mask
	}
	return res, nil
}

// Returns the stretched image target to linear state, with the inverse of the forward table
// derived from the auto-stretch descriptor of the linear reference image
func (r *Runner) ReLinear(c *ops.Context, target, linear *fits.Image) (res Result, err error) {
	res.Forward, res.Inverse=curve.IdentityTable(), curve.IdentityTable()
	if target==nil || len(target.Data)==0 { return res, ErrMissingTarget }
	if linear==nil || len(linear.Data)==0 { return res, ErrMissingLinear }
	if linear.Normalize() { fmt.Fprintf(c.Log, "%d: Normalized linear reference to [0,1]\n", linear.ID) }

	res.Descriptor, err=r.Provider.Descriptor(linear, r.Params.LinkedRGB)
	if err!=nil { return res, err }
	res.Forward=curve.BuildForwardTable(res.Descriptor)
	res.Inverse=curve.Rederive(res.Descriptor)
	fmt.Fprintf(c.Log, "%d: Linear reference %d descriptor %s\n", target.ID, linear.ID, res.Descriptor.String())

	if r.Params.CopyView { target=r.Duplicate(target, target.Name+"_clone") }
	logBackground(c, target, "before")
	htf.Apply(target, res.Inverse, "inverse", c)
	logBackground(c, target, "after")
	res.Starless=target
	return res, nil
}

// Finds the stars in the first channel, sorted by descending mass. The count is -1
// for images without background noise
func detectStars(f *fits.Image) (stars []star.Star, count int) {
	s:=f.ChannelStats(0)
	scale:=s.MAD()*stats.MADToSigma
	if !(scale>0) { return nil, -1 }
	stars, _=star.FindStars(f.ChannelData(0), f.Naxisn[0], s.Median(), scale, star.DefaultParams)
	return stars, len(stars)
}

// Logs the location and width of the background peak of the first channel
func logBackground(c *ops.Context, f *fits.Image, when string) {
	mode, stdDev, err:=stats.BackgroundPeak(f.ChannelData(0), backgroundBins)
	if err!=nil { 
		fmt.Fprintf(c.Log, "%d: Background peak %s: %s\n", f.ID, when, err.Error())
		return
	}
	fmt.Fprintf(c.Log, "%d: Background peak %s: location %.6f width %.6f\n", f.ID, when, mode, stdDev)
}
