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


// Package star detects stars in an image, to check how many survive star removal.
package star

import (
	"io"
	"fmt"
	"math"
	"sort"
)

// A star, as found on an image by star detection
type Star struct {
	Index int32 		// Index of the star in the data array. int32(x)+width*int32(y)
	Value float32       // Value of the star in the data array. data[index]
	X     float32       // Precise star x position via center of mass
	Y     float32       // Precise star y position via center of mass
	Mass  float32       // Star mass. Summed pixel values above location estimate, within given radius
	HFR	  float32       // Half-Flux Radius of the star, in pixels
}

// Parameters for star detection
type Params struct {
	Sigma    float32   // detection threshold in multiples of the background scale above the background location
	InOut    float32   // minimal ratio of brightness inside HFR to outside HFR
	Radius   int32     // search radius in pixels
}

// Default detection parameters
var DefaultParams=Params{Sigma:15, InOut:1.4, Radius:16}

// Prints given array of stars as CSV 
func PrintStars(w io.Writer, stars []Star) {
	fmt.Fprintln(w,"Index,Value,X,Y,Mass,HFR")
	for _,s :=range stars {
		fmt.Fprintf(w,"%d,%g,%g,%g,%g,%g\n", s.Index, s.Value, s.X, s.Y, s.Mass, s.HFR)
	}
}

// Finds stars in the given channel data, given the location and scale of the background.
// Returns the stars sorted by descending mass, and their average half-flux radius
func FindStars(data []float32, width int32, location, scale float32, p Params) (stars []Star, avgHFR float32) {
	if width<=0 || len(data)==0 { return nil, 0 }
	radius:=p.Radius

	// Begin star identification based on pixels significantly above the background
	stars=findBrightPixels(data, width, location+scale*p.Sigma, radius)

	// filter out faint stars overlapped by brighter ones
	sortByMassDesc(stars)
	stars=filterOutOverlaps(stars, width, int32(len(data))/width, radius)

	// move stars to centroid position
	shiftToCenterOfMass(stars, data, width, location+scale*p.Sigma*0.5, radius)

	// filter out faint stars again
	sortByMassDesc(stars)
	stars=filterOutOverlaps(stars, width, int32(len(data))/width, radius)

	// remove implausible stars based on HFR and mass
	stars, avgHFR=calcAndFilterHalfFluxRadius(stars, data, width, float32(radius), location, p.InOut)

	// Return a clone of the final shortlist of stars, so the longer original object can be reclaimed
	res:=make([]Star, len(stars))
	copy(res, stars)
	return res, avgHFR
}


func sortByMassDesc(stars []Star) {
	sort.Slice(stars, func(i, j int) bool { return stars[i].Mass>stars[j].Mass })
}

// Find pixels above the threshold and return them as stars. Applies early overlap rejection based on radius to reduce allocations.
// Uses central pixel value as initial mass, 1 as initial HFR.
func findBrightPixels(data []float32, width int32, threshold float32, radius int32) []Star {
	stars:=make([]Star,len(data)/100)[:0]

	for i,v :=range data {
		if v>threshold {
			is:=Star{Index:int32(i), Value:v, X:float32(int32(i) % width), Y:float32(int32(i) / width), Mass:v, HFR:1}

			// check if within radius distance of the previously detected candidate star to optimize memory usage
			if len(stars)>0 {
				oldS:=stars[len(stars)-1]
				if oldS.Y==is.Y && oldS.X>=is.X-float32(radius) {
					if oldS.Value<is.Value { 
						stars[len(stars)-1]=is  // replace old candidate with brighter new one
					}
					continue
				}
			}

			stars=append(stars, is)  // add as additional candidate
		}
	}	
	return stars
}

// A singly linked list of stars. Used for filtering out overlaps
type starListItem struct {
	Star *Star
	Next *starListItem
}

// Filters out overlaps from the stars. Uses distance and centroid mass as ordering criteria.
func filterOutOverlaps(stars []Star, width, height, radius int32) []Star {
	// To avoid quadratic search effort, we bin the stars into a 2D grid.
	// Each bin is a linked list of stars, sorted by descending mass
	binSize:=int32(256)
	xBins  :=(width +binSize-1)/binSize
	yBins  :=(height+binSize-1)/binSize
	bins   :=make([]*starListItem,int(xBins*yBins))
	slis   :=make([]starListItem,len(stars))
	radiusSquared:=radius*radius

	// For all stars, filter list in place
	numRemainingStars:=0
	forAllStars:
	for _,s:=range stars {
		// Find grid cell of this star
		xCell, yCell:=clampCell(int32(s.X+0.5)/binSize, xBins), clampCell(int32(s.Y+0.5)/binSize, yBins)

		// For this grid cell and all adjacent cells
		for dy:=int32(-1); dy<=1; dy++ {
			if yCell+dy<0 || yCell+dy>=yBins { continue }
			for dx:=int32(-1); dx<=1; dx++ {
				if xCell+dx<0 || xCell+dx>=xBins { continue }
				cellIndex:=(xCell+dx)+(yCell+dy)*xBins
				
				// For all prior stars in that cell
				for ptr:=bins[cellIndex]; ptr!=nil; ptr=ptr.Next {
					s2    :=ptr.Star
					xDist :=s.X-s2.X
					yDist :=s.Y-s2.Y
					sqDist:=int32(xDist*xDist + yDist*yDist+0.5)

					// Skip current star if it's close to a prior star
					if sqDist<=radiusSquared {
						continue forAllStars
					}
				}
			}
		}

		// Retain star for output, and prepend it to its grid cell
		stars[numRemainingStars]=s
		cellIndex:=xCell+yCell*xBins
		slis[numRemainingStars]=starListItem{&(stars[numRemainingStars]), bins[cellIndex]}
		bins[cellIndex]=&(slis[numRemainingStars])
		numRemainingStars++
	}

	// Return shortened list of stars as result
	return stars[:numRemainingStars]
}

// Centroids can drift just outside the image
func clampCell(c, bins int32) int32 {
	if c<0 { return 0 }
	if c>=bins { return bins-1 }
	return c
}

// Shifts each star to its floating point-valued center of mass. Modifies stars in place
func shiftToCenterOfMass(stars []Star, data []float32, width int32, threshold float32, radius int32) (sumOfShifts float32) {
	for i,s:=range stars {

		// until the shifts are below 0.01 pixel (i.e. 0.0001 squared error), or max rounds reached
		shiftSquared:=float32(math.MaxFloat32)
		for round:=int32(0); shiftSquared>0.0001 && round<10; round++ {
			// calculate star mass and first moments from current x,y
			xMoment, yMoment:=float32(0), float32(0)
			mass:=float32(0)
			for y:=-radius; y<=radius; y++ {
				for x:=-radius; x<=radius; x++ {
					index:=s.Index+y*width+x
					value:=float32(0)
					if index>=0 && int(index)<len(data) {
						value=data[index]-threshold
						if value<0 { value=0 }
					}
					xMoment+=float32(x)*value
					yMoment+=float32(y)*value
					mass+=value
				}
			}

			// update x and y from moments over mass
			x:=s.Index % width
			y:=s.Index / width
			if mass==0.0 { mass=1e-8 }
			deltaX:=xMoment/mass
			deltaY:=yMoment/mass
			newX:=float32(x)+deltaX
			newY:=float32(y)+deltaY

			preciseDeltaX:=newX-s.X
			preciseDeltaY:=newY-s.Y
			shiftSquared  =preciseDeltaX*preciseDeltaX + preciseDeltaY*preciseDeltaY
			index:=s.Index + width*int32(math.Round(float64(deltaY)))+int32(math.Round(float64(deltaX)))
			value:=float32(0)
			if index>=0 && int(index)<len(data) {
				value=data[index]
			} else {
				index=s.Index
			}
			s=Star{Index:index, Value:value, X:newX, Y:newY, Mass:mass}
			stars[i]=s
		}
		sumOfShifts+=float32(math.Sqrt(float64(shiftSquared)))
	}	
	return sumOfShifts
}

// Calculate the Half-Flux Radius of each star, and filters out implausible candidates
// Returns a new list of stars, each enriched with the HFR field and updated mass
// Based on the algorithm in https://en.wikipedia.org/wiki/Half_flux_diameter
func calcAndFilterHalfFluxRadius(stars []Star, data []float32, width int32, radius, location, starInOut float32) (res []Star, avgHFR float32) {
	numRemainingStars:=0

	for _,s:=range stars {
		// calculate mass, moment and HFR
		moment, mass, pixels:=float32(0), float32(0), int32(0)
		rad:=int32(math.Ceil(float64(radius)))
		distSqLimit:=int32(math.Ceil(float64(radius+1e-8)*float64(radius+1e-8)))
		for y:=-rad; y<=rad; y++ {
			for x:=-rad; x<=rad; x++ {
				distSq:=x*x+y*y
				if distSq>distSqLimit { continue }
				distance:=float32(math.Sqrt(float64(distSq)))
				value:=valueAbove(data, s.Index+y*width+x, location)
				moment  +=distance*value
				mass    +=value
				pixels++
			}
		}
		if mass==0.0 { mass=1e-8 }
		hfr:=moment/mass

		// sanity check results to avoid long lockups
		if hfr>radius { continue } 

		// calculate mass inside HFR and number of inner pixels
		innerMass, innerPixels:=float32(0), int32(0)
		innerRad:=int32(math.Ceil(float64(hfr)))
		distSqLimit=int32(math.Ceil(float64(hfr*hfr)))
		for y:=-innerRad; y<=innerRad; y++ {
			for x:=-innerRad; x<=innerRad; x++ {
				if x*x+y*y>distSqLimit { continue }
				innerMass+=valueAbove(data, s.Index+y*width+x, location)
				innerPixels++
			}
		}

		// plausibility check: is average inner brightness significantly higher than outside? 
		// equivalent to innerMass/innerPixels > starInOut*outerMass/outerPixels, without division
		outerMass  :=mass  -innerMass
		outerPixels:=pixels-innerPixels
		if innerMass*float32(outerPixels) <= starInOut*outerMass*float32(innerPixels) { continue }

		// keep star, enrich with HFR and mass information, and update average
		s.HFR=hfr
		s.Mass=mass
		stars[numRemainingStars]=s
		numRemainingStars++
		avgHFR+=hfr
	}
	if numRemainingStars>0 { avgHFR/=float32(numRemainingStars) }
	return stars[:numRemainingStars], avgHFR
}

// Returns the data value at index minus location if positive, else zero. Zero outside the data
func valueAbove(data []float32, index int32, location float32) float32 {
	if index<0 || index>=int32(len(data)) { return 0 }
	if v:=data[index]-location; v>0 { return v }
	return 0
}
