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

package fits

import (
	"bufio"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"
	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/mlnoga/starless/internal/curve"
)

// Write a normalized FITS image to JPG. If a curve table is given, it is applied to the
// preview only, leaving the image unchanged. Linear images are best previewed with the
// forward table of their stretch
func (f *Image) WriteJPGToFile(fileName string, t *curve.Table, quality int) error {
	file, err:=os.Create(fileName)
	if err!=nil { return err }
	defer file.Close()

	writer:=bufio.NewWriter(file)
	if err=f.WriteJPG(writer, t, quality); err!=nil { return err }
	return writer.Flush()
}

// Write a normalized FITS image to JPG, optionally applying a curve table to the preview
func (f *Image) WriteJPG(writer io.Writer, t *curve.Table, quality int) error {
	if len(f.Naxisn)<2 { return errors.New("cannot write JPG for image with less than two axes") }
	width, height:=int(f.Naxisn[0]), int(f.Naxisn[1])
	rect:=image.Rectangle{image.Point{0,0}, image.Point{width, height}}

	mono:=f.Channels()<3
	chans:=[3][]float32{}
	for ch:=range chans {
		if mono { chans[ch]=f.ChannelData(0) } else { chans[ch]=f.ChannelData(ch) }
	}

	img:=image.NewRGBA(rect)
	for y:=0; y<height; y++ {
		yoffset:=y*width
		for x:=0; x<width; x++ {
			i:=yoffset+x
			var c colorful.Color
			c.R=previewValue(t, 0, chans[0][i])
			if mono {
				c.G, c.B=c.R, c.R
			} else {
				c.G=previewValue(t, 1, chans[1][i])
				c.B=previewValue(t, 2, chans[2][i])
			}
			r, g, b:=c.Clamped().RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}

	return jpeg.Encode(writer, img, &jpeg.Options{Quality:quality})
}

// Returns the preview value of channel ch, replacing NaNs with zeros
func previewValue(t *curve.Table, ch int, v float32) float64 {
	x:=float64(v)
	if math.IsNaN(x) { return 0 }
	if t!=nil { x=t.TransformChannel(ch, x) }
	return x
}
