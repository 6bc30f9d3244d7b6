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
	"io"
	"math"
	"os"
	"github.com/mlnoga/starless/internal/stats"
	"golang.org/x/image/tiff"
)

// Write a FITS image to 16-bit TIFF, mapping [min,max] to the full range. Writes RGB
// for images with three or more channels, grayscale otherwise. Deflate compression is
// optional, as some consumers only read uncompressed files
func (f *Image) WriteTIFF16ToFile(fileName string, min, max float32, compress bool) error {
	file, err:=os.Create(fileName)
	if err!=nil { return err }
	defer file.Close()

	writer:=bufio.NewWriter(file)
	if err = f.WriteTIFF16(writer, min, max, compress); err!=nil { return err }
	return writer.Flush()
}

// Write a FITS image to 16-bit TIFF, mapping [min,max] to the full range
func (f *Image) WriteTIFF16(writer io.Writer, min, max float32, compress bool) error {
	if len(f.Naxisn)<2 { return errors.New("cannot write TIFF for image with less than two axes") }
	width, height:=int(f.Naxisn[0]), int(f.Naxisn[1])
	rect:=image.Rectangle{image.Point{0, 0}, image.Point{width, height}}
	scale:=1.0 / (max - min)

	var img image.Image
	if f.Channels()>=3 {
		rgb:=image.NewRGBA64(rect)
		rs, gs, bs:=f.ChannelData(0), f.ChannelData(1), f.ChannelData(2)
		for y:=0; y<height; y++ {
			yoffset:=y * width
			for x:=0; x<width; x++ {
				i:=yoffset + x
				rgb.SetRGBA64(x, y, color.RGBA64{to16((rs[i] - min) * scale), to16((gs[i] - min) * scale), to16((bs[i] - min) * scale), 65535})
			}
		}
		img=rgb
	} else {
		gray:=image.NewGray16(rect)
		data:=f.ChannelData(0)
		for y:=0; y<height; y++ {
			yoffset:=y * width
			for x:=0; x<width; x++ {
				gray.SetGray16(x, y, color.Gray16{to16((data[yoffset+x] - min) * scale)})
			}
		}
		img=gray
	}

	opts:=&tiff.Options{Compression: tiff.Uncompressed, Predictor: false}
	if compress {
		opts=&tiff.Options{Compression: tiff.Deflate, Predictor: true}
	}
	return tiff.Encode(writer, img, opts)
}

// Converts a normalized value to 16 bits, replacing NaNs with zeros and clamping to [0,1]
func to16(v float32) uint16 {
	if math.IsNaN(float64(v)) || v<0 { return 0 }
	if v>1 { return 65535 }
	return uint16(v*65535 + 0.5)
}

// Read a color or grayscale TIFF image into a FITS image. Values are normalized to [0,1]
func (f *Image) ReadTIFF(r io.Reader) error {
	t, err:=tiff.Decode(bufio.NewReader(r))
	if err!=nil { return err }

	// determine width, height, color depth and number of color channels
	width, height:=t.Bounds().Dx(), t.Bounds().Dy()
	minX, minY:=t.Bounds().Min.X, t.Bounds().Min.Y
	bitpix, channels:=colorModelToBitpixAndChannels(t.ColorModel())
	if channels==0 {
		bitpix, channels=16, 3 // convert anything else through RGBA64
	}

	// set FITS metadata
	f.Bitpix=bitpix
	f.Naxisn=[]int32{int32(width), int32(height), channels}
	if channels==1 {
		f.Naxisn=f.Naxisn[:2]
	}
	f.Pixels=int32(width) * int32(height) * channels
	f.Bzero, f.Bscale=0, 1
	f.Data=make([]float32, f.Pixels)

	const norm = 1.0 / 65535
	size:=width * height
	for y:=0; y<height; y++ {
		for x:=0; x<width; x++ {
			i:=y*width + x
			if channels==1 {
				g:=color.Gray16Model.Convert(t.At(minX+x, minY+y)).(color.Gray16)
				f.Data[i]=float32(g.Y) * norm
			} else {
				c:=color.RGBA64Model.Convert(t.At(minX+x, minY+y)).(color.RGBA64)
				f.Data[i]=float32(c.R) * norm
				f.Data[i+size] = float32(c.G) * norm
				f.Data[i+2*size] = float32(c.B) * norm
			}
		}
	}

	f.Stats=stats.NewStats(f.Data, f.Naxisn[0])
	return nil
}

func colorModelToBitpixAndChannels(m color.Model) (bitpix, channels int32) {
	switch m {
	case color.RGBAModel, color.NRGBAModel:
		return 8, 3
	case color.RGBA64Model, color.NRGBA64Model:
		return 16, 3
	case color.AlphaModel, color.GrayModel:
		return 8, 1
	case color.Alpha16Model, color.Gray16Model:
		return 16, 1
	default:
		return 0, 0
	}
}
