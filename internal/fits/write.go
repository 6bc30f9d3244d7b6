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
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Writes an in-memory FITS image to a file with given filename.
// Creates/overwrites the file if necessary 
func (fits *Image) WriteFile(fileName string) error {
	f, err:=os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err!=nil { return err }
	defer f.Close()

	w:=bufio.NewWriter(f)
	if err=fits.Write(w); err!=nil { return err }
	return w.Flush()
}


// Writes an in-memory FITS image to an io.Writer, as 32-bit floating point data.
func (fits *Image) Write(f io.Writer) error {
	// Build header in string buffer
	sb:=strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "FITS standard 4.0")
	writeInt(&sb, "BITPIX", -32, "32-bit floating point")
	writeInt(&sb, "NAXIS",  len(fits.Naxisn), "[1] Number of axes")
	for i:=0; i<len(fits.Naxisn); i++ {
		writeInt(&sb, fmt.Sprintf("NAXIS%d",i+1), int(fits.Naxisn[i]), "[1] Axis size")
	}
	writeFloat(&sb, "BZERO", 0, "[1] Zero offset")
	writeFloat(&sb, "BSCALE", 1, "[1] Value scaler")
	if fits.Exposure!=0 {
		writeFloat(&sb, "EXPTIME", fits.Exposure, "[s] Exposure time")
	}
	if fits.Name!="" {
		writeString(&sb, "OBJECT", fits.Name, "Image name")
	}
	for _,c:=range fits.Header.Comments {
		writeText(&sb, "COMMENT", c)
	}
	for _,h:=range fits.Header.History {
		writeText(&sb, "HISTORY", h)
	}
	writeEnd(&sb)

	// Pad current header block with spaces if necessary
	if bytesInHeaderBlock:=sb.Len() % fitsBlockSize; bytesInHeaderBlock>0 {
		sb.WriteString(strings.Repeat(" ", fitsBlockSize-bytesInHeaderBlock))
	}

	// Write header block(s)
	if _, err:=io.WriteString(f, sb.String()); err!=nil { return err }

	// Write payload data, replacing NaNs with zeros for compatibility
	if err:=writeFloat32Array(f, fits.Data, true); err!=nil { return err }

	// Pad data block with zeros if necessary
	if bytesInDataBlock:=(len(fits.Data)*4) % fitsBlockSize; bytesInDataBlock>0 {
		_, err:=f.Write(make([]byte, fitsBlockSize-bytesInDataBlock))
		return err
	}
	return nil
}


// Writes a FITS header boolean value 
func writeBool(w io.Writer, key string, value bool, comment string) {
	v:="F"
	if value { v="T" }
	writeKeyValue(w, key, fmt.Sprintf("%20s", v), comment)
}

// Writes a FITS header integer value 
func writeInt(w io.Writer, key string, value int, comment string) {
	writeKeyValue(w, key, fmt.Sprintf("%20d", value), comment)
}

// Writes a FITS header float value. Always includes a decimal point, as the reader requires one
func writeFloat(w io.Writer, key string, value float32, comment string) {
	writeKeyValue(w, key, fmt.Sprintf("%#20.8G", value), comment)
}

// Writes a FITS header string value, truncated to fit a single line
func writeString(w io.Writer, key, value, comment string) {
	value=strings.ReplaceAll(value, "'", "''")
	if len(value)>68 { value=value[:68] }
	writeKeyValue(w, key, fmt.Sprintf("'%-8s'", value), comment)
}

// Writes a key, value and comment padded to a full header line
func writeKeyValue(w io.Writer, key, value, comment string) {
	if len(key)>8 { key=key[0:8] }
	line:=fmt.Sprintf("%-8s= %s / %s", key, value, comment)
	if len(line)>HeaderLineSize { line=line[:HeaderLineSize] }
	fmt.Fprintf(w, "%-80s", line)
}

// Writes a COMMENT or HISTORY record, wrapping long text across several lines
func writeText(w io.Writer, key, text string) {
	const width=HeaderLineSize-10
	for {
		chunk:=text
		if len(chunk)>width { chunk=chunk[:width] }
		fmt.Fprintf(w, "%-8s  %-70s", key, chunk)
		text=text[len(chunk):]
		if len(text)==0 { break }
	}
}

// Writes a FITS header end record 
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", HeaderLineSize-3))
}

// Writes FITS binary body data in network byte order. 
// Optionally replaces NaNs with zeros for compatibility with other software
func writeFloat32Array(w io.Writer, data []float32, replaceNaNs bool) error {
	buf:=make([]byte,bufLen)

	for block:=0; block<len(data); block+=(bufLen>>2) {
		size:=len(data)-block
		if size>(bufLen>>2) { size=(bufLen>>2) }

		for offset:=0; offset<size; offset++ {
			d:=data[block+offset]
			if replaceNaNs && math.IsNaN(float64(d)) { d=0 }
			val:=math.Float32bits(d)
			buf[(offset<<2)+0]=byte(val>>24)
			buf[(offset<<2)+1]=byte(val>>16)
			buf[(offset<<2)+2]=byte(val>> 8)
			buf[(offset<<2)+3]=byte(val    )
		}
		_, err:=w.Write(buf[:(size<<2)])
		if err!=nil { return err }
	}
	return nil
}
