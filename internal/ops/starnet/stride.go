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


package starnet

import (
	"fmt"
	"strconv"
)

// Tile stride of the star removal engine, in pixels
type Stride int

const (
	Stride128 Stride = 128
	Stride64  Stride = 64
	Stride32  Stride = 32
	Stride16  Stride = 16
	Stride8   Stride = 8
)

// All strides in enumeration order
var Strides = []Stride{Stride128, Stride64, Stride32, Stride16, Stride8}

const DefaultStride = Stride128

// Parses a stride from its pixel count
func ParseStride(s string) (Stride, error) {
	n, err:=strconv.Atoi(s)
	if err!=nil { return 0, fmt.Errorf("invalid stride %q: %w", s, err) }
	return StrideFromInt(n)
}

// Validates a stride given as pixel count
func StrideFromInt(n int) (Stride, error) {
	for _,s:=range Strides {
		if int(s)==n { return s, nil }
	}
	return 0, fmt.Errorf("invalid stride %d; want one of %v", n, Strides)
}

// Position of the stride in the enumeration, 0 for 128 up to 4 for 8. -1 if invalid
func (s Stride) Index() int {
	for i,t:=range Strides {
		if s==t { return i }
	}
	return -1
}

func (s Stride) String() string {
	return strconv.Itoa(int(s))
}
