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


package qsort

// Select median of an array of float32. Partially reorders the array.
// For even lengths, returns the mean of the two middle elements.
// Array must not contain IEEE NaN
func QSelectMedianFloat32(a []float32) float32 {
	if len(a)==0 { return 0 }
	k:=(len(a)>>1)+1
	upper:=QSelectFloat32(a, k)
	if len(a)&1!=0 { return upper }

	// lower middle element is the maximum of the partition left of k
	lower:=a[0]
	for _,v:=range a[:k-1] {
		if v>lower { lower=v }
	}
	return 0.5*(lower+upper)
}

// Select kth lowest element from an array of float32, with k starting at 1.
// Partially reorders the array, such that all elements left of index k-1 are
// less or equal to the result. Array must not contain IEEE NaN
func QSelectFloat32(a []float32, k int) float32 {
	left, right:=0, len(a)-1
	for left<right {
		index:=partitionFloat32(a[left:right+1])+left

		offset:=index-left+1
		if k<=offset {
			right=index
		} else {
			left=index+1
			k=k-offset
		}
	}
	return a[left]
}

// Partitions an array of float32 with the middle pivot element (Hoare scheme), and returns the split index.
// Values left of and at the index are less or equal to the pivot, those right of it greater or equal.
func partitionFloat32(a []float32) int {
	pivot:=a[(len(a)-1)>>1]
	l, r:=-1, len(a)
	for {
		for {
			l++
			if a[l]>=pivot { break }
		}
		for {
			r--
			if a[r]<=pivot { break }
		}
		if l>=r { return r }
		a[l], a[r] = a[r], a[l]
	}
}
