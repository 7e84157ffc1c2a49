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

// Package qsort selects order statistics from float32 slices in place.
package qsort

// Partitions an array of float32 with the middle pivot element, and returns the pivot index.
// Values less than the pivot are moved left of the pivot, those greater are moved right.
// Array must not contain IEEE NaN
func QPartitionFloat32(a []float32) int {
	left, right := 0, len(a)-1
	pivot := a[(left+right)>>1]
	l, r := left-1, right+1
	for {
		for {
			l++
			if a[l] >= pivot {
				break
			}
		}
		for {
			r--
			if a[r] <= pivot {
				break
			}
		}
		if l >= r {
			return r
		}
		a[l], a[r] = a[r], a[l]
	}
}

// Select kth lowest element from an array of float32, counting from 1. Partially reorders the array.
// Array must not contain IEEE NaN
func QSelectFloat32(a []float32, k int) float32 {
	left, right := 0, len(a)-1
	for left < right {
		index := left + QPartitionFloat32(a[left:right+1])
		offset := index - left + 1
		if k <= offset {
			right = index
		} else {
			left = index + 1
			k -= offset
		}
	}
	return a[left]
}

// Select median of an array of float32, the upper one for even lengths. Partially reorders the array.
// Array must not contain IEEE NaN
func QSelectMedianFloat32(a []float32) float32 {
	return QSelectFloat32(a, (len(a)>>1)+1)
}

// Select the given percentile in [0,100] of an array of float32 by nearest rank.
// Partially reorders the array. Array must not contain IEEE NaN
func QSelectPercentileFloat32(a []float32, p float64) float32 {
	k := int(p/100*float64(len(a)) + 0.5)
	if k < 1 {
		k = 1
	} else if k > len(a) {
		k = len(a)
	}
	return QSelectFloat32(a, k)
}
