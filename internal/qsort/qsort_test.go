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

import (
	"testing"
	"github.com/valyala/fastrand"
)

// Returns a random permutation of 1..n
func permutation(rng *fastrand.RNG, n int) []float32 {
	arr:=make([]float32, n)
	for j:=0; j<len(arr); j++ {
		arr[j]=float32(j+1)
	}
	for j:=0; j<len(arr); j++ {
		k:=rng.Uint32n(uint32(len(arr)))
		arr[j], arr[k] = arr[k], arr[j]
	}
	return arr
}

func TestMedian(t *testing.T) {
	rng:=fastrand.RNG{}
	for i:=1; i<1000; i++ {
		arr:=permutation(&rng, i)

		// calculate expected result
		var expect float32
		if (i&1)!=0 {
			expect=float32((i+1)/2)
		} else {
			expect=0.5*(float32(i/2) + float32(i/2+1))
		}

		res:=QSelectMedianFloat32(arr)
		if res!=expect {
			t.Errorf("median(1..%d)=%f; want %f", i, res, expect)
		}
	}
}

func TestMedianWithDuplicates(t *testing.T) {
	arr:=[]float32{7, 3, 3, 9, 3, 7}
	if res:=QSelectMedianFloat32(arr); res!=5 {
		t.Errorf("median=%f; want 5", res)
	}
}

func TestSelectRank(t *testing.T) {
	rng:=fastrand.RNG{}
	for i:=1; i<200; i++ {
		for rank:=0; rank<i; rank+=7 {
			arr:=permutation(&rng, i)
			res:=QSelectRankFloat32(arr, rank)
			if res!=float32(rank+1) {
				t.Errorf("rank %d of 1..%d=%f; want %d", rank, i, res, rank+1)
			}
		}
	}
}

func TestSort(t *testing.T) {
	rng:=fastrand.RNG{}
	arr:=permutation(&rng, 513)
	QSortFloat32(arr)
	for i,v:=range arr {
		if v!=float32(i+1) {
			t.Fatalf("sorted[%d]=%f; want %d", i, v, i+1)
		}
	}
}
