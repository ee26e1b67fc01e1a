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


package flatfield

import (
	"math"

	"github.com/mlnoga/falsecolor/internal/kernel"
)

// Source index pairs and weights for linear interpolation along one axis
type axisWeights struct {
	i0, i1 []int32
	w      []float32
}

// Computes weights for zooming n coarse samples by factor, using align-corners geometry
// over the full zoomed length n*factor: output i samples source position i*(n-1)/(n*factor-1).
// Only the first out positions are computed. With a single coarse sample, the result is constant.
func linearAxis(n, factor, out int) axisWeights {
	a:=axisWeights{i0: make([]int32, out), i1: make([]int32, out), w: make([]float32, out)}
	full:=n*factor
	if n<=1 || full<=1 {
		return a
	}
	scale:=float64(n-1)/float64(full-1)
	for i:=0; i<out; i++ {
		s:=float64(i)*scale
		i0:=int(math.Floor(s))
		if i0>n-1 { i0=n-1 }
		i1:=i0+1
		if i1>n-1 { i1=n-1 }
		a.i0[i], a.i1[i], a.w[i]=int32(i0), int32(i1), float32(s-float64(i0))
	}
	return a
}

// Bilinear zoom of a coarse rows x cols plane by an integer factor, writing the top-left
// outRows x outCols of the zoomed extent into dst. Border samples repeat the nearest coarse value.
func Zoom(dst, src []float32, rows, cols, factor, outRows, outCols int) {
	ry:=linearAxis(rows, factor, outRows)
	rx:=linearAxis(cols, factor, outCols)

	kernel.ParallelFor(outRows*outCols, func(lower, upper int) {
		for i:=lower; i<upper; {
			y:=i/outCols
			x:=i-y*outCols
			end:=i+outCols-x
			if end>upper { end=upper }

			top   :=src[int(ry.i0[y])*cols:]
			bottom:=src[int(ry.i1[y])*cols:]
			wy:=ry.w[y]
			for ; i<end; i, x=i+1, x+1 {
				x0, x1, wx:=rx.i0[x], rx.i1[x], rx.w[x]
				t:=top[x0]+wx*(top[x1]-top[x0])
				b:=bottom[x0]+wx*(bottom[x1]-bottom[x0])
				dst[i]=t+wy*(b-t)
			}
		}
	})
}
