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


package postproc

import (
	"math"

	"github.com/mlnoga/falsecolor/internal/kernel"
	"github.com/mlnoga/falsecolor/internal/volume"
)

// Edge kernels for horizontal and vertical gradients
var (
	hKernel=[3][3]float32{{1, 1, 1}, {0, 0, 0}, {-1, -1, -1}}
	vKernel=[3][3]float32{{1, 0, -1}, {1, 0, -1}, {1, 0, -1}}
)

// Convolves data with a 3x3 kernel, treating pixels outside the image as zero
func convolve3x3(dst, data []float32, rows, cols int, k *[3][3]float32) {
	kernel.ParallelFor(rows*cols, func(lower, upper int) {
		for i:=lower; i<upper; i++ {
			row, col:=i/cols, i%cols
			sum:=float32(0)
			for ki:=0; ki<3; ki++ {
				r:=row-ki+1
				if r<0 || r>=rows { continue }
				for kj:=0; kj<3; kj++ {
					c:=col-kj+1
					if c<0 || c>=cols { continue }
					sum+=k[ki][kj]*data[r*cols+c]
				}
			}
			dst[i]=sum
		}
	})
}

// Amplifies edges: returns src + alpha * gradient magnitude
func Sharpen(src *volume.Plane, alpha float32) *volume.Plane {
	h:=make([]float32, len(src.Data))
	v:=make([]float32, len(src.Data))
	convolve3x3(h, src.Data, src.Rows, src.Cols, &hKernel)
	convolve3x3(v, src.Data, src.Rows, src.Cols, &vKernel)

	res:=volume.NewPlane(src.Rows, src.Cols)
	for i,s:=range src.Data {
		res.Data[i]=s+alpha*float32(math.Sqrt(float64(h[i]*h[i]+v[i]*v[i])))
	}
	return res
}

// Sharpens each channel of an RGB image, saturating at 255
func SharpenRGB(img *volume.RGB, alpha float32) *volume.RGB {
	res:=volume.NewRGB(img.ID, img.Rows, img.Cols)
	ch:=volume.NewPlane(img.Rows, img.Cols)
	for c:=0; c<3; c++ {
		for i:=range ch.Data { ch.Data[i]=float32(img.Pix[3*i+c]) }
		sh:=Sharpen(ch, alpha)
		for i,v:=range sh.Data { res.Pix[3*i+c]=kernel.ClampToByte(float64(v)) }
	}
	return res
}
