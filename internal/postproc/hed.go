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

	"gonum.org/v1/gonum/mat"

	"github.com/mlnoga/falsecolor/internal/kernel"
	"github.com/mlnoga/falsecolor/internal/volume"
)

// Optical density of hematoxylin, eosin and DAB stains in R, G, B, one stain per row
var RGBFromHED=[3][3]float64{
	{0.65, 0.70, 0.29},
	{0.07, 0.99, 0.11},
	{0.27, 0.57, 0.78},
}

// Inverse of RGBFromHED
var hedFromRGB=invertStainMatrix(RGBFromHED)

// Floor for normalized intensities before taking logarithms
const minIntensity=1e-6

func invertStainMatrix(m [3][3]float64) (inv [3][3]float64) {
	d:=mat.NewDense(3, 3, nil)
	for i:=0; i<3; i++ {
		for j:=0; j<3; j++ { d.Set(i, j, m[i][j]) }
	}
	var id mat.Dense
	if err:=id.Inverse(d); err!=nil {
		panic(err)
	}
	for i:=0; i<3; i++ {
		for j:=0; j<3; j++ { inv[i][j]=id.At(i, j) }
	}
	return inv
}

// Stain concentrations separated from an RGB image
type Stains struct {
	H *volume.Plane // hematoxylin, nuclear stain
	E *volume.Plane // eosin, cytoplasmic stain
	D *volume.Plane // DAB
}

// Separates hematoxylin, eosin and DAB stains by color deconvolution.
// Intensities are normalized to [1e-6, 1], converted to optical density relative
// to the floor, and projected onto the inverse stain matrix. Negative results are clipped to 0.
func Deconvolve(img *volume.RGB) *Stains {
	n:=img.Rows*img.Cols
	st:=&Stains{
		H: volume.NewPlane(img.Rows, img.Cols),
		E: volume.NewPlane(img.Rows, img.Cols),
		D: volume.NewPlane(img.Rows, img.Cols),
	}
	logFloor:=math.Log(minIntensity)

	// optical density of each 8-bit value
	var od [256]float64
	for v:=range od {
		f:=float64(v)/255
		if f<minIntensity { f=minIntensity }
		od[v]=math.Log(f)/logFloor
	}

	kernel.ParallelFor(n, func(lower, upper int) {
		for i:=lower; i<upper; i++ {
			r, g, b:=od[img.Pix[3*i]], od[img.Pix[3*i+1]], od[img.Pix[3*i+2]]
			for j, dst:=range [3][]float32{st.H.Data, st.E.Data, st.D.Data} {
				s:=r*hedFromRGB[0][j] + g*hedFromRGB[1][j] + b*hedFromRGB[2][j]
				if s<0 { s=0 }
				dst[i]=float32(s)
			}
		}
	})
	return st
}
