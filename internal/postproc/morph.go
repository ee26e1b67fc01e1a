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
	"image"

	"gocv.io/x/gocv"
)

// Column of the component area in the statistics of gocv.ConnectedComponentsWithStats
const ccStatArea=4

// Converts a mask to an 8-bit single channel Mat, 255 where set. Caller closes the Mat
func (m *Mask) Mat() (gocv.Mat, error) {
	data:=make([]byte, len(m.Bits))
	for i,b:=range m.Bits {
		if b { data[i]=255 }
	}
	return gocv.NewMatFromBytes(m.Rows, m.Cols, gocv.MatTypeCV8UC1, data)
}

// Converts an 8-bit single channel Mat to a mask, set where non-zero
func MaskFromMat(mat gocv.Mat) *Mask {
	m:=NewMask(mat.Rows(), mat.Cols())
	for i,v:=range mat.ToBytes() {
		m.Bits[i]=v!=0
	}
	return m
}

// Labels connected components of set pixels with 4- or 8-connectivity.
// Returns one label per pixel, 0 for background, and the pixel count per label.
// sizes[0] is unused.
func Label(m *Mask, conn8 bool) (labels []int32, sizes []int, err error) {
	src, err:=m.Mat()
	if err!=nil { return nil, nil, err }
	defer src.Close()

	lab, st, centroids:=gocv.NewMat(), gocv.NewMat(), gocv.NewMat()
	defer lab.Close()
	defer st.Close()
	defer centroids.Close()
	conn:=4
	if conn8 { conn=8 }
	gocv.ConnectedComponentsWithStatsWithParams(src, &lab, &st, &centroids, conn, gocv.MatTypeCV32S, gocv.CCL_DEFAULT)

	sizes=make([]int, st.Rows())
	for l:=1; l<len(sizes); l++ {
		sizes[l]=int(st.GetIntAt(l, ccStatArea))
	}
	labels=make([]int32, len(m.Bits))
	for y:=0; y<m.Rows; y++ {
		for x:=0; x<m.Cols; x++ {
			labels[y*m.Cols+x]=lab.GetIntAt(y, x)
		}
	}
	return labels, sizes, nil
}

// Returns a copy of the mask without connected components smaller than minSize pixels
func RemoveSmallObjects(m *Mask, minSize int, conn8 bool) (*Mask, error) {
	labels, sizes, err:=Label(m, conn8)
	if err!=nil { return nil, err }
	res:=NewMask(m.Rows, m.Cols)
	for i,l:=range labels {
		res.Bits[i]=l!=0 && sizes[l]>=minSize
	}
	return res, nil
}

// Returns a copy of the mask with holes smaller than minSize pixels filled.
// Holes are connected components of unset pixels, including those touching the border.
func RemoveSmallHoles(m *Mask, minSize int, conn8 bool) (*Mask, error) {
	res, err:=RemoveSmallObjects(m.Inverted(), minSize, conn8)
	if err!=nil { return nil, err }
	return res.Inverted(), nil
}

// Binary opening with an elliptic structuring element of the given radius.
// Pixels outside the image do not erode objects touching the border.
func Open(m *Mask, radius int) (*Mask, error) {
	src, err:=m.Mat()
	if err!=nil { return nil, err }
	defer src.Close()

	kernel:=gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 2*radius+1, Y: 2*radius+1})
	defer kernel.Close()
	opened:=gocv.NewMat()
	defer opened.Close()
	gocv.MorphologyEx(src, &opened, gocv.MorphOpen, kernel)
	return MaskFromMat(opened), nil
}
