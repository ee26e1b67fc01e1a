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
	"gocv.io/x/gocv"

	"github.com/mlnoga/falsecolor/internal/median"
	"github.com/mlnoga/falsecolor/internal/volume"
)

// Parameters of nuclei segmentation
type SegmentOptions struct {
	MinSize int  `json:"minSize"` // smallest object kept, in pixels
	Opening bool `json:"opening"` // apply a binary opening to smooth outlines
	Radius  int  `json:"radius"`  // disk radius of the opening
}

func DefaultSegmentOptions() SegmentOptions {
	return SegmentOptions{MinSize: 64, Opening: false, Radius: 3}
}

// Segments nuclei in a false colored H&E image. Deconvolves the hematoxylin stain,
// median filters it, thresholds with Otsu's method, and removes objects below the
// minimum size. Returns a mask set on nuclei.
func SegmentNuclei(img *volume.RGB, opt SegmentOptions) (*Mask, error) {
	h:=Deconvolve(img).H
	filtered:=make([]float32, len(h.Data))
	median.MedianFilter3x3(filtered, h.Data, h.Cols)

	gray, err:=gocv.NewMatFromBytes(img.Rows, img.Cols, gocv.MatTypeCV8UC1, scaleToBytes(filtered))
	if err!=nil { return nil, err }
	defer gray.Close()
	bin:=gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(gray, &bin, 0, 255, gocv.ThresholdBinary+gocv.ThresholdOtsu)

	res, err:=RemoveSmallObjects(MaskFromMat(bin), opt.MinSize, true)
	if err!=nil { return nil, err }
	if opt.Opening {
		return Open(res, opt.Radius)
	}
	return res, nil
}

// Stretches data linearly to the full 8-bit range. Constant data maps to zero
func scaleToBytes(data []float32) []byte {
	res:=make([]byte, len(data))
	if len(data)==0 { return res }
	min, max:=data[0], data[0]
	for _,v:=range data {
		if v<min { min=v }
		if v>max { max=v }
	}
	if max<=min { return res }
	scale:=255/(max-min)
	for i,v:=range data {
		res[i]=uint8((v-min)*scale+0.5)
	}
	return res
}
