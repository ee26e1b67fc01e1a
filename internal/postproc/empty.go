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
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/mlnoga/falsecolor/internal/volume"
)

// Parameters of empty region masking
type EmptyOptions struct {
	Saturation float64 `json:"saturation"` // pixels below this HSV saturation are empty
	MinSize    int     `json:"minSize"`    // smallest empty region kept, in pixels
	HoleSize   int     `json:"holeSize"`   // holes in empty regions below this size are filled
}

func DefaultEmptyOptions() EmptyOptions {
	return EmptyOptions{Saturation: 0.05, MinSize: 150, HoleSize: 64}
}

// Finds the unstained, near-white regions of a false colored image. Returns a mask set
// where tissue is present, i.e. the complement of the cleaned up empty regions.
func MaskEmpty(img *volume.RGB, opt EmptyOptions) (*Mask, error) {
	empty:=NewMask(img.Rows, img.Cols)
	for i:=range empty.Bits {
		c:=colorful.Color{
			R: float64(img.Pix[3*i])/255,
			G: float64(img.Pix[3*i+1])/255,
			B: float64(img.Pix[3*i+2])/255,
		}
		_, s, _:=c.Hsv()
		empty.Bits[i]=s<opt.Saturation
	}

	empty, err:=RemoveSmallObjects(empty, opt.MinSize, true)
	if err!=nil { return nil, err }
	if empty, err=RemoveSmallHoles(empty, opt.HoleSize, false); err!=nil { return nil, err }
	return empty.Inverted(), nil
}
