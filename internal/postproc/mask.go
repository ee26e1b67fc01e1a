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


// Package postproc holds post-processing for false colored images: color deconvolution,
// nuclei segmentation, empty region masking and sharpening.
package postproc

import (
	"fmt"

	"github.com/mlnoga/falsecolor/internal/volume"
)

// A binary mask of image extent
type Mask struct {
	Rows int
	Cols int
	Bits []bool
}

func NewMask(rows, cols int) *Mask {
	return &Mask{Rows: rows, Cols: cols, Bits: make([]bool, rows*cols)}
}

func (m *Mask) String() string {
	return fmt.Sprintf("%dx%d mask with %d set", m.Rows, m.Cols, m.Count())
}

// Number of set pixels
func (m *Mask) Count() int {
	n:=0
	for _,b:=range m.Bits {
		if b { n++ }
	}
	return n
}

// Returns an inverted copy
func (m *Mask) Inverted() *Mask {
	res:=NewMask(m.Rows, m.Cols)
	for i,b:=range m.Bits { res.Bits[i]=!b }
	return res
}

// Sets pixels of the image to black where the mask is not set
func (m *Mask) ApplyTo(img *volume.RGB) error {
	if img.Rows!=m.Rows || img.Cols!=m.Cols {
		return volume.ShapeErrorf("apply mask", "mask %dx%d, image %dx%d", m.Rows, m.Cols, img.Rows, img.Cols)
	}
	for i,b:=range m.Bits {
		if !b { img.Pix[3*i], img.Pix[3*i+1], img.Pix[3*i+2]=0, 0, 0 }
	}
	return nil
}

// Renders the mask as an RGB image, white where set
func (m *Mask) RGB(id int) *volume.RGB {
	res:=volume.NewRGB(id, m.Rows, m.Cols)
	for i,b:=range m.Bits {
		if b { res.Pix[3*i], res.Pix[3*i+1], res.Pix[3*i+2]=255, 255, 255 }
	}
	return res
}
