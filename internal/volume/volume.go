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


// Package volume holds channel planes and volumes, the sources they are read
// from, and the 8-bit RGB rasters produced by false coloring.
package volume

import (
	"fmt"
)

// Extent of a volume. Axes follow the on-disk cell order [row, depth, col],
// where depth is the plane sweep axis.
type Shape struct {
	Rows  int `json:"rows"  yaml:"rows"`
	Depth int `json:"depth" yaml:"depth"`
	Cols  int `json:"cols"  yaml:"cols"`
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Rows, s.Depth, s.Cols)
}

// Number of voxels
func (s Shape) Size() int { return s.Rows*s.Depth*s.Cols }

// Returns true if all axes are non-empty
func (s Shape) Valid() bool { return s.Rows>0 && s.Depth>0 && s.Cols>0 }

// Shape of a volume where each voxel stands for a block of the given edge length,
// rounding partial blocks up
func (s Shape) Blocks(block int) Shape {
	return Shape{ceilDiv(s.Rows, block), ceilDiv(s.Depth, block), ceilDiv(s.Cols, block)}
}

// Full region of this shape
func (s Shape) Region() Region {
	return Region{0, s.Rows, 0, s.Depth, 0, s.Cols}
}

// A half-open box [Row0,Row1) x [Depth0,Depth1) x [Col0,Col1) within a volume
type Region struct {
	Row0, Row1     int
	Depth0, Depth1 int
	Col0, Col1     int
}

func (r Region) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d, %d:%d]", r.Row0, r.Row1, r.Depth0, r.Depth1, r.Col0, r.Col1)
}

// Extent of the region
func (r Region) Shape() Shape {
	return Shape{r.Row1-r.Row0, r.Depth1-r.Depth0, r.Col1-r.Col0}
}

// Region covering the single plane at depth k, rows [0,rows) and cols [0,cols)
func PlaneRegion(k, rows, cols int) Region {
	return Region{0, rows, k, k+1, 0, cols}
}

// Returns true if the region is non-empty and lies within the given shape
func (r Region) Within(s Shape) bool {
	return r.Row0>=0 && r.Row0<r.Row1 && r.Row1<=s.Rows &&
	       r.Depth0>=0 && r.Depth0<r.Depth1 && r.Depth1<=s.Depth &&
	       r.Col0>=0 && r.Col0<r.Col1 && r.Col1<=s.Cols
}

// Intersects the region with the given shape
func (r Region) Clip(s Shape) Region {
	return Region{
		maxInt(r.Row0, 0), minInt(r.Row1, s.Rows),
		maxInt(r.Depth0, 0), minInt(r.Depth1, s.Depth),
		maxInt(r.Col0, 0), minInt(r.Col1, s.Cols),
	}
}

// A 3D channel volume in [row, depth, col] order
type Volume struct {
	Shape
	Data []float32
}

// Allocates a zero volume of given shape
func NewVolume(s Shape) *Volume {
	return &Volume{Shape: s, Data: make([]float32, s.Size())}
}

// Wraps existing data as a volume, checking its length
func NewVolumeFromData(s Shape, data []float32) (*Volume, error) {
	if !s.Valid() || len(data)!=s.Size() {
		return nil, &InputShapeError{Op: "volume", Msg: fmt.Sprintf("%d values for shape %v", len(data), s)}
	}
	return &Volume{Shape: s, Data: data}, nil
}

// Linear offset of voxel (r,d,c)
func (v *Volume) Offset(r, d, c int) int { return (r*v.Depth+d)*v.Cols+c }

func (v *Volume) At(r, d, c int) float32 { return v.Data[v.Offset(r, d, c)] }

func (v *Volume) Set(r, d, c int, val float32) { v.Data[v.Offset(r, d, c)]=val }

// Copies the plane at depth d into a new row-major plane
func (v *Volume) Plane(d int) *Plane {
	p:=NewPlane(v.Rows, v.Cols)
	for r:=0; r<v.Rows; r++ {
		copy(p.Data[r*v.Cols:(r+1)*v.Cols], v.Data[v.Offset(r, d, 0):v.Offset(r, d, v.Cols)])
	}
	return p
}

// A volume is its own in-memory source
func (v *Volume) ReadRegion(r Region) (*Volume, error) {
	if !r.Within(v.Shape) {
		return nil, &InputShapeError{Op: "read", Msg: fmt.Sprintf("region %v outside volume %v", r, v.Shape)}
	}
	out:=NewVolume(r.Shape())
	n:=r.Col1-r.Col0
	for row:=r.Row0; row<r.Row1; row++ {
		for d:=r.Depth0; d<r.Depth1; d++ {
			dst:=out.Offset(row-r.Row0, d-r.Depth0, 0)
			src:=v.Offset(row, d, r.Col0)
			copy(out.Data[dst:dst+n], v.Data[src:src+n])
		}
	}
	return out, nil
}

func (v *Volume) GetShape() Shape { return v.Shape }

// A 2D channel image in row-major order
type Plane struct {
	Rows int
	Cols int
	Data []float32
}

// Allocates a zero plane
func NewPlane(rows, cols int) *Plane {
	return &Plane{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Wraps existing data as a plane, checking its length
func NewPlaneFromData(rows, cols int, data []float32) (*Plane, error) {
	if rows<=0 || cols<=0 || len(data)!=rows*cols {
		return nil, &InputShapeError{Op: "plane", Msg: fmt.Sprintf("%d values for %dx%d plane", len(data), rows, cols)}
	}
	return &Plane{Rows: rows, Cols: cols, Data: data}, nil
}

func (p *Plane) At(r, c int) float32 { return p.Data[r*p.Cols+c] }

func (p *Plane) String() string { return fmt.Sprintf("%dx%d", p.Rows, p.Cols) }

// Returns true if both planes have the same extent
func (p *Plane) SameShape(o *Plane) bool { return p.Rows==o.Rows && p.Cols==o.Cols }

// Views the plane as a volume of depth one, for estimating a flat field from a single image
func (p *Plane) AsVolume() *Volume {
	return &Volume{Shape: Shape{p.Rows, 1, p.Cols}, Data: p.Data}
}

func ceilDiv(a, b int) int { return (a+b-1)/b }

func minInt(a, b int) int {
	if a<b { return a }
	return b
}

func maxInt(a, b int) int {
	if a>b { return a }
	return b
}
