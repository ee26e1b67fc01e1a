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
	"github.com/mlnoga/falsecolor/internal/volume"
)

// Interpolates a flat-field grid to full resolution for individual planes.
// Caches the upsampled bracketing tile slices, so consecutive planes only pay for
// the depth interpolation. Not safe for concurrent use; give each worker its own.
type Interpolator struct {
	Grid  *Grid
	rows  int                // raw extent of the cached slices
	cols  int
	cache map[int][]float32  // upsampled tile slices by depth tile index
}

func NewInterpolator(g *Grid) *Interpolator {
	return &Interpolator{Grid: g, cache: make(map[int][]float32)}
}

// Determines the depth tiles bracketing raw plane k, and the weight t of the upper one.
// Planes in the last tile and in the first half tile use a single slice.
func (ip *Interpolator) Bracket(k int) (x0, x1 int, t float64) {
	g:=ip.Grid
	ts:=g.TileSize
	if k>=(g.DepthTiles-1)*ts {
		return g.DepthTiles-1, g.DepthTiles-1, 0
	}
	if k<ts/2 {
		return 0, 0, 0
	}
	x:=float64(k)/float64(ts)
	f0, f1:=math.Floor(x), math.Ceil(x)
	if f0==f1 {
		return int(f0), int(f0), 0
	}
	return int(f0), int(f1), (x-f0)/(f1-f0)
}

// Checks that a raw plane extent divides into whole tiles. Partial tiles would
// need the field cropped or padded, so they are rejected.
func CheckExtent(rows, cols, tileSize int) error {
	if rows<=0 || cols<=0 {
		return volume.ShapeErrorf("flat field", "empty plane %dx%d", rows, cols)
	}
	if tileSize<=0 || rows%tileSize!=0 || cols%tileSize!=0 {
		return volume.ShapeErrorf("flat field", "plane %dx%d does not divide into tiles of %d", rows, cols, tileSize)
	}
	return nil
}

// Checks that a raw plane of the given extent matches the upsampled grid extent exactly
func (ip *Interpolator) CheckPlane(rows, cols int) error {
	g:=ip.Grid
	if err:=CheckExtent(rows, cols, g.TileSize); err!=nil { return err }
	if gr, gc:=g.RowTiles*g.TileSize, g.ColTiles*g.TileSize; rows!=gr || cols!=gc {
		return volume.ShapeErrorf("interpolate", "plane %dx%d does not match grid extent %dx%d", rows, cols, gr, gc)
	}
	return nil
}

// Writes the flat field for raw plane k with extent rows x cols into dst
func (ip *Interpolator) FieldInto(dst []float32, k, rows, cols int) error {
	if err:=ip.CheckPlane(rows, cols); err!=nil { return err }
	if k<0 {
		return volume.ShapeErrorf("interpolate", "negative plane index %d", k)
	}
	if len(dst)!=rows*cols {
		return volume.ShapeErrorf("interpolate", "buffer of %d for %dx%d plane", len(dst), rows, cols)
	}
	if rows!=ip.rows || cols!=ip.cols {
		ip.cache=make(map[int][]float32)
		ip.rows, ip.cols=rows, cols
	}

	x0, x1, t:=ip.Bracket(k)
	for d:=range ip.cache {
		if d!=x0 && d!=x1 { delete(ip.cache, d) }
	}
	s0:=ip.upsampled(x0)
	if x0==x1 {
		copy(dst, s0)
		return nil
	}
	s1:=ip.upsampled(x1)

	tf:=float32(t)
	kernel.ParallelFor(len(dst), func(lower, upper int) {
		for i:=lower; i<upper; i++ {
			dst[i]=s0[i]+tf*(s1[i]-s0[i])
		}
	})
	return nil
}

// Returns the flat field for raw plane k with extent rows x cols
func (ip *Interpolator) Field(k, rows, cols int) (*volume.Plane, error) {
	p:=volume.NewPlane(rows, cols)
	if err:=ip.FieldInto(p.Data, k, rows, cols); err!=nil { return nil, err }
	return p, nil
}

// Returns the upsampled tile slice d on the current raw extent, computing it if needed
func (ip *Interpolator) upsampled(d int) []float32 {
	if s, ok:=ip.cache[d]; ok {
		return s
	}
	g:=ip.Grid
	coarse:=g.Slice(d)
	s:=make([]float32, ip.rows*ip.cols)
	Zoom(s, coarse.Data, g.RowTiles, g.ColTiles, g.TileSize, ip.rows, ip.cols)
	ip.cache[d]=s
	return s
}
