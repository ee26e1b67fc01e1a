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


package volume

import (
	"fmt"
)

// A coarse view of a full-resolution source where each voxel is the mean of a
// Block x Block x Block cube. Edge blocks average only the voxels present.
// Stands in for a pre-downsampled pyramid level when a dataset has none.
type BlockMeanSource struct {
	Src   Source
	Block int
}

func NewBlockMeanSource(src Source, block int) (*BlockMeanSource, error) {
	if block<1 {
		return nil, ShapeErrorf("block mean", "block size %d", block)
	}
	return &BlockMeanSource{Src: src, Block: block}, nil
}

func (b *BlockMeanSource) GetShape() Shape { return b.Src.GetShape().Blocks(b.Block) }

func (b *BlockMeanSource) String() string {
	return fmt.Sprintf("block mean %d of %v", b.Block, b.Src)
}

// Reads the given region in block coordinates. Reads one slab of blocks along
// the depth axis at a time, bounding memory to Block full-resolution planes of the region.
func (b *BlockMeanSource) ReadRegion(r Region) (*Volume, error) {
	s:=b.GetShape()
	if !r.Within(s) {
		return nil, ShapeErrorf("block mean", "region %v outside volume %v", r, s)
	}
	full:=b.Src.GetShape()
	out:=NewVolume(r.Shape())
	sums  :=make([]float64, out.Rows*out.Cols) // float32 loses integer precision beyond 2^24
	counts:=make([]int32,   out.Rows*out.Cols)

	for d:=r.Depth0; d<r.Depth1; d++ {
		fr:=Region{
			r.Row0*b.Block, r.Row1*b.Block,
			d*b.Block, (d+1)*b.Block,
			r.Col0*b.Block, r.Col1*b.Block,
		}.Clip(full)
		slab, err:=b.Src.ReadRegion(fr)
		if err!=nil { return nil, err }

		for i:=range counts { sums[i], counts[i]=0, 0 }
		od:=d-r.Depth0
		for row:=0; row<slab.Rows; row++ {
			br:=row/b.Block
			for dd:=0; dd<slab.Depth; dd++ {
				line:=slab.Data[slab.Offset(row, dd, 0):slab.Offset(row, dd, slab.Cols)]
				for col, v:=range line {
					bc:=col/b.Block
					sums  [br*out.Cols+bc]+=float64(v)
					counts[br*out.Cols+bc]++
				}
			}
		}
		for br:=0; br<out.Rows; br++ {
			for bc:=0; bc<out.Cols; bc++ {
				if n:=counts[br*out.Cols+bc]; n>0 {
					out.Data[out.Offset(br, od, bc)]=float32(sums[br*out.Cols+bc]/float64(n))
				}
			}
		}
	}
	return out, nil
}
