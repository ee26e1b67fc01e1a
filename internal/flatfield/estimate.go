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
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/mlnoga/falsecolor/internal/qsort"
	"github.com/mlnoga/falsecolor/internal/stats"
	"github.com/mlnoga/falsecolor/internal/volume"
)

const (
	DefaultTileSize =256
	DefaultBlockSize=16
)

// Estimates flat-field grids from a block-resolution source
type Estimator struct {
	TileSize   int       // tile edge length in raw voxels
	BlockSize  int       // block edge length in raw voxels, one source voxel per block
	MaxThreads int       // concurrent tile workers, GOMAXPROCS if <=0
	Log        io.Writer // progress log, may be nil
}

func NewEstimator(tileSize, blockSize int) *Estimator {
	return &Estimator{TileSize: tileSize, BlockSize: blockSize}
}

// Number of source voxels per tile along each axis
func (e *Estimator) Step() (int, error) {
	if e.TileSize<=0 || e.BlockSize<=0 {
		return 0, volume.ShapeErrorf("flat field", "tile size %d and block size %d must be positive", e.TileSize, e.BlockSize)
	}
	if e.TileSize%e.BlockSize!=0 {
		return 0, volume.ShapeErrorf("flat field", "tile size %d is not a multiple of block size %d", e.TileSize, e.BlockSize)
	}
	return e.TileSize/e.BlockSize, nil
}

// Computes the grid shape for the given block-resolution source shape
func (e *Estimator) GridShape(blocks volume.Shape) (volume.Shape, error) {
	step, err:=e.Step()
	if err!=nil { return volume.Shape{}, err }
	if !blocks.Valid() {
		return volume.Shape{}, volume.ShapeErrorf("flat field", "empty extent %v", blocks)
	}
	return blocks.Blocks(step), nil
}

// Builds the flat-field grid. Reads one tile region at a time per worker, so memory stays
// bounded by the tile size no matter the volume size. Tiles without foreground above
// lv.Background are set to lv.Foreground, and counted in Grid.FallbackCells.
func (e *Estimator) Estimate(ctx context.Context, blocks volume.Source, lv stats.Levels) (*Grid, error) {
	if !(lv.Foreground>0) {
		return nil, errors.New(fmt.Sprintf("flat field: foreground level %g must be positive", lv.Foreground))
	}
	step, err:=e.Step()
	if err!=nil { return nil, err }
	bs:=blocks.GetShape()
	gs, err:=e.GridShape(bs)
	if err!=nil { return nil, err }

	g:=NewGrid(gs.Rows, gs.Depth, gs.Cols, e.TileSize, e.BlockSize, lv)
	if e.Log!=nil {
		fmt.Fprintf(e.Log, "Estimating %dx%dx%d flat field tiles from %v blocks with %s\n", gs.Rows, gs.Depth, gs.Cols, bs, lv)
	}

	threads:=e.MaxThreads
	if threads<=0 { threads=runtime.GOMAXPROCS(0) }
	sem:=make(chan bool, threads)
	var mutex sync.Mutex
	var firstErr error

	for i:=0; i<g.Size(); i++ {
		r, d, c:=i/(gs.Depth*gs.Cols), (i/gs.Cols)%gs.Depth, i%gs.Cols
		region:=volume.Region{
			Row0: r*step, Row1: (r+1)*step,
			Depth0: d*step, Depth1: (d+1)*step,
			Col0: c*step, Col1: (c+1)*step,
		}.Clip(bs)

		sem <- true
		mutex.Lock()
		if err:=ctx.Err(); err!=nil && firstErr==nil { firstErr=err }
		failed:=firstErr!=nil
		mutex.Unlock()
		if failed {  // stop scheduling tiles after the first error
			<-sem
			break
		}
		go func(i int, region volume.Region) {
			defer func() { <-sem }()
			tile, err:=blocks.ReadRegion(region)
			if err!=nil {
				mutex.Lock()
				if firstErr==nil { firstErr=fmt.Errorf("flat field tile %v: %w", region, err) }
				mutex.Unlock()
				return
			}
			v, fallback:=FitTile(tile.Data, lv)
			g.Cells[i]=v
			if fallback {
				mutex.Lock()
				g.FallbackCells++
				mutex.Unlock()
			}
		}(i, region)
	}
	for i:=0; i<cap(sem); i++ {  // wait for goroutines to finish
		sem <- true
	}
	if firstErr!=nil { return nil, firstErr }

	if e.Log!=nil {
		fmt.Fprintf(e.Log, "Flat field grid %s\n", g)
		if g.FallbackCells>0 {
			fmt.Fprintf(e.Log, "Warning: %d of %d tiles had no foreground, using global level %g\n", g.FallbackCells, g.Size(), lv.Foreground)
		}
	}
	return g, nil
}

// Computes one grid cell: the median of the tile's voxels above the background level.
// Without any such voxels, returns the foreground level and true.
// Reorders data in place.
func FitTile(data []float32, lv stats.Levels) (value float32, fallback bool) {
	n:=0
	for _,v:=range data {
		if v>lv.Background {
			data[n]=v
			n++
		}
	}
	if n==0 {
		return lv.Foreground, true
	}
	return qsort.QSelectMedianFloat32(data[:n]), false
}
