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


// Package flatfield estimates a coarse, spatially varying foreground level
// for a volume, and interpolates it back to full resolution one plane at a time.
package flatfield

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"
	"strings"

	"github.com/mlnoga/falsecolor/internal/stats"
	"github.com/mlnoga/falsecolor/internal/volume"
)

// A coarse 3D grid of foreground levels, one cell per tile of TileSize³ raw voxels.
// Cells are indexed (rowTile, depthTile, colTile) like volumes. Immutable once built.
type Grid struct {
	RowTiles      int
	DepthTiles    int
	ColTiles      int
	TileSize      int          // tile edge length in raw voxels
	BlockSize     int          // block edge length in raw voxels of the estimation source
	Cells         []float32
	Levels        stats.Levels // global levels the grid was estimated with
	FallbackCells int          // number of tiles without foreground, set to Levels.Foreground
}

func NewGrid(rowTiles, depthTiles, colTiles, tileSize, blockSize int, lv stats.Levels) *Grid {
	return &Grid{
		RowTiles:   rowTiles,
		DepthTiles: depthTiles,
		ColTiles:   colTiles,
		TileSize:   tileSize,
		BlockSize:  blockSize,
		Cells:      make([]float32, rowTiles*depthTiles*colTiles),
		Levels:     lv,
	}
}

func (g *Grid) Offset(r, d, c int) int { return (r*g.DepthTiles+d)*g.ColTiles+c }

func (g *Grid) At(r, d, c int) float32 { return g.Cells[g.Offset(r, d, c)] }

func (g *Grid) Set(r, d, c int, v float32) { g.Cells[g.Offset(r, d, c)]=v }

// Number of tiles
func (g *Grid) Size() int { return g.RowTiles*g.DepthTiles*g.ColTiles }

// Extent in raw voxels covered by the grid
func (g *Grid) Extent() volume.Shape {
	return volume.Shape{Rows: g.RowTiles*g.TileSize, Depth: g.DepthTiles*g.TileSize, Cols: g.ColTiles*g.TileSize}
}

// Returns the coarse rowTiles x colTiles slice at depth tile d, as a copy
func (g *Grid) Slice(d int) *volume.Plane {
	p:=volume.NewPlane(g.RowTiles, g.ColTiles)
	for r:=0; r<g.RowTiles; r++ {
		for c:=0; c<g.ColTiles; c++ {
			p.Data[r*g.ColTiles+c]=g.At(r, d, c)
		}
	}
	return p
}

func (g *Grid) String() string {
	return fmt.Sprintf("%dx%dx%d tiles of %d (blocks of %d), %s, %d fallback cells",
		g.RowTiles, g.DepthTiles, g.ColTiles, g.TileSize, g.BlockSize, g.Levels, g.FallbackCells)
}

// Renders cell values one depth slice at a time, for diagnostics
func (g *Grid) CellsString() string {
	var sb strings.Builder
	for d:=0; d<g.DepthTiles; d++ {
		fmt.Fprintf(&sb, "depth tile %d:\n", d)
		for r:=0; r<g.RowTiles; r++ {
			for c:=0; c<g.ColTiles; c++ {
				if c>0 { sb.WriteByte(' ') }
				fmt.Fprintf(&sb, "%8.1f", g.At(r, d, c))
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// Structural validation, for grids restored from storage
func (g *Grid) Validate() error {
	if g.RowTiles<=0 || g.DepthTiles<=0 || g.ColTiles<=0 || g.TileSize<=0 || g.BlockSize<=0 {
		return volume.ShapeErrorf("grid", "invalid dimensions %s", g)
	}
	if len(g.Cells)!=g.Size() {
		return volume.ShapeErrorf("grid", "%d cells for %d tiles", len(g.Cells), g.Size())
	}
	for i,v:=range g.Cells {
		if !(v>0) {
			return fmt.Errorf("grid cell %d is %g, must be positive", i, v)
		}
	}
	return nil
}

// gob would recurse into MarshalBinary on Grid itself
type gridBlob Grid

// Encodes the grid as gzip-compressed gob
func (g *Grid) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	gz:=gzip.NewWriter(&buf)
	enc:=gob.NewEncoder(gz)
	if err:=enc.Encode((*gridBlob)(g)); err!=nil {
		gz.Close()
		return nil, err
	}
	if err:=gz.Close(); err!=nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *Grid) UnmarshalBinary(blob []byte) error {
	if len(blob)==0 {
		return fmt.Errorf("empty grid blob")
	}
	gz, err:=gzip.NewReader(bytes.NewReader(blob))
	if err!=nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var b gridBlob
	if err:=gob.NewDecoder(gz).Decode(&b); err!=nil {
		return fmt.Errorf("failed to decode grid: %w", err)
	}
	*g=Grid(b)
	return g.Validate()
}

// Writes the grid to a file
func (g *Grid) Save(fileName string) error {
	blob, err:=g.MarshalBinary()
	if err!=nil { return err }
	return os.WriteFile(fileName, blob, 0644)
}

// Reads a grid from a file
func LoadGrid(fileName string) (*Grid, error) {
	blob, err:=os.ReadFile(fileName)
	if err!=nil { return nil, err }
	g:=&Grid{}
	if err:=g.UnmarshalBinary(blob); err!=nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return g, nil
}
