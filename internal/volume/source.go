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
	"io"
)

// A raw channel source addressable by [row, depth, col] regions. Implementations
// must be safe for concurrent ReadRegion calls, and return fresh volumes owned by the caller.
type Source interface {
	GetShape() Shape
	ReadRegion(r Region) (*Volume, error)
}

// A source holding open files
type SourceCloser interface {
	Source
	io.Closer
}

// Reads the full-resolution plane at depth k, restricted to rows [0,rows) and cols [0,cols)
func ReadPlane(src Source, k, rows, cols int) (*Plane, error) {
	s:=src.GetShape()
	if k<0 || k>=s.Depth {
		return nil, ShapeErrorf("read plane", "plane %d outside depth %d", k, s.Depth)
	}
	v, err:=src.ReadRegion(PlaneRegion(k, rows, cols))
	if err!=nil { return nil, err }
	return &Plane{Rows: rows, Cols: cols, Data: v.Data}, nil
}

// Closes the source if it holds resources
func Close(src Source) error {
	if c, ok:=src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
