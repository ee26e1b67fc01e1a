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
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// A volume of little-endian unsigned 16-bit voxels stored contiguously on disk
// in [row, depth, col] order, with no header. Regions are read with ReadAt,
// so concurrent readers do not contend for a file offset.
type RawSource struct {
	FileName string
	shape    Shape
	file     *os.File
}

// Opens a raw volume of given shape, checking the file size
func OpenRaw(fileName string, shape Shape) (*RawSource, error) {
	if !shape.Valid() {
		return nil, ShapeErrorf("open raw", "invalid shape %v for %s", shape, fileName)
	}
	f, err:=os.Open(fileName)
	if err!=nil { return nil, err }
	fi, err:=f.Stat()
	if err!=nil {
		f.Close()
		return nil, err
	}
	if want:=int64(shape.Size())*2; fi.Size()!=want {
		f.Close()
		return nil, ShapeErrorf("open raw", "%s has %d bytes, want %d for shape %v", fileName, fi.Size(), want, shape)
	}
	return &RawSource{FileName: fileName, shape: shape, file: f}, nil
}

func (s *RawSource) GetShape() Shape { return s.shape }

func (s *RawSource) String() string { return fmt.Sprintf("raw %s %v", s.FileName, s.shape) }

func (s *RawSource) ReadRegion(r Region) (*Volume, error) {
	if !r.Within(s.shape) {
		return nil, ShapeErrorf("read raw", "region %v outside volume %v", r, s.shape)
	}
	out:=NewVolume(r.Shape())
	n:=r.Col1-r.Col0
	buf:=make([]byte, 2*n)
	for row:=r.Row0; row<r.Row1; row++ {
		for d:=r.Depth0; d<r.Depth1; d++ {
			offset:=int64(((row*s.shape.Depth+d)*s.shape.Cols+r.Col0)*2)
			if _, err:=s.file.ReadAt(buf, offset); err!=nil {
				return nil, fmt.Errorf("reading %s at row %d plane %d: %w", s.FileName, row, d, err)
			}
			dst:=out.Data[out.Offset(row-r.Row0, d-r.Depth0, 0):]
			for i:=0; i<n; i++ {
				dst[i]=float32(binary.LittleEndian.Uint16(buf[2*i:]))
			}
		}
	}
	return out, nil
}

func (s *RawSource) Close() error { return s.file.Close() }

// Writes a volume as raw little-endian uint16, rounding and clamping values to [0,65535]
func WriteRaw(fileName string, v *Volume) error {
	f, err:=os.Create(fileName)
	if err!=nil { return err }
	defer f.Close()

	w:=bufio.NewWriter(f)
	var b [2]byte
	for _, x:=range v.Data {
		binary.LittleEndian.PutUint16(b[:], toUint16(x))
		if _, err:=w.Write(b[:]); err!=nil { return err }
	}
	return w.Flush()
}

func toUint16(x float32) uint16 {
	if x!=x || x<=0 { return 0 }
	if x>=65535 { return 65535 }
	return uint16(math.Round(float64(x)))
}
