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
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/image/tiff"
)

// Reads a grayscale TIFF into a plane, keeping native intensities (8 or 16 bit)
func ReadPlaneTIFF(fileName string) (*Plane, error) {
	f, err:=os.Open(fileName)
	if err!=nil { return nil, err }
	defer f.Close()
	p, err:=DecodePlaneTIFF(bufio.NewReader(f))
	if err!=nil { return nil, fmt.Errorf("decoding %s: %w", fileName, err) }
	return p, nil
}

// Decodes a grayscale TIFF into a plane. Color images are converted to 16-bit luminance
func DecodePlaneTIFF(r io.Reader) (*Plane, error) {
	img, err:=tiff.Decode(r)
	if err!=nil { return nil, err }
	b:=img.Bounds()
	p:=NewPlane(b.Dy(), b.Dx())
	switch g:=img.(type) {
	case *image.Gray16:
		for y:=0; y<p.Rows; y++ {
			for x:=0; x<p.Cols; x++ {
				p.Data[y*p.Cols+x]=float32(g.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y:=0; y<p.Rows; y++ {
			for x:=0; x<p.Cols; x++ {
				p.Data[y*p.Cols+x]=float32(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y:=0; y<p.Rows; y++ {
			for x:=0; x<p.Cols; x++ {
				c:=color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				p.Data[y*p.Cols+x]=float32(c.Y)
			}
		}
	}
	return p, nil
}

// Writes a plane as 16-bit grayscale TIFF, clamping values to [0,65535]
func WritePlaneTIFF16(fileName string, p *Plane) error {
	file, err:=os.Create(fileName)
	if err!=nil { return err }
	defer file.Close()

	writer:=bufio.NewWriter(file)
	img:=image.NewGray16(image.Rect(0, 0, p.Cols, p.Rows))
	for y:=0; y<p.Rows; y++ {
		for x:=0; x<p.Cols; x++ {
			img.SetGray16(x, y, color.Gray16{toUint16(p.Data[y*p.Cols+x])})
		}
	}
	if err:=tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err!=nil {
		return err
	}
	return writer.Flush()
}


// A volume stored as one grayscale TIFF per depth plane, ordered by file name.
// Decoded planes are cached, as consecutive region reads usually hit the same planes.
type TIFFStackSource struct {
	FileNames []string
	shape     Shape

	mu        sync.Mutex
	cache     map[int]*Plane
	order     []int       // least recently used first
	cacheSize int
}

// Opens a TIFF plane stack from a glob pattern, e.g. "nuclei/*.tif"
func OpenTIFFStack(pattern string) (*TIFFStackSource, error) {
	names, err:=filepath.Glob(pattern)
	if err!=nil { return nil, err }
	if len(names)==0 {
		return nil, fmt.Errorf("no TIFF planes match %s", pattern)
	}
	sort.Strings(names)

	first, err:=ReadPlaneTIFF(names[0])
	if err!=nil { return nil, err }
	s:=&TIFFStackSource{
		FileNames : names,
		shape     : Shape{first.Rows, len(names), first.Cols},
		cache     : map[int]*Plane{0: first},
		order     : []int{0},
		cacheSize : 4,
	}
	return s, nil
}

func (s *TIFFStackSource) GetShape() Shape { return s.shape }

func (s *TIFFStackSource) String() string {
	return fmt.Sprintf("tiff stack %s... %v", s.FileNames[0], s.shape)
}

func (s *TIFFStackSource) ReadRegion(r Region) (*Volume, error) {
	if !r.Within(s.shape) {
		return nil, ShapeErrorf("read tiff", "region %v outside volume %v", r, s.shape)
	}
	out:=NewVolume(r.Shape())
	n:=r.Col1-r.Col0
	for d:=r.Depth0; d<r.Depth1; d++ {
		p, err:=s.plane(d)
		if err!=nil { return nil, err }
		for row:=r.Row0; row<r.Row1; row++ {
			dst:=out.Offset(row-r.Row0, d-r.Depth0, 0)
			copy(out.Data[dst:dst+n], p.Data[row*p.Cols+r.Col0:])
		}
	}
	return out, nil
}

// Returns the decoded plane at depth d, from cache if possible
func (s *TIFFStackSource) plane(d int) (*Plane, error) {
	s.mu.Lock()
	if p, ok:=s.cache[d]; ok {
		s.touch(d)
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	p, err:=ReadPlaneTIFF(s.FileNames[d])
	if err!=nil { return nil, err }
	if p.Rows!=s.shape.Rows || p.Cols!=s.shape.Cols {
		return nil, ShapeErrorf("read tiff", "%s is %v, stack planes are %dx%d", s.FileNames[d], p, s.shape.Rows, s.shape.Cols)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok:=s.cache[d]; !ok {
		s.cache[d]=p
		s.order=append(s.order, d)
		for len(s.order)>s.cacheSize {
			delete(s.cache, s.order[0])
			s.order=s.order[1:]
		}
	}
	return p, nil
}

// Moves d to the most recently used position. Caller holds s.mu
func (s *TIFFStackSource) touch(d int) {
	for i, o:=range s.order {
		if o==d {
			s.order=append(append(s.order[:i:i], s.order[i+1:]...), d)
			return
		}
	}
}
