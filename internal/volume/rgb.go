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
	"image/jpeg"
	"io"
	"os"

	"golang.org/x/image/tiff"
)

// An 8-bit RGB raster with interleaved channels, row-major
type RGB struct {
	ID   int
	Rows int
	Cols int
	Pix  []uint8
}

// Allocates a black RGB raster
func NewRGB(id, rows, cols int) *RGB {
	return &RGB{ID: id, Rows: rows, Cols: cols, Pix: make([]uint8, 3*rows*cols)}
}

func (c *RGB) String() string { return fmt.Sprintf("%dx%d RGB", c.Rows, c.Cols) }

// Returns the channel values at (r,col)
func (c *RGB) At(r, col int) (uint8, uint8, uint8) {
	o:=3*(r*c.Cols+col)
	return c.Pix[o], c.Pix[o+1], c.Pix[o+2]
}

// Converts into an opaque Go image sharing no memory with the raster
func (c *RGB) Image() *image.NRGBA {
	img:=image.NewNRGBA(image.Rect(0, 0, c.Cols, c.Rows))
	for i, j:=0, 0; i<len(c.Pix); i, j=i+3, j+4 {
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3]=c.Pix[i], c.Pix[i+1], c.Pix[i+2], 255
	}
	return img
}

// Write the raster to 8-bit RGB TIFF with deflate compression
func (c *RGB) WriteTIFFToFile(fileName string) error {
	file, err:=os.Create(fileName)
	if err!=nil { return err }
	defer file.Close()

	writer:=bufio.NewWriter(file)
	if err:=c.WriteTIFF(writer); err!=nil { return err }
	return writer.Flush()
}

// Write the raster to 8-bit RGB TIFF with deflate compression
func (c *RGB) WriteTIFF(writer io.Writer) error {
	return tiff.Encode(writer, c.Image(), &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Write the raster to JPEG with given quality
func (c *RGB) WriteJPGToFile(fileName string, quality int) error {
	file, err:=os.Create(fileName)
	if err!=nil { return err }
	defer file.Close()

	writer:=bufio.NewWriter(file)
	if err:=c.WriteJPG(writer, quality); err!=nil { return err }
	return writer.Flush()
}

// Write the raster to JPEG with given quality
func (c *RGB) WriteJPG(writer io.Writer, quality int) error {
	return jpeg.Encode(writer, c.Image(), &jpeg.Options{Quality: quality})
}

// Reads an 8-bit RGB TIFF, e.g. a previously false colored plane
func ReadRGBTIFF(fileName string) (*RGB, error) {
	f, err:=os.Open(fileName)
	if err!=nil { return nil, err }
	defer f.Close()
	img, err:=tiff.Decode(bufio.NewReader(f))
	if err!=nil { return nil, fmt.Errorf("decoding %s: %w", fileName, err) }

	b:=img.Bounds()
	c:=NewRGB(0, b.Dy(), b.Dx())
	for y:=0; y<c.Rows; y++ {
		for x:=0; x<c.Cols; x++ {
			r, g, bl, _:=img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			o:=3*(y*c.Cols+x)
			c.Pix[o], c.Pix[o+1], c.Pix[o+2]=uint8(r>>8), uint8(g>>8), uint8(bl>>8)
		}
	}
	return c, nil
}
