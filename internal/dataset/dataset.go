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


// Package dataset describes dual-channel volumes on disk with a YAML manifest,
// and opens them as sources at full and block resolution.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mlnoga/falsecolor/internal/flatfield"
	"github.com/mlnoga/falsecolor/internal/volume"
)

// Storage formats of channel volumes
const (
	FormatRaw ="raw"  // little-endian uint16, [row][depth][col], no header
	FormatTIFF="tiff" // one grayscale TIFF per plane, file paths given as glob pattern
)

// Name of the output directory created next to the manifest
const OutputDirName="RGB"

// Files of one channel. Full holds the raw resolution, Blocks an optional
// pre-downsampled level with one voxel per block
type ChannelFiles struct {
	Full   string `yaml:"full"`
	Blocks string `yaml:"blocks,omitempty"`
}

// Dataset manifest. Relative paths are resolved against the manifest directory
type Manifest struct {
	Name      string       `yaml:"name"`
	Format    string       `yaml:"format"`
	Shape     volume.Shape `yaml:"shape"`     // required for raw, verified for tiff if given
	BlockSize int          `yaml:"blockSize"` // edge length of blocks, default 16
	Nuclei    ChannelFiles `yaml:"nuclei"`
	Cyto      ChannelFiles `yaml:"cyto"`

	path string
}

// Loads a manifest from a YAML file
func LoadManifest(path string) (*Manifest, error) {
	data, err:=os.ReadFile(path)
	if err!=nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	m:=&Manifest{}
	if err:=yaml.Unmarshal(data, m); err!=nil {
		return nil, fmt.Errorf("error parsing manifest %s: %w", path, err)
	}
	m.path=path
	if m.BlockSize==0 { m.BlockSize=flatfield.DefaultBlockSize }
	if m.Format==""   { m.Format=FormatRaw }
	if err:=m.Validate(); err!=nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return m, nil
}

// Saves the manifest as YAML, and remembers the path for resolving files
func (m *Manifest) Save(path string) error {
	data, err:=yaml.Marshal(m)
	if err!=nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err:=os.WriteFile(path, data, 0644); err!=nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	m.path=path
	return nil
}

func (m *Manifest) Validate() error {
	switch m.Format {
	case FormatRaw:
		if !m.Shape.Valid() {
			return volume.ShapeErrorf("manifest", "raw format requires a valid shape, got %v", m.Shape)
		}
	case FormatTIFF:
	default:
		return fmt.Errorf("unknown format %q", m.Format)
	}
	if m.BlockSize<=0 {
		return fmt.Errorf("block size %d must be positive", m.BlockSize)
	}
	if m.Nuclei.Full=="" || m.Cyto.Full=="" {
		return errors.New("both nuclei and cyto channels need full resolution files")
	}
	return nil
}

// Directory holding the manifest
func (m *Manifest) Dir() string {
	if m.path=="" { return "." }
	return filepath.Dir(m.path)
}

// Resolves a path from the manifest
func (m *Manifest) Resolve(p string) string {
	if p=="" || filepath.IsAbs(p) { return p }
	return filepath.Join(m.Dir(), p)
}

// Default output directory, sibling of the channel data
func (m *Manifest) OutputDir() string {
	return filepath.Join(m.Dir(), OutputDirName)
}

// Output file name of RGB plane k
func PlaneFileName(k int) string {
	return fmt.Sprintf("%06d.tif", k)
}

// Output file name of the JPEG preview of RGB plane k
func PreviewFileName(k int) string {
	return fmt.Sprintf("%06d.jpg", k)
}

// A channel opened at full and block resolution
type Channel struct {
	Name   string
	Full   volume.Source
	Blocks volume.Source
}

// Creates a channel from a full resolution source, deriving the block level lazily
func NewChannel(name string, full volume.Source, blockSize int) (Channel, error) {
	blocks, err:=volume.NewBlockMeanSource(full, blockSize)
	if err!=nil { return Channel{}, err }
	return Channel{Name: name, Full: full, Blocks: blocks}, nil
}

// An opened dual-channel dataset
type Dataset struct {
	Name      string
	Nuclei    Channel
	Cyto      Channel
	BlockSize int
	OutputDir string
}

// Creates a dataset from already opened channels
func New(name string, nuclei, cyto Channel, blockSize int, outputDir string) (*Dataset, error) {
	d:=&Dataset{Name: name, Nuclei: nuclei, Cyto: cyto, BlockSize: blockSize, OutputDir: outputDir}
	if err:=d.check(); err!=nil { return nil, err }
	return d, nil
}

// Opens the channel sources named in the manifest
func Open(m *Manifest) (*Dataset, error) {
	nuc, err:=m.openChannel("nuclei", m.Nuclei)
	if err!=nil { return nil, err }
	cyto, err:=m.openChannel("cyto", m.Cyto)
	if err!=nil {
		closeChannel(nuc)
		return nil, err
	}
	d, err:=New(m.Name, nuc, cyto, m.BlockSize, m.OutputDir())
	if err!=nil {
		closeChannel(nuc)
		closeChannel(cyto)
		return nil, err
	}
	return d, nil
}

func (m *Manifest) openChannel(name string, files ChannelFiles) (Channel, error) {
	full, err:=m.openSource(m.Resolve(files.Full), m.Shape)
	if err!=nil { return Channel{}, fmt.Errorf("%s: %w", name, err) }
	if m.Format==FormatTIFF && m.Shape.Valid() && full.GetShape()!=m.Shape {
		volume.Close(full)
		return Channel{}, volume.ShapeErrorf("open "+name, "tiff stack is %v, manifest says %v", full.GetShape(), m.Shape)
	}
	if files.Blocks=="" {
		c, err:=NewChannel(name, full, m.BlockSize)
		if err!=nil { volume.Close(full) }
		return c, err
	}
	want:=full.GetShape().Blocks(m.BlockSize)
	blocks, err:=m.openSource(m.Resolve(files.Blocks), want)
	if err!=nil {
		volume.Close(full)
		return Channel{}, fmt.Errorf("%s blocks: %w", name, err)
	}
	if blocks.GetShape()!=want {
		volume.Close(full)
		volume.Close(blocks)
		return Channel{}, volume.ShapeErrorf("open "+name, "block level is %v, want %v for blocks of %d", blocks.GetShape(), want, m.BlockSize)
	}
	return Channel{Name: name, Full: full, Blocks: blocks}, nil
}

func (m *Manifest) openSource(path string, shape volume.Shape) (volume.Source, error) {
	if m.Format==FormatTIFF {
		s, err:=volume.OpenTIFFStack(path)
		if err!=nil { return nil, err }
		return s, nil
	}
	s, err:=volume.OpenRaw(path, shape)
	if err!=nil { return nil, err }
	return s, nil
}

func (d *Dataset) check() error {
	if d.Nuclei.Full==nil || d.Cyto.Full==nil || d.Nuclei.Blocks==nil || d.Cyto.Blocks==nil {
		return errors.New("dataset channels incomplete")
	}
	if a, b:=d.Nuclei.Full.GetShape(), d.Cyto.Full.GetShape(); a!=b {
		return volume.ShapeErrorf("dataset", "channel shapes differ: nuclei %v, cyto %v", a, b)
	}
	if d.BlockSize<=0 {
		return volume.ShapeErrorf("dataset", "block size %d must be positive", d.BlockSize)
	}
	want:=d.Nuclei.Full.GetShape().Blocks(d.BlockSize)
	for _,c:=range []Channel{d.Nuclei, d.Cyto} {
		if got:=c.Blocks.GetShape(); got!=want {
			return volume.ShapeErrorf("dataset", "%s block level is %v, want %v for blocks of %d", c.Name, got, want, d.BlockSize)
		}
	}
	return nil
}

// Full resolution shape
func (d *Dataset) Shape() volume.Shape { return d.Nuclei.Full.GetShape() }

func (d *Dataset) String() string {
	return fmt.Sprintf("dataset %s %v blocks %v", d.Name, d.Shape(), d.Nuclei.Blocks.GetShape())
}

// Closes all underlying files
func (d *Dataset) Close() error {
	err1:=closeChannel(d.Nuclei)
	err2:=closeChannel(d.Cyto)
	if err1!=nil { return err1 }
	return err2
}

func closeChannel(c Channel) error {
	err:=volume.Close(c.Full)
	if c.Blocks!=nil {
		if _, derived:=c.Blocks.(*volume.BlockMeanSource); !derived {
			if e:=volume.Close(c.Blocks); err==nil { err=e }
		}
	}
	return err
}
