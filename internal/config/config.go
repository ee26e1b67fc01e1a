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


// Package config provides the settings bundle for false coloring, with defaults,
// named presets, and loading from and saving to YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mlnoga/falsecolor/internal/flatfield"
	"github.com/mlnoga/falsecolor/internal/kernel"
	"github.com/mlnoga/falsecolor/internal/stats"
)

// Attenuation coefficients per output channel R, G, B for each source channel,
// plus the scalar-mode multipliers
type RGBSettings struct {
	Nuclei  [3]float64 `yaml:"nuclei"  json:"nuclei"`
	Cyto    [3]float64 `yaml:"cyto"    json:"cyto"`
	KNuclei float64    `yaml:"kNuclei" json:"kNuclei"`
	KCyto   float64    `yaml:"kCyto"   json:"kCyto"`
}

// Scalar normalization parameters of one source channel
type ChannelSettings struct {
	// Normalization factor. Values <=0 select an adaptive factor derived from the data
	NormFactor float64 `yaml:"normFactor" json:"normFactor"`

	// Background level to subtract. Values <=0 select the estimated background
	Background float64 `yaml:"background" json:"background"`

	// Foreground values lie strictly above this threshold
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

type FlatFieldSettings struct {
	Enabled   bool `yaml:"enabled"   json:"enabled"`
	TileSize  int  `yaml:"tileSize"  json:"tileSize"`
	BlockSize int  `yaml:"blockSize" json:"blockSize"`
}

type ProcessingSettings struct {
	// Maximum number of concurrent plane workers, 0 for automatic
	MaxThreads int `yaml:"maxThreads" json:"maxThreads"`

	// Memory budget in MB for concurrent planes, 0 for a share of physical memory
	MemoryMB int `yaml:"memoryMB" json:"memoryMB"`
}

type OutputSettings struct {
	// Output directory. Empty selects the RGB directory next to the dataset
	Dir         string `yaml:"dir"         json:"dir"`
	JPEG        bool   `yaml:"jpeg"        json:"jpeg"`
	JPEGQuality int    `yaml:"jpegQuality" json:"jpegQuality"`
}

// Settings bundle for false coloring. Immutable once validated, pass by value
type Settings struct {
	Preset     string             `yaml:"preset,omitempty" json:"preset,omitempty"`
	RGB        RGBSettings        `yaml:"rgb"        json:"rgb"`
	Nuclei     ChannelSettings    `yaml:"nuclei"     json:"nuclei"`
	Cyto       ChannelSettings    `yaml:"cyto"       json:"cyto"`
	FlatField  FlatFieldSettings  `yaml:"flatField"  json:"flatField"`
	Processing ProcessingSettings `yaml:"processing" json:"processing"`
	Output     OutputSettings     `yaml:"output"     json:"output"`
}

// Returns settings with default values, equivalent to the he preset
func DefaultSettings() *Settings {
	s:=&Settings{}
	s.Nuclei.NormFactor=kernel.DefaultNucleiNormFactor
	s.Cyto.NormFactor=kernel.DefaultCytoNormFactor
	s.FlatField.TileSize=flatfield.DefaultTileSize
	s.FlatField.BlockSize=flatfield.DefaultBlockSize
	s.Output.JPEGQuality=95
	applyHE(s)
	return s
}

// Hematoxylin and eosin appearance for background-subtracted channels
func applyHE(s *Settings) {
	const kn=0.85
	s.Preset="he"
	s.RGB=RGBSettings{
		Nuclei:  [3]float64{0.25*kn, 0.37*kn, 0.1*kn},
		Cyto:    [3]float64{0.05, 1.0, 0.54},
		KNuclei: kernel.ScalarKNuclei,
		KCyto:   kernel.ScalarKCyto,
	}
	s.Nuclei.Threshold, s.Cyto.Threshold=stats.DefaultThreshold, stats.DefaultThreshold
	s.FlatField.Enabled=false
}

// Flat-field corrected coloring of whole volumes
func applyH5RGB(s *Settings) {
	s.Preset="h5rgb"
	s.RGB=RGBSettings{
		Nuclei:  [3]float64{0.65, 0.85, 0.35},
		Cyto:    [3]float64{0.05, 1.00, 0.544},
		KNuclei: 1,
		KCyto:   1,
	}
	s.Nuclei.Threshold, s.Cyto.Threshold=stats.DefaultThreshold, stats.DefaultThreshold
	s.FlatField.Enabled=true
}

// Single-channel nuclear stain, cytoplasm ignored
func applyNucleiOnly(s *Settings) {
	s.Preset="nuclei-only"
	s.RGB=RGBSettings{
		Nuclei:  [3]float64{0.544, 1.0, 0.05},
		KNuclei: 0.017,
	}
	s.Nuclei.Threshold, s.Cyto.Threshold=50, stats.DefaultThreshold
	s.FlatField.Enabled=false
}

// Single-channel cytoplasmic stain, nuclei ignored
func applyCytoOnly(s *Settings) {
	s.Preset="cyto-only"
	s.RGB=RGBSettings{
		Cyto:  [3]float64{0.3, 1.0, 0.86},
		KCyto: 0.008,
	}
	s.Nuclei.Threshold, s.Cyto.Threshold=stats.DefaultThreshold, 500
	s.FlatField.Enabled=false
}

var presets=map[string]func(*Settings){
	"he":          applyHE,
	"h5rgb":       applyH5RGB,
	"nuclei-only": applyNucleiOnly,
	"cyto-only":   applyCytoOnly,
}

// Names of the available presets, sorted
func PresetNames() []string {
	names:=make([]string, 0, len(presets))
	for n:=range presets { names=append(names, n) }
	sort.Strings(names)
	return names
}

// Overwrites coloring coefficients, thresholds and normalization mode with the named preset
func (s *Settings) ApplyPreset(name string) error {
	apply, ok:=presets[name]
	if !ok {
		return fmt.Errorf("unknown preset %q, valid are %v", name, PresetNames())
	}
	apply(s)
	return nil
}

// Returns the compositing coefficients for the configured normalization mode.
// Flat-field normalized channels take unit multipliers.
func (s *Settings) Coefficients() kernel.Coefficients {
	c:=kernel.Coefficients{Nuclei: s.RGB.Nuclei, Cyto: s.RGB.Cyto, KNuclei: s.RGB.KNuclei, KCyto: s.RGB.KCyto}
	if s.FlatField.Enabled {
		c.KNuclei, c.KCyto=1, 1
	}
	return c
}

// Checks settings for consistency
func (s *Settings) Validate() error {
	if err:=s.Coefficients().Validate(); err!=nil {
		return err
	}
	for _,ch:=range []struct{ name string; cs ChannelSettings }{{"nuclei", s.Nuclei}, {"cyto", s.Cyto}} {
		if ch.cs.Threshold<0 || ch.cs.Threshold>kernel.FullScale {
			return fmt.Errorf("%s threshold %g outside [0,%g]", ch.name, ch.cs.Threshold, kernel.FullScale)
		}
	}
	if s.FlatField.TileSize<=0 || s.FlatField.BlockSize<=0 {
		return fmt.Errorf("tile size %d and block size %d must be positive", s.FlatField.TileSize, s.FlatField.BlockSize)
	}
	if s.FlatField.TileSize%s.FlatField.BlockSize!=0 {
		return fmt.Errorf("tile size %d must be a multiple of block size %d", s.FlatField.TileSize, s.FlatField.BlockSize)
	}
	if s.Processing.MaxThreads<0 || s.Processing.MemoryMB<0 {
		return errors.New("max threads and memory budget must not be negative")
	}
	if s.Output.JPEG && (s.Output.JPEGQuality<1 || s.Output.JPEGQuality>100) {
		return fmt.Errorf("JPEG quality %d outside [1,100]", s.Output.JPEGQuality)
	}
	return nil
}

// Loads settings from a YAML file. If the file names a preset, the preset is applied to the
// defaults first, and explicit values in the file override it. Returns the defaults if the
// file does not exist.
func LoadSettings(path string) (*Settings, error) {
	s:=DefaultSettings()
	data, err:=os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	} else if err!=nil {
		return nil, fmt.Errorf("error reading settings file: %w", err)
	}

	var peek struct{ Preset string `yaml:"preset"` }
	if err:=yaml.Unmarshal(data, &peek); err!=nil {
		return nil, fmt.Errorf("error parsing settings file: %w", err)
	}
	if peek.Preset!="" {
		if err:=s.ApplyPreset(peek.Preset); err!=nil {
			return nil, fmt.Errorf("error in settings file: %w", err)
		}
	}
	if err:=yaml.Unmarshal(data, s); err!=nil {
		return nil, fmt.Errorf("error parsing settings file: %w", err)
	}
	if err:=s.Validate(); err!=nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return s, nil
}

// Saves settings to a YAML file, creating the directory if needed
func SaveSettings(s *Settings, path string) error {
	if err:=os.MkdirAll(filepath.Dir(path), 0755); err!=nil {
		return fmt.Errorf("error creating settings directory: %w", err)
	}
	data, err:=yaml.Marshal(s)
	if err!=nil {
		return fmt.Errorf("error marshaling settings: %w", err)
	}
	if err:=os.WriteFile(path, data, 0644); err!=nil {
		return fmt.Errorf("error writing settings file: %w", err)
	}
	return nil
}
