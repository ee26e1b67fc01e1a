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


package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/falsecolor/internal/kernel"
)

func TestDefaultSettings(t *testing.T) {
	s:=DefaultSettings()
	require.NoError(t, s.Validate())
	assert.Equal(t, "he", s.Preset)
	assert.Equal(t, 50.0, s.Nuclei.Threshold)
	assert.Equal(t, 50.0, s.Cyto.Threshold)
	assert.Equal(t, 8500.0, s.Nuclei.NormFactor)
	assert.Equal(t, 3000.0, s.Cyto.NormFactor)
	assert.Equal(t, 256, s.FlatField.TileSize)
	assert.Equal(t, 16, s.FlatField.BlockSize)
	assert.False(t, s.FlatField.Enabled)
	assert.InDeltaSlice(t, []float64{0.2125, 0.3145, 0.085}, s.RGB.Nuclei[:], 1e-12)
	assert.Equal(t, [3]float64{0.05, 1.0, 0.54}, s.RGB.Cyto)

	c:=s.Coefficients()
	assert.Equal(t, kernel.ScalarKNuclei, c.KNuclei)
	assert.Equal(t, kernel.ScalarKCyto, c.KCyto)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, []string{"cyto-only", "h5rgb", "he", "nuclei-only"}, PresetNames())

	s:=DefaultSettings()
	require.NoError(t, s.ApplyPreset("h5rgb"))
	assert.True(t, s.FlatField.Enabled)
	assert.Equal(t, [3]float64{0.65, 0.85, 0.35}, s.RGB.Nuclei)
	c:=s.Coefficients()
	assert.Equal(t, 1.0, c.KNuclei)
	assert.Equal(t, 1.0, c.KCyto)

	require.NoError(t, s.ApplyPreset("nuclei-only"))
	assert.False(t, s.FlatField.Enabled)
	assert.Equal(t, [3]float64{}, s.RGB.Cyto)
	assert.Equal(t, 0.017, s.Coefficients().KNuclei)
	n, cy:=s.Coefficients().Active()
	assert.True(t, n)
	assert.False(t, cy)

	require.NoError(t, s.ApplyPreset("cyto-only"))
	assert.Equal(t, [3]float64{}, s.RGB.Nuclei)
	assert.Equal(t, 500.0, s.Cyto.Threshold)
	assert.Equal(t, 50.0, s.Nuclei.Threshold)
	n, cy=s.Coefficients().Active()
	assert.False(t, n)
	assert.True(t, cy)
	assert.Equal(t, 0.008, s.Coefficients().KCyto)

	assert.Error(t, s.ApplyPreset("sepia"))
}

func TestValidate(t *testing.T) {
	cases:=map[string]func(*Settings){
		"negative coefficient": func(s *Settings) { s.RGB.Cyto[1]=-1 },
		"negative threshold":   func(s *Settings) { s.Nuclei.Threshold=-1 },
		"threshold too large":  func(s *Settings) { s.Cyto.Threshold=70000 },
		"tile not multiple":    func(s *Settings) { s.FlatField.TileSize=250 },
		"zero block":           func(s *Settings) { s.FlatField.BlockSize=0 },
		"negative threads":     func(s *Settings) { s.Processing.MaxThreads=-2 },
		"jpeg quality":         func(s *Settings) { s.Output.JPEG, s.Output.JPEGQuality=true, 0 },
	}
	for name, mutate:=range cases {
		t.Run(name, func(t *testing.T) {
			s:=DefaultSettings()
			mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestLoadSettingsMissingFileGivesDefaults(t *testing.T) {
	s, err:=LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoadSettingsPresetThenOverrides(t *testing.T) {
	path:=filepath.Join(t.TempDir(), "settings.yaml")
	yml:=`preset: h5rgb
nuclei:
  normFactor: 0
  threshold: 80
flatField:
  tileSize: 128
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	s, err:=LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "h5rgb", s.Preset)
	assert.True(t, s.FlatField.Enabled)
	assert.Equal(t, 80.0, s.Nuclei.Threshold)
	assert.Equal(t, 50.0, s.Cyto.Threshold)
	assert.Equal(t, 0.0, s.Nuclei.NormFactor)
	assert.Equal(t, 3000.0, s.Cyto.NormFactor)
	assert.Equal(t, 128, s.FlatField.TileSize)
	assert.Equal(t, 16, s.FlatField.BlockSize)
}

func TestLoadSettingsErrors(t *testing.T) {
	dir:=t.TempDir()
	bad:=filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nuclei: [1, 2"), 0644))
	_, err:=LoadSettings(bad)
	assert.Error(t, err)

	unknown:=filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("preset: sepia\n"), 0644))
	_, err=LoadSettings(unknown)
	assert.Error(t, err)

	invalid:=filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("flatField:\n  blockSize: 7\n"), 0644))
	_, err=LoadSettings(invalid)
	assert.Error(t, err)
}

func TestSaveLoadSettings(t *testing.T) {
	path:=filepath.Join(t.TempDir(), "sub", "settings.yaml")
	s:=DefaultSettings()
	require.NoError(t, s.ApplyPreset("cyto-only"))
	s.Output.Dir="out"
	s.Processing.MaxThreads=3
	require.NoError(t, SaveSettings(s, path))

	loaded, err:=LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}
