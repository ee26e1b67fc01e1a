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


package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/falsecolor/internal/checkpoint"
	"github.com/mlnoga/falsecolor/internal/config"
	"github.com/mlnoga/falsecolor/internal/dataset"
	"github.com/mlnoga/falsecolor/internal/kernel"
	"github.com/mlnoga/falsecolor/internal/stats"
	"github.com/mlnoga/falsecolor/internal/volume"
)

func constPlane(rows, cols int, v float32) *volume.Plane {
	p:=volume.NewPlane(rows, cols)
	for i:=range p.Data { p.Data[i]=v }
	return p
}

func constVolume(s volume.Shape, v float32) *volume.Volume {
	vol:=volume.NewVolume(s)
	for i:=range vol.Data { vol.Data[i]=v }
	return vol
}

// Expected color of a pixel with normalized channel values n and c
func expectedPixel(coeffs kernel.Coefficients, n, c float64) [3]uint8 {
	var px [3]uint8
	for i:=0; i<3; i++ {
		px[i]=kernel.ClampToByte(255*math.Exp(-(n*coeffs.Nuclei[i]*coeffs.KNuclei + c*coeffs.Cyto[i]*coeffs.KCyto)))
	}
	return px
}

func flatSettings(t *testing.T) *config.Settings {
	s:=config.DefaultSettings()
	require.NoError(t, s.ApplyPreset("h5rgb"))
	s.FlatField.TileSize, s.FlatField.BlockSize=16, 4
	s.Processing.MaxThreads=2
	return s
}

func TestColorImageScalar(t *testing.T) {
	s:=config.DefaultSettings()
	s.Nuclei.Background, s.Cyto.Background=50, 50
	nuc, cyto:=constPlane(4, 5, 100), constPlane(4, 5, 0)

	var log bytes.Buffer
	rgb, err:=ColorImage(context.Background(), nuc, cyto, s, &log, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, rgb.ID)

	v:=math.Pow(50, 0.85)*(65535.0/8500)*(255.0/65535)
	want:=expectedPixel(s.Coefficients(), float64(float32(v)), 0)
	for r:=0; r<4; r++ {
		for c:=0; c<5; c++ {
			red, green, blue:=rgb.At(r, c)
			assert.Equal(t, want, [3]uint8{red, green, blue})
		}
	}
	assert.Contains(t, log.String(), "7: Composited")
}

func TestColorImageEstimatesBackground(t *testing.T) {
	s:=config.DefaultSettings()
	nuc:=volume.NewPlane(10, 10)
	for i:=range nuc.Data { nuc.Data[i]=float32(i+1)*10 }
	cyto:=constPlane(10, 10, 500)

	var log bytes.Buffer
	_, err:=ColorImage(context.Background(), nuc, cyto, s, &log, 1)
	require.NoError(t, err)
	assert.Contains(t, log.String(), "Estimated nuclei")
	assert.Contains(t, log.String(), "Estimated cyto")
}

func TestColorImageErrors(t *testing.T) {
	s:=config.DefaultSettings()
	_, err:=ColorImage(context.Background(), constPlane(4, 4, 0), constPlane(4, 4, 500), s, nil, 0)
	var efe *stats.EmptyForegroundError
	assert.True(t, errors.As(err, &efe), "got %v", err)

	_, err=ColorImage(context.Background(), constPlane(4, 4, 100), constPlane(4, 5, 100), s, nil, 0)
	var se *volume.InputShapeError
	assert.True(t, errors.As(err, &se), "got %v", err)
}

func TestColorImageAdaptiveNormFactor(t *testing.T) {
	s:=config.DefaultSettings()
	s.Nuclei.Background, s.Cyto.Background=50, 50
	s.Nuclei.NormFactor=0
	var log bytes.Buffer
	_, err:=ColorImage(context.Background(), constPlane(3, 3, 1050), constPlane(3, 3, 100), s, &log, 2)
	require.NoError(t, err)
	assert.Contains(t, log.String(), "Adaptive nuclei normalization factor")
}

func TestColorImageFlatField(t *testing.T) {
	s:=flatSettings(t)
	nuc, cyto:=constPlane(32, 48, 1000), constPlane(32, 48, 500)
	rgb, err:=ColorImage(context.Background(), nuc, cyto, s, nil, 0)
	require.NoError(t, err)

	want:=expectedPixel(s.Coefficients(), 1, 1)
	for _,rc:=range [][2]int{{0, 0}, {20, 18}, {31, 47}} {
		r, g, b:=rgb.At(rc[0], rc[1])
		assert.Equal(t, want, [3]uint8{r, g, b}, "pixel %v", rc)
	}

	_, err=ColorImage(context.Background(), constPlane(40, 37, 1000), constPlane(40, 37, 500), s, nil, 0)
	var se *volume.InputShapeError
	assert.True(t, errors.As(err, &se), "partial tiles: got %v", err)
}

func TestColorImageNucleiOnlyIgnoresCyto(t *testing.T) {
	s:=config.DefaultSettings()
	require.NoError(t, s.ApplyPreset("nuclei-only"))
	var log bytes.Buffer
	rgb, err:=ColorImage(context.Background(), constPlane(4, 4, 1000), constPlane(4, 4, 0), s, &log, 3)
	require.NoError(t, err)
	assert.Contains(t, log.String(), "3: Skipping cyto")

	v:=math.Pow(800, 0.85)*(65535.0/8500)*(255.0/65535)
	want:=expectedPixel(s.Coefficients(), float64(float32(v)), 0)
	r, g, b:=rgb.At(2, 2)
	assert.Equal(t, want, [3]uint8{r, g, b})
}

func TestColorImageCytoOnlyIgnoresNuclei(t *testing.T) {
	s:=config.DefaultSettings()
	require.NoError(t, s.ApplyPreset("cyto-only"))
	var log bytes.Buffer
	for _,nucVal:=range []float32{0, 100} {
		log.Reset()
		rgb, err:=ColorImage(context.Background(), constPlane(4, 4, nucVal), constPlane(4, 4, 1000), s, &log, 4)
		require.NoError(t, err)
		assert.Contains(t, log.String(), "4: Skipping nuclei")

		v:=math.Pow(800, 0.85)*(65535.0/3000)*(255.0/65535)
		want:=expectedPixel(s.Coefficients(), 0, float64(float32(v)))
		r, g, b:=rgb.At(1, 3)
		assert.Equal(t, want, [3]uint8{r, g, b}, "nuclei at %g", nucVal)
	}

	// cytoplasm at or below the cyto-only threshold has no foreground
	_, err:=ColorImage(context.Background(), constPlane(4, 4, 0), constPlane(4, 4, 500), s, nil, 0)
	var efe *stats.EmptyForegroundError
	assert.True(t, errors.As(err, &efe), "got %v", err)
}

func newTestDataset(t *testing.T, s volume.Shape, nucVal, cytoVal float32, blockSize int) *dataset.Dataset {
	t.Helper()
	nuc, err:=dataset.NewChannel("nuclei", constVolume(s, nucVal), blockSize)
	require.NoError(t, err)
	cyto, err:=dataset.NewChannel("cyto", constVolume(s, cytoVal), blockSize)
	require.NoError(t, err)
	ds, err:=dataset.New("test", nuc, cyto, blockSize, filepath.Join(t.TempDir(), dataset.OutputDirName))
	require.NoError(t, err)
	return ds
}

func openLedger(t *testing.T) *checkpoint.Ledger {
	t.Helper()
	l, err:=checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSweepFlatFieldAndResume(t *testing.T) {
	shape:=volume.Shape{Rows: 32, Depth: 40, Cols: 32}
	ds:=newTestDataset(t, shape, 1000, 500, 4)
	s:=flatSettings(t)
	s.Output.JPEG=true
	l:=openLedger(t)

	var log bytes.Buffer
	res, err:=Sweep(context.Background(), ds, s, SweepOptions{Ledger: l, Log: &log})
	require.NoError(t, err)
	assert.Equal(t, 40, res.Done)
	assert.Equal(t, 0, res.Failed)
	require.NotNil(t, res.NucleiGrid)
	assert.Equal(t, 2, res.NucleiGrid.RowTiles)
	assert.Equal(t, 3, res.NucleiGrid.DepthTiles)
	assert.Equal(t, 2, res.NucleiGrid.ColTiles)

	want:=expectedPixel(s.Coefficients(), 1, 1)
	for _,k:=range []int{0, 17, 39} {
		rgb, err:=volume.ReadRGBTIFF(filepath.Join(ds.OutputDir, dataset.PlaneFileName(k)))
		require.NoError(t, err)
		r, g, b:=rgb.At(10, 27)
		assert.Equal(t, want, [3]uint8{r, g, b}, "plane %d", k)
		_, err=os.Stat(filepath.Join(ds.OutputDir, dataset.PreviewFileName(k)))
		assert.NoError(t, err)
	}
	_, err=os.Stat(filepath.Join(ds.OutputDir, fmt.Sprintf(GridFilePattern, "nuclei")))
	assert.NoError(t, err)

	run, err:=l.GetRun(res.RunID)
	require.NoError(t, err)
	assert.True(t, run.Finished())

	log.Reset()
	again, err:=Sweep(context.Background(), ds, s, SweepOptions{Ledger: l, Log: &log, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, res.RunID, again.RunID)
	assert.Equal(t, 40, again.Skipped)
	assert.Equal(t, 0, again.Done)
	assert.Contains(t, log.String(), "restored grid")
}

// A source failing to read one depth plane
type failingSource struct {
	*volume.Volume
	bad int
}

func (f *failingSource) ReadRegion(r volume.Region) (*volume.Volume, error) {
	if r.Depth0<=f.bad && f.bad<r.Depth1 {
		return nil, errors.New("simulated read error")
	}
	return f.Volume.ReadRegion(r)
}

func TestSweepSkipsFailingPlanes(t *testing.T) {
	shape:=volume.Shape{Rows: 16, Depth: 8, Cols: 16}
	vol:=constVolume(shape, 1000)
	blocks, err:=volume.NewBlockMeanSource(vol, 4)
	require.NoError(t, err)
	nuc:=dataset.Channel{Name: "nuclei", Full: &failingSource{Volume: vol, bad: 3}, Blocks: blocks}
	cyto, err:=dataset.NewChannel("cyto", constVolume(shape, 500), 4)
	require.NoError(t, err)
	ds, err:=dataset.New("failing", nuc, cyto, 4, filepath.Join(t.TempDir(), "RGB"))
	require.NoError(t, err)

	s:=flatSettings(t)
	l:=openLedger(t)
	var log bytes.Buffer
	res, err:=Sweep(context.Background(), ds, s, SweepOptions{Ledger: l, Log: &log})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Done)
	assert.Equal(t, 1, res.Failed)
	assert.Error(t, res.Failures[3])
	assert.True(t, strings.Contains(log.String(), "3: Error"))

	failed, err:=l.FailedPlanes(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, failed)
	from, err:=l.ResumeFrom(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, from)

	run, err:=l.GetRun(res.RunID)
	require.NoError(t, err)
	assert.False(t, run.Finished())
}

func TestSweepScalarRange(t *testing.T) {
	shape:=volume.Shape{Rows: 8, Depth: 10, Cols: 8}
	ds:=newTestDataset(t, shape, 100, 500, 4)
	s:=config.DefaultSettings()
	s.Nuclei.Background, s.Cyto.Background=50, 50

	res, err:=Sweep(context.Background(), ds, s, SweepOptions{From: 2, To: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Done)
	assert.Nil(t, res.NucleiGrid)
	assert.NotEmpty(t, res.RunID)

	_, err=os.Stat(filepath.Join(ds.OutputDir, dataset.PlaneFileName(1)))
	assert.True(t, os.IsNotExist(err))
	_, err=os.Stat(filepath.Join(ds.OutputDir, dataset.PlaneFileName(4)))
	assert.NoError(t, err)

	_, err=Sweep(context.Background(), ds, s, SweepOptions{From: 10})
	var se *volume.InputShapeError
	assert.True(t, errors.As(err, &se))
}

func TestSweepFlatFieldRejectsPartialTiles(t *testing.T) {
	ds:=newTestDataset(t, volume.Shape{Rows: 20, Depth: 8, Cols: 24}, 1000, 500, 4)
	_, err:=Sweep(context.Background(), ds, flatSettings(t), SweepOptions{})
	var se *volume.InputShapeError
	assert.True(t, errors.As(err, &se), "got %v", err)
}

func TestSweepNucleiOnlyWithEmptyCyto(t *testing.T) {
	ds:=newTestDataset(t, volume.Shape{Rows: 8, Depth: 4, Cols: 8}, 1000, 0, 4)
	s:=config.DefaultSettings()
	require.NoError(t, s.ApplyPreset("nuclei-only"))
	var log bytes.Buffer
	res, err:=Sweep(context.Background(), ds, s, SweepOptions{Log: &log})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Done)
	assert.Equal(t, 0, res.Failed)
	assert.Contains(t, log.String(), "Channel cyto: skipping")

	v:=math.Pow(800, 0.85)*(65535.0/8500)*(255.0/65535)
	want:=expectedPixel(s.Coefficients(), float64(float32(v)), 0)
	rgb, err:=volume.ReadRGBTIFF(filepath.Join(ds.OutputDir, dataset.PlaneFileName(2)))
	require.NoError(t, err)
	r, g, b:=rgb.At(3, 3)
	assert.Equal(t, want, [3]uint8{r, g, b})
}

func TestSweepCancelled(t *testing.T) {
	ds:=newTestDataset(t, volume.Shape{Rows: 16, Depth: 16, Cols: 16}, 1000, 500, 4)
	ctx, cancel:=context.WithCancel(context.Background())
	cancel()
	_, err:=Sweep(ctx, ds, flatSettings(t), SweepOptions{})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestPlaneMemoryMB(t *testing.T) {
	assert.Equal(t, 1, PlaneMemoryMB(volume.Shape{Rows: 10, Depth: 1, Cols: 10}))
	assert.Equal(t, 35, PlaneMemoryMB(volume.Shape{Rows: 1024, Depth: 1, Cols: 1024}))
}
