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


package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/falsecolor/internal/checkpoint"
	"github.com/mlnoga/falsecolor/internal/config"
	"github.com/mlnoga/falsecolor/internal/dataset"
	"github.com/mlnoga/falsecolor/internal/volume"
)

func init() { gin.SetMode(gin.TestMode) }

func testServer(t *testing.T, sandboxed bool) *Server {
	t.Helper()
	s:=config.DefaultSettings()
	s.Nuclei.Background, s.Cyto.Background=50, 50
	s.Processing.MaxThreads=2
	l, err:=checkpoint.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return NewServer(s, l, sandboxed)
}

func post(t *testing.T, srv *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err:=json.Marshal(body)
	require.NoError(t, err)
	req:=httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w:=httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	return w
}

func writeConstPlane(t *testing.T, fileName string, rows, cols int, v float32) {
	t.Helper()
	p:=volume.NewPlane(rows, cols)
	for i:=range p.Data { p.Data[i]=v }
	require.NoError(t, volume.WritePlaneTIFF16(fileName, p))
}

func TestPing(t *testing.T) {
	srv:=testServer(t, true)
	w:=httptest.NewRecorder()
	srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestIndex(t *testing.T) {
	srv:=testServer(t, true)
	w:=httptest.NewRecorder()
	srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/v1/falsecolor")
}

func TestStats(t *testing.T) {
	dir:=t.TempDir()
	fileName:=filepath.Join(dir, "n.tif")
	writeConstPlane(t, fileName, 8, 8, 1000)

	w:=post(t, testServer(t, false), "/api/v1/stats", postStatsArgs{FileNames: []string{fileName, filepath.Join(dir, "missing.tif")}})
	require.Equal(t, http.StatusOK, w.Code)
	var res []FileStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res, 2)
	assert.Equal(t, 64, res[0].Summary.Count)
	require.NotNil(t, res[0].Levels)
	assert.Equal(t, float32(1000), res[0].Levels.Foreground)
	assert.Equal(t, float32(200), res[0].Levels.Background)
	assert.NotEmpty(t, res[1].Error)
}

func TestStatsSampled(t *testing.T) {
	dir:=t.TempDir()
	fileName:=filepath.Join(dir, "n.tif")
	writeConstPlane(t, fileName, 64, 64, 800)

	w:=post(t, testServer(t, false), "/api/v1/stats", postStatsArgs{FileNames: []string{fileName}, Samples: 100})
	require.Equal(t, http.StatusOK, w.Code)
	var res []FileStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res, 1)
	require.NotNil(t, res[0].Levels)
	assert.Equal(t, float32(800), res[0].Levels.Foreground)
	assert.Equal(t, float32(160), res[0].Levels.Background)
}

func TestSandboxedStatsRejectsAbsolutePaths(t *testing.T) {
	w:=post(t, testServer(t, true), "/api/v1/stats", postStatsArgs{FileNames: []string{"/etc/passwd"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w=post(t, testServer(t, true), "/api/v1/stats", postStatsArgs{FileNames: []string{"../secret.tif"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFalseColor(t *testing.T) {
	dir:=t.TempDir()
	for _,name:=range []string{"a", "b"} {
		writeConstPlane(t, filepath.Join(dir, "n_"+name+".tif"), 10, 12, 1000)
		writeConstPlane(t, filepath.Join(dir, "c_"+name+".tif"), 10, 12, 500)
	}
	args:=postFalseColorArgs{
		NucleiPattern: filepath.Join(dir, "n_*.tif"),
		CytoPattern:   filepath.Join(dir, "c_*.tif"),
		OutPattern:    filepath.Join(dir, "rgb%d.jpg"),
	}
	w:=post(t, testServer(t, false), "/api/v1/falsecolor", args)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Composited")
	assert.Contains(t, w.Body.String(), "Processed 2 of 2 frames")
	assert.NotContains(t, w.Body.String(), "error:")
	for _,name:=range []string{"rgb0.jpg", "rgb1.jpg"} {
		_, err:=os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
}

func TestFalseColorNullGraph(t *testing.T) {
	dir:=t.TempDir()
	writeConstPlane(t, filepath.Join(dir, "n_a.tif"), 10, 12, 1000)
	writeConstPlane(t, filepath.Join(dir, "c_a.tif"), 10, 12, 500)
	body:=map[string]interface{}{
		"nucleiPattern": filepath.Join(dir, "n_*.tif"),
		"cytoPattern":   filepath.Join(dir, "c_*.tif"),
		"outPattern":    filepath.Join(dir, "rgb%d.jpg"),
		"graph":         nil,
	}
	w:=post(t, testServer(t, false), "/api/v1/falsecolor", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Processed 1 of 1 frames")

	assert.False(t, hasGraph(nil))
	assert.False(t, hasGraph(json.RawMessage(" null ")))
	assert.True(t, hasGraph(json.RawMessage(`{"type":"colorPairs"}`)))
}

func TestFalseColorBadRequests(t *testing.T) {
	srv:=testServer(t, false)
	w:=post(t, srv, "/api/v1/falsecolor", postFalseColorArgs{Preset: "nonsense"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w=post(t, srv, "/api/v1/falsecolor", map[string]interface{}{"graph": map[string]interface{}{"type": "stack"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSweep(t *testing.T) {
	dir:=t.TempDir()
	shape:=volume.Shape{Rows: 8, Depth: 4, Cols: 8}
	for name, v:=range map[string]float32{"nuclei.raw": 1000, "cyto.raw": 500} {
		vol:=volume.NewVolume(shape)
		for i:=range vol.Data { vol.Data[i]=v }
		require.NoError(t, volume.WriteRaw(filepath.Join(dir, name), vol))
	}
	m:=&dataset.Manifest{
		Name: "sweep", Format: dataset.FormatRaw, Shape: shape, BlockSize: 4,
		Nuclei: dataset.ChannelFiles{Full: "nuclei.raw"},
		Cyto:   dataset.ChannelFiles{Full: "cyto.raw"},
	}
	manifest:=filepath.Join(dir, "dataset.yaml")
	require.NoError(t, m.Save(manifest))

	w:=post(t, testServer(t, false), "/api/v1/sweep", postSweepArgs{Manifest: manifest})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Sweep finished")
	for k:=0; k<shape.Depth; k++ {
		_, err:=os.Stat(filepath.Join(dir, dataset.OutputDirName, dataset.PlaneFileName(k)))
		assert.NoError(t, err)
	}

	w=post(t, testServer(t, false), "/api/v1/sweep", postSweepArgs{Manifest: filepath.Join(dir, "missing.yaml")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
