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


// Package rest serves false coloring over HTTP. Long running requests stream their
// log as plain text, short ones answer with JSON.
package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"github.com/gin-gonic/gin"

	"github.com/mlnoga/falsecolor/internal/checkpoint"
	"github.com/mlnoga/falsecolor/internal/config"
	"github.com/mlnoga/falsecolor/internal/dataset"
	"github.com/mlnoga/falsecolor/internal/ops"
	"github.com/mlnoga/falsecolor/internal/pipeline"
	"github.com/mlnoga/falsecolor/internal/stats"
	"github.com/mlnoga/falsecolor/internal/volume"
	"github.com/mlnoga/falsecolor/web"
)

// A false coloring server. Requests start from a copy of the base settings
type Server struct {
	Settings  *config.Settings
	Ledger    *checkpoint.Ledger // optional, enables resumable sweeps
	Sandboxed bool               // only accept relative paths within the working directory
	Router    *gin.Engine
}

func NewServer(s *config.Settings, ledger *checkpoint.Ledger, sandboxed bool) *Server {
	srv:=&Server{Settings: s, Ledger: ledger, Sandboxed: sandboxed, Router: gin.Default()}
	srv.Router.GET("/", getIndex)
	api:=srv.Router.Group("/api")
	{
		v1:=api.Group("/v1")
		{
			v1.GET ("/ping",       getPing)
			v1.POST("/stats",      srv.postStats)
			v1.POST("/falsecolor", srv.postFalseColor)
			v1.POST("/sweep",      srv.postSweep)
		}
	}
	return srv
}

// Listens and serves on the given address, e.g. ":8080"
func (srv *Server) Run(addr string) error {
	return srv.Router.Run(addr)
}

func getIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.IndexHTML)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err:=json.MarshalIndent(args, "", "  ")
	if err!=nil { return err }
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// Returns a copy of the base settings with the given preset applied
func (srv *Server) settings(preset string) (*config.Settings, error) {
	s:=*srv.Settings
	if preset!="" {
		if err:=s.ApplyPreset(preset); err!=nil { return nil, err }
	}
	return &s, s.Validate()
}

func (srv *Server) checkPaths(paths ...string) error {
	if !srv.Sandboxed { return nil }
	for _,p:=range paths {
		if filepath.IsAbs(p) || strings.Contains(p, "..") {
			return errors.New(fmt.Sprintf("path %s outside current directory tree", p))
		}
	}
	return nil
}

// Starts a streamed plain text response
func startStream(c *gin.Context) gin.ResponseWriter {
	logWriter:=c.Writer
	logWriter.Header().Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)
	return logWriter
}


type postStatsArgs struct {
	FileNames []string `json:"fileNames"`
	Threshold float64  `json:"threshold"` // default threshold if zero
	Samples   int      `json:"samples"`   // estimate levels from this many random pixels, all if zero
}

// Statistics of one channel image
type FileStats struct {
	FileName string        `json:"fileName"`
	Summary  stats.Summary `json:"summary"`
	Levels   *stats.Levels `json:"levels,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func (srv *Server) postStats(c *gin.Context) {
	var args postStatsArgs
	if err:=c.ShouldBindJSON(&args); err!=nil {
		badRequest(c, err)
		return
	}
	if err:=srv.checkPaths(args.FileNames...); err!=nil {
		badRequest(c, err)
		return
	}
	threshold:=float32(args.Threshold)
	if threshold<=0 { threshold=stats.DefaultThreshold }

	res:=make([]FileStats, len(args.FileNames))
	for i,fileName:=range args.FileNames {
		res[i].FileName=fileName
		p, err:=volume.ReadPlaneTIFF(fileName)
		if err!=nil {
			res[i].Error=err.Error()
			continue
		}
		res[i].Summary=stats.Summarize(p.Data, threshold)
		if lv, err:=stats.EstimateLevelsSampled(p.Data, threshold, args.Samples); err!=nil {
			res[i].Error=err.Error()
		} else {
			res[i].Levels=&lv
		}
	}
	c.JSON(http.StatusOK, res)
}


type postFalseColorArgs struct {
	NucleiPattern string          `json:"nucleiPattern"`
	CytoPattern   string          `json:"cytoPattern"`
	Preset        string          `json:"preset"`
	OutPattern    string          `json:"outPattern"` // e.g. RGB/%d.tif
	Sharpen       float32         `json:"sharpen"`
	Blank         bool            `json:"blank"`      // blank empty regions
	Graph         json.RawMessage `json:"graph"`      // custom operator graph replacing the arguments above
}

func (srv *Server) postFalseColor(c *gin.Context) {
	var args postFalseColorArgs
	if err:=c.ShouldBindJSON(&args); err!=nil {
		badRequest(c, err)
		return
	}
	s, err:=srv.settings(args.Preset)
	if err!=nil {
		badRequest(c, err)
		return
	}
	var op ops.Operator
	if hasGraph(args.Graph) {
		if op, err=ops.UnmarshalOperator(args.Graph); err!=nil {
			badRequest(c, err)
			return
		}
	} else {
		if err:=srv.checkPaths(args.NucleiPattern, args.CytoPattern, args.OutPattern); err!=nil {
			badRequest(c, err)
			return
		}
		op=ops.NewOpColorPairs(args.NucleiPattern, args.CytoPattern, nil, args.Sharpen, args.Blank, args.OutPattern)
	}

	logWriter:=startStream(c)
	if err:=printArgs(logWriter, "Arguments:\n", "\n", args); err!=nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	oc:=ops.NewContext(logWriter, s)
	oc.Ctx, oc.Sandboxed=c.Request.Context(), srv.Sandboxed
	promises, err:=op.MakePromises(nil, oc)
	if err==nil {
		var frames []*ops.Frame
		frames, err=ops.MaterializeAll(promises, oc.MaxThreads, false)
		fmt.Fprintf(logWriter, "Processed %d of %d frames\n", len(frames), len(promises))
	}
	if err!=nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	}
	logWriter.Flush()
}


// A graph is present unless omitted or given as JSON null
func hasGraph(raw json.RawMessage) bool {
	trimmed:=bytes.TrimSpace(raw)
	return len(trimmed)>0 && !bytes.Equal(trimmed, []byte("null"))
}


type postSweepArgs struct {
	Manifest string `json:"manifest"`
	Preset   string `json:"preset"`
	From     int    `json:"from"`
	To       int    `json:"to"`
	Resume   bool   `json:"resume"`
}

func (srv *Server) postSweep(c *gin.Context) {
	var args postSweepArgs
	if err:=c.ShouldBindJSON(&args); err!=nil {
		badRequest(c, err)
		return
	}
	if err:=srv.checkPaths(args.Manifest); err!=nil {
		badRequest(c, err)
		return
	}
	s, err:=srv.settings(args.Preset)
	if err!=nil {
		badRequest(c, err)
		return
	}
	m, err:=dataset.LoadManifest(args.Manifest)
	if err!=nil {
		badRequest(c, err)
		return
	}

	logWriter:=startStream(c)
	if err:=printArgs(logWriter, "Arguments:\n", "\n", args); err!=nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}
	ds, err:=dataset.Open(m)
	if err!=nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}
	defer ds.Close()

	opt:=pipeline.SweepOptions{From: args.From, To: args.To, Resume: args.Resume, Ledger: srv.Ledger, Log: logWriter}
	if _, err:=pipeline.Sweep(c.Request.Context(), ds, s, opt); err!=nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	}
	logWriter.Flush()
}
