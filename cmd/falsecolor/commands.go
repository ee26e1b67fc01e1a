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


package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mlnoga/falsecolor/internal/checkpoint"
	"github.com/mlnoga/falsecolor/internal/config"
	"github.com/mlnoga/falsecolor/internal/dataset"
	"github.com/mlnoga/falsecolor/internal/flatfield"
	"github.com/mlnoga/falsecolor/internal/ops"
	"github.com/mlnoga/falsecolor/internal/pipeline"
	"github.com/mlnoga/falsecolor/internal/postproc"
	"github.com/mlnoga/falsecolor/internal/rest"
	"github.com/mlnoga/falsecolor/internal/stats"
	"github.com/mlnoga/falsecolor/internal/volume"
)

// Number of histogram bins for noise floor fits
const noiseBins=256

// Shows statistics of each channel image
func cmdStats(args []string, s *config.Settings, logWriter io.Writer) error {
	if len(args)==0 { return errors.New("stats needs at least one image file") }
	threshold:=float32(*statsThreshold)
	if threshold<=0 { threshold=float32(s.Nuclei.Threshold) }
	var fileNames []string
	for _,pattern:=range args {
		matches, err:=filepath.Glob(pattern)
		if err!=nil { return err }
		fileNames=append(fileNames, matches...)
	}
	if len(fileNames)==0 { return errors.New(fmt.Sprintf("no files match %v", args)) }

	for id,fileName:=range fileNames {
		p, err:=volume.ReadPlaneTIFF(fileName)
		if err!=nil { return err }
		fmt.Fprintf(logWriter, "%d: %s %s\n", id, fileName, p)
		fmt.Fprintf(logWriter, "%d: %s\n", id, stats.Summarize(p.Data, threshold))

		lv, err:=stats.EstimateLevelsSampled(p.Data, threshold, *samples)
		if err!=nil {
			fmt.Fprintf(logWriter, "%d: Warning: %s\n", id, err.Error())
		} else {
			fmt.Fprintf(logWriter, "%d: %s\n", id, lv)
		}
		if mode, stdDev, err:=stats.NoiseFloor(p.Data, threshold, noiseBins); err!=nil {
			fmt.Fprintf(logWriter, "%d: No noise floor: %s\n", id, err.Error())
		} else {
			fmt.Fprintf(logWriter, "%d: Noise floor %.1f stddev %.2f\n", id, mode, stdDev)
		}

		if *hist!="" {
			histName:=*hist
			if strings.Contains(histName, "%d") { histName=fmt.Sprintf(*hist, id) }
			if err:=writeHistogram(histName, filepath.Base(fileName), p.Data, threshold, lv); err!=nil { return err }
			fmt.Fprintf(logWriter, "%d: Wrote histogram to %s\n", id, histName)
		}
	}
	return nil
}

// False colors channel image pairs through an operator graph
func cmdColor(ctx context.Context, args []string, s *config.Settings, logWriter io.Writer) error {
	if len(args)!=2 { return errors.New("color needs a nuclear and a cytoplasmic image file or pattern") }
	if *out=="" { *out="rgb.tif" }
	if *jpg=="%auto" { *jpg=autoFileName(*out, ".jpg") }
	printSettings(logWriter, s)

	inner:=ops.NewOpSequence(
		ops.NewOpFalseColor(nil),
		ops.NewOpSharpen(float32(*sharpen)),
		ops.NewOpMaskEmpty(postproc.DefaultEmptyOptions(), *blank),
		ops.NewOpSave(*out, "rgb"),
		ops.NewOpSave(*jpg, "rgb"),
	)
	if *mask!="" {
		inner.Append(ops.NewOpSegmentNuclei(postproc.DefaultSegmentOptions()), ops.NewOpSave(*mask, "mask"))
	}
	seq:=ops.NewOpSequence(ops.NewOpLoadPairs(args[0], args[1]), ops.NewOpForEach(inner))

	m, err:=json.MarshalIndent(seq, "", "  ")
	if err!=nil { return err }
	fmt.Fprintf(logWriter, "\nColoring with these operators:\n%s\n", string(m))

	c:=ops.NewContext(logWriter, s)
	c.Ctx=ctx
	fmt.Fprintf(logWriter, "Running on %s\n", c.CPUString())
	promises, err:=seq.MakePromises(nil, c)
	if err!=nil { return err }
	_, err=ops.MaterializeAll(promises, c.MaxThreads, true)
	return err
}

func openDataset(args []string) (*dataset.Dataset, error) {
	if len(args)!=1 { return nil, errors.New("needs exactly one dataset manifest") }
	m, err:=dataset.LoadManifest(args[0])
	if err!=nil { return nil, err }
	ds, err:=dataset.Open(m)
	if err!=nil { return nil, err }
	if *out!="" { ds.OutputDir=*out }
	return ds, nil
}

// False colors all planes of a dataset
func cmdSweep(ctx context.Context, args []string, s *config.Settings, logWriter io.Writer) error {
	ds, err:=openDataset(args)
	if err!=nil { return err }
	defer ds.Close()
	if *jpg!="" && *jpg!="%auto" { s.Output.JPEG=true }
	printSettings(logWriter, s)

	opt:=pipeline.SweepOptions{From: *from, To: *to, Resume: *resume, Log: logWriter}
	ledgerFile:=*ledger
	if ledgerFile=="%auto" { ledgerFile=filepath.Join(ds.OutputDir, "checkpoint.db") }
	if ledgerFile!="" {
		if err:=ensureDir(ds.OutputDir); err!=nil { return err }
		l, err:=checkpoint.Open(ledgerFile)
		if err!=nil { return err }
		defer l.Close()
		opt.Ledger=l
	}

	res, err:=pipeline.Sweep(ctx, ds, s, opt)
	if err!=nil { return err }
	if res.Failed>0 {
		return errors.New(fmt.Sprintf("%d of %d planes failed, rerun with -resume to retry", res.Failed, res.To-res.From))
	}
	return nil
}

// Estimates and saves the flat-field grids of both channels of a dataset
func cmdFlatField(ctx context.Context, args []string, s *config.Settings, logWriter io.Writer) error {
	ds, err:=openDataset(args)
	if err!=nil { return err }
	defer ds.Close()
	if err:=ensureDir(ds.OutputDir); err!=nil { return err }

	maxThreads:=s.Processing.MaxThreads
	if maxThreads<=0 { maxThreads=runtime.GOMAXPROCS(0) }
	est:=flatfield.NewEstimator(s.FlatField.TileSize, ds.BlockSize)
	est.MaxThreads, est.Log=maxThreads, logWriter
	step, err:=est.Step()
	if err!=nil { return err }

	var active [2]bool
	active[0], active[1]=s.Coefficients().Active()
	for i,ch:=range []dataset.Channel{ds.Nuclei, ds.Cyto} {
		if !active[i] {
			fmt.Fprintf(logWriter, "Channel %s: skipping, zero coefficients\n", ch.Name)
			continue
		}
		cs:=[]config.ChannelSettings{s.Nuclei, s.Cyto}[i]
		lv, _, err:=stats.EstimateLevelsFromSource(ch.Blocks, float32(cs.Threshold), step, maxThreads)
		if err!=nil { return errors.New(fmt.Sprintf("%s: %s", ch.Name, err.Error())) }
		fmt.Fprintf(logWriter, "Channel %s: %s\n", ch.Name, lv)

		g, err:=est.Estimate(ctx, ch.Blocks, lv)
		if err!=nil { return err }
		fmt.Fprintf(logWriter, "Channel %s: %s\n", ch.Name, g)
		if g.Size()<=64 { fmt.Fprint(logWriter, g.CellsString()) }

		fileName:=filepath.Join(ds.OutputDir, fmt.Sprintf(pipeline.GridFilePattern, ch.Name))
		if err:=g.Save(fileName); err!=nil { return err }
		fmt.Fprintf(logWriter, "Channel %s: Wrote grid to %s\n", ch.Name, fileName)
	}
	return nil
}

// Serves the REST API until the process is interrupted
func cmdServe(s *config.Settings, logWriter io.Writer) error {
	var l *checkpoint.Ledger
	if *ledger!="" && *ledger!="%auto" {
		var err error
		if l, err=checkpoint.Open(*ledger); err!=nil { return err }
		defer l.Close()
	}
	if err:=rest.MakeSandbox(logWriter, *chroot, *setuid); err!=nil { return err }
	printSettings(logWriter, s)
	fmt.Fprintf(logWriter, "Listening on %s\n", *addr)
	return rest.NewServer(s, l, *sandbox).Run(*addr)
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
