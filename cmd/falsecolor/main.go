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
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	nl "github.com/mlnoga/falsecolor/internal"
	"github.com/mlnoga/falsecolor/internal/config"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var settingsFile = flag.String("settings", "", "load settings from YAML `file`, defaults if blank")
var preset       = flag.String("preset", "", "apply named settings preset, one of "+strings.Join(config.PresetNames(), ", "))
var threads      = flag.Int("threads", 0, "maximum number of worker threads, 0=all cores")

var out  = flag.String("out", "", "save output to `file` or directory. color: RGB image, default rgb.tif; sweep and flatfield: output directory, default RGB next to the manifest")
var jpg  = flag.String("jpg", "%auto", "color: save 8bit preview as JPEG to `file`, %auto replaces suffix of output file with .jpg; sweep: any non-blank value writes per-plane JPEG previews")
var log  = flag.String("log", "%auto", "save log output to `file`. %auto replaces suffix of output file with .log")
var hist = flag.String("hist", "", "stats: save intensity histogram PNGs with given filename pattern, e.g. `hist%d.png`")
var statsThreshold = flag.Float64("threshold", 0, "stats: foreground threshold, 0=nuclear channel threshold of the settings")
var samples        = flag.Int("samples", 0, "stats: estimate levels from this many random pixels per image, 0=all")

var from   = flag.Int("from", 0, "sweep: first plane")
var to     = flag.Int("to", 0, "sweep: one past the last plane, 0=all")
var resume = flag.Bool("resume", false, "sweep: resume the latest run of the dataset from the checkpoint ledger")
var ledger = flag.String("ledger", "%auto", "sweep: checkpoint ledger `file`, %auto places checkpoint.db in the output directory, blank disables")

var sharpen = flag.Float64("sharpen", 0, "color: sharpen with given gradient weight, 0=no op")
var blank   = flag.Bool("blank", false, "color: blank empty regions to black")
var mask    = flag.String("mask", "", "color: save nuclei segmentation mask to `file`")

var addr    = flag.String("addr", ":8080", "serve: listen address")
var chroot  = flag.String("chroot", "", "serve: change filesystem root to `dir` before serving, requires root")
var setuid  = flag.Int("setuid", -1, "serve: change user id before serving, -1=no op")
var sandbox = flag.Bool("sandbox", true, "serve: only accept relative file names within the working directory")

func main() {
	logWriter:=nl.LogWriter()
	start:=time.Now()
	flag.Usage=func(){
		fmt.Fprintf(os.Stdout, `Falsecolor Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (stats|color|sweep|flatfield|serve|legal|version) (args...)

Commands:
  stats     Show channel image statistics: levels, noise floor and intensity histogram
  color     False color a nuclear and a cytoplasmic channel image, or file patterns of pairs
  sweep     False color all planes of the dataset described by a manifest
  flatfield Estimate and save the flat-field grids of the dataset described by a manifest
  serve     Serve false coloring via REST API
  legal     Show license and attribution information
  version   Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args:=flag.Args()
	if len(args)<1 {
		flag.Usage()
		return
	}

	// Initialize logging to file in addition to stdout, if selected
	if *log=="%auto" {
		*log=autoFileName(*out, ".log")
	}
	if *log!="" {
		if err:=nl.LogAlsoToFile(*log); err!=nil { nl.LogFatalf("Unable to open logfile '%s'\n", *log) }
	}
	defer nl.LogSync()

	// Enable CPU profiling if flagged
	if *cpuprofile!="" {
		f, err:=os.Create(*cpuprofile)
		if err!=nil { nl.LogFatal("Could not create CPU profile: ", err) }
		defer f.Close()
		if err:=pprof.StartCPUProfile(f); err!=nil { nl.LogFatal("Could not start CPU profile: ", err) }
		defer pprof.StopCPUProfile()
	}

	s, err:=loadSettings()
	if err!=nil {
		fmt.Fprintf(logWriter, "Error loading settings: %s\n", err.Error())
		os.Exit(-1)
	}

	// cancel sweeps and servers on interrupt
	ctx, stop:=signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "stats":
		err=cmdStats(args[1:], s, logWriter)

	case "color":
		err=cmdColor(ctx, args[1:], s, logWriter)

	case "sweep":
		err=cmdSweep(ctx, args[1:], s, logWriter)

	case "flatfield":
		err=cmdFlatField(ctx, args[1:], s, logWriter)

	case "serve":
		err=cmdServe(s, logWriter)

	case "legal":
		fmt.Fprint(logWriter, legal)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))

	// Store memory profile if flagged
	if *memprofile!="" {
		f, err:=os.Create(*memprofile)
		if err!=nil { nl.LogFatal("Could not create memory profile: ", err) }
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err:=pprof.Lookup("allocs").WriteTo(f, 0); err!=nil { nl.LogFatal("Could not write allocation profile: ", err) }
	}

	if err!=nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		nl.LogSync()
		os.Exit(-1)
	}
}

// Replaces the suffix of the given file name, or returns blank if there is none
func autoFileName(fileName, suffix string) string {
	if fileName=="" { return "" }
	return strings.TrimSuffix(fileName, filepath.Ext(fileName))+suffix
}

// Loads the settings file if given, then applies the preset and flag overrides
func loadSettings() (*config.Settings, error) {
	s:=config.DefaultSettings()
	if *settingsFile!="" {
		var err error
		if s, err=config.LoadSettings(*settingsFile); err!=nil { return nil, err }
	}
	if *preset!="" {
		if err:=s.ApplyPreset(*preset); err!=nil { return nil, err }
	}
	if *threads>0 {
		s.Processing.MaxThreads=*threads
	}
	return s, s.Validate()
}

func printSettings(logWriter io.Writer, s *config.Settings) {
	fmt.Fprintf(logWriter, "Using preset %s, thresholds %g/%g, flat field %v, coefficients %s\n",
		s.Preset, s.Nuclei.Threshold, s.Cyto.Threshold, s.FlatField.Enabled, s.Coefficients())
}
