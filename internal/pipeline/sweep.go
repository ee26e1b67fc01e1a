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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"
	"gopkg.in/yaml.v3"

	"github.com/mlnoga/falsecolor/internal"
	"github.com/mlnoga/falsecolor/internal/checkpoint"
	"github.com/mlnoga/falsecolor/internal/config"
	"github.com/mlnoga/falsecolor/internal/dataset"
	"github.com/mlnoga/falsecolor/internal/flatfield"
	"github.com/mlnoga/falsecolor/internal/kernel"
	"github.com/mlnoga/falsecolor/internal/stats"
	"github.com/mlnoga/falsecolor/internal/volume"
)

// Name of the flat-field grid files written next to the RGB planes
const GridFilePattern="flatfield-%s.gob.gz"

// Options for sweeping a volume
type SweepOptions struct {
	From   int                // first plane
	To     int                // one past the last plane, depth if <=0
	Resume bool               // continue the latest run of the dataset
	Ledger *checkpoint.Ledger // optional run ledger
	Log    io.Writer
}

// Outcome of a sweep
type SweepResult struct {
	RunID      string
	From, To   int
	Done       int
	Failed     int
	Skipped    int             // planes already finished by an earlier run
	Failures   map[int]error
	Levels     [2]stats.Levels // nuclei, cyto
	NucleiGrid *flatfield.Grid // nil in scalar mode
	CytoGrid   *flatfield.Grid
	Workers    int
	Elapsed    time.Duration
}

func (r *SweepResult) String() string {
	return fmt.Sprintf("run %s planes [%d,%d): %d done, %d failed, %d skipped, %d workers, %v",
		r.RunID, r.From, r.To, r.Done, r.Failed, r.Skipped, r.Workers, r.Elapsed)
}

// Channel normalization shared by all planes of a sweep. Immutable once built.
type channelModel struct {
	name   string
	skip   bool            // zero coefficients, contributes nothing
	levels stats.Levels
	grid   *flatfield.Grid // flat-field mode only
	bg, nf float64         // scalar mode only
}

// False colors all planes of a dataset. Phase one estimates global levels and flat-field grids,
// or restores them from the ledger or grid files when resuming. Channels with zero
// coefficients are neither estimated nor read. Phase two colors planes with
// a memory bounded pool of workers, each owning its interpolators and working on a
// contiguous range of planes. Failing planes are logged, recorded and skipped.
func Sweep(ctx context.Context, ds *dataset.Dataset, s *config.Settings, opt SweepOptions) (*SweepResult, error) {
	start:=time.Now()
	log:=opt.Log
	if log==nil { log=io.Discard }
	if err:=s.Validate(); err!=nil { return nil, err }

	shape:=ds.Shape()
	res:=&SweepResult{From: opt.From, To: opt.To, Failures: map[int]error{}}
	if res.To<=0 || res.To>shape.Depth { res.To=shape.Depth }
	if res.From<0 || res.From>=res.To {
		return nil, volume.ShapeErrorf("sweep", "plane range [%d,%d) outside depth %d", opt.From, opt.To, shape.Depth)
	}
	if s.FlatField.Enabled {
		if err:=flatfield.CheckExtent(shape.Rows, shape.Cols, s.FlatField.TileSize); err!=nil { return nil, err }
	}

	outDir:=s.Output.Dir
	if outDir=="" { outDir=ds.OutputDir }
	if err:=os.MkdirAll(outDir, 0755); err!=nil { return nil, err }

	done, err:=startRun(ds, s, opt, res, log)
	if err!=nil { return nil, err }

	// phase one
	models, err:=buildModels(ctx, ds, s, opt, res, outDir, log)
	if err!=nil { return nil, err }
	res.Levels=[2]stats.Levels{models[0].levels, models[1].levels}
	res.NucleiGrid, res.CytoGrid=models[0].grid, models[1].grid

	// phase two
	var planes []int
	for k:=res.From; k<res.To; k++ {
		if done[k] {
			res.Skipped++
			continue
		}
		planes=append(planes, k)
	}
	res.Workers=planeWorkers(shape, s, len(planes))
	fmt.Fprintf(log, "Sweeping %d planes of %s with %d workers into %s\n", len(planes), ds, res.Workers, outDir)

	var mutex sync.Mutex
	var wg sync.WaitGroup
	chunk:=(len(planes)+res.Workers-1)/max(res.Workers, 1)
	for w:=0; w<res.Workers; w++ {
		lo, hi:=w*chunk, min((w+1)*chunk, len(planes))
		if lo>=hi { break }
		wg.Add(1)
		go func(mine []int) {
			defer wg.Done()
			pw:=newPlaneWorker(ds, s, models, outDir)
			for _,k:=range mine {
				if ctx.Err()!=nil { return }
				err:=pw.process(k)
				if err!=nil {
					fmt.Fprintf(log, "%d: Error: %s\n", k, err.Error())
				} else {
					fmt.Fprintf(log, "%d: Wrote %s\n", k, dataset.PlaneFileName(k))
				}
				recordPlane(opt.Ledger, res.RunID, k, err, log)

				mutex.Lock()
				if err!=nil {
					res.Failed++
					res.Failures[k]=err
				} else {
					res.Done++
				}
				mutex.Unlock()
			}
		}(planes[lo:hi])
	}
	wg.Wait()

	res.Elapsed=time.Since(start)
	if err:=ctx.Err(); err!=nil {
		fmt.Fprintf(log, "Sweep interrupted: %s\n", res)
		return res, err
	}
	if opt.Ledger!=nil && res.Failed==0 {
		if err:=opt.Ledger.FinishRun(res.RunID); err!=nil { return res, err }
	}
	fmt.Fprintf(log, "Sweep finished: %s\n", res)
	return res, nil
}

// Creates or resumes the run, and returns the planes finished before
func startRun(ds *dataset.Dataset, s *config.Settings, opt SweepOptions, res *SweepResult, log io.Writer) (map[int]bool, error) {
	l:=opt.Ledger
	if l==nil {
		res.RunID=uuid.NewString()
		return map[int]bool{}, nil
	}
	if opt.Resume {
		run, err:=l.LatestRun(ds.Name)
		if err==nil && run.Depth==ds.Shape().Depth {
			res.RunID=run.ID
			from, err:=l.ResumeFrom(run.ID)
			if err!=nil { return nil, err }
			done, err:=l.DonePlanes(run.ID)
			if err!=nil { return nil, err }
			fmt.Fprintf(log, "Resuming run %s from plane %d, %d planes finished\n", run.ID, from, len(done))
			return done, nil
		}
		if err!=nil && !errors.Is(err, checkpoint.ErrNotFound) { return nil, err }
		fmt.Fprintf(log, "No run to resume for %s, starting a new one\n", ds.Name)
	}
	settings, err:=yaml.Marshal(s)
	if err!=nil { return nil, err }
	id, err:=l.StartRun(ds.Name, ds.Shape().Depth, string(settings))
	if err!=nil { return nil, err }
	res.RunID=id
	return map[int]bool{}, nil
}

func recordPlane(l *checkpoint.Ledger, runID string, k int, perr error, log io.Writer) {
	if l==nil { return }
	status, msg:=checkpoint.StatusDone, ""
	if perr!=nil { status, msg=checkpoint.StatusFailed, perr.Error() }
	if err:=l.MarkPlane(runID, k, status, msg); err!=nil {
		fmt.Fprintf(log, "%d: Warning: %s\n", k, err.Error())
	}
}

// Estimates levels and flat-field grids for both channels concurrently
func buildModels(ctx context.Context, ds *dataset.Dataset, s *config.Settings, opt SweepOptions,
	             res *SweepResult, outDir string, log io.Writer) ([2]*channelModel, error) {
	channels:=[2]dataset.Channel{ds.Nuclei, ds.Cyto}
	settings:=[2]config.ChannelSettings{s.Nuclei, s.Cyto}
	var active [2]bool
	active[0], active[1]=s.Coefficients().Active()
	var models [2]*channelModel
	var errs [2]error
	var wg sync.WaitGroup
	for i:=range channels {
		if !active[i] {
			models[i]=&channelModel{name: channels[i].Name, skip: true}
			fmt.Fprintf(log, "Channel %s: skipping, zero coefficients\n", channels[i].Name)
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			models[i], errs[i]=buildModel(ctx, channels[i], ds.BlockSize, settings[i], s, opt, res.RunID, outDir, log)
		}(i)
	}
	wg.Wait()
	for _,err:=range errs {
		if err!=nil { return models, err }
	}
	return models, nil
}

func buildModel(ctx context.Context, ch dataset.Channel, blockSize int, cs config.ChannelSettings, s *config.Settings,
	            opt SweepOptions, runID, outDir string, log io.Writer) (*channelModel, error) {
	m:=&channelModel{name: ch.Name}
	threads:=s.Processing.MaxThreads
	if threads<=0 { threads=runtime.GOMAXPROCS(0) }
	strip:=max(s.FlatField.TileSize/blockSize, 1)  // one tile of blocks per read

	if !s.FlatField.Enabled {
		lv, _, err:=stats.EstimateLevelsFromSource(ch.Blocks, float32(cs.Threshold), strip, threads)
		if err!=nil { return nil, fmt.Errorf("%s: %w", ch.Name, err) }
		m.levels=lv
		m.bg, m.nf=cs.Background, cs.NormFactor
		if m.bg<=0 { m.bg=float64(lv.Background) }
		if m.nf<=0 {
			sample, err:=volume.ReadPlane(ch.Blocks, ch.Blocks.GetShape().Depth/2, ch.Blocks.GetShape().Rows, ch.Blocks.GetShape().Cols)
			if err!=nil { return nil, err }
			if m.nf, err=kernel.AdaptiveNormFactor(sample.Data, m.bg); err!=nil { return nil, fmt.Errorf("%s: %w", ch.Name, err) }
		}
		fmt.Fprintf(log, "Channel %s: %s, subtracting %.1f, normalizing by %.1f\n", ch.Name, lv, m.bg, m.nf)
		return m, nil
	}

	est:=flatfield.NewEstimator(s.FlatField.TileSize, blockSize)
	est.MaxThreads, est.Log=threads, log
	want, err:=est.GridShape(ch.Blocks.GetShape())
	if err!=nil { return nil, fmt.Errorf("%s: %w", ch.Name, err) }

	gridFile:=filepath.Join(outDir, fmt.Sprintf(GridFilePattern, ch.Name))
	if opt.Resume {
		if g:=restoreGrid(opt.Ledger, runID, ch.Name, gridFile, want, s.FlatField.TileSize, blockSize, log); g!=nil {
			m.grid, m.levels=g, g.Levels
			if opt.Ledger!=nil {
				if err:=opt.Ledger.SaveGrid(runID, ch.Name, g); err!=nil { return nil, err }
			}
			return m, nil
		}
	}

	lv, _, err:=stats.EstimateLevelsFromSource(ch.Blocks, float32(cs.Threshold), strip, threads)
	if err!=nil { return nil, fmt.Errorf("%s: %w", ch.Name, err) }
	fmt.Fprintf(log, "Channel %s: %s\n", ch.Name, lv)

	g, err:=est.Estimate(ctx, ch.Blocks, lv)
	if err!=nil { return nil, fmt.Errorf("%s: %w", ch.Name, err) }
	m.grid, m.levels=g, lv

	if opt.Ledger!=nil {
		if err:=opt.Ledger.SaveGrid(runID, ch.Name, g); err!=nil { return nil, err }
	}
	if err:=g.Save(gridFile); err!=nil { return nil, err }
	return m, nil
}

// Restores a grid from the ledger or grid file, if it matches the settings
func restoreGrid(l *checkpoint.Ledger, runID, name, gridFile string, want volume.Shape, tileSize, blockSize int, log io.Writer) *flatfield.Grid {
	var g *flatfield.Grid
	var err error
	from:="ledger"
	if l!=nil {
		g, err=l.LoadGrid(runID, name)
	}
	if g==nil {
		from=gridFile
		g, err=flatfield.LoadGrid(gridFile)
	}
	if err!=nil {
		fmt.Fprintf(log, "Channel %s: no grid to restore (%s), estimating\n", name, err.Error())
		return nil
	}
	if g.TileSize!=tileSize || g.BlockSize!=blockSize {
		fmt.Fprintf(log, "Channel %s: restored grid has tiles of %d and blocks of %d, estimating\n", name, g.TileSize, g.BlockSize)
		return nil
	}
	if got:=(volume.Shape{Rows: g.RowTiles, Depth: g.DepthTiles, Cols: g.ColTiles}); got!=want {
		fmt.Fprintf(log, "Channel %s: restored grid has %v tiles, want %v, estimating\n", name, got, want)
		return nil
	}
	fmt.Fprintf(log, "Channel %s: restored grid %s from %s\n", name, g, from)
	return g
}

// Number of concurrent plane workers, bounded by threads, memory and work
func planeWorkers(shape volume.Shape, s *config.Settings, planes int) int {
	threads:=s.Processing.MaxThreads
	if threads<=0 { threads=runtime.GOMAXPROCS(0) }

	budgetMB:=s.Processing.MemoryMB
	if budgetMB<=0 { budgetMB=int(memory.TotalMemory()/1024/1024)*7/10 }
	perPlaneMB:=PlaneMemoryMB(shape)
	byMemory:=budgetMB/max(perPlaneMB, 1)

	workers:=min(threads, byMemory, planes)
	return max(workers, 1)
}

// Approximate working memory of one plane worker in MB: two raw channels,
// two fields, four cached upsampled tile slices, and the RGB output
func PlaneMemoryMB(shape volume.Shape) int {
	px:=int64(shape.Rows)*int64(shape.Cols)
	return int((px*(4*(2+2+4)+3)+(1<<20)-1)>>20)
}

// Per-worker state for coloring planes
type planeWorker struct {
	ds      *dataset.Dataset
	s       *config.Settings
	models  [2]*channelModel
	interps [2]*flatfield.Interpolator
	outDir  string
	coeffs  kernel.Coefficients
}

func newPlaneWorker(ds *dataset.Dataset, s *config.Settings, models [2]*channelModel, outDir string) *planeWorker {
	pw:=&planeWorker{ds: ds, s: s, models: models, outDir: outDir, coeffs: s.Coefficients()}
	for i,m:=range models {
		if m.grid!=nil { pw.interps[i]=flatfield.NewInterpolator(m.grid) }
	}
	return pw
}

// Colors plane k and writes it to the output directory
func (pw *planeWorker) process(k int) error {
	shape:=pw.ds.Shape()
	n:=shape.Rows*shape.Cols
	norm:=[2][]float32{internal.GetArrayOfFloat32FromPool(n), internal.GetArrayOfFloat32FromPool(n)}
	defer internal.PutArrayOfFloat32IntoPool(norm[0])
	defer internal.PutArrayOfFloat32IntoPool(norm[1])

	for i,src:=range [2]volume.Source{pw.ds.Nuclei.Full, pw.ds.Cyto.Full} {
		if pw.models[i].skip {
			clear(norm[i])
			continue
		}
		p, err:=volume.ReadPlane(src, k, shape.Rows, shape.Cols)
		if err!=nil { return fmt.Errorf("reading %s: %w", pw.models[i].name, err) }
		if err:=pw.normalize(i, k, p, norm[i]); err!=nil { return err }
	}

	rgb:=volume.NewRGB(k, shape.Rows, shape.Cols)
	if err:=kernel.Composite(rgb.Pix, norm[0], norm[1], pw.coeffs); err!=nil { return err }
	if err:=rgb.WriteTIFFToFile(filepath.Join(pw.outDir, dataset.PlaneFileName(k))); err!=nil { return err }
	if pw.s.Output.JPEG {
		if err:=rgb.WriteJPGToFile(filepath.Join(pw.outDir, dataset.PreviewFileName(k)), pw.s.Output.JPEGQuality); err!=nil { return err }
	}
	return nil
}

func (pw *planeWorker) normalize(i, k int, p *volume.Plane, dst []float32) error {
	m:=pw.models[i]
	if ip:=pw.interps[i]; ip!=nil {
		field:=internal.GetArrayOfFloat32FromPool(len(p.Data))
		defer internal.PutArrayOfFloat32IntoPool(field)
		if err:=ip.FieldInto(field, k, p.Rows, p.Cols); err!=nil { return fmt.Errorf("%s: %w", m.name, err) }
		return kernel.NormalizeFlat(dst, p.Data, field)
	}
	return kernel.NormalizeScalar(dst, p.Data, m.bg, m.nf)
}
