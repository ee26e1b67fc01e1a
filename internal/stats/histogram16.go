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


package stats

import (
	"math"
	"runtime"
	"sync"

	"github.com/mlnoga/falsecolor/internal/volume"
)

// Exact histogram over the unsigned 16-bit range with one bin per intensity.
// Rank selection on it equals selection on the sorted values for integer data,
// without holding the data in memory.
type Histogram16 struct {
	Bins  []uint64
	Total uint64
}

func NewHistogram16() *Histogram16 {
	return &Histogram16{Bins: make([]uint64, 65536)}
}

// Adds values, rounding to the nearest integer and clamping to [0,65535]. Ignores NaNs
func (h *Histogram16) Add(data []float32) {
	for _,v:=range data {
		if v!=v { continue }
		var b int
		if v<=0 {
			b=0
		} else if v>=65535 {
			b=65535
		} else {
			b=int(math.Round(float64(v)))
		}
		h.Bins[b]++
	}
	h.Total+=uint64(len(data))
}

// Adds all counts of another histogram
func (h *Histogram16) Merge(o *Histogram16) {
	for i,c:=range o.Bins { h.Bins[i]+=c }
	h.Total+=o.Total
}

// First bin strictly above threshold
func firstBinAbove(threshold float32) int {
	if threshold<0 { return 0 }
	b:=int(math.Floor(float64(threshold)))+1
	if b>65536 { b=65536 }
	return b
}

// Number of values strictly above threshold
func (h *Histogram16) CountAbove(threshold float32) uint64 {
	n:=uint64(0)
	for _,c:=range h.Bins[firstBinAbove(threshold):] { n+=c }
	return n
}

// Value with the given zero-based rank among the values strictly above threshold
func (h *Histogram16) RankAbove(threshold float32, rank uint64) float32 {
	first:=firstBinAbove(threshold)
	seen:=uint64(0)
	for b:=first; b<len(h.Bins); b++ {
		seen+=h.Bins[b]
		if seen>rank { return float32(b) }
	}
	return 65535
}

// Estimates levels exactly as EstimateLevels does on the underlying integer data
func (h *Histogram16) Levels(threshold float32) (Levels, error) {
	n:=h.CountAbove(threshold)
	if n==0 {
		return Levels{}, &EmptyForegroundError{Threshold: threshold, Count: int(h.Total)}
	}
	return LevelsFromForeground(h.RankAbove(threshold, uint64(ForegroundRank(int(n))))), nil
}

// Streams a source into a histogram in regions of one plane and at most strip x strip
// voxels, using up to maxThreads workers with one partial histogram each, and estimates
// levels from it. Memory is bounded by one region per worker. A strip <=0 reads whole
// planes. Exact for integer-valued sources.
func EstimateLevelsFromSource(src volume.Source, threshold float32, strip, maxThreads int) (Levels, *Histogram16, error) {
	s:=src.GetShape()
	if strip<=0 { strip=max(s.Rows, s.Cols, 1) }
	rowStrips, colStrips:=(s.Rows+strip-1)/strip, (s.Cols+strip-1)/strip
	numRegions:=s.Depth*rowStrips*colStrips
	if maxThreads<1 { maxThreads=runtime.GOMAXPROCS(0) }
	if maxThreads>numRegions { maxThreads=numRegions }

	regions:=make(chan volume.Region, numRegions)
	for d:=0; d<s.Depth; d++ {
		for r:=0; r<rowStrips; r++ {
			for c:=0; c<colStrips; c++ {
				regions <- volume.Region{
					Row0: r*strip, Row1: (r+1)*strip,
					Depth0: d, Depth1: d+1,
					Col0: c*strip, Col1: (c+1)*strip,
				}.Clip(s)
			}
		}
	}
	close(regions)

	partials:=make([]*Histogram16, maxThreads)
	errs    :=make([]error, maxThreads)
	wg:=sync.WaitGroup{}
	for w:=0; w<maxThreads; w++ {
		partials[w]=NewHistogram16()
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r:=range regions {
				v, err:=src.ReadRegion(r)
				if err!=nil {
					errs[w]=err
					return
				}
				partials[w].Add(v.Data)
			}
		}(w)
	}
	wg.Wait()

	h:=NewHistogram16()
	for w, p:=range partials {
		if errs[w]!=nil { return Levels{}, nil, errs[w] }
		h.Merge(p)
	}
	lv, err:=h.Levels(threshold)
	return lv, h, err
}
