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


// Package stats estimates foreground and background intensity levels of
// microscopy channels, and provides the histogram tools built on them.
package stats

import (
	"fmt"
	"math"

	"github.com/mlnoga/falsecolor/internal/qsort"
	"github.com/valyala/fastrand"
)

// Intensity above which a voxel counts as foreground candidate
const DefaultThreshold=50

// Rank of the foreground level among the values above threshold
const ForegroundPercentile=0.95

// Background level is the foreground level divided by this
const BackgroundDivisor=5

// Foreground and background intensity levels of a channel
type Levels struct {
	Foreground float32 `json:"foreground" yaml:"foreground"`  // robust high percentile of values above threshold
	Background float32 `json:"background" yaml:"background"`  // Foreground/BackgroundDivisor
}

func (l Levels) String() string {
	return fmt.Sprintf("Foreground %.1f Background %.1f", l.Foreground, l.Background)
}

// Derives levels from a given foreground level
func LevelsFromForeground(fg float32) Levels {
	return Levels{Foreground: fg, Background: fg/BackgroundDivisor}
}

// No value exceeds the foreground threshold. Callers must not substitute a default
type EmptyForegroundError struct {
	Threshold float32
	Count     int     // number of values inspected
}

func (e *EmptyForegroundError) Error() string {
	return fmt.Sprintf("empty foreground: none of %d values exceeds threshold %g", e.Count, e.Threshold)
}

// Zero-based index of the foreground level within n sorted values above threshold.
// Rounds half to even, and clamps to the last element.
func ForegroundRank(n int) int {
	idx:=int(math.RoundToEven(float64(n)*ForegroundPercentile))
	if idx>n-1 { idx=n-1 }
	return idx
}

// Estimates foreground and background levels from the values strictly above threshold.
// Does not modify data. NaNs are ignored.
func EstimateLevels(data []float32, threshold float32) (Levels, error) {
	fg:=make([]float32, 0, len(data)/4)
	for _,v:=range data {
		if v>threshold { fg=append(fg, v) }
	}
	if len(fg)==0 {
		return Levels{}, &EmptyForegroundError{Threshold: threshold, Count: len(data)}
	}
	return LevelsFromForeground(qsort.QSelectRankFloat32(fg, ForegroundRank(len(fg)))), nil
}

// Estimates levels from a random subsample of the data, for quick previews of large planes.
// Falls back to the exact estimate if the sample holds no foreground, or the data is small.
func EstimateLevelsSampled(data []float32, threshold float32, numSamples int) (Levels, error) {
	if numSamples<=0 || len(data)<=numSamples {
		return EstimateLevels(data, threshold)
	}
	rng:=fastrand.RNG{}
	max:=uint32(len(data))
	samples:=make([]float32, 0, numSamples)
	for i:=0; i<numSamples; i++ {
		if d:=data[rng.Uint32n(max)]; d>threshold {
			samples=append(samples, d)
		}
	}
	if len(samples)==0 {
		return EstimateLevels(data, threshold)
	}
	return LevelsFromForeground(qsort.QSelectRankFloat32(samples, ForegroundRank(len(samples)))), nil
}
