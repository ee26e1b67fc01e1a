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
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/mlnoga/falsecolor/internal/volume"
)

const epsilon=1e-4

func ramp(from, to int) []float32 {
	data:=make([]float32, 0, to-from+1)
	for i:=from; i<=to; i++ { data=append(data, float32(i)) }
	return data
}

func TestForegroundRank(t *testing.T) {
	cases:=[]struct{ n, want int }{
		{1, 0}, {10, 9}, {20, 19}, {30, 28}, {50, 48}, {100, 95},
	}
	for _,c:=range cases {
		if got:=ForegroundRank(c.n); got!=c.want {
			t.Errorf("ForegroundRank(%d)=%d; want %d", c.n, got, c.want)
		}
	}
}

func TestEstimateLevels(t *testing.T) {
	data:=ramp(1, 100)
	lv, err:=EstimateLevels(data, DefaultThreshold)
	if err!=nil { t.Fatal(err) }
	// 50 values above 50, rank round(47.5)=48 selects 99
	if lv.Foreground!=99 {
		t.Errorf("foreground=%f; want 99", lv.Foreground)
	}
	if math.Abs(float64(lv.Background-99.0/5))>epsilon {
		t.Errorf("background=%f; want %f", lv.Background, 99.0/5)
	}
	if data[0]!=1 || data[99]!=100 {
		t.Errorf("input was modified")
	}
}

func TestEstimateLevelsEmptyForeground(t *testing.T) {
	data:=ramp(0, 50)
	_, err:=EstimateLevels(data, DefaultThreshold)
	var efe *EmptyForegroundError
	if !errors.As(err, &efe) {
		t.Fatalf("err=%v; want EmptyForegroundError", err)
	}
	if efe.Count!=51 {
		t.Errorf("count=%d; want 51", efe.Count)
	}
}

func TestEstimateLevelsSampledSmallInputIsExact(t *testing.T) {
	data:=ramp(1, 100)
	exact, _:=EstimateLevels(data, DefaultThreshold)
	sampled, err:=EstimateLevelsSampled(data, DefaultThreshold, 1000)
	if err!=nil { t.Fatal(err) }
	if sampled!=exact {
		t.Errorf("sampled=%v; want %v", sampled, exact)
	}
}

func TestEstimateLevelsSampledApproximates(t *testing.T) {
	data:=make([]float32, 200000)
	for i:=range data { data[i]=float32(i%1000) }
	lv, err:=EstimateLevelsSampled(data, DefaultThreshold, 20000)
	if err!=nil { t.Fatal(err) }
	// exact foreground is 952; allow sampling noise
	if lv.Foreground<930 || lv.Foreground>975 {
		t.Errorf("sampled foreground=%f; want about 952", lv.Foreground)
	}
}

func TestHistogram16MatchesExact(t *testing.T) {
	data:=make([]float32, 0, 5000)
	for i:=0; i<5000; i++ { data=append(data, float32((i*7919)%3001)) }
	exact, err:=EstimateLevels(data, DefaultThreshold)
	if err!=nil { t.Fatal(err) }

	h:=NewHistogram16()
	h.Add(data[:2000])
	h2:=NewHistogram16()
	h2.Add(data[2000:])
	h.Merge(h2)
	got, err:=h.Levels(DefaultThreshold)
	if err!=nil { t.Fatal(err) }
	if got!=exact {
		t.Errorf("histogram levels=%v; want %v", got, exact)
	}
	if h.Total!=5000 {
		t.Errorf("total=%d; want 5000", h.Total)
	}
}

func TestHistogram16Empty(t *testing.T) {
	h:=NewHistogram16()
	h.Add([]float32{0, 10, 50})
	_, err:=h.Levels(DefaultThreshold)
	var efe *EmptyForegroundError
	if !errors.As(err, &efe) {
		t.Errorf("err=%v; want EmptyForegroundError", err)
	}
}

func TestEstimateLevelsFromSource(t *testing.T) {
	v:=volume.NewVolume(volume.Shape{Rows: 8, Depth: 6, Cols: 5})
	for i:=range v.Data { v.Data[i]=float32((i*37)%400) }
	exact, _:=EstimateLevels(v.Data, DefaultThreshold)

	for _,strip:=range []int{0, 3, 5, 100} {
		lv, h, err:=EstimateLevelsFromSource(v, DefaultThreshold, strip, 3)
		if err!=nil { t.Fatal(err) }
		if lv!=exact {
			t.Errorf("strip %d: levels=%v; want %v", strip, lv, exact)
		}
		if h.Total!=uint64(len(v.Data)) {
			t.Errorf("strip %d: total=%d; want %d", strip, h.Total, len(v.Data))
		}
	}
}

// A source recording the largest region it was asked for
type countingSource struct {
	*volume.Volume
	mutex   sync.Mutex
	largest int
	reads   int
}

func (c *countingSource) ReadRegion(r volume.Region) (*volume.Volume, error) {
	c.mutex.Lock()
	if n:=r.Shape().Size(); n>c.largest { c.largest=n }
	c.reads++
	c.mutex.Unlock()
	return c.Volume.ReadRegion(r)
}

func TestEstimateLevelsFromSourceReadsBoundedRegions(t *testing.T) {
	v:=volume.NewVolume(volume.Shape{Rows: 40, Depth: 3, Cols: 24})
	for i:=range v.Data { v.Data[i]=float32(i%1000) }
	src:=&countingSource{Volume: v}
	exact, _:=EstimateLevels(v.Data, DefaultThreshold)

	lv, _, err:=EstimateLevelsFromSource(src, DefaultThreshold, 8, 4)
	if err!=nil { t.Fatal(err) }
	if lv!=exact { t.Errorf("levels=%v; want %v", lv, exact) }
	if src.largest>8*8 { t.Errorf("largest region %d voxels; want at most 64", src.largest) }
	if want:=3*5*3; src.reads!=want { t.Errorf("reads=%d; want %d", src.reads, want) }
}

func TestSummarize(t *testing.T) {
	s:=Summarize([]float32{2, 4, 4, 4, 5, 5, 7, 9}, 4)
	if s.Count!=8 || s.Min!=2 || s.Max!=9 || s.Above!=4 {
		t.Errorf("summary=%v", s)
	}
	if math.Abs(s.Mean-5)>epsilon {
		t.Errorf("mean=%f; want 5", s.Mean)
	}
	// sample standard deviation
	if want:=math.Sqrt(32.0/7); math.Abs(s.StdDev-want)>epsilon {
		t.Errorf("stddev=%f; want %f", s.StdDev, want)
	}
}

func TestNoiseFloor(t *testing.T) {
	// approximately normal noise around 20 with sigma 3, from a fixed LCG
	state:=uint32(12345)
	next:=func() float64 {
		state=state*1664525+1013904223
		return float64(state)/float64(1<<32)
	}
	data:=make([]float32, 20000)
	for i:=range data {
		z:=-6.0
		for j:=0; j<12; j++ { z+=next() }
		data[i]=float32(20+3*z)
	}
	mode, stdDev, err:=NoiseFloor(data, 50, 64)
	if err!=nil { t.Fatal(err) }
	if mode<17 || mode>23 {
		t.Errorf("mode=%f; want about 20", mode)
	}
	if stdDev<1.5 || stdDev>5 {
		t.Errorf("stddev=%f; want about 3", stdDev)
	}
}
