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
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Descriptive statistics of a channel
type Summary struct {
	Count    int     `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stdDev"`
	Above    int     `json:"above"`      // values strictly above threshold
}

func (s Summary) String() string {
	return fmt.Sprintf("n %d min %.1f max %.1f mean %.2f stddev %.2f above %d (%.2f%%)",
		s.Count, s.Min, s.Max, s.Mean, s.StdDev, s.Above, 100*float64(s.Above)/float64(maxInt(s.Count, 1)))
}

// Summarizes the data, counting values above the given threshold
func Summarize(data []float32, threshold float32) Summary {
	if len(data)==0 { return Summary{} }
	xs:=make([]float64, len(data))
	s:=Summary{Count: len(data), Min: float64(data[0]), Max: float64(data[0])}
	for i,v:=range data {
		x:=float64(v)
		xs[i]=x
		if x<s.Min { s.Min=x }
		if x>s.Max { s.Max=x }
		if v>threshold { s.Above++ }
	}
	s.Mean, s.StdDev=stat.MeanStdDev(xs, nil)
	return s
}

func maxInt(a, b int) int {
	if a>b { return a }
	return b
}
