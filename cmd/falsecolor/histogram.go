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
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/mlnoga/falsecolor/internal/stats"
)

// Number of bins of the intensity histogram
const histogramBins=128

// Plots the intensity histogram of a channel with threshold and levels marked,
// and saves it as PNG
func writeHistogram(fileName, title string, data []float32, threshold float32, lv stats.Levels) error {
	values:=make(plotter.Values, len(data))
	for i,v:=range data {
		values[i]=float64(v)
	}
	h, err:=plotter.NewHist(values, histogramBins)
	if err!=nil { return err }
	h.FillColor=color.RGBA{R: 120, G: 60, B: 160, A: 255}
	h.LineStyle.Width=vg.Points(0.5)

	p:=plot.New()
	p.Title.Text=title
	p.X.Label.Text="intensity"
	p.Y.Label.Text="count"
	p.Add(h, plotter.NewGrid())

	// vertical markers
	peak:=0.0
	for _,b:=range h.Bins { peak=math.Max(peak, b.Weight) }
	markers:=[]struct{ x float32; c color.RGBA }{
		{threshold,     color.RGBA{R: 128, G: 128, B: 128, A: 255}},
		{lv.Background, color.RGBA{R: 0,   G: 90,  B: 200, A: 255}},
		{lv.Foreground, color.RGBA{R: 200, G: 30,  B: 30,  A: 255}},
	}
	for _,m:=range markers {
		if m.x<=0 { continue }
		line, err:=plotter.NewLine(plotter.XYs{{X: float64(m.x), Y: 0}, {X: float64(m.x), Y: peak}})
		if err!=nil { return err }
		line.Color=m.c
		line.Width=vg.Points(1)
		p.Add(line)
	}

	if err:=p.Save(8*vg.Inch, 4*vg.Inch, fileName); err!=nil {
		return fmt.Errorf("failed to save histogram %s: %w", fileName, err)
	}
	return nil
}
