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


package median

import (
	"math"
	"github.com/mlnoga/falsecolor/internal/qsort"
)

// Applies 3x3 median filter to input data, assumed to be a 2D array with given line width, and stores results in output.
// Border pixels use the median of their in-bounds neighbourhood, replicating the nearest edge.
func MedianFilter3x3(output, data []float32, width int) {
	height:=len(data)/width
	if width<3 || height<3 {
		medianFilterBorder(output, data, width, height, 0, height)
		return
	}

	medianFilterBorder(output, data, width, height, 0, 1)
	for line:=0; line<height-2; line++ {
		start, end:=line*width, (line+3)*width
		medianFilterLine3x3(output[start:end], data[start:end], width)
		output[start+width]=medianAt(data, width, height, 0, line+1)
		output[start+2*width-1]=medianAt(data, width, height, width-1, line+1)
	}
	medianFilterBorder(output, data, width, height, height-1, height)
}


// Input data is three lines of given width. Applies a 3x3 median filter to these.
// Stores results in the middle row of the output, which must have the same shape as the input.
// Does not touch first and last column
func medianFilterLine3x3(output, data []float32, width int) {
	gathered:=make([]float32, 9)
	for i:=width+1; i<2*width-1; i++ {
		ioff:=i-width-1
		gathered[0], gathered[1], gathered[2]=data[ioff], data[ioff+1], data[ioff+2]
		ioff+=width
		gathered[3], gathered[4], gathered[5]=data[ioff], data[ioff+1], data[ioff+2]
		ioff+=width
		gathered[6], gathered[7], gathered[8]=data[ioff], data[ioff+1], data[ioff+2]
		output[i]=MedianFloat32Slice9(gathered)
	}
}

// Filters the given rows [yStart, yEnd) with edge replication
func medianFilterBorder(output, data []float32, width, height, yStart, yEnd int) {
	for y:=yStart; y<yEnd; y++ {
		for x:=0; x<width; x++ {
			output[y*width+x]=medianAt(data, width, height, x, y)
		}
	}
}

// Median of the 3x3 neighbourhood of (x,y), replicating the nearest edge pixel outside the image
func medianAt(data []float32, width, height, x, y int) float32 {
	var gathered [9]float32
	j:=0
	for dy:=-1; dy<=1; dy++ {
		yy:=clamp(y+dy, height)
		for dx:=-1; dx<=1; dx++ {
			xx:=clamp(x+dx, width)
			gathered[j]=data[yy*width+xx]
			j++
		}
	}
	return MedianFloat32Slice9(gathered[:])
}

func clamp(i, n int) int {
	if i<0 { return 0 }
	if i>=n { return n-1 }
	return i
}


// Calculates the median of a float32 slice of length nine
// Modifies the elements in place
// From https://stackoverflow.com/questions/45453537/optimal-9-element-sorting-network-that-reduces-to-an-optimal-median-of-9-network
// Array must not contain IEEE NaN
func MedianFloat32Slice9(a []float32) float32 {
    if a[0]>a[1] { a[0], a[1] = a[1], a[0]}
    if a[3]>a[4] { a[3], a[4] = a[4], a[3]}
    if a[6]>a[7] { a[6], a[7] = a[7], a[6]}
    if a[1]>a[2] { a[1], a[2] = a[2], a[1]}
    if a[4]>a[5] { a[4], a[5] = a[5], a[4]}
    if a[7]>a[8] { a[7], a[8] = a[8], a[7]}
    if a[0]>a[1] { a[0], a[1] = a[1], a[0]}
    if a[3]>a[4] { a[3], a[4] = a[4], a[3]}
    if a[6]>a[7] { a[6], a[7] = a[7], a[6]}
    if a[0]>a[3] { a[3]       = a[0]      }
    if a[3]>a[6] { a[6]       = a[3]      }
    if a[1]>a[4] { a[1], a[4] = a[4], a[1]}
    if a[4]>a[7] { a[4]       = a[7]      }
    if a[1]>a[4] { a[4]       = a[1]      }
    if a[5]>a[8] { a[5]       = a[8]      }
    if a[2]>a[5] { a[2]       = a[5]      }
    if a[2]>a[4] { a[2], a[4] = a[4], a[2]}
    if a[4]>a[6] { a[4]       = a[6]      }
    if a[2]>a[4] { a[4]       = a[2]      }
    return a[4]
}

// Calculates the median of a float32 slice
// Modifies the elements in place
// Array must not contain IEEE NaN
func MedianFloat32(a []float32) float32 {
	if len(a)==0 { return float32(math.NaN()) }
	if len(a)==9 { return MedianFloat32Slice9(a) }
	return qsort.QSelectMedianFloat32(a)
}
