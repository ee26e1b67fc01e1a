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


package kernel

import (
	"errors"
	"fmt"
	"math"
)

// Extra multipliers approximating the missing flat field in scalar mode
const (
	ScalarKNuclei=0.08
	ScalarKCyto  =0.012
)

// Attenuation coefficients for the Beer-Lambert compositing of two channels.
// Nuclei and Cyto hold one coefficient per output channel R, G, B.
type Coefficients struct {
	Nuclei  [3]float64 `json:"nuclei"`
	Cyto    [3]float64 `json:"cyto"`
	KNuclei float64    `json:"kNuclei"`
	KCyto   float64    `json:"kCyto"`
}

// Coefficients for scalar-normalized inputs
func ScalarCoefficients(nuclei, cyto [3]float64) Coefficients {
	return Coefficients{Nuclei: nuclei, Cyto: cyto, KNuclei: ScalarKNuclei, KCyto: ScalarKCyto}
}

// Coefficients for flat-field normalized inputs
func FlatFieldCoefficients(nuclei, cyto [3]float64) Coefficients {
	return Coefficients{Nuclei: nuclei, Cyto: cyto, KNuclei: 1, KCyto: 1}
}

func (c Coefficients) String() string {
	return fmt.Sprintf("nuclei %v x %g cyto %v x %g", c.Nuclei, c.KNuclei, c.Cyto, c.KCyto)
}

// Whether the nuclear and cytoplasmic channels contribute to the output at all.
// A channel with zero multiplier or all zero coefficients can be omitted.
func (c Coefficients) Active() (nuclei, cyto bool) {
	return c.KNuclei!=0 && c.Nuclei!=[3]float64{}, c.KCyto!=0 && c.Cyto!=[3]float64{}
}

// Checks that all coefficients are finite and non-negative
func (c Coefficients) Validate() error {
	all:=append(append([]float64{c.KNuclei, c.KCyto}, c.Nuclei[:]...), c.Cyto[:]...)
	for _,a:=range all {
		if !(a>=0) || math.IsInf(a, 0) {
			return errors.New(fmt.Sprintf("invalid attenuation coefficients %v", c))
		}
	}
	return nil
}

// Converts to 8 bits, truncating. NaN and negative values map to 0, values above 255 to 255
func ClampToByte(v float64) uint8 {
	if !(v>0) { return 0 }
	if v>=255 { return 255 }
	return uint8(v)
}

// Computes output channel c of an interleaved RGB raster:
// dst[3*i+c] = 255 * exp(-(nuc[i]*an*kn + cyto[i]*ac*kc))
func CompositeChannel(dst []uint8, c int, nuc, cyto []float32, an, ac, kn, kc float64) {
	wn, wc:=an*kn, ac*kc
	ParallelFor(len(nuc), func(lower, upper int) {
		for i:=lower; i<upper; i++ {
			dst[3*i+c]=ClampToByte(ByteScale*math.Exp(-(float64(nuc[i])*wn + float64(cyto[i])*wc)))
		}
	})
}

// Composites two normalized channels into an interleaved RGB raster of 3*len(nuc) bytes,
// running the channel kernel once per output channel
func Composite(dst []uint8, nuc, cyto []float32, coeffs Coefficients) error {
	if err:=checkLengths("composite", len(nuc), len(cyto), len(dst)/3); err!=nil { return err }
	if len(dst)%3!=0 { return errors.New(fmt.Sprintf("composite: output length %d not a multiple of 3", len(dst))) }
	if err:=coeffs.Validate(); err!=nil { return err }
	for c:=0; c<3; c++ {
		CompositeChannel(dst, c, nuc, cyto, coeffs.Nuclei[c], coeffs.Cyto[c], coeffs.KNuclei, coeffs.KCyto)
	}
	return nil
}
