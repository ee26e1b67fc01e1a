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

	"github.com/mlnoga/falsecolor/internal/stats"
)

// Empirical gamma compressing the dynamic range in scalar mode
const Gamma=0.85

// Full scale of 16-bit input data
const FullScale=65535.0

// Full scale of 8-bit output data
const ByteScale=255.0

// Default normalization factors per source channel
const (
	DefaultNucleiNormFactor=8500.0
	DefaultCytoNormFactor  =3000.0
)

// The adaptive normalization factor is this multiple of the mean compressed foreground
const AdaptiveNormMultiplier=8.0

func checkLengths(op string, n int, others ...int) error {
	for _,o:=range others {
		if o!=n { return fmt.Errorf("%s: length mismatch %d vs %d", op, n, o) }
	}
	return nil
}

// Scalar-mode normalization: v'=max(0, v-background), v''=v'^0.85 * (65535/normFactor) * (255/65535).
// Output is never negative, NaN inputs map to zero. dst and src may be the same slice.
func NormalizeScalar(dst, src []float32, background, normFactor float64) error {
	if err:=checkLengths("normalize scalar", len(src), len(dst)); err!=nil { return err }
	if !(normFactor>0) || math.IsInf(normFactor, 0) {
		return errors.New(fmt.Sprintf("normalize scalar: invalid normalization factor %g", normFactor))
	}
	scale:=(FullScale/normFactor)*(ByteScale/FullScale)

	ParallelFor(len(src), func(lower, upper int) {
		for i:=lower; i<upper; i++ {
			v:=float64(src[i])-background
			if !(v>0) {
				dst[i]=0
				continue
			}
			dst[i]=float32(math.Pow(v, Gamma)*scale)
		}
	})
	return nil
}

// Flat-field normalization: v'=v/flat. The flat field must be positive everywhere,
// which flat-field grids guarantee by falling back to the global foreground level.
// dst and src may be the same slice.
func NormalizeFlat(dst, src, flat []float32) error {
	if err:=checkLengths("normalize flat", len(src), len(dst), len(flat)); err!=nil { return err }
	ParallelFor(len(src), func(lower, upper int) {
		for i:=lower; i<upper; i++ {
			dst[i]=src[i]/flat[i]
		}
	})
	return nil
}

// Derives a normalization factor from the data itself: eight times the mean of the
// gamma-compressed, background-subtracted values which still exceed the background.
func AdaptiveNormFactor(src []float32, background float64) (float64, error) {
	sum, n:=0.0, 0
	for _,s:=range src {
		v:=float64(s)-background
		if !(v>0) { continue }
		v=math.Pow(v, Gamma)
		if v>background {
			sum+=v
			n++
		}
	}
	if n==0 {
		return 0, &stats.EmptyForegroundError{Threshold: float32(background), Count: len(src)}
	}
	return AdaptiveNormMultiplier*sum/float64(n), nil
}
