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


// Package pipeline false colors nuclear and cytoplasmic channels into H&E-like RGB images,
// either one image at a time, or sweeping a whole volume plane by plane.
package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/mlnoga/falsecolor/internal"
	"github.com/mlnoga/falsecolor/internal/config"
	"github.com/mlnoga/falsecolor/internal/flatfield"
	"github.com/mlnoga/falsecolor/internal/kernel"
	"github.com/mlnoga/falsecolor/internal/stats"
	"github.com/mlnoga/falsecolor/internal/volume"
)

// False colors a single pair of channel images. In scalar mode, subtracts the configured or
// estimated background and compresses the dynamic range. In flat-field mode, normalizes by a
// flat field estimated from the image itself, and the image must span whole tiles.
// Channels with zero coefficients are not normalized. Any error aborts.
func ColorImage(ctx context.Context, nuc, cyto *volume.Plane, s *config.Settings, log io.Writer, id int) (*volume.RGB, error) {
	if err:=volume.CheckSameShape("color image", nuc, cyto); err!=nil { return nil, err }
	if err:=s.Validate(); err!=nil { return nil, err }
	if log==nil { log=io.Discard }

	if s.FlatField.Enabled {
		if err:=flatfield.CheckExtent(nuc.Rows, nuc.Cols, s.FlatField.TileSize); err!=nil { return nil, err }
	}

	n:=len(nuc.Data)
	nucN :=internal.GetArrayOfFloat32FromPool(n)
	cytoN:=internal.GetArrayOfFloat32FromPool(n)
	defer internal.PutArrayOfFloat32IntoPool(nucN)
	defer internal.PutArrayOfFloat32IntoPool(cytoN)

	coeffs:=s.Coefficients()
	nucActive, cytoActive:=coeffs.Active()
	channels:=[]struct{
		name   string
		dst    []float32
		p      *volume.Plane
		cs     config.ChannelSettings
		active bool
	}{
		{"nuclei", nucN,  nuc,  s.Nuclei, nucActive},
		{"cyto",   cytoN, cyto, s.Cyto,   cytoActive},
	}
	for _,ch:=range channels {
		if !ch.active {
			clear(ch.dst)
			fmt.Fprintf(log, "%d: Skipping %s, zero coefficients\n", id, ch.name)
			continue
		}
		var err error
		if s.FlatField.Enabled {
			err=normalizeFlatImage(ctx, ch.dst, ch.p, s, ch.cs.Threshold, log, id, ch.name)
		} else {
			err=normalizeScalarImage(ch.dst, ch.p, ch.cs, log, id, ch.name)
		}
		if err!=nil { return nil, err }
	}
	if err:=ctx.Err(); err!=nil { return nil, err }

	rgb:=volume.NewRGB(id, nuc.Rows, nuc.Cols)
	if err:=kernel.Composite(rgb.Pix, nucN, cytoN, coeffs); err!=nil { return nil, err }
	fmt.Fprintf(log, "%d: Composited %s image with %s\n", id, rgb, coeffs)
	return rgb, nil
}

// Background subtraction and gamma compression of one channel into dst
func normalizeScalarImage(dst []float32, p *volume.Plane, cs config.ChannelSettings, log io.Writer, id int, name string) error {
	bg:=cs.Background
	if bg<=0 {
		lv, err:=stats.EstimateLevels(p.Data, float32(cs.Threshold))
		if err!=nil { return fmt.Errorf("%d: %s: %w", id, name, err) }
		bg=float64(lv.Background)
		fmt.Fprintf(log, "%d: Estimated %s %s\n", id, name, lv)
	}
	nf:=cs.NormFactor
	if nf<=0 {
		var err error
		if nf, err=kernel.AdaptiveNormFactor(p.Data, bg); err!=nil {
			return fmt.Errorf("%d: %s: %w", id, name, err)
		}
		fmt.Fprintf(log, "%d: Adaptive %s normalization factor %.1f\n", id, name, nf)
	}
	return kernel.NormalizeScalar(dst, p.Data, bg, nf)
}

// Flat-field normalization of one channel into dst, with a field estimated from the plane itself
func normalizeFlatImage(ctx context.Context, dst []float32, p *volume.Plane, s *config.Settings, threshold float64,
	                    log io.Writer, id int, name string) error {
	lv, err:=stats.EstimateLevels(p.Data, float32(threshold))
	if err!=nil { return fmt.Errorf("%d: %s: %w", id, name, err) }

	g, err:=EstimatePlaneGrid(ctx, p, lv, s.FlatField.TileSize, s.FlatField.BlockSize)
	if err!=nil { return fmt.Errorf("%d: %s: %w", id, name, err) }
	fmt.Fprintf(log, "%d: Estimated %s flat field %s\n", id, name, g)

	field:=internal.GetArrayOfFloat32FromPool(len(p.Data))
	defer internal.PutArrayOfFloat32IntoPool(field)
	if err:=flatfield.NewInterpolator(g).FieldInto(field, 0, p.Rows, p.Cols); err!=nil { return err }
	return kernel.NormalizeFlat(dst, p.Data, field)
}

// Estimates an in-memory flat-field grid for a single plane, treated as a volume of depth one
func EstimatePlaneGrid(ctx context.Context, p *volume.Plane, lv stats.Levels, tileSize, blockSize int) (*flatfield.Grid, error) {
	blocks, err:=volume.NewBlockMeanSource(p.AsVolume(), blockSize)
	if err!=nil { return nil, err }
	return flatfield.NewEstimator(tileSize, blockSize).Estimate(ctx, blocks, lv)
}
