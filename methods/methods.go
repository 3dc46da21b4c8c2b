// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package methods registers the built-in processing capabilities:
// the standard loader, normalization and filtering preparation
// methods, center finding, reconstruction, and the save steps.
// Importing the package populates the default registry.
package methods

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/tomoflow/tomoflow"
	"github.com/tomoflow/tomoflow/buffer"
)

func init() {
	Register(tomoflow.Default)
}

// Register adds the built-in capability set to the registry.
func Register(reg *tomoflow.Registry) {
	reg.Register(&tomoflow.Signature{
		Module: "loaders",
		Method: "standard_tomo",
		Params: []tomoflow.Param{
			{Name: "name", Role: tomoflow.RoleDataOut, Required: true},
		},
		Pattern: tomoflow.PatternAll,
		Loader:  true,
	})
	reg.Register(&tomoflow.Signature{
		Module: "prep",
		Method: "normalize",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "darks", Role: tomoflow.RoleDataIn, Default: tomoflow.Strings("darks")},
			{Name: "flats", Role: tomoflow.RoleDataIn, Default: tomoflow.Strings("flats")},
			{Name: "data_out", Role: tomoflow.RoleDataOut, Required: true},
			{Name: "cutoff", Default: tomoflow.Scalar(10)},
		},
		Pattern: tomoflow.PatternProjection,
		Run:     normalize,
	})
	reg.Register(&tomoflow.Signature{
		Module: "prep",
		Method: "minus_log",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "data_out", Role: tomoflow.RoleDataOut, Required: true},
		},
		Pattern: tomoflow.PatternAll,
		Run:     minusLog,
	})
	reg.Register(&tomoflow.Signature{
		Module: "prep",
		Method: "median_filter",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "data_out", Role: tomoflow.RoleDataOut, Required: true},
			{Name: "kernel_size", Default: tomoflow.Int(3)},
		},
		Pattern:   tomoflow.PatternAll,
		Placement: buffer.Device,
		MaxSlices: maxSlices(3),
		Run:       medianFilter,
	})
	reg.Register(&tomoflow.Signature{
		Module: "rotation",
		Method: "find_center",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "data_out", Role: tomoflow.RoleDataOut, Required: true},
		},
		Pattern: tomoflow.PatternSinogram,
		Global:  true,
		Run:     findCenter,
	})
	reg.Register(&tomoflow.Signature{
		Module: "recon",
		Method: "reconstruct",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "center", Role: tomoflow.RoleDataIn, Default: tomoflow.Strings("center")},
			{Name: "angles", Role: tomoflow.RoleDataIn, Default: tomoflow.Strings("angles")},
			{Name: "data_out", Role: tomoflow.RoleDataOut, Required: true},
			{Name: "algorithm", Default: tomoflow.String("backproject")},
		},
		Pattern:   tomoflow.PatternSinogram,
		Placement: buffer.Device,
		MaxSlices: maxSlices(8),
		Run:       reconstruct,
	})
	reg.Register(&tomoflow.Signature{
		Module: "images",
		Method: "save_to_images",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "subfolder_name", Default: tomoflow.String("images")},
		},
		Pattern:    tomoflow.PatternAll,
		Saver:      true,
		NeedsStats: true,
		Run:        saveToImages,
	})
	reg.Register(&tomoflow.Signature{
		Module: "save",
		Method: "intermediate",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "subfolder_name", Default: tomoflow.String("intermediate")},
		},
		Pattern: tomoflow.PatternAll,
		Saver:   true,
		Run:     saveIntermediate,
	})
}

// maxSlices returns an estimator assuming the method needs factor
// float32 copies of each slice resident at once.
func maxSlices(factor int) tomoflow.MaxSlicesFunc {
	return func(sliceDim int, shape []int, dtype buffer.Dtype, budget int64) int {
		perSlice := int64(4 * factor)
		for d, extent := range shape {
			if d != sliceDim {
				perSlice *= int64(extent)
			}
		}
		if perSlice == 0 {
			return shape[sliceDim]
		}
		n := budget / perSlice
		if n > int64(shape[sliceDim]) {
			n = int64(shape[sliceDim])
		}
		return int(n)
	}
}

// normalize applies flat-field correction: (data - dark) / (flat -
// dark), with the ratio clipped to the cutoff. Darks and flats span
// one detector cross-section and are broadcast over the projection
// dimension.
func normalize(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
	data, darks, flats := call.Inputs[0], call.Inputs[1], call.Inputs[2]
	if len(data.Shape) != 3 || len(darks.Shape) != 2 || len(flats.Shape) != 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("normalize: shapes %v, %v, %v", data.Shape, darks.Shape, flats.Shape))
	}
	var (
		cutoff = float32(call.Float("cutoff"))
		out    = data.Clone()
		frame  = darks.Len()
		dd     = darks.Data()
		fd     = flats.Data()
		od     = out.Data()
	)
	const eps = 1e-6
	for i, v := range data.Data() {
		j := i % frame
		denom := fd[j] - dd[j]
		if denom < eps {
			denom = eps
		}
		r := (v - dd[j]) / denom
		if r > cutoff {
			r = cutoff
		}
		od[i] = r
	}
	out.Dtype = buffer.Float32
	return []*buffer.Buffer{out}, nil
}

// minusLog converts transmission values to attenuation: -ln(data),
// with non-positive inputs floored first.
func minusLog(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
	out := call.Inputs[0].Clone()
	od := out.Data()
	const floor = 1e-9
	for i, v := range od {
		if v < floor {
			v = floor
		}
		od[i] = float32(-math.Log(float64(v)))
	}
	out.Dtype = buffer.Float32
	return []*buffer.Buffer{out}, nil
}

// medianFilter applies a 2D median filter of the declared kernel size
// within each slice along the slicing dimension, clamping at borders.
func medianFilter(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
	in := call.Inputs[0]
	k := call.Int("kernel_size")
	if k < 1 || k%2 == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("median_filter: kernel size %d must be odd and positive", k))
	}
	if len(in.Shape) != 3 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("median_filter: shape %v", in.Shape))
	}
	out := in.Clone()
	half := k / 2
	window := make([]float32, 0, k*k)
	for s := 0; s < in.Slices(); s++ {
		slice := in.Slice(in.SliceDim, s, s+1)
		var h, w int
		switch in.SliceDim {
		case 0:
			h, w = in.Shape[1], in.Shape[2]
		case 1:
			h, w = in.Shape[0], in.Shape[2]
		default:
			h, w = in.Shape[0], in.Shape[1]
		}
		sd := slice.Data()
		filtered := buffer.Make("", slice.Shape, slice.Dtype, slice.SliceDim)
		fd := filtered.Data()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				window = window[:0]
				for dy := -half; dy <= half; dy++ {
					for dx := -half; dx <= half; dx++ {
						yy, xx := clamp(y+dy, h), clamp(x+dx, w)
						window = append(window, sd[yy*w+xx])
					}
				}
				fd[y*w+x] = median(window)
			}
		}
		filtered.Offset = slice.Offset
		out.SetSlice(in.SliceDim, s, filtered)
	}
	return []*buffer.Buffer{out}, nil
}

func clamp(i, extent int) int {
	if i < 0 {
		return 0
	}
	if i >= extent {
		return extent - 1
	}
	return i
}

// median computes the median in place by insertion sort; windows are
// small.
func median(w []float32) float32 {
	for i := 1; i < len(w); i++ {
		for j := i; j > 0 && w[j] < w[j-1]; j-- {
			w[j], w[j-1] = w[j-1], w[j]
		}
	}
	return w[len(w)/2]
}

// findCenter estimates the center of rotation as the intensity
// centroid of the sinogram stack. Each worker computes the moments of
// its chunk; the root combines them and broadcasts, so every worker
// binds an identical single-element center buffer.
func findCenter(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
	in := call.Inputs[0]
	if len(in.Shape) != 3 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("find_center: shape %v", in.Shape))
	}
	// Weighted sum of the detector-x coordinate over the whole chunk.
	nx := in.Shape[2]
	var wsum, sum float64
	for i, v := range in.Data() {
		x := i % nx
		wsum += float64(v) * float64(x)
		sum += float64(v)
	}
	all, err := call.Comm.Gather(ctx, 0, []float32{float32(wsum), float32(sum)})
	if err != nil {
		return nil, err
	}
	var center []float32
	if call.Comm.Rank() == 0 {
		var gw, gs float64
		for _, m := range all {
			gw += float64(m[0])
			gs += float64(m[1])
		}
		if gs == 0 {
			center = []float32{float32(nx) / 2}
		} else {
			center = []float32{float32(gw / gs)}
		}
	}
	center, err = call.Comm.Broadcast(ctx, 0, center)
	if err != nil {
		return nil, err
	}
	return []*buffer.Buffer{buffer.FromData("", []int{1}, buffer.Float32, 0, center)}, nil
}

// reconstruct backprojects the sinogram chunk into a volume chunk.
// Input is [angles, y, x] sliced along y; output is [y, x, x] sliced
// along dimension 0 at the same global offset, so the reconstructed
// volume partitions the same detector rows.
func reconstruct(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
	sino, center, angles := call.Inputs[0], call.Inputs[1], call.Inputs[2]
	if len(sino.Shape) != 3 || sino.SliceDim != 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("reconstruct: want sinogram chunk, got %v sliced on %d", sino.Shape, sino.SliceDim))
	}
	var (
		na, ny, nx = sino.Shape[0], sino.Shape[1], sino.Shape[2]
		c          = float64(center.Data()[0])
		ang        = angles.Data()
		sd         = sino.Data()
	)
	if len(ang) < na {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("reconstruct: %d angles for %d projections", len(ang), na))
	}
	out := buffer.Make(sino.Name, []int{ny, nx, nx}, buffer.Float32, 0)
	out.Offset = sino.Offset
	od := out.Data()
	for y := 0; y < ny; y++ {
		for a := 0; a < na; a++ {
			sin, cos := math.Sincos(float64(ang[a]))
			for iy := 0; iy < nx; iy++ {
				for ix := 0; ix < nx; ix++ {
					// Project the voxel onto the detector for this angle.
					px := (float64(ix)-c)*cos + (float64(iy)-c)*sin + c
					p := int(math.Round(px))
					if p < 0 || p >= nx {
						continue
					}
					od[(y*nx+iy)*nx+ix] += sd[(a*ny+y)*nx+p] / float32(na)
				}
			}
		}
	}
	return []*buffer.Buffer{out}, nil
}

// saveToImages rescales the chunk to 8-bit range using the
// dataset-global minimum and maximum, so chunks from different
// workers rescale identically, and writes it to the run's sink.
func saveToImages(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
	in := call.Inputs[0]
	if len(call.Stats) < 2 {
		return nil, errors.E(errors.Precondition, "save_to_images: global statistics unavailable")
	}
	lo, hi := call.Stats[0], call.Stats[1]
	span := hi - lo
	if span == 0 {
		span = 1
	}
	img := in.Clone()
	id := img.Data()
	for i, v := range id {
		id[i] = float32(math.Round(float64((v - lo) / span * 255)))
	}
	return nil, call.Sink.Write(ctx, img, call.Str("subfolder_name"), call.VariantID)
}

// saveIntermediate writes the raw chunk to the run's sink.
func saveIntermediate(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
	return nil, call.Sink.Write(ctx, call.Inputs[0], call.Str("subfolder_name"), call.VariantID)
}
