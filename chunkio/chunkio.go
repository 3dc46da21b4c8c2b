// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunkio abstracts the dataset source and the artifact
// sinks used by the pipeline engine. Datasets are read random-access
// in chunks along a slicing dimension; sinks accept per-worker,
// per-chunk artifacts and overwrite rather than append, so save
// steps are idempotent.
package chunkio

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/tomoflow/tomoflow/buffer"
)

// A Dataset is the engine's source collaborator. Chunk reads are
// random-access along any dimension; the returned buffers reside in
// host memory with the chunk's global offset recorded.
type Dataset interface {
	// Shape returns the dataset's full shape.
	Shape() []int
	// Dtype returns the dataset's on-disk element type.
	Dtype() buffer.Dtype
	// ReadChunk reads the sub-range [start, stop) along dimension
	// dim, full extent in all other dimensions, into a new host
	// buffer sliced along dim.
	ReadChunk(ctx context.Context, dim, start, stop int) (*buffer.Buffer, error)
	// Aux returns the dataset's auxiliary data: the mean dark- and
	// flat-field frames (shaped like one detector cross-section) and
	// the per-projection angles in radians.
	Aux(ctx context.Context) (darks, flats *buffer.Buffer, angles []float32, err error)
}

// A Sink is the engine's artifact sink collaborator. Write stores
// one worker chunk of the named buffer under the provided path hint,
// tagged with the owning variant's identifier when sweeps are in
// play. Writing the same chunk twice overwrites; it never appends.
type Sink interface {
	Write(ctx context.Context, b *buffer.Buffer, pathHint, variantID string) error
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write(context.Context, *buffer.Buffer, string, string) error { return nil }

// A MemDataset is an in-memory Dataset, used by tests and by the
// synthetic input mode of the CLI.
type MemDataset struct {
	data   []float32
	shape  []int
	dtype  buffer.Dtype
	darks  *buffer.Buffer
	flats  *buffer.Buffer
	angles []float32
}

// NewMemDataset returns an in-memory dataset over the provided
// row-major data.
func NewMemDataset(shape []int, dtype buffer.Dtype, data []float32) *MemDataset {
	return &MemDataset{data: data, shape: shape, dtype: dtype}
}

// SetAux attaches auxiliary dark/flat frames and projection angles.
func (m *MemDataset) SetAux(darks, flats *buffer.Buffer, angles []float32) {
	m.darks, m.flats, m.angles = darks, flats, angles
}

// Synthetic returns a deterministic in-memory scan volume of the
// given dimensions, with uniform dark/flat frames and evenly spaced
// angles over a half rotation.
func Synthetic(nangles, ny, nx int) *MemDataset {
	data := make([]float32, nangles*ny*nx)
	for i := range data {
		data[i] = 100 + 50*float32(math.Sin(float64(i%97)))
	}
	m := NewMemDataset([]int{nangles, ny, nx}, buffer.Uint16, data)
	darks := buffer.Make("darks", []int{ny, nx}, buffer.Uint16, 0)
	flats := buffer.Make("flats", []int{ny, nx}, buffer.Uint16, 0)
	for i := range flats.Data() {
		darks.Data()[i] = 10
		flats.Data()[i] = 200
	}
	angles := make([]float32, nangles)
	for i := range angles {
		angles[i] = float32(i) * math.Pi / float32(nangles)
	}
	m.SetAux(darks, flats, angles)
	return m
}

// Shape implements Dataset.
func (m *MemDataset) Shape() []int { return m.shape }

// Dtype implements Dataset.
func (m *MemDataset) Dtype() buffer.Dtype { return m.dtype }

// ReadChunk implements Dataset.
func (m *MemDataset) ReadChunk(ctx context.Context, dim, start, stop int) (*buffer.Buffer, error) {
	if dim < 0 || dim >= len(m.shape) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("chunkio: read dimension %d out of range", dim))
	}
	if start < 0 || stop > m.shape[dim] || start > stop {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("chunkio: read range [%d,%d) out of bounds for extent %d", start, stop, m.shape[dim]))
	}
	full := buffer.FromData("", m.shape, m.dtype, dim, m.data)
	return full.Slice(dim, start, stop), nil
}

// Aux implements Dataset.
func (m *MemDataset) Aux(ctx context.Context) (*buffer.Buffer, *buffer.Buffer, []float32, error) {
	return m.darks, m.flats, m.angles, nil
}

// A Range restricts one dimension to the strided sub-range
// [Start, Stop) with the given Step.
type Range struct {
	Start, Stop, Step int
}

// WithPreview wraps a dataset so that all reads observe only the
// provided per-dimension sub-ranges, restricting the working extent
// before partitioning. Coordinates on the returned dataset are in
// preview space.
func WithPreview(ds Dataset, ranges []Range) Dataset {
	shape := ds.Shape()
	eff := make([]Range, len(shape))
	out := make([]int, len(shape))
	for d := range shape {
		r := Range{Start: 0, Stop: shape[d], Step: 1}
		if d < len(ranges) {
			r = ranges[d]
		}
		if r.Step <= 0 {
			r.Step = 1
		}
		if r.Stop < 0 || r.Stop > shape[d] {
			r.Stop = shape[d]
		}
		if r.Start < 0 {
			r.Start = 0
		}
		if r.Start > r.Stop {
			r.Start = r.Stop
		}
		eff[d] = r
		out[d] = (r.Stop - r.Start + r.Step - 1) / r.Step
	}
	return &previewDataset{ds: ds, ranges: eff, shape: out}
}

type previewDataset struct {
	ds     Dataset
	ranges []Range
	shape  []int
}

func (p *previewDataset) Shape() []int        { return p.shape }
func (p *previewDataset) Dtype() buffer.Dtype { return p.ds.Dtype() }

func (p *previewDataset) ReadChunk(ctx context.Context, dim, start, stop int) (*buffer.Buffer, error) {
	if start == stop {
		shape := append([]int{}, p.shape...)
		shape[dim] = 0
		b := buffer.Make("", shape, p.ds.Dtype(), dim)
		b.Offset = start
		return b, nil
	}
	r := p.ranges[dim]
	under, err := p.ds.ReadChunk(ctx, dim, r.Start+start*r.Step, r.Start+(stop-1)*r.Step+1)
	if err != nil {
		return nil, err
	}
	for d := range p.ranges {
		sub := p.ranges[d]
		if d == dim {
			sub = Range{Start: 0, Stop: under.Shape[d], Step: r.Step}
		}
		under = subsample(under, d, sub)
	}
	under.Offset = start
	return under, nil
}

func (p *previewDataset) Aux(ctx context.Context) (*buffer.Buffer, *buffer.Buffer, []float32, error) {
	darks, flats, angles, err := p.ds.Aux(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	// Dark/flat frames span the detector dimensions (1 and 2);
	// angles follow the projection dimension (0).
	if darks != nil {
		darks = subsample(subsample(darks, 0, p.ranges[1]), 1, p.ranges[2])
	}
	if flats != nil {
		flats = subsample(subsample(flats, 0, p.ranges[1]), 1, p.ranges[2])
	}
	if angles != nil {
		r := p.ranges[0]
		sub := make([]float32, 0, p.shape[0])
		for i := r.Start; i < r.Stop; i += r.Step {
			sub = append(sub, angles[i])
		}
		angles = sub
	}
	return darks, flats, angles, nil
}

// subsample extracts the strided range r along dimension dim. A unit
// step over the full extent returns the buffer unchanged.
func subsample(b *buffer.Buffer, dim int, r Range) *buffer.Buffer {
	if r.Stop > b.Shape[dim] {
		r.Stop = b.Shape[dim]
	}
	if r.Start == 0 && r.Stop == b.Shape[dim] && r.Step == 1 {
		return b
	}
	if r.Step == 1 {
		return b.Slice(dim, r.Start, r.Stop)
	}
	var parts []*buffer.Buffer
	for i := r.Start; i < r.Stop; i += r.Step {
		parts = append(parts, b.Slice(dim, i, i+1))
	}
	return buffer.Concat(dim, parts...)
}
