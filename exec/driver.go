// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/tomoflow/tomoflow"
	"github.com/tomoflow/tomoflow/buffer"
	"github.com/tomoflow/tomoflow/chunkio"
	"github.com/tomoflow/tomoflow/comm"
	"golang.org/x/sync/errgroup"
)

// A worker executes one variant's step sequence over its partition of
// the slicing dimension. Workers of a variant proceed in lockstep:
// they dispatch the same step at the same time and meet in collectives
// at synchronization points.
type worker struct {
	sess    *Session
	variant *Variant
	rank    int
	part    tomoflow.Partition
	comm    comm.Communicator
	reg     *dataRegistry
	pattern tomoflow.Pattern
	dataset chunkio.Dataset
}

// A stepError carries the identity of the step at which a worker
// failed, so the variant records where its run aborted.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s: %v", e.step, e.err) }
func (e *stepError) Unwrap() error { return e.err }

// run drives one variant to a terminal state: it restricts the
// dataset to the loader's preview, partitions the slicing dimension
// across the session's workers, and executes the step sequence on
// every worker concurrently. A worker failure aborts the variant's
// peers through the communicator; sibling variants are unaffected.
func (s *Session) run(ctx context.Context, v *Variant, ds chunkio.Dataset) {
	steps := v.Steps
	if preview := steps[0].Preview; len(preview) > 0 {
		ds = chunkio.WithPreview(ds, previewRanges(preview, ds.Shape()))
	}
	pattern := s.initialPattern(steps)
	extent := ds.Shape()[pattern.SliceDim()]
	parts := tomoflow.Partitions(extent, s.workers)
	v.Set(StatePartitioned)
	log.Debug.Printf("variant %s: %d workers over extent %d (%s)",
		v.Name(), s.workers, extent, pattern)

	comms := comm.Group(s.workers)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < s.workers; rank++ {
		w := &worker{
			sess:    s,
			variant: v,
			rank:    rank,
			part:    parts[rank],
			comm:    comms[rank],
			reg:     newDataRegistry(steps),
			pattern: pattern,
			dataset: ds,
		}
		g.Go(func() error { return w.run(gctx, steps) })
	}
	if err := g.Wait(); err != nil {
		step := ""
		var se *stepError
		if errors.As(err, &se) {
			step, err = se.step, se.err
		}
		v.Fail(step, err)
		return
	}
	v.Set(StateComplete)
}

// initialPattern chooses the slicing dimension for the first chunked
// read: the session's explicit dimension when set, else the pattern
// of the first compute step that demands one.
func (s *Session) initialPattern(steps []tomoflow.StepSpec) tomoflow.Pattern {
	if s.dimension >= 0 {
		return tomoflow.Pattern(s.dimension)
	}
	for i := 1; i < len(steps); i++ {
		if p := steps[i].Sig.Pattern; p != tomoflow.PatternAll {
			return p
		}
	}
	return tomoflow.PatternProjection
}

// run executes the variant's step sequence on this worker. Any error
// poisons the communicator group so peers blocked in a collective
// fail rather than hang.
func (w *worker) run(ctx context.Context, steps []tomoflow.StepSpec) error {
	for i := range steps {
		step := &steps[i]
		if err := w.runStep(ctx, step); err != nil {
			w.comm.Abort(err)
			return &stepError{step: step.Ident(), err: err}
		}
	}
	return nil
}

func (w *worker) runStep(ctx context.Context, step *tomoflow.StepSpec) error {
	sig := step.Sig
	if sig.Loader {
		if w.rank == 0 {
			w.variant.SetStep(step.Position)
		}
		return w.load(ctx, step)
	}
	if p := sig.Pattern; p != tomoflow.PatternAll && p.SliceDim() != w.pattern.SliceDim() {
		if w.rank == 0 {
			w.variant.Set(StateSyncBarrier)
		}
		if err := w.reslice(ctx, p); err != nil {
			return err
		}
	}
	if sig.Global {
		if w.rank == 0 {
			w.variant.Set(StateSyncBarrier)
		}
		if err := w.comm.Barrier(ctx); err != nil {
			return err
		}
	}
	if w.rank == 0 {
		w.variant.SetStep(step.Position)
	}
	if err := w.dispatch(ctx, step); err != nil {
		return err
	}
	if sig.Global {
		// No worker advances past a global step until every worker
		// has observed its result.
		if err := w.comm.Barrier(ctx); err != nil {
			return err
		}
	}
	if w.sess.saveAll && !sig.Saver {
		if err := w.saveOutputs(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// load executes the loader step: it reads this worker's chunk from
// the dataset source and binds it, together with the auxiliary dark
// and flat frames and the projection angles, into the data registry.
func (w *worker) load(ctx context.Context, step *tomoflow.StepSpec) error {
	if len(step.Outputs) == 0 {
		return fmt.Errorf("%s: loader declares no output buffer", step.Ident())
	}
	chunk, err := w.dataset.ReadChunk(ctx, w.pattern.SliceDim(), w.part.Start, w.part.Stop)
	if err != nil {
		return err
	}
	w.reg.bind(step.Outputs[0].Buffer, chunk)

	darks, flats, angles, err := w.dataset.Aux(ctx)
	if err != nil {
		return err
	}
	// Aux frames are shared by the source across workers; clone them
	// so in-place methods on one worker cannot corrupt a peer's view.
	if darks != nil {
		w.reg.bind("darks", darks.Clone())
	}
	if flats != nil {
		w.reg.bind("flats", flats.Clone())
	}
	if angles != nil {
		ang := make([]float32, len(angles))
		copy(ang, angles)
		w.reg.bind("angles", buffer.FromData("angles", []int{len(ang)}, buffer.Float32, 0, ang))
	}
	return nil
}

// reslice redistributes every chunk-partitioned volume buffer from
// the current slicing dimension to the one pattern demands: chunks
// are gathered to rank 0, concatenated along the old dimension, and
// scattered back partitioned along the new one. All workers leave
// reslice with updated partitions; buffer contents are unchanged.
func (w *worker) reslice(ctx context.Context, pattern tomoflow.Pattern) error {
	var (
		oldDim = w.pattern.SliceDim()
		newDim = pattern.SliceDim()
		names  []string
	)
	for name, b := range w.reg.buffers {
		if len(b.Shape) == 3 && b.SliceDim == oldDim {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	// Every worker sees the full extent of the new dimension in its
	// local shape, so partitions are computed without communication.
	var newPart tomoflow.Partition
	for _, name := range names {
		b := w.reg.buffers[name]
		b.Transfer(buffer.Host)
		all, err := w.comm.Gather(ctx, 0, packChunk(b))
		if err != nil {
			return err
		}
		newParts := tomoflow.Partitions(b.Shape[newDim], w.comm.Size())
		newPart = newParts[w.rank]
		var parts [][]float32
		if w.rank == 0 {
			chunks := make([]*buffer.Buffer, len(all))
			for i, p := range all {
				chunks[i] = unpackChunk(name, b.Dtype, oldDim, p)
			}
			full := buffer.Concat(oldDim, chunks...)
			parts = make([][]float32, len(newParts))
			for i, np := range newParts {
				nb := full.Slice(newDim, np.Start, np.Stop)
				nb.SliceDim = newDim
				nb.Offset = np.Start
				parts[i] = packChunk(nb)
			}
		}
		mine, err := w.comm.Scatter(ctx, 0, parts)
		if err != nil {
			return err
		}
		nb := unpackChunk(name, b.Dtype, newDim, mine)
		w.reg.bind(name, nb)
	}
	if len(names) == 0 {
		newPart = tomoflow.Partitions(0, w.comm.Size())[w.rank]
	}
	w.pattern = pattern
	w.part = newPart
	return nil
}

// saveOutputs writes the step's freshly bound outputs to the run's
// sink, one artifact per worker chunk.
func (w *worker) saveOutputs(ctx context.Context, step *tomoflow.StepSpec) error {
	if w.sess.sink == nil {
		return nil
	}
	hint := fmt.Sprintf("%02d-%s-%s", step.Position+1, step.Module, step.Method)
	for _, binding := range step.Outputs {
		b, err := w.reg.lookup(binding.Buffer)
		if err != nil {
			// An output with no remaining reader has already been
			// released; there is nothing left to save.
			continue
		}
		b.Transfer(buffer.Host)
		if err := w.sess.sink.Write(ctx, b, hint, w.variant.ID); err != nil {
			return err
		}
	}
	return nil
}

// packChunk and unpackChunk serialize a buffer chunk for the
// float32-payload collectives: slicing offset, rank, dimensions, then
// the data.
func packChunk(b *buffer.Buffer) []float32 {
	out := make([]float32, 0, 2+len(b.Shape)+b.Len())
	out = append(out, float32(b.Offset), float32(len(b.Shape)))
	for _, d := range b.Shape {
		out = append(out, float32(d))
	}
	return append(out, b.Data()...)
}

func unpackChunk(name string, dtype buffer.Dtype, sliceDim int, p []float32) *buffer.Buffer {
	offset, rank := int(p[0]), int(p[1])
	shape := make([]int, rank)
	for i := range shape {
		shape[i] = int(p[2+i])
	}
	b := buffer.FromData(name, shape, dtype, sliceDim, p[2+rank:])
	b.Offset = offset
	return b
}

// previewRanges converts the loader's declared preview into chunk
// reader ranges over the dataset's shape.
func previewRanges(preview []tomoflow.PreviewDim, shape []int) []chunkio.Range {
	ranges := make([]chunkio.Range, len(shape))
	for d := range ranges {
		dim := tomoflow.Full
		if d < len(preview) {
			dim = preview[d]
		}
		start, stop, step := dim.Apply(shape[d])
		ranges[d] = chunkio.Range{Start: start, Stop: stop, Step: step}
	}
	return ranges
}
