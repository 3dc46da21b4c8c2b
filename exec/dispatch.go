// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"

	"github.com/grailbio/base/log"
	"github.com/tomoflow/tomoflow"
	"github.com/tomoflow/tomoflow/buffer"
)

// ErrBackendExecution wraps a failure raised by a method's backend
// callable. It aborts the owning variant's run and is never retried;
// sibling sweep variants keep running.
var ErrBackendExecution = errors.New("backend execution failed")

// dispatch executes one concrete step on this worker: it resolves
// the declared input bindings against the data registry, transitions
// each input buffer to the callable's declared memory location,
// invokes the callable, and binds its outputs back into the
// registry.
//
// The location transition here is the only point at which
// host/device movement happens. Device methods with a declared
// memory estimator are run in blocks of at most the estimated slice
// count, so a worker's share never exceeds the device budget.
func (w *worker) dispatch(ctx context.Context, step *tomoflow.StepSpec) error {
	sig := step.Sig

	// Resolve every input before any backend callable is invoked, so
	// data-flow errors fail fast.
	inputs := make([]*buffer.Buffer, len(step.Inputs))
	for i, binding := range step.Inputs {
		b, err := w.reg.lookup(binding.Buffer)
		if err != nil {
			return err
		}
		inputs[i] = b
	}

	call := &tomoflow.Call{
		Module:    step.Module,
		Method:    step.Method,
		Args:      step.Params,
		Inputs:    inputs,
		Comm:      w.comm,
		Part:      w.part,
		Sink:      w.sess.sink,
		VariantID: w.variant.ID,
	}
	if sig.NeedsStats && len(inputs) > 0 {
		stats, err := w.globalStats(ctx, inputs[0])
		if err != nil {
			return err
		}
		call.Stats = stats
	}

	var outputs []*buffer.Buffer
	var err error
	switch blocks, bounded := w.blockSize(step, inputs); {
	case bounded && blocks < 1:
		return fmt.Errorf("%w: %s: no slice of %v fits device memory %d",
			ErrBackendExecution, step.Ident(), inputs[0].Shape, w.sess.deviceMem)
	case bounded && blocks < inputs[0].Slices():
		outputs, err = w.dispatchBlocked(ctx, step, call, blocks)
	default:
		transfer(inputs, sig.Placement)
		outputs, err = invoke(ctx, step, sig, call)
	}
	if err != nil {
		return err
	}

	if len(outputs) < len(step.Outputs) {
		return fmt.Errorf("%w: %s returned %d outputs, declared %d",
			ErrBackendExecution, step.Ident(), len(outputs), len(step.Outputs))
	}
	for i, binding := range step.Outputs {
		w.reg.bind(binding.Buffer, outputs[i])
	}
	for _, binding := range step.Inputs {
		w.reg.consume(binding.Buffer)
	}
	return nil
}

// dispatchBlocked runs a device method over its primary input in
// blocks of at most maxSlices slices, concatenating the per-block
// outputs. Inputs that do not share the primary input's slicing
// extent (dark/flat frames, broadcast scalars) are passed whole to
// every block.
func (w *worker) dispatchBlocked(ctx context.Context, step *tomoflow.StepSpec, call *tomoflow.Call, maxSlices int) ([]*buffer.Buffer, error) {
	var (
		primary = call.Inputs[0]
		slices  = primary.Slices()
		blocks  [][]*buffer.Buffer
	)
	log.Debug.Printf("%s: %d slices in blocks of %d on %s",
		step.Ident(), slices, maxSlices, step.Sig.Placement)
	for start := 0; start < slices; start += maxSlices {
		stop := start + maxSlices
		if stop > slices {
			stop = slices
		}
		blockIn := make([]*buffer.Buffer, len(call.Inputs))
		for i, in := range call.Inputs {
			if in.Slices() == slices && len(in.Shape) == len(primary.Shape) {
				blockIn[i] = in.Slice(in.SliceDim, start, stop)
			} else {
				blockIn[i] = in
			}
		}
		transfer(blockIn, step.Sig.Placement)
		blockCall := *call
		blockCall.Inputs = blockIn
		out, err := invoke(ctx, step, step.Sig, &blockCall)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, out)
	}
	outputs := make([]*buffer.Buffer, len(blocks[0]))
	for i := range outputs {
		parts := make([]*buffer.Buffer, len(blocks))
		for j := range blocks {
			parts[j] = blocks[j][i]
		}
		outputs[i] = buffer.Concat(parts[0].SliceDim, parts...)
	}
	return outputs, nil
}

// blockSize returns the memory-bounded block size for the step.
// bounded is false for host methods, methods without an estimator,
// sessions with no device budget, and steps without inputs.
func (w *worker) blockSize(step *tomoflow.StepSpec, inputs []*buffer.Buffer) (blocks int, bounded bool) {
	sig := step.Sig
	if sig.MaxSlices == nil || sig.Placement != buffer.Device || len(inputs) == 0 || w.sess.deviceMem <= 0 {
		return 0, false
	}
	primary := inputs[0]
	return sig.MaxSlices(primary.SliceDim, primary.Shape, primary.Dtype, w.sess.deviceMem), true
}

// transfer moves buffers to the target location. Transferring an
// already-resident buffer is a no-op.
func transfer(bufs []*buffer.Buffer, loc buffer.Location) {
	for _, b := range bufs {
		b.Transfer(loc)
	}
}

// invoke runs the step's callable, converting panics and errors into
// ErrBackendExecution tagged with the step's identity.
func invoke(ctx context.Context, step *tomoflow.StepSpec, sig *tomoflow.Signature, call *tomoflow.Call) (outputs []*buffer.Buffer, err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("%w: %s: panic: %v\n%s", ErrBackendExecution, step.Ident(), e, stack)
		}
	}()
	outputs, err = sig.Run(ctx, call)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrBackendExecution, step.Ident(), err)
	}
	return outputs, err
}

// globalStats computes the dataset-global minimum, maximum, mean,
// and standard deviation of b across all workers' chunks: local
// moments are gathered to rank 0, combined, and the result broadcast
// so every worker observes identical values.
func (w *worker) globalStats(ctx context.Context, b *buffer.Buffer) ([]float32, error) {
	var (
		lo         = float32(math.Inf(1))
		hi         = float32(math.Inf(-1))
		sum, sumsq float64
	)
	for _, v := range b.Data() {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		sum += float64(v)
		sumsq += float64(v) * float64(v)
	}
	local := []float32{lo, hi, float32(sum), float32(sumsq), float32(b.Len())}
	all, err := w.comm.Gather(ctx, 0, local)
	if err != nil {
		return nil, err
	}
	var stats []float32
	if w.rank == 0 {
		glo, ghi := float32(math.Inf(1)), float32(math.Inf(-1))
		var gsum, gsumsq, n float64
		for _, l := range all {
			if l[0] < glo {
				glo = l[0]
			}
			if l[1] > ghi {
				ghi = l[1]
			}
			gsum += float64(l[2])
			gsumsq += float64(l[3])
			n += float64(l[4])
		}
		mean := gsum / n
		std := math.Sqrt(gsumsq/n - mean*mean)
		stats = []float32{glo, ghi, float32(mean), float32(std)}
	}
	return w.comm.Broadcast(ctx, 0, stats)
}
