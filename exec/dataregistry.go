// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"errors"
	"fmt"

	"github.com/tomoflow/tomoflow"
	"github.com/tomoflow/tomoflow/buffer"
)

// Data-flow errors, detected at the step about to execute. They
// abort the owning variant but not sibling variants of a sweep.
var (
	// ErrUnboundData indicates a step read of a buffer name that no
	// prior step has produced.
	ErrUnboundData = errors.New("unbound data buffer")
	// ErrUndeclaredInput indicates a read of a name that appears in
	// no output binding of the pipeline and is not published by the
	// loader.
	ErrUndeclaredInput = errors.New("undeclared input buffer")
)

// A dataRegistry is the per-variant, per-worker mapping from buffer
// name to buffer. It is mutated only by the driver acting on behalf
// of the currently dispatching step. The registry holds references
// and performs no I/O.
//
// Reference counts are computed once, statically, from the full step
// sequence: each buffer is dropped as soon as no remaining step
// reads it, bounding peak memory.
type dataRegistry struct {
	declared map[string]bool
	reads    map[string]int
	buffers  map[string]*buffer.Buffer
}

func newDataRegistry(steps []tomoflow.StepSpec) *dataRegistry {
	r := &dataRegistry{
		declared: tomoflow.BufferNames(steps),
		reads:    make(map[string]int),
		buffers:  make(map[string]*buffer.Buffer),
	}
	for i := range steps {
		for _, in := range steps[i].Inputs {
			r.reads[in.Buffer]++
		}
	}
	return r
}

// bind binds name to b, replacing any previous binding. A name may
// be rebound by exactly one producer at a time; rebinding simply
// overwrites within this worker's registry.
func (r *dataRegistry) bind(name string, b *buffer.Buffer) {
	b.Name = name
	r.buffers[name] = b
}

// lookup resolves name to its bound buffer. It fails with
// ErrUndeclaredInput if the name can never be bound by this
// pipeline, and with ErrUnboundData if no prior step has bound it
// yet.
func (r *dataRegistry) lookup(name string) (*buffer.Buffer, error) {
	if b, ok := r.buffers[name]; ok {
		return b, nil
	}
	if !r.declared[name] {
		return nil, fmt.Errorf("%w: %s", ErrUndeclaredInput, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnboundData, name)
}

// consume records that the currently dispatched step has read name,
// releasing the buffer once no remaining step reads it.
func (r *dataRegistry) consume(name string) {
	r.reads[name]--
	if r.reads[name] <= 0 {
		delete(r.buffers, name)
	}
}

// live returns the number of currently bound buffers.
func (r *dataRegistry) live() int { return len(r.buffers) }
