// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements execution of resolved tomoflow pipelines:
// worker partitioning, per-variant drivers, the method dispatcher,
// and the data registry tracking buffers between steps.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/tomoflow/tomoflow"
)

// State represents the runtime state of a pipeline variant. State
// values are ordered so that their magnitudes correspond with
// variant progression; all values >= StateComplete are terminal.
type State int

const (
	// StateInit is the initial state of a variant, before worker
	// partitions have been computed.
	StateInit State = iota
	// StatePartitioned indicates partitions have been computed and
	// workers are starting.
	StatePartitioned
	// StateRunning indicates workers are executing a step.
	StateRunning
	// StateSyncBarrier indicates workers are blocked in a
	// synchronization barrier: a global-reduction step or a
	// redistribution of the slicing dimension.
	StateSyncBarrier
	// StateComplete indicates every step, including all save steps,
	// finished on every worker.
	StateComplete
	// StateFailed indicates the variant aborted. The failing step
	// and originating error are recorded.
	StateFailed

	maxState
)

var states = [...]string{
	StateInit:        "INIT",
	StatePartitioned: "PARTITIONED",
	StateRunning:     "RUNNING",
	StateSyncBarrier: "SYNC_BARRIER",
	StateComplete:    "COMPLETE",
	StateFailed:      "FAILED",
}

// String returns the state as an upper-case string.
func (s State) String() string { return states[s] }

// Terminal reports whether the state is terminal.
func (s State) Terminal() bool { return s >= StateComplete }

// A Variant is the runtime counterpart of one sweep-resolved
// pipeline: it embeds the resolved step sequence and maintains the
// variant's execution state.
//
// Variants coordinate between the session, the driver, and the
// workers executing steps. They embed a mutex for coordination and
// broadcast state changes to waiters.
type Variant struct {
	tomoflow.Variant

	sync.Mutex
	waitc chan struct{}

	// state is the variant's state, protected by the mutex; changes
	// are broadcast to waiters.
	state State
	// step is the index of the step currently executing.
	step int
	// err and failedStep are set when state == StateFailed.
	err        error
	failedStep string
}

func newVariant(v tomoflow.Variant) *Variant {
	return &Variant{Variant: v}
}

// Name returns the variant's identifier, or "default" for the single
// variant of a sweep-free pipeline.
func (v *Variant) Name() string {
	if v.ID == "" {
		return "default"
	}
	return v.ID
}

// String returns a short, human-readable description of the
// variant's state.
func (v *Variant) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "variant %s %s", v.Name(), v.state)
	if v.state == StateRunning || v.state == StateSyncBarrier {
		fmt.Fprintf(&b, "(step %d)", v.step+1)
	}
	if v.err != nil {
		fmt.Fprintf(&b, ": %s: %v", v.failedStep, v.err)
	}
	return b.String()
}

// Set sets the variant's state and notifies any waiters.
func (v *Variant) Set(state State) {
	v.Lock()
	v.state = state
	v.broadcast()
	v.Unlock()
}

// SetStep records that workers are executing step i and moves the
// variant to StateRunning.
func (v *Variant) SetStep(i int) {
	v.Lock()
	v.step = i
	v.state = StateRunning
	v.broadcast()
	v.Unlock()
}

// Fail moves the variant to StateFailed, recording the identity of
// the failing step and the originating error. Waiters are notified.
func (v *Variant) Fail(step string, err error) {
	v.Lock()
	v.state = StateFailed
	v.failedStep = step
	v.err = err
	v.broadcast()
	v.Unlock()
}

// State returns the variant's current state.
func (v *Variant) State() State {
	v.Lock()
	state := v.state
	v.Unlock()
	return state
}

// Err returns the variant's failure, wrapped with the failing step's
// identity, or nil if the variant has not failed.
func (v *Variant) Err() error {
	v.Lock()
	defer v.Unlock()
	if v.state != StateFailed {
		return nil
	}
	return fmt.Errorf("variant %s: %s: %w", v.Name(), v.failedStep, v.err)
}

// broadcast notifies waiters of a state change. The variant's lock
// must be held.
func (v *Variant) broadcast() {
	if v.waitc != nil {
		close(v.waitc)
		v.waitc = nil
	}
}

// wait returns after the next broadcast, or if the context is
// complete. The variant's lock must be held when calling wait.
func (v *Variant) wait(ctx context.Context) error {
	if v.waitc == nil {
		v.waitc = make(chan struct{})
	}
	waitc := v.waitc
	v.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	v.Lock()
	return err
}

// WaitState returns when the variant's state is at least the
// provided state, or else when the context is done.
func (v *Variant) WaitState(ctx context.Context, state State) (State, error) {
	v.Lock()
	defer v.Unlock()
	var err error
	for v.state < state && err == nil {
		err = v.wait(ctx)
	}
	return v.state, err
}
