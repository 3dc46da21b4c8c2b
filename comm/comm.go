// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm provides the cross-worker synchronization primitives
// used by the pipeline engine: barrier, gather, broadcast, and
// scatter over a fixed group of workers launched together.
//
// A Communicator is threaded explicitly through the driver and
// dispatcher; there is no ambient global rank or group state.
// Collective payloads are copied, never shared by reference, so
// workers exchange values without sharing mutable state.
package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tomoflow/tomoflow/ctxsync"
)

// ErrPartitionSync is returned from a collective when a peer worker
// aborts before completing it. Every participant observes the
// failure; no worker proceeds past a poisoned barrier.
var ErrPartitionSync = errors.New("partition synchronization failed")

// A Communicator exchanges values within a fixed group of workers.
// All workers must invoke the group's collectives in the same order;
// the engine guarantees this by executing steps in lockstep.
type Communicator interface {
	// Rank returns the calling worker's rank in [0, Size).
	Rank() int
	// Size returns the number of workers in the group.
	Size() int
	// Barrier blocks until every worker in the group has arrived.
	Barrier(ctx context.Context) error
	// Gather delivers every worker's payload, ordered by rank, to
	// the root worker. Non-root callers receive nil.
	Gather(ctx context.Context, root int, payload []float32) ([][]float32, error)
	// Broadcast distributes the root worker's payload to every
	// worker. Non-root callers pass nil.
	Broadcast(ctx context.Context, root int, payload []float32) ([]float32, error)
	// Scatter distributes the root worker's per-rank parts; each
	// worker receives the part at its own rank. Non-root callers
	// pass nil.
	Scatter(ctx context.Context, root int, parts [][]float32) ([]float32, error)
	// Abort poisons the group with err: every pending and future
	// collective on any member fails with ErrPartitionSync wrapping
	// err.
	Abort(err error)
}

// Group returns a set of communicators, one per rank, for n workers
// launched together in this process.
func Group(n int) []Communicator {
	g := &group{n: n}
	g.cond = ctxsync.NewCond(&g.mu)
	comms := make([]Communicator, n)
	for rank := range comms {
		comms[rank] = &member{g: g, rank: rank}
	}
	return comms
}

// group holds the shared rendezvous state for one worker group.
// Workers call collectives in lockstep, so a single rendezvous slot
// with a generation counter suffices.
type group struct {
	mu   sync.Mutex
	cond *ctxsync.Cond
	n    int

	err     error
	gen     int
	arrived int
	in      [][]float32
	out     [][]float32
}

type member struct {
	g    *group
	rank int
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.g.n }

func (m *member) Barrier(ctx context.Context) error {
	_, err := m.g.rendezvous(ctx, m.rank, nil, func(in [][]float32) [][]float32 {
		return make([][]float32, len(in))
	})
	return err
}

func (m *member) Gather(ctx context.Context, root int, payload []float32) ([][]float32, error) {
	outs, err := m.g.rendezvous(ctx, m.rank, payload, func(in [][]float32) [][]float32 {
		out := make([][]float32, len(in))
		gathered := make([][]float32, len(in))
		for i, p := range in {
			gathered[i] = clone(p)
		}
		out[root] = flatten(gathered)
		return out
	})
	if err != nil {
		return nil, err
	}
	return unflatten(outs), nil
}

func (m *member) Broadcast(ctx context.Context, root int, payload []float32) ([]float32, error) {
	return m.g.rendezvous(ctx, m.rank, payload, func(in [][]float32) [][]float32 {
		out := make([][]float32, len(in))
		for i := range out {
			out[i] = clone(in[root])
		}
		return out
	})
}

func (m *member) Scatter(ctx context.Context, root int, parts [][]float32) ([]float32, error) {
	flat := flatten(parts)
	return m.g.rendezvous(ctx, m.rank, flat, func(in [][]float32) [][]float32 {
		rootParts := unflatten(in[root])
		out := make([][]float32, len(in))
		for i := range out {
			if i < len(rootParts) {
				out[i] = clone(rootParts[i])
			}
		}
		return out
	})
}

func (m *member) Abort(err error) {
	g := m.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = err
	}
	g.cond.Broadcast()
}

// rendezvous runs one collective: every member deposits its payload;
// the last to arrive applies combine to the rank-ordered payloads,
// producing each member's result, and wakes the group. The caller's
// payload is retained only until the rendezvous completes, and
// combine is expected to copy.
func (g *group) rendezvous(ctx context.Context, rank int, payload []float32, combine func([][]float32) [][]float32) ([]float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartitionSync, g.err)
	}
	if g.in == nil {
		g.in = make([][]float32, g.n)
	}
	gen := g.gen
	g.in[rank] = payload
	g.arrived++
	if g.arrived == g.n {
		g.out = combine(g.in)
		g.in = nil
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == gen && g.err == nil {
			if err := g.cond.Wait(ctx); err != nil {
				// Abandoning a collective strands the peers; poison
				// the group so they fail rather than hang.
				if g.err == nil {
					g.err = err
					g.cond.Broadcast()
				}
				return nil, err
			}
		}
		if g.gen == gen && g.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPartitionSync, g.err)
		}
	}
	return g.out[rank], nil
}

func clone(p []float32) []float32 {
	if p == nil {
		return nil
	}
	c := make([]float32, len(p))
	copy(c, p)
	return c
}

// flatten and unflatten pack a list of payloads into one slice with a
// length-prefixed layout, so collectives exchanging multiple payloads
// reuse the single-payload rendezvous.
func flatten(parts [][]float32) []float32 {
	if parts == nil {
		return nil
	}
	n := 1
	for _, p := range parts {
		n += 1 + len(p)
	}
	flat := make([]float32, 0, n)
	flat = append(flat, float32(len(parts)))
	for _, p := range parts {
		flat = append(flat, float32(len(p)))
		flat = append(flat, p...)
	}
	return flat
}

func unflatten(flat []float32) [][]float32 {
	if flat == nil {
		return nil
	}
	n := int(flat[0])
	parts := make([][]float32, n)
	at := 1
	for i := 0; i < n; i++ {
		ln := int(flat[at])
		at++
		parts[i] = clone(flat[at : at+ln])
		at += ln
	}
	return parts
}
