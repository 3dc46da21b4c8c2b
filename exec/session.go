// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/tomoflow/tomoflow"
	"github.com/tomoflow/tomoflow/chunkio"
)

// A Session hosts pipeline runs. It carries the run-independent
// configuration: worker parallelism, the capability registry, the
// artifact sink, and the device memory budget. Sessions are created
// by Start and configured through Options.
type Session struct {
	workers     int
	dimension   int
	sink        chunkio.Sink
	deviceMem   int64
	maxVariants int
	status      *status.Status
	saveAll     bool
	registry    *tomoflow.Registry
}

// An Option represents a session configuration parameter.
type Option func(*Session)

// Workers configures the number of workers each variant's slicing
// dimension is partitioned across.
func Workers(n int) Option {
	return func(s *Session) { s.workers = n }
}

// Dimension forces the initial slicing dimension (0 for projections,
// 1 for sinograms), overriding the automatic choice derived from the
// first compute step's pattern.
func Dimension(dim int) Option {
	return func(s *Session) { s.dimension = dim }
}

// Sink configures the artifact sink save steps write to. The default
// sink discards artifacts.
func Sink(sink chunkio.Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// DeviceMemory configures the per-worker device memory budget in
// bytes, bounding the block size of device methods that declare a
// memory estimator. Zero disables blocking.
func DeviceMemory(bytes int64) Option {
	return func(s *Session) { s.deviceMem = bytes }
}

// MaxVariants bounds how many sweep variants execute concurrently.
func MaxVariants(n int) Option {
	return func(s *Session) { s.maxVariants = n }
}

// Status configures a status object to report variant progress to.
func Status(status *status.Status) Option {
	return func(s *Session) { s.status = status }
}

// SaveAll configures the session to write every step's outputs to the
// sink, not just the outputs of declared save steps.
func SaveAll(save bool) Option {
	return func(s *Session) { s.saveAll = save }
}

// Capabilities configures the capability registry pipelines resolve
// against. The default is the process-wide registry.
func Capabilities(reg *tomoflow.Registry) Option {
	return func(s *Session) { s.registry = reg }
}

// Start creates and starts a new session, configured by the provided
// options.
func Start(options ...Option) *Session {
	s := &Session{
		workers:     1,
		dimension:   -1,
		sink:        chunkio.Discard,
		maxVariants: 4,
		registry:    tomoflow.Default,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// A Result reports the outcome of one pipeline run: the terminal
// per-variant states, tagged with the run's identifier.
type Result struct {
	// RunID is the unique identifier assigned to the run.
	RunID string
	// Variants holds the run's variants, in expansion order. All are
	// in a terminal state.
	Variants []*Variant
}

// Failed returns the variants that ended in StateFailed.
func (r *Result) Failed() []*Variant {
	var failed []*Variant
	for _, v := range r.Variants {
		if v.State() == StateFailed {
			failed = append(failed, v)
		}
	}
	return failed
}

// Err returns the first failed variant's error, or nil if every
// variant completed.
func (r *Result) Err() error {
	for _, v := range r.Variants {
		if err := v.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Run resolves, expands, and executes the pipeline document against
// the dataset source, driving every sweep variant to a terminal
// state. Declaration errors are returned before any worker starts;
// execution failures are recorded per variant in the result, so one
// variant's failure does not abort its siblings.
func (s *Session) Run(ctx context.Context, doc tomoflow.Document, ds chunkio.Dataset) (*Result, error) {
	steps, err := tomoflow.Resolve(doc, s.registry)
	if err != nil {
		return nil, err
	}
	expanded, err := tomoflow.Expand(steps)
	if err != nil {
		return nil, err
	}
	result := &Result{RunID: uuid.New().String()}
	for _, v := range expanded {
		result.Variants = append(result.Variants, newVariant(v))
	}
	log.Printf("run %s: %d steps, %d variants, %d workers",
		result.RunID, len(steps), len(expanded), s.workers)

	var group *status.Group
	if s.status != nil {
		group = s.status.Group("run " + result.RunID)
	}
	_ = traverse.Limit(s.maxVariants).Each(len(result.Variants), func(i int) error {
		v := result.Variants[i]
		var task *status.Task
		if group != nil {
			task = group.Startf("variant %s", v.Name())
			defer task.Done()
		}
		s.run(ctx, v, ds)
		if task != nil {
			task.Print(v.State())
		}
		if err := v.Err(); err != nil {
			log.Error.Printf("run %s: %v", result.RunID, err)
		}
		return nil
	})
	return result, nil
}
