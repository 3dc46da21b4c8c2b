// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tomoflow implements a declarative pipeline engine for large,
// chunked tomographic datasets. Users declare an ordered sequence of
// named processing steps in a YAML document; tomoflow resolves each
// declaration against a capability registry, expands parameter sweeps
// into concrete pipeline variants, partitions the dataset's slicing
// dimension across a group of workers, and streams chunks through the
// step sequence without ever materializing the whole dataset in one
// worker's memory.
//
// The root package holds the declarative core: the pipeline document
// model, the capability registry, step resolution, sweep expansion,
// and worker partitioning. Package exec drives execution; package
// comm provides the cross-worker synchronization primitives; package
// buffer holds the named array buffers that flow between steps; and
// package chunkio abstracts the dataset source and artifact sinks.
// Package methods registers a built-in capability set mirroring a
// typical tomographic processing chain.
//
// A minimal run looks like:
//
//	doc, err := tomoflow.ParseDocument(f)
//	// handle err
//	sess := exec.Start(exec.Workers(4), exec.Sink(sink))
//	result, err := sess.Run(ctx, doc, dataset)
//
// Declaration errors (unknown methods, missing or unexpected
// parameters, malformed sweeps) are reported by Run before any worker
// starts. Failures during execution abort only the owning variant;
// independent sweep variants keep running.
package tomoflow
