// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tomoflow

import (
	"fmt"

	"github.com/grailbio/base/must"
)

// A Partition is one worker's contiguous share [Start, Stop) of the
// dataset's slicing dimension. Partitions are computed once before
// the first chunked step; they are contiguous, non-overlapping, and
// their union is the full (post-preview) extent.
type Partition struct {
	// Rank is the owning worker's rank.
	Rank int
	// NumWorkers is the total number of workers in the run.
	NumWorkers int
	// Start and Stop delimit the worker's global range along the
	// slicing dimension.
	Start, Stop int
}

// Len returns the partition's extent.
func (p Partition) Len() int { return p.Stop - p.Start }

// String returns the partition formatted as "rank/total [start,stop)".
func (p Partition) String() string {
	return fmt.Sprintf("%d/%d [%d,%d)", p.Rank, p.NumWorkers, p.Start, p.Stop)
}

// Partitions divides extent into workers contiguous, equal-or-near-
// equal shares. The remainder is distributed one extra unit each to
// the first remainder-many workers, guaranteeing full coverage with
// no overlap. Workers beyond the extent receive empty shares.
func Partitions(extent, workers int) []Partition {
	must.True(extent >= 0, "negative extent")
	must.True(workers > 0, "no workers")
	var (
		parts = make([]Partition, workers)
		share = extent / workers
		rem   = extent % workers
		at    = 0
	)
	for rank := range parts {
		n := share
		if rank < rem {
			n++
		}
		parts[rank] = Partition{Rank: rank, NumWorkers: workers, Start: at, Stop: at + n}
		at += n
	}
	return parts
}
