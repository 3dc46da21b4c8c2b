// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tomoflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedSweep indicates a sweep combination the expander
// cannot express, such as two sweep markers binding the same formal
// parameter of the same step.
var ErrUnsupportedSweep = errors.New("unsupported sweep combination")

// A Variant is one concrete, sweep-resolved pipeline: an ordered
// StepSpec sequence with every sweep marker replaced by a scalar,
// tagged with a stable, human-distinguishable identifier derived from
// the swept values. The identifier disambiguates output paths when
// sweeps are in play; it is empty for the single variant of a
// sweep-free pipeline.
type Variant struct {
	ID    string
	Steps []StepSpec
}

// A sweptParam locates one swept formal parameter and its concrete
// value set.
type sweptParam struct {
	step   int
	formal string
	label  string
	values []float64
}

// Expand scans the step sequence for sweep markers and produces one
// Variant per combination of swept values, taking the Cartesian
// product across independently swept parameters. A sweep-free
// sequence expands to exactly one variant equal to the input.
//
// Expand fails with ErrInvalidSweepRange if any marker's range is
// degenerate, and with ErrUnsupportedSweep if two markers would bind
// the same formal parameter of the same step.
func Expand(steps []StepSpec) ([]Variant, error) {
	var sweeps []sweptParam
	seen := make(map[string]bool)
	for i := range steps {
		// Iterate formals in signature order so expansion order, and
		// therefore variant order, is deterministic.
		for _, param := range steps[i].Sig.Params {
			v, ok := steps[i].Params[param.Name]
			if !ok || !v.IsSweep() {
				continue
			}
			key := fmt.Sprintf("%d/%s", i, param.Name)
			if seen[key] {
				return nil, fmt.Errorf("expand: %s: %w: parameter %s swept twice",
					steps[i].Ident(), ErrUnsupportedSweep, param.Name)
			}
			seen[key] = true
			vals, err := v.SweepRange().Values()
			if err != nil {
				return nil, fmt.Errorf("expand: %s: parameter %s: %w", steps[i].Ident(), param.Name, err)
			}
			sweeps = append(sweeps, sweptParam{
				step:   i,
				formal: param.Name,
				values: vals,
			})
		}
	}
	if len(sweeps) == 0 {
		return []Variant{{Steps: steps}}, nil
	}
	assignLabels(sweeps)

	// Walk the Cartesian product with an odometer over the value
	// sets; earlier sweeps vary slowest.
	total := 1
	for _, s := range sweeps {
		total *= len(s.values)
	}
	variants := make([]Variant, 0, total)
	idx := make([]int, len(sweeps))
	for {
		variants = append(variants, makeVariant(steps, sweeps, idx))
		pos := len(idx) - 1
		for ; pos >= 0; pos-- {
			idx[pos]++
			if idx[pos] < len(sweeps[pos].values) {
				break
			}
			idx[pos] = 0
		}
		if pos < 0 {
			break
		}
	}
	return variants, nil
}

// assignLabels gives each swept parameter the label used in variant
// identifiers. The bare formal name is used unless two sweeps share
// it, in which case labels are qualified by step position.
func assignLabels(sweeps []sweptParam) {
	count := make(map[string]int)
	for _, s := range sweeps {
		count[s.formal]++
	}
	for i := range sweeps {
		if count[sweeps[i].formal] > 1 {
			sweeps[i].label = fmt.Sprintf("s%d.%s", sweeps[i].step+1, sweeps[i].formal)
		} else {
			sweeps[i].label = sweeps[i].formal
		}
	}
}

func makeVariant(steps []StepSpec, sweeps []sweptParam, idx []int) Variant {
	cloned := make([]StepSpec, len(steps))
	copied := make(map[int]bool)
	for i := range steps {
		cloned[i] = steps[i]
	}
	parts := make([]string, len(sweeps))
	for si, s := range sweeps {
		if !copied[s.step] {
			cloned[s.step] = steps[s.step].clone()
			copied[s.step] = true
		}
		val := s.values[idx[si]]
		cloned[s.step].Params[s.formal] = Scalar(val)
		parts[si] = s.label + "=" + formatSweepValue(val)
	}
	return Variant{ID: strings.Join(parts, "_"), Steps: cloned}
}

// formatSweepValue renders a swept value compactly and stably.
// Accumulated float error from repeated addition is rounded away so
// identifiers like "alpha=0.007" stay readable.
func formatSweepValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 8, 64)
}
