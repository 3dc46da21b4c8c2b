// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tomoflow

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalidSweepRange indicates a sweep marker whose range describes
// no valid value set.
var ErrInvalidSweepRange = errors.New("invalid sweep range")

// A SweepRange is a numeric range declared in place of a scalar
// parameter value. Before execution, the sweep expander replaces
// every SweepRange with a concrete scalar per expanded variant;
// a SweepRange is never observed by the method dispatcher.
type SweepRange struct {
	Start, Stop, Step float64
}

// Values returns the concrete value set described by the range:
// start, start+step, ... up to and including stop when a multiple of
// step lands on it. Values returns ErrInvalidSweepRange if step is
// zero or if the range cannot produce any value.
func (r SweepRange) Values() ([]float64, error) {
	if r.Step == 0 {
		return nil, fmt.Errorf("%w: step is zero", ErrInvalidSweepRange)
	}
	if r.Step > 0 && r.Start > r.Stop {
		return nil, fmt.Errorf("%w: start %v > stop %v with positive step", ErrInvalidSweepRange, r.Start, r.Stop)
	}
	if r.Step < 0 && r.Start < r.Stop {
		return nil, fmt.Errorf("%w: start %v < stop %v with negative step", ErrInvalidSweepRange, r.Start, r.Stop)
	}
	// A small tolerance admits final values that land on stop up to
	// float rounding (e.g. 0.001..0.01 by 0.001 has 10 values).
	eps := math.Abs(r.Step) * 1e-9
	var vals []float64
	for k := 0; ; k++ {
		v := r.Start + float64(k)*r.Step
		if r.Step > 0 && v > r.Stop+eps {
			break
		}
		if r.Step < 0 && v < r.Stop-eps {
			break
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func (r SweepRange) String() string {
	return fmt.Sprintf("sweep(%v:%v:%v)", r.Start, r.Stop, r.Step)
}

// ValueKind discriminates the variants of a parameter Value.
type ValueKind int

const (
	// KindScalar is a numeric parameter value.
	KindScalar ValueKind = iota
	// KindBool is a boolean parameter value.
	KindBool
	// KindString is a string parameter value.
	KindString
	// KindStrings is a list of strings, used by data bindings that
	// name multiple buffers.
	KindStrings
	// KindSweep is a sweep-range marker, resolved to a scalar by the
	// sweep expander before execution.
	KindSweep
	// KindNone is the zero Value, used for absent defaults.
	KindNone
)

// A Value is a parameter value from the pipeline document: a scalar,
// a boolean, a string (or list of strings, for data bindings), or a
// sweep-range marker. The tagged representation keeps sweeps
// distinguishable from scalars until the expander has resolved every
// one of them.
type Value struct {
	kind  ValueKind
	num   float64
	str   string
	strs  []string
	sweep SweepRange
}

// None is the absent Value.
var None = Value{kind: KindNone}

// Scalar returns a numeric Value.
func Scalar(v float64) Value { return Value{kind: KindScalar, num: v} }

// Int returns a numeric Value holding an integer.
func Int(v int) Value { return Scalar(float64(v)) }

// Bool returns a boolean Value.
func Bool(v bool) Value {
	var num float64
	if v {
		num = 1
	}
	return Value{kind: KindBool, num: num}
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Strings returns a string-list Value.
func Strings(s ...string) Value { return Value{kind: KindStrings, strs: s} }

// Sweep returns a sweep-range marker Value.
func Sweep(r SweepRange) Value { return Value{kind: KindSweep, sweep: r} }

// Kind returns the value's kind.
func (v Value) Kind() ValueKind { return v.kind }

// IsNone reports whether the value is absent.
func (v Value) IsNone() bool { return v.kind == KindNone }

// IsSweep reports whether the value is a sweep-range marker.
func (v Value) IsSweep() bool { return v.kind == KindSweep }

// Float returns the value as a float64. It is valid only for scalar
// and boolean values.
func (v Value) Float() float64 { return v.num }

// IntValue returns the value rounded to the nearest integer.
func (v Value) IntValue() int { return int(math.Round(v.num)) }

// BoolValue returns the value as a boolean.
func (v Value) BoolValue() bool { return v.num != 0 }

// Str returns the value as a string. It is valid only for string
// values.
func (v Value) Str() string { return v.str }

// StringList returns the value as a list of strings. A single string
// value yields a one-element list.
func (v Value) StringList() []string {
	if v.kind == KindString {
		return []string{v.str}
	}
	return v.strs
}

// SweepRange returns the value's sweep range. It is valid only for
// sweep values.
func (v Value) SweepRange() SweepRange { return v.sweep }

// String returns a human-readable rendering of the value, used in
// variant identifiers and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindScalar:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindString:
		return v.str
	case KindStrings:
		return fmt.Sprint(v.strs)
	case KindSweep:
		return v.sweep.String()
	}
	return "<none>"
}
