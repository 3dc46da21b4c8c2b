// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tomoflow

import (
	"errors"
	"fmt"
)

// Declaration errors, detected by Resolve before any execution. They
// abort the entire run; no worker starts.
var (
	// ErrUnknownMethod indicates a step declaration whose identifier
	// has no registered signature.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrMissingParameter indicates a required formal parameter with
	// no supplied value and no declared default.
	ErrMissingParameter = errors.New("missing required parameter")
	// ErrUnexpectedParameter indicates a supplied key that is not a
	// declared formal parameter.
	ErrUnexpectedParameter = errors.New("unexpected parameter")
)

// A Binding associates a formal data parameter with a data-buffer
// name in the registry.
type Binding struct {
	// Formal is the signature's formal parameter name.
	Formal string
	// Buffer is the data-buffer name bound to it.
	Buffer string
}

// A StepSpec is one resolved step: the declared method matched to its
// registered signature, with validated parameters and data bindings.
// StepSpecs are immutable once resolved; the sweep expander clones
// them when substituting swept values.
type StepSpec struct {
	// Position is the step's zero-based position in the pipeline.
	Position int
	// Module and Method identify the resolved capability.
	Module, Method string
	// Sig is the registered signature the step resolved to.
	Sig *Signature
	// Params holds the scalar parameter values by formal name,
	// defaults filled in. Values may be sweep markers until the
	// expander has run.
	Params map[string]Value
	// Inputs and Outputs are the data-buffer bindings, in signature
	// parameter order.
	Inputs  []Binding
	Outputs []Binding
	// Preview restricts the loaded extent; loader steps only.
	Preview []PreviewDim
}

// Ident returns the step's identity for error reporting:
// "module.method (step N)".
func (s *StepSpec) Ident() string {
	return fmt.Sprintf("%s.%s (step %d)", s.Module, s.Method, s.Position+1)
}

// HasSweep reports whether any parameter value is a sweep marker.
func (s *StepSpec) HasSweep() bool {
	for _, v := range s.Params {
		if v.IsSweep() {
			return true
		}
	}
	return false
}

// clone returns a copy of the step with an independent parameter map.
func (s *StepSpec) clone() StepSpec {
	c := *s
	c.Params = make(map[string]Value, len(s.Params))
	for k, v := range s.Params {
		c.Params[k] = v
	}
	return c
}

// Resolve matches each declaration in the document against the
// registry, producing an ordered StepSpec sequence of the same
// length. Resolution is pure and deterministic: it performs no I/O
// and has no side effects.
//
// Resolve fails with ErrUnknownMethod when a declaration's identifier
// has no registered signature, ErrMissingParameter when a required
// formal has no supplied value and no default, and
// ErrUnexpectedParameter when a supplied key is not a declared
// formal. The first step must resolve to a loader, and only the
// first step may.
func Resolve(doc Document, reg *Registry) ([]StepSpec, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("resolve: empty pipeline")
	}
	steps := make([]StepSpec, 0, len(doc))
	for i := range doc {
		step, err := resolveStep(&doc[i], i, reg)
		if err != nil {
			return nil, err
		}
		if step.Sig.Loader != (i == 0) {
			if i == 0 {
				return nil, fmt.Errorf("resolve: %s: first step must be a loader", step.Ident())
			}
			return nil, fmt.Errorf("resolve: %s: loader must be the first step", step.Ident())
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func resolveStep(decl *StepDecl, position int, reg *Registry) (StepSpec, error) {
	sig := reg.Lookup(decl.Module, decl.Method)
	if sig == nil {
		return StepSpec{}, fmt.Errorf("resolve: %s.%s (step %d, line %d): %w",
			decl.Module, decl.Method, position+1, decl.Line, ErrUnknownMethod)
	}
	step := StepSpec{
		Position: position,
		Module:   decl.Module,
		Method:   decl.Method,
		Sig:      sig,
		Params:   make(map[string]Value),
		Preview:  decl.Preview,
	}
	// Reject keys that name no declared formal.
	for name := range decl.Params {
		if sig.Param(name) == nil {
			return StepSpec{}, fmt.Errorf("resolve: %s: %w: %s", step.Ident(), ErrUnexpectedParameter, name)
		}
	}
	// Walk the signature's formals in declared order, taking the
	// supplied value or the default.
	for _, param := range sig.Params {
		val, supplied := decl.Params[param.Name]
		if !supplied {
			if param.Required {
				return StepSpec{}, fmt.Errorf("resolve: %s: %w: %s", step.Ident(), ErrMissingParameter, param.Name)
			}
			if param.Default.IsNone() {
				continue
			}
			val = param.Default
		}
		switch param.Role {
		case RoleScalar:
			step.Params[param.Name] = val
		case RoleDataIn, RoleDataOut:
			if val.IsSweep() {
				return StepSpec{}, fmt.Errorf("resolve: %s: %w: data binding %s cannot be swept",
					step.Ident(), ErrUnexpectedParameter, param.Name)
			}
			names := val.StringList()
			if len(names) == 0 {
				return StepSpec{}, fmt.Errorf("resolve: %s: %w: %s names no buffer",
					step.Ident(), ErrMissingParameter, param.Name)
			}
			for _, name := range names {
				binding := Binding{Formal: param.Name, Buffer: name}
				if param.Role == RoleDataIn {
					step.Inputs = append(step.Inputs, binding)
				} else {
					step.Outputs = append(step.Outputs, binding)
				}
			}
		}
	}
	return step, nil
}

// BufferNames returns the set of data-buffer names a resolved step
// sequence can ever bind: every output binding plus the auxiliary
// buffers published by the loader.
func BufferNames(steps []StepSpec) map[string]bool {
	names := make(map[string]bool)
	for i := range steps {
		for _, b := range steps[i].Outputs {
			names[b.Buffer] = true
		}
		if steps[i].Sig.Loader {
			for _, aux := range LoaderAuxBuffers {
				names[aux] = true
			}
		}
	}
	return names
}

// LoaderAuxBuffers are the auxiliary buffer names a loader binds in
// addition to its declared output: the dark- and flat-field frames
// and the projection angles.
var LoaderAuxBuffers = []string{"darks", "flats", "angles"}
