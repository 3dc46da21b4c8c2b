// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tomoflow

import (
	"context"
	"sort"

	"github.com/grailbio/base/must"
	"github.com/tomoflow/tomoflow/buffer"
	"github.com/tomoflow/tomoflow/chunkio"
	"github.com/tomoflow/tomoflow/comm"
)

// Role describes how a formal parameter participates in a method
// call: as a scalar argument, or as a data-buffer binding.
type Role int

const (
	// RoleScalar is an ordinary scalar argument.
	RoleScalar Role = iota
	// RoleDataIn binds a formal input to a data-buffer name.
	RoleDataIn
	// RoleDataOut binds a formal output to a data-buffer name.
	RoleDataOut
)

// Pattern describes the slicing dimension a method requires of its
// input data. Tomographic data is laid out [angles, detector-y,
// detector-x]: projection methods slice along dimension 0, sinogram
// methods along dimension 1. PatternAll methods accept either.
type Pattern int

const (
	PatternProjection Pattern = iota
	PatternSinogram
	PatternAll
)

var patternNames = [...]string{
	PatternProjection: "projection",
	PatternSinogram:   "sinogram",
	PatternAll:        "all",
}

// String returns the pattern's name.
func (p Pattern) String() string { return patternNames[p] }

// SliceDim returns the slicing dimension the pattern implies.
// SliceDim must not be called on PatternAll.
func (p Pattern) SliceDim() int {
	must.True(p != PatternAll, "PatternAll has no slicing dimension")
	return int(p)
}

// A Param is one formal parameter of a registered method signature.
type Param struct {
	// Name is the formal parameter name as it appears in step
	// declarations.
	Name string
	// Role describes whether the parameter is a scalar argument or a
	// data-buffer binding.
	Role Role
	// Required indicates the declaration must supply a value.
	Required bool
	// Default is the value used when the declaration omits the
	// parameter. It is meaningful only when Required is false.
	Default Value
}

// A Call carries everything a method runner needs for one
// invocation: the concrete scalar arguments, the input buffers in
// declared order, and the worker's communicator and partition for
// global-reduction methods. Savers additionally receive the run's
// artifact sink and the owning variant's identifier.
type Call struct {
	// Module and Method identify the capability being invoked.
	Module, Method string
	// Args holds the concrete scalar arguments by formal name. No
	// value is a sweep marker.
	Args map[string]Value
	// Inputs holds the resolved input buffers, in the order of the
	// signature's data-in parameters.
	Inputs []*buffer.Buffer
	// Comm is the worker's communicator. Only global-reduction
	// methods may use it.
	Comm comm.Communicator
	// Part is the worker's partition of the slicing dimension.
	Part Partition
	// Sink and VariantID are set for saver methods.
	Sink      chunkio.Sink
	VariantID string
	// Stats holds the dataset-global [min, max, mean, std] of the
	// primary input, for signatures that declare NeedsStats.
	Stats []float32
}

// Float returns the named scalar argument as a float64.
func (c *Call) Float(name string) float64 { return c.Args[name].Float() }

// Int returns the named scalar argument as an int.
func (c *Call) Int(name string) int { return c.Args[name].IntValue() }

// Str returns the named scalar argument as a string.
func (c *Call) Str(name string) string { return c.Args[name].Str() }

// A Runner is the callable behind a registered method. It receives
// the call and returns the output buffers, in the order of the
// signature's data-out parameters. Runners must treat input buffers
// as borrowed references.
type Runner func(ctx context.Context, call *Call) ([]*buffer.Buffer, error)

// A MaxSlicesFunc estimates how many slices of the given chunk shape
// fit in the provided device memory budget. sliceDim indexes the
// slicing dimension within shape. A return of 0 means not even one
// slice fits.
type MaxSlicesFunc func(sliceDim int, shape []int, dtype buffer.Dtype, budget int64) int

// A Signature is the declared contract of a registered capability:
// its formal parameters, data roles, execution placement, and
// slicing pattern. The engine never hardcodes callable behavior; it
// dispatches purely on this contract.
type Signature struct {
	// Module and Method name the capability, e.g. "prep" and
	// "normalize".
	Module, Method string
	// Params is the ordered list of formal parameters.
	Params []Param
	// Placement declares whether the runner requires its buffers in
	// host or device memory.
	Placement buffer.Location
	// Pattern declares the slicing dimension the method requires.
	Pattern Pattern
	// Loader marks the initial load step. Loader steps are executed
	// by the driver against the dataset source rather than through
	// the runner.
	Loader bool
	// Saver marks a terminal save step; savers receive the run's
	// artifact sink.
	Saver bool
	// Global marks a global-reduction method whose result requires
	// visibility of the whole extent. The driver brackets such steps
	// with synchronization barriers.
	Global bool
	// NeedsStats requests dataset-global statistics of the primary
	// input to be supplied on the call.
	NeedsStats bool
	// MaxSlices optionally estimates the memory-bounded block size
	// for device execution. When nil, the method is assumed to fit
	// any number of slices.
	MaxSlices MaxSlicesFunc
	// Run is the callable. It is nil for loaders.
	Run Runner
}

// FullName returns the capability's identifier, "module.method".
func (s *Signature) FullName() string { return s.Module + "." + s.Method }

// Param returns the named formal parameter, or nil.
func (s *Signature) Param(name string) *Param {
	for i := range s.Params {
		if s.Params[i].Name == name {
			return &s.Params[i]
		}
	}
	return nil
}

// A Registry maps method identifiers to signatures. It is built at
// startup from a closed, enumerable list of capabilities; resolution
// is a mapping lookup with explicit failure, not reflection.
type Registry struct {
	sigs map[string]*Signature
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sigs: make(map[string]*Signature)}
}

// Register adds a signature to the registry. Registering the same
// identifier twice panics: the capability set must be enumerable and
// deterministic.
func (r *Registry) Register(sig *Signature) {
	name := sig.FullName()
	_, ok := r.sigs[name]
	must.Truef(!ok, "registry: duplicate registration of %s", name)
	must.True(sig.Loader || sig.Run != nil, "registry: non-loader signature without a runner")
	r.sigs[name] = sig
}

// Lookup returns the signature registered for module.method, or nil.
func (r *Registry) Lookup(module, method string) *Signature {
	return r.sigs[module+"."+method]
}

// Names returns the sorted identifiers of all registered
// capabilities.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sigs))
	for name := range r.sigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-wide capability registry. Packages providing
// method implementations register themselves here at init time.
var Default = NewRegistry()
