// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tomoflow/tomoflow"
	"github.com/tomoflow/tomoflow/buffer"
	"github.com/tomoflow/tomoflow/chunkio"
)

// testEnv accumulates per-rank observations made by test runners.
type testEnv struct {
	mu   sync.Mutex
	seen map[string][]string
}

func newTestEnv() *testEnv {
	return &testEnv{seen: make(map[string][]string)}
}

func (e *testEnv) record(key, value string) {
	e.mu.Lock()
	e.seen[key] = append(e.seen[key], value)
	e.mu.Unlock()
}

// testCapabilities builds a registry of minimal methods driven by the
// test environment: a loader, an in-place doubling step, a global mean
// reduction, a device-placed increment, and a saver.
func testCapabilities(env *testEnv) *tomoflow.Registry {
	reg := tomoflow.NewRegistry()
	reg.Register(&tomoflow.Signature{
		Module: "loaders",
		Method: "load",
		Params: []tomoflow.Param{
			{Name: "name", Role: tomoflow.RoleDataOut, Required: true},
		},
		Pattern: tomoflow.PatternAll,
		Loader:  true,
	})
	reg.Register(&tomoflow.Signature{
		Module: "prep",
		Method: "double",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "data_out", Role: tomoflow.RoleDataOut, Required: true},
			{Name: "fail_on", Default: tomoflow.Scalar(-1)},
			{Name: "factor", Default: tomoflow.Scalar(2)},
		},
		Pattern: tomoflow.PatternProjection,
		Run: func(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
			in := call.Inputs[0]
			if f := call.Float("fail_on"); f >= 0 && f == call.Float("factor") {
				return nil, fmt.Errorf("refusing factor %v", f)
			}
			env.record("double", fmt.Sprintf("rank=%d shape=%v offset=%d dim=%d",
				call.Part.Rank, in.Shape, in.Offset, in.SliceDim))
			out := in.Clone()
			factor := float32(call.Float("factor"))
			for i, v := range out.Data() {
				out.Data()[i] = v * factor
			}
			return []*buffer.Buffer{out}, nil
		},
	})
	reg.Register(&tomoflow.Signature{
		Module: "stats",
		Method: "mean",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "data_out", Role: tomoflow.RoleDataOut, Required: true},
		},
		Pattern: tomoflow.PatternSinogram,
		Global:  true,
		Run: func(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
			in := call.Inputs[0]
			env.record("mean", fmt.Sprintf("rank=%d shape=%v offset=%d dim=%d",
				call.Part.Rank, in.Shape, in.Offset, in.SliceDim))
			var sum float64
			for _, v := range in.Data() {
				sum += float64(v)
			}
			all, err := call.Comm.Gather(ctx, 0, []float32{float32(sum), float32(in.Len())})
			if err != nil {
				return nil, err
			}
			var mean []float32
			if call.Comm.Rank() == 0 {
				var s, n float64
				for _, m := range all {
					s += float64(m[0])
					n += float64(m[1])
				}
				mean = []float32{float32(s / n)}
			}
			mean, err = call.Comm.Broadcast(ctx, 0, mean)
			if err != nil {
				return nil, err
			}
			env.record("mean-result", fmt.Sprintf("rank=%d mean=%g", call.Comm.Rank(), mean[0]))
			return []*buffer.Buffer{buffer.FromData("", []int{1}, buffer.Float32, 0, mean)}, nil
		},
	})
	reg.Register(&tomoflow.Signature{
		Module: "device",
		Method: "increment",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
			{Name: "data_out", Role: tomoflow.RoleDataOut, Required: true},
		},
		Pattern:   tomoflow.PatternProjection,
		Placement: buffer.Device,
		MaxSlices: func(sliceDim int, shape []int, dtype buffer.Dtype, budget int64) int {
			perSlice := int64(4)
			for d, extent := range shape {
				if d != sliceDim {
					perSlice *= int64(extent)
				}
			}
			return int(budget / perSlice)
		},
		Run: func(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
			in := call.Inputs[0]
			env.record("increment", fmt.Sprintf("rank=%d slices=%d loc=%s",
				call.Part.Rank, in.Slices(), in.Location()))
			out := in.Clone()
			for i, v := range out.Data() {
				out.Data()[i] = v + 1
			}
			return []*buffer.Buffer{out}, nil
		},
	})
	reg.Register(&tomoflow.Signature{
		Module: "save",
		Method: "chunks",
		Params: []tomoflow.Param{
			{Name: "data_in", Role: tomoflow.RoleDataIn, Required: true},
		},
		Pattern: tomoflow.PatternAll,
		Saver:   true,
		Run: func(ctx context.Context, call *tomoflow.Call) ([]*buffer.Buffer, error) {
			return nil, call.Sink.Write(ctx, call.Inputs[0], "chunks", call.VariantID)
		},
	})
	return reg
}

func parseDoc(t *testing.T, doc string) tomoflow.Document {
	t.Helper()
	d, err := tomoflow.ParseDocument(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestRunPipeline(t *testing.T) {
	env := newTestEnv()
	sink := &chunkio.DirSink{Root: t.TempDir()}
	sess := Start(
		Workers(2),
		Sink(sink),
		Capabilities(testCapabilities(env)),
	)
	doc := parseDoc(t, `
- loaders:
    load:
      name: tomo
- prep:
    double:
      data_in: tomo
      data_out: tomo
- stats:
    mean:
      data_in: tomo
      data_out: mean
- save:
    chunks:
      data_in: tomo
`)
	result, err := sess.Run(context.Background(), doc, chunkio.Synthetic(60, 8, 10))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(result.Variants), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	v := result.Variants[0]
	if got, want := v.State(), StateComplete; got != want {
		t.Fatalf("got %v, want %v: %v", got, want, v.Err())
	}
	if err := result.Err(); err != nil {
		t.Fatal(err)
	}

	// The doubling step sees projection chunks: 60 angles split 30/30.
	wantDouble := []string{
		"rank=0 shape=[30 8 10] offset=0 dim=0",
		"rank=1 shape=[30 8 10] offset=30 dim=0",
	}
	for _, want := range wantDouble {
		if !contains(env.seen["double"], want) {
			t.Errorf("double: missing %q in %v", want, env.seen["double"])
		}
	}
	// The mean step demands sinograms: the same data resliced to
	// detector rows 4/4, full angle extent.
	wantMean := []string{
		"rank=0 shape=[60 4 10] offset=0 dim=1",
		"rank=1 shape=[60 4 10] offset=4 dim=1",
	}
	for _, want := range wantMean {
		if !contains(env.seen["mean"], want) {
			t.Errorf("mean: missing %q in %v", want, env.seen["mean"])
		}
	}
	// The global reduction broadcast the same value to every worker.
	results := env.seen["mean-result"]
	if got, want := len(results), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if r0, r1 := results[0], results[1]; r0[strings.Index(r0, "mean="):] != r1[strings.Index(r1, "mean="):] {
		t.Errorf("global result differs across workers: %v", results)
	}
	// Each worker produced one artifact for its chunk: detector rows
	// [0,4) and [4,8) after the reslice.
	for _, name := range []string{"tomo_00000.raw", "tomo_00004.raw"} {
		if _, err := os.Stat(filepath.Join(sink.Root, "chunks", name)); err != nil {
			t.Errorf("missing artifact: %v", err)
		}
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func TestUnboundData(t *testing.T) {
	env := newTestEnv()
	sess := Start(Workers(2), Capabilities(testCapabilities(env)))
	doc := parseDoc(t, `
- loaders:
    load:
      name: tomo
- prep:
    double:
      data_in: missing
      data_out: out
`)
	result, err := sess.Run(context.Background(), doc, chunkio.Synthetic(12, 4, 6))
	if err != nil {
		t.Fatal(err)
	}
	v := result.Variants[0]
	if got, want := v.State(), StateFailed; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if verr := v.Err(); !errors.Is(verr, ErrUndeclaredInput) {
		t.Errorf("got %v, want ErrUndeclaredInput", verr)
	}
	// The failure was detected before any backend callable ran.
	if got := env.seen["double"]; len(got) != 0 {
		t.Errorf("runner invoked despite unbound input: %v", got)
	}
}

func TestReadBeforeBound(t *testing.T) {
	env := newTestEnv()
	sess := Start(Workers(1), Capabilities(testCapabilities(env)))
	// "late" is a declared buffer, but its producer runs after the
	// step that reads it.
	doc := parseDoc(t, `
- loaders:
    load:
      name: tomo
- prep:
    double:
      data_in: late
      data_out: out
- prep:
    double:
      data_in: tomo
      data_out: late
`)
	result, err := sess.Run(context.Background(), doc, chunkio.Synthetic(12, 4, 6))
	if err != nil {
		t.Fatal(err)
	}
	verr := result.Variants[0].Err()
	if !errors.Is(verr, ErrUnboundData) {
		t.Errorf("got %v, want ErrUnboundData", verr)
	}
	if got := env.seen["double"]; len(got) != 0 {
		t.Errorf("runner invoked despite unbound input: %v", got)
	}
}

func TestSweepFailureIsolation(t *testing.T) {
	env := newTestEnv()
	sess := Start(Workers(2), Capabilities(testCapabilities(env)))
	doc := parseDoc(t, `
- loaders:
    load:
      name: tomo
- prep:
    double:
      data_in: tomo
      data_out: tomo
      fail_on: 2
      factor: {start: 1, stop: 3, step: 1}
`)
	result, err := sess.Run(context.Background(), doc, chunkio.Synthetic(12, 4, 6))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(result.Variants), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	states := make(map[string]State)
	for _, v := range result.Variants {
		states[v.Name()] = v.State()
	}
	if got, want := states["factor=1"], StateComplete; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := states["factor=3"], StateComplete; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := states["factor=2"], StateFailed; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	failed := result.Failed()
	if got, want := len(failed), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	verr := failed[0].Err()
	if !errors.Is(verr, ErrBackendExecution) {
		t.Errorf("got %v, want ErrBackendExecution", verr)
	}
	if !strings.Contains(verr.Error(), "prep.double (step 2)") {
		t.Errorf("error does not identify the failing step: %v", verr)
	}
}

func TestDeviceBlocking(t *testing.T) {
	env := newTestEnv()
	sink := &countingSink{}
	// Each slice of a 4x6 cross-section is 4*6*4 = 96 bytes; a 300
	// byte budget admits 3 slices per block.
	sess := Start(
		Workers(1),
		DeviceMemory(300),
		Sink(sink),
		Capabilities(testCapabilities(env)),
	)
	doc := parseDoc(t, `
- loaders:
    load:
      name: tomo
- device:
    increment:
      data_in: tomo
      data_out: out
- save:
    chunks:
      data_in: out
`)
	result, err := sess.Run(context.Background(), doc, chunkio.Synthetic(8, 4, 6))
	if err != nil {
		t.Fatal(err)
	}
	if err := result.Err(); err != nil {
		t.Fatal(err)
	}
	calls := env.seen["increment"]
	if got, want := len(calls), 3; got != want {
		t.Fatalf("got %d blocks (%v), want %d", got, calls, want)
	}
	for i, want := range []string{
		"rank=0 slices=3 loc=device",
		"rank=0 slices=3 loc=device",
		"rank=0 slices=2 loc=device",
	} {
		if calls[i] != want {
			t.Errorf("block %d: got %q, want %q", i, calls[i], want)
		}
	}
	// The saver received the reassembled chunk.
	if got, want := sink.slices, 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

type countingSink struct {
	mu     sync.Mutex
	writes int
	slices int
}

func (s *countingSink) Write(ctx context.Context, b *buffer.Buffer, pathHint, variantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.slices += b.Slices()
	return nil
}

func TestSaveAll(t *testing.T) {
	env := newTestEnv()
	sink := &countingSink{}
	sess := Start(
		Workers(2),
		Sink(sink),
		SaveAll(true),
		Capabilities(testCapabilities(env)),
	)
	doc := parseDoc(t, `
- loaders:
    load:
      name: tomo
- prep:
    double:
      data_in: tomo
      data_out: doubled
- save:
    chunks:
      data_in: doubled
`)
	result, err := sess.Run(context.Background(), doc, chunkio.Synthetic(12, 4, 6))
	if err != nil {
		t.Fatal(err)
	}
	if err := result.Err(); err != nil {
		t.Fatal(err)
	}
	// Two workers save the doubling step's outputs, and the declared
	// save step writes two more artifacts.
	if got, want := sink.writes, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestVariantWaitState(t *testing.T) {
	v := newVariant(tomoflow.Variant{ID: "alpha=1"})
	go func() {
		v.Set(StatePartitioned)
		v.SetStep(2)
		v.Set(StateComplete)
	}()
	state, err := v.WaitState(context.Background(), StateComplete)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := state, StateComplete; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestVariantFail(t *testing.T) {
	v := newVariant(tomoflow.Variant{})
	cause := errors.New("backend exploded")
	v.Fail("prep.double (step 2)", cause)
	if got, want := v.State(), StateFailed; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	err := v.Err()
	if !errors.Is(err, cause) {
		t.Errorf("got %v, want wrapped cause", err)
	}
	if !strings.Contains(err.Error(), "variant default") {
		t.Errorf("error does not name the variant: %v", err)
	}
}
