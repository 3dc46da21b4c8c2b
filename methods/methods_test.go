// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package methods

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tomoflow/tomoflow"
	"github.com/tomoflow/tomoflow/buffer"
	"github.com/tomoflow/tomoflow/chunkio"
	"github.com/tomoflow/tomoflow/comm"
	"github.com/tomoflow/tomoflow/exec"
)

func soloCall(inputs ...*buffer.Buffer) *tomoflow.Call {
	return &tomoflow.Call{
		Args:   make(map[string]tomoflow.Value),
		Inputs: inputs,
		Comm:   comm.Group(1)[0],
		Sink:   chunkio.Discard,
	}
}

func TestNormalize(t *testing.T) {
	data := buffer.FromData("tomo", []int{1, 2, 2}, buffer.Uint16, 0,
		[]float32{2, 3, 100, 1})
	darks := buffer.FromData("darks", []int{2, 2}, buffer.Uint16, 0,
		[]float32{1, 1, 1, 1})
	flats := buffer.FromData("flats", []int{2, 2}, buffer.Uint16, 0,
		[]float32{3, 3, 3, 3})
	call := soloCall(data, darks, flats)
	call.Args["cutoff"] = tomoflow.Scalar(10)
	out, err := normalize(context.Background(), call)
	if err != nil {
		t.Fatal(err)
	}
	// (2-1)/2, (3-1)/2, clipped at 10, (1-1)/2.
	want := []float32{0.5, 1, 10, 0}
	if got := out[0].Data(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := out[0].Dtype, buffer.Float32; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The input is untouched.
	if got, want := data.Data()[0], float32(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMinusLog(t *testing.T) {
	in := buffer.FromData("tomo", []int{1, 1, 3}, buffer.Float32, 0,
		[]float32{1, float32(math.E), 0})
	out, err := minusLog(context.Background(), soloCall(in))
	if err != nil {
		t.Fatal(err)
	}
	got := out[0].Data()
	if math.Abs(float64(got[0])) > 1e-6 {
		t.Errorf("-ln(1): got %v, want 0", got[0])
	}
	if math.Abs(float64(got[1])+1) > 1e-6 {
		t.Errorf("-ln(e): got %v, want -1", got[1])
	}
	// Non-positive inputs are floored, not NaN.
	if math.IsNaN(float64(got[2])) || math.IsInf(float64(got[2]), 0) {
		t.Errorf("-ln(0): got %v, want finite", got[2])
	}
}

func TestMedianFilter(t *testing.T) {
	in := buffer.FromData("tomo", []int{1, 3, 3}, buffer.Float32, 0,
		[]float32{
			1, 2, 3,
			4, 100, 6,
			7, 8, 9,
		})
	call := soloCall(in)
	call.Args["kernel_size"] = tomoflow.Int(3)
	out, err := medianFilter(context.Background(), call)
	if err != nil {
		t.Fatal(err)
	}
	// The outlier at the center is replaced by the window median.
	if got, want := out[0].Data()[4], float32(6); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	call.Args["kernel_size"] = tomoflow.Int(2)
	if _, err := medianFilter(context.Background(), call); err == nil {
		t.Error("expected error for even kernel size")
	}
}

func TestFindCenter(t *testing.T) {
	// Mass concentrated at detector column 3 of 5.
	data := make([]float32, 4*2*5)
	for i := range data {
		if i%5 == 3 {
			data[i] = 1
		}
	}
	in := buffer.FromData("sino", []int{4, 2, 5}, buffer.Float32, 1, data)
	out, err := findCenter(context.Background(), soloCall(in))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out[0].Data()[0], float32(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReconstruct(t *testing.T) {
	// A uniform sinogram backprojects symmetrically about the center.
	na, nx := 4, 5
	data := make([]float32, na*1*nx)
	for i := range data {
		data[i] = 1
	}
	sino := buffer.FromData("sino", []int{na, 1, nx}, buffer.Float32, 1, data)
	sino.Offset = 2
	center := buffer.FromData("center", []int{1}, buffer.Float32, 0, []float32{2})
	angles := make([]float32, na)
	for i := range angles {
		angles[i] = float32(i) * math.Pi / float32(na)
	}
	angbuf := buffer.FromData("angles", []int{na}, buffer.Float32, 0, angles)

	out, err := reconstruct(context.Background(), soloCall(sino, center, angbuf))
	if err != nil {
		t.Fatal(err)
	}
	rec := out[0]
	if got, want := rec.Shape, []int{1, nx, nx}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := rec.SliceDim, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The output chunk keeps the sinogram chunk's global offset.
	if got, want := rec.Offset, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The rotation axis voxel accumulates every projection.
	if got, want := rec.Data()[2*nx+2], float32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSaveToImagesRescales(t *testing.T) {
	in := buffer.FromData("recon", []int{1, 1, 3}, buffer.Float32, 0,
		[]float32{0, 5, 10})
	sink := &captureSink{}
	call := soloCall(in)
	call.Sink = sink
	call.Stats = []float32{0, 10, 5, 2}
	call.Args["subfolder_name"] = tomoflow.String("images")
	if _, err := saveToImages(context.Background(), call); err != nil {
		t.Fatal(err)
	}
	if got, want := sink.last.Data(), []float32{0, 128, 255}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sink.hint, "images"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

type captureSink struct {
	last *buffer.Buffer
	hint string
}

func (s *captureSink) Write(ctx context.Context, b *buffer.Buffer, pathHint, variantID string) error {
	s.last, s.hint = b, pathHint
	return nil
}

func pipelineReader() io.Reader {
	return strings.NewReader(`
- loaders:
    standard_tomo:
      name: tomo
- prep:
    normalize:
      data_in: tomo
      data_out: tomo
- prep:
    minus_log:
      data_in: tomo
      data_out: tomo
- rotation:
    find_center:
      data_in: tomo
      data_out: center
- recon:
    reconstruct:
      data_in: tomo
      data_out: recon
- images:
    save_to_images:
      data_in: recon
`)
}

func TestPipelineEndToEnd(t *testing.T) {
	reg := tomoflow.NewRegistry()
	Register(reg)
	sink := &chunkio.DirSink{Root: t.TempDir()}
	sess := exec.Start(
		exec.Workers(2),
		exec.Sink(sink),
		exec.Capabilities(reg),
	)
	doc, err := tomoflow.ParseDocument(pipelineReader())
	if err != nil {
		t.Fatal(err)
	}
	result, err := sess.Run(context.Background(), doc, chunkio.Synthetic(20, 6, 8))
	if err != nil {
		t.Fatal(err)
	}
	if err := result.Err(); err != nil {
		t.Fatal(err)
	}
	if got, want := result.Variants[0].State(), exec.StateComplete; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// Each worker wrote its reconstructed chunk: detector rows split
	// 3/3 after the reslice to sinograms.
	for _, name := range []string{"recon_00000.raw", "recon_00003.raw"} {
		path := filepath.Join(sink.Root, "images", name)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
		b, err := chunkio.Decode("recon", data)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := b.Shape, []int{3, 8, 8}; !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
	}
}
