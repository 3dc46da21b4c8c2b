// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkio

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/tomoflow/tomoflow/buffer"
)

func chunk() *buffer.Buffer {
	data := make([]float32, 2*3*4)
	for i := range data {
		data[i] = float32(i) * 1.5
	}
	b := buffer.FromData("recon", []int{2, 3, 4}, buffer.Float32, 0, data)
	b.Offset = 30
	return b
}

func TestEncodeDecode(t *testing.T) {
	b := chunk()
	got, err := Decode("recon", Encode(b))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Shape, b.Shape) {
		t.Fatalf("got %v, want %v", got.Shape, b.Shape)
	}
	if !reflect.DeepEqual(got.Data(), b.Data()) {
		t.Errorf("decoded data differs")
	}
}

func TestDecodeCorrupt(t *testing.T) {
	enc := Encode(chunk())
	enc[10] ^= 0xff
	_, err := Decode("recon", enc)
	if err == nil || !errors.Is(errors.Integrity, err) {
		t.Fatalf("got %v, want integrity error", err)
	}
	if _, err := Decode("recon", enc[:4]); err == nil {
		t.Error("expected error for truncated artifact")
	}
}

func TestDirSink(t *testing.T) {
	ctx := context.Background()
	sink := &DirSink{Root: t.TempDir()}
	b := chunk()
	if err := sink.Write(ctx, b, "02-prep-normalize", "alpha=0.5"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(sink.Root, "02-prep-normalize", "alpha=0.5", "recon_00030.raw")
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := Decode("recon", first)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dec.Data(), b.Data()) {
		t.Error("artifact round trip differs")
	}

	// Rewriting the same chunk overwrites with identical bytes.
	if err := sink.Write(ctx, b, "02-prep-normalize", "alpha=0.5"); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("rewrite is not byte-identical")
	}

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(entries), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDirSinkNoVariant(t *testing.T) {
	ctx := context.Background()
	sink := &DirSink{Root: t.TempDir()}
	if err := sink.Write(ctx, chunk(), "images", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(sink.Root, "images", "recon_00030.raw")); err != nil {
		t.Error(err)
	}
}
