// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
	"github.com/tomoflow/tomoflow/buffer"
)

// A DirSink writes artifacts into a directory tree rooted at Root:
//
//	{root}/{pathHint}/{variantID}/{name}_{offset}.raw
//
// The variant directory is omitted for sweep-free runs. Each artifact
// is written to a temporary file and renamed into place, so rewriting
// a chunk with identical contents produces a byte-identical file.
type DirSink struct {
	Root string
}

// Write implements Sink.
func (s *DirSink) Write(ctx context.Context, b *buffer.Buffer, pathHint, variantID string) error {
	dir := filepath.Join(s.Root, pathHint, variantID)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.E(fmt.Sprintf("chunkio: create artifact directory %s", dir), err)
	}
	path := filepath.Join(dir, ArtifactName(b))
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path))
	if err != nil {
		return errors.E(fmt.Sprintf("chunkio: create artifact %s", path), err)
	}
	if _, err = tmp.Write(Encode(b)); err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.E(fmt.Sprintf("chunkio: write artifact %s", path), err)
	}
	return nil
}

// ArtifactName returns the file name for one chunk artifact: the
// buffer's name and its global offset along the slicing dimension.
func ArtifactName(b *buffer.Buffer) string {
	return fmt.Sprintf("%s_%05d.raw", b.Name, b.Offset)
}

// Encode serializes a buffer chunk: a little-endian header of rank
// and dimensions, the float32 data, and a trailing murmur3 checksum
// of everything preceding it. Encoding is deterministic, so repeated
// saves of identical inputs are byte-identical.
func Encode(b *buffer.Buffer) []byte {
	n := 4 + 4*len(b.Shape) + 4*b.Len() + 8
	out := make([]byte, 0, n)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.Shape)))
	for _, d := range b.Shape {
		out = binary.LittleEndian.AppendUint32(out, uint32(d))
	}
	for _, v := range b.Data() {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return binary.LittleEndian.AppendUint64(out, murmur3.Sum64(out))
}

// Decode reverses Encode, verifying the trailing checksum. The
// decoded buffer is unnamed, host-resident, and sliced along
// dimension 0.
func Decode(name string, data []byte) (*buffer.Buffer, error) {
	if len(data) < 12 {
		return nil, errors.E(errors.Invalid, "chunkio: artifact too short")
	}
	body, sum := data[:len(data)-8], binary.LittleEndian.Uint64(data[len(data)-8:])
	if murmur3.Sum64(body) != sum {
		return nil, errors.E(errors.Integrity, "chunkio: artifact checksum mismatch")
	}
	rank := int(binary.LittleEndian.Uint32(body))
	if len(body) < 4+4*rank {
		return nil, errors.E(errors.Invalid, "chunkio: truncated artifact header")
	}
	shape := make([]int, rank)
	vol := 1
	for i := range shape {
		shape[i] = int(binary.LittleEndian.Uint32(body[4+4*i:]))
		vol *= shape[i]
	}
	payload := body[4+4*rank:]
	if len(payload) != 4*vol {
		return nil, errors.E(errors.Invalid, "chunkio: artifact data does not match shape")
	}
	vals := make([]float32, vol)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return buffer.FromData(name, shape, buffer.Float32, 0, vals), nil
}
