// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package buffer implements the named array buffers that flow between
// pipeline steps. A Buffer holds one worker's chunk of a dataset:
// its chunk-local shape, element type, the index of the slicing
// dimension, the chunk's global offset along that dimension, and the
// buffer's current memory location (host or device).
//
// Buffers are owned by the execution engine's data registry for the
// duration of one variant's run. Methods receive references, never
// ownership, and must not assume a buffer survives beyond the step
// that produced it if no later step reads it.
package buffer

import (
	"fmt"

	"github.com/grailbio/base/must"
)

// Dtype describes the logical element type of a buffer. Backing
// storage is always []float32; Dtype records the on-disk type so
// that memory accounting reflects the dataset's true element size.
type Dtype int

const (
	Uint16 Dtype = iota
	Float32
	Float64
)

var dtypeSizes = [...]int{
	Uint16:  2,
	Float32: 4,
	Float64: 8,
}

var dtypeNames = [...]string{
	Uint16:  "uint16",
	Float32: "float32",
	Float64: "float64",
}

// Size returns the element size of the dtype in bytes.
func (d Dtype) Size() int { return dtypeSizes[d] }

// String returns the dtype's name.
func (d Dtype) String() string { return dtypeNames[d] }

// Location describes where a buffer's backing memory currently
// resides.
type Location int

const (
	// Host indicates the buffer resides in host memory.
	Host Location = iota
	// Device indicates the buffer resides in accelerator memory.
	Device
)

// String returns the location as a lower-case string.
func (l Location) String() string {
	if l == Device {
		return "device"
	}
	return "host"
}

// A Buffer is a named, chunk-local array. The slicing dimension
// identifies which axis of the shape is partitioned across workers;
// Offset is the chunk's global offset along that axis.
type Buffer struct {
	// Name is the data-buffer name the buffer is bound to in the
	// data registry. It may be rebound as steps execute.
	Name string
	// Shape is the chunk-local shape.
	Shape []int
	// Dtype is the logical element type.
	Dtype Dtype
	// SliceDim is the index of the slicing dimension within Shape.
	SliceDim int
	// Offset is the global offset of this chunk along SliceDim.
	Offset int

	loc       Location
	data      []float32
	transfers int
}

// Make returns a zero-filled host buffer with the provided name,
// shape, and dtype, sliced along dimension sliceDim.
func Make(name string, shape []int, dtype Dtype, sliceDim int) *Buffer {
	must.True(0 <= sliceDim && sliceDim < len(shape), "buffer.Make: slicing dimension out of range")
	return &Buffer{
		Name:     name,
		Shape:    append([]int{}, shape...),
		Dtype:    dtype,
		SliceDim: sliceDim,
		data:     make([]float32, prod(shape)),
	}
}

// FromData returns a host buffer wrapping the provided backing data.
// The data is not copied; len(data) must match the shape's volume.
func FromData(name string, shape []int, dtype Dtype, sliceDim int, data []float32) *Buffer {
	must.True(len(data) == prod(shape), "buffer.FromData: data length does not match shape")
	b := Make(name, shape, dtype, sliceDim)
	b.data = data
	return b
}

// Len returns the total number of elements in the buffer.
func (b *Buffer) Len() int { return prod(b.Shape) }

// Slices returns the chunk-local extent along the slicing dimension.
func (b *Buffer) Slices() int { return b.Shape[b.SliceDim] }

// Bytes returns the buffer's logical size in bytes, using the
// buffer's dtype for the element size.
func (b *Buffer) Bytes() int64 { return int64(b.Len()) * int64(b.Dtype.Size()) }

// Data returns the buffer's backing data in row-major order.
func (b *Buffer) Data() []float32 { return b.data }

// Location returns the buffer's current memory location.
func (b *Buffer) Location() Location { return b.loc }

// Transfers returns the number of host/device transfers the buffer
// has undergone. It is used by tests to verify that location
// transitions happen only at dispatch.
func (b *Buffer) Transfers() int { return b.transfers }

// Transfer moves the buffer to the provided location. A transfer
// reallocates the backing data, modeling the copy between host and
// accelerator memory. Transferring to the current location is a
// no-op.
//
// Transfer must only be called by the method dispatcher: it is the
// single point at which host/device movement happens.
func (b *Buffer) Transfer(loc Location) {
	if b.loc == loc {
		return
	}
	data := make([]float32, len(b.data))
	copy(data, b.data)
	b.data = data
	b.loc = loc
	b.transfers++
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	c := *b
	c.Shape = append([]int{}, b.Shape...)
	c.data = make([]float32, len(b.data))
	copy(c.data, b.data)
	return &c
}

// Slice returns a copy of the buffer restricted to [start, stop)
// along dimension dim. The returned buffer inherits the receiver's
// name, dtype, location, and slicing dimension; if dim is the slicing
// dimension, the global offset is advanced by start.
func (b *Buffer) Slice(dim, start, stop int) *Buffer {
	must.True(0 <= dim && dim < len(b.Shape), "buffer.Slice: dimension out of range")
	must.True(0 <= start && start <= stop && stop <= b.Shape[dim], "buffer.Slice: range out of bounds")
	shape := append([]int{}, b.Shape...)
	shape[dim] = stop - start
	s := &Buffer{
		Name:     b.Name,
		Shape:    shape,
		Dtype:    b.Dtype,
		SliceDim: b.SliceDim,
		Offset:   b.Offset,
		loc:      b.loc,
		data:     make([]float32, prod(shape)),
	}
	if dim == b.SliceDim {
		s.Offset = b.Offset + start
	}
	copyRange(s.data, b.data, b.Shape, dim, start, stop, false)
	return s
}

// SetSlice copies src into the receiver at [start, start+extent)
// along dimension dim, where extent is src's extent along dim. The
// shapes must agree on all other dimensions.
func (b *Buffer) SetSlice(dim, start int, src *Buffer) {
	must.True(len(src.Shape) == len(b.Shape), "buffer.SetSlice: rank mismatch")
	for i := range b.Shape {
		if i == dim {
			continue
		}
		must.Truef(b.Shape[i] == src.Shape[i], "buffer.SetSlice: shape mismatch on dimension %d", i)
	}
	stop := start + src.Shape[dim]
	must.True(0 <= start && stop <= b.Shape[dim], "buffer.SetSlice: range out of bounds")
	copyRange(src.data, b.data, b.Shape, dim, start, stop, true)
}

// Concat concatenates the provided buffers along dimension dim. The
// buffers must agree in rank, dtype, and all dimensions other than
// dim. The result inherits the first buffer's name, location, offset,
// and slicing dimension.
func Concat(dim int, bufs ...*Buffer) *Buffer {
	must.True(len(bufs) > 0, "buffer.Concat: no buffers")
	shape := append([]int{}, bufs[0].Shape...)
	extent := 0
	for _, b := range bufs {
		extent += b.Shape[dim]
	}
	shape[dim] = extent
	out := &Buffer{
		Name:     bufs[0].Name,
		Shape:    shape,
		Dtype:    bufs[0].Dtype,
		SliceDim: bufs[0].SliceDim,
		Offset:   bufs[0].Offset,
		loc:      bufs[0].loc,
		data:     make([]float32, prod(shape)),
	}
	at := 0
	for _, b := range bufs {
		copyRange(b.data, out.data, out.Shape, dim, at, at+b.Shape[dim], true)
		at += b.Shape[dim]
	}
	return out
}

// String returns a short description of the buffer.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer %s%v %s dim=%d offset=%d %s",
		b.Name, b.Shape, b.Dtype, b.SliceDim, b.Offset, b.loc)
}

// copyRange copies the [start, stop) range along dimension dim
// between a full array with the provided full shape and a compact
// array holding just that range. If scatter is true, the compact
// array is src and the full array is dst; otherwise the full array
// is src and the compact array is dst.
func copyRange(compact, full []float32, fullShape []int, dim, start, stop int, scatter bool) {
	outer := prod(fullShape[:dim])
	inner := prod(fullShape[dim+1:])
	extent := fullShape[dim]
	width := stop - start
	for o := 0; o < outer; o++ {
		fullBase := (o*extent + start) * inner
		compactBase := o * width * inner
		n := width * inner
		if scatter {
			copy(full[fullBase:fullBase+n], compact[compactBase:compactBase+n])
		} else {
			copy(compact[compactBase:compactBase+n], full[fullBase:fullBase+n])
		}
	}
}

func prod(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
