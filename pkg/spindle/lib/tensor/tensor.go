// Copyright 2026 Spindle ML, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tensor holds the host-side tensor representation moved through the
// dispatch core: a dtype, a shape, and a flat byte buffer. Tensors are plain
// data; all math happens on the accelerator, the host only sizes, slices,
// and copies them.
package tensor

import (
	"fmt"

	"github.com/spindleml/spindle/pkg/spindle/lib/status"
)

// DType is a tensor element type.
type DType string

const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
	Float64  DType = "float64"
	Int8     DType = "int8"
	Int16    DType = "int16"
	Int32    DType = "int32"
	Int64    DType = "int64"
	Uint8    DType = "uint8"
	Bool     DType = "bool"
)

var dtypeSizes = map[DType]int{
	Float32:  4,
	Float16:  2,
	BFloat16: 2,
	Float64:  8,
	Int8:     1,
	Int16:    2,
	Int32:    4,
	Int64:    8,
	Uint8:    1,
	Bool:     1,
}

// Size returns the element size in bytes, or 0 for an unknown dtype.
func (d DType) Size() int { return dtypeSizes[d] }

// ParseDType validates a dtype name.
func ParseDType(s string) (DType, error) {
	d := DType(s)
	if _, ok := dtypeSizes[d]; !ok {
		return "", status.InvalidArgumentf("unknown dtype %q", s)
	}
	return d, nil
}

// NumElements returns the element count of shape, or 0 if any dimension is
// negative (dynamic dimensions never reach the sizing path).
func NumElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0
		}
		n *= d
	}
	return n
}

// ByteSize returns dtype element size times element count.
func ByteSize(dtype DType, shape []int64) int {
	return dtype.Size() * int(NumElements(shape))
}

// ShapesEqual compares two shapes dimension by dimension.
func ShapesEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Tensor is a dtype-tagged flat buffer with a shape. A Tensor may own its
// buffer or be a dim-0 view into another Tensor's buffer (see Slice).
type Tensor struct {
	dtype DType
	shape []int64
	data  []byte
}

// New allocates a zero-filled tensor.
func New(dtype DType, shape []int64) *Tensor {
	return &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
		data:  make([]byte, ByteSize(dtype, shape)),
	}
}

// FromBytes wraps an existing buffer. The buffer length must match the
// dtype/shape byte size exactly.
func FromBytes(dtype DType, shape []int64, data []byte) (*Tensor, error) {
	if want := ByteSize(dtype, shape); len(data) != want {
		return nil, status.InvalidArgumentf(
			"buffer length %d does not match dtype %s shape %v (%d bytes)",
			len(data), dtype, shape, want)
	}
	return &Tensor{dtype: dtype, shape: append([]int64(nil), shape...), data: data}, nil
}

func (t *Tensor) DType() DType { return t.dtype }

// Shape returns the tensor's shape. Callers must not mutate it.
func (t *Tensor) Shape() []int64 { return t.shape }

func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns dimension i, or -1 if out of range.
func (t *Tensor) Dim(i int) int64 {
	if i < 0 || i >= len(t.shape) {
		return -1
	}
	return t.shape[i]
}

func (t *Tensor) NumElements() int64 { return NumElements(t.shape) }

// ByteSize returns the length of the underlying buffer.
func (t *Tensor) ByteSize() int { return len(t.data) }

// Bytes exposes the underlying buffer. Views share storage with their parent.
func (t *Tensor) Bytes() []byte { return t.data }

// RowBytes returns the byte size of one dim-0 row.
func (t *Tensor) RowBytes() int64 {
	if len(t.shape) == 0 || t.shape[0] == 0 {
		return 0
	}
	return int64(len(t.data)) / t.shape[0]
}

// Slice returns a zero-copy view of dim-0 rows [start, limit). The view
// shares storage with t, so writes through the view land in t's buffer.
func (t *Tensor) Slice(start, limit int64) (*Tensor, error) {
	if len(t.shape) == 0 {
		return nil, status.InvalidArgumentf("cannot slice a scalar tensor")
	}
	if start < 0 || limit < start || limit > t.shape[0] {
		return nil, status.InvalidArgumentf(
			"slice [%d, %d) out of range for dim-0 size %d", start, limit, t.shape[0])
	}
	row := t.RowBytes()
	shape := append([]int64(nil), t.shape...)
	shape[0] = limit - start
	return &Tensor{
		dtype: t.dtype,
		shape: shape,
		data:  t.data[start*row : limit*row],
	}, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor<%s %v>", t.dtype, t.shape)
}
