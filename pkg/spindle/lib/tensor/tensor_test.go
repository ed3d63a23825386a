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

package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByteSize(t *testing.T) {
	require.Equal(t, 400, ByteSize(Float32, []int64{10, 10}))
	require.Equal(t, 12, ByteSize(Float16, []int64{2, 3}))
	require.Equal(t, 1, ByteSize(Bool, nil)) // scalar
	require.Equal(t, 0, ByteSize(Int64, []int64{4, 0, 7}))
}

func TestParseDType(t *testing.T) {
	d, err := ParseDType("bfloat16")
	require.NoError(t, err)
	require.Equal(t, 2, d.Size())

	_, err = ParseDType("complex128")
	require.Error(t, err)
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes(Float32, []int64{10, 10}, make([]byte, 399))
	require.Error(t, err)

	tt, err := FromBytes(Float32, []int64{10, 10}, make([]byte, 400))
	require.NoError(t, err)
	require.Equal(t, int64(100), tt.NumElements())
	require.Equal(t, int64(40), tt.RowBytes())
}

func TestSliceIsAView(t *testing.T) {
	parent := New(Uint8, []int64{4, 3})
	view, err := parent.Slice(1, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, view.Shape())

	view.Bytes()[0] = 0xAB
	require.Equal(t, byte(0xAB), parent.Bytes()[3])
}

func TestSliceBounds(t *testing.T) {
	tt := New(Float32, []int64{4, 2})
	for _, bad := range [][2]int64{{-1, 2}, {3, 2}, {0, 5}} {
		_, err := tt.Slice(bad[0], bad[1])
		require.Error(t, err, "slice [%d,%d)", bad[0], bad[1])
	}

	empty, err := tt.Slice(2, 2)
	require.NoError(t, err)
	require.Equal(t, int64(0), empty.Dim(0))
}

func TestPoolCopy(t *testing.T) {
	src := make([]byte, 3*minShardBytes+17)
	for i := range src {
		src[i] = byte(i * 31)
	}
	dst := make([]byte, len(src))
	require.NoError(t, NewPool(4).Copy(dst, src))
	require.Equal(t, src, dst)

	require.Error(t, NewPool(1).Copy(make([]byte, 3), src))
}

func TestCopyRowsIntoPaddedTensor(t *testing.T) {
	src := New(Uint8, []int64{2, 4})
	for i := range src.Bytes() {
		src.Bytes()[i] = byte(i + 1)
	}
	padded := New(Uint8, []int64{4, 4})
	require.NoError(t, NewPool(2).CopyRows(padded, src))

	require.Equal(t, src.Bytes(), padded.Bytes()[:8])
	for _, b := range padded.Bytes()[8:] {
		require.Zero(t, b)
	}
}
