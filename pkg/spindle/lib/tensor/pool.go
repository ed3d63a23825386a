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
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/spindleml/spindle/pkg/spindle/lib/status"
)

// Buffers smaller than this are copied inline; sharding only pays off for
// large sub-batch rows.
const minShardBytes = 1 << 20

// Pool shards bulk buffer copies across worker goroutines. It stands in for
// the host framework's CPU worker pool on the padded-tail copy path.
type Pool struct {
	workers int
}

// NewPool builds a pool with n workers; n <= 0 uses GOMAXPROCS.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Pool{workers: n}
}

// Copy copies src into dst, sharded across the pool when the buffer is large
// enough to benefit. dst must be at least len(src) bytes.
func (p *Pool) Copy(dst, src []byte) error {
	if len(dst) < len(src) {
		return status.Internalf("copy destination %d bytes, source %d bytes", len(dst), len(src))
	}
	if len(src) < minShardBytes || p.workers <= 1 {
		copy(dst, src)
		return nil
	}
	shard := (len(src) + p.workers - 1) / p.workers
	var g errgroup.Group
	for off := 0; off < len(src); off += shard {
		off := off
		end := min(off+shard, len(src))
		g.Go(func() error {
			copy(dst[off:end], src[off:end])
			return nil
		})
	}
	return g.Wait()
}

// CopyRows copies all of src's rows into dst starting at dst row 0. Both
// tensors must share dtype and row size; src must not have more rows than dst.
func (p *Pool) CopyRows(dst, src *Tensor) error {
	if dst.DType() != src.DType() {
		return status.Internalf("row copy across dtypes %s and %s", dst.DType(), src.DType())
	}
	if dst.RowBytes() != src.RowBytes() {
		return status.Internalf("row copy with row sizes %d and %d", dst.RowBytes(), src.RowBytes())
	}
	if src.Dim(0) > dst.Dim(0) {
		return status.Internalf("row copy of %d rows into %d-row tensor", src.Dim(0), dst.Dim(0))
	}
	return p.Copy(dst.Bytes(), src.Bytes())
}
