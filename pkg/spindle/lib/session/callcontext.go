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

package session

import (
	"context"

	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// CallContext is what one compute call needs from its host: a cancellation
// context, the caller's session identity for sticky device placement, and
// output allocation. Hosts that manage their own tensor arenas implement this
// to hand out arena-backed buffers; Call is the plain heap-backed default.
type CallContext interface {
	// Context bounds blocking waits inside the call.
	Context() context.Context
	// SessionKey identifies the calling session for device stickiness. May
	// be empty.
	SessionKey() string
	// AllocateOutput returns the buffer the call's output idx is written
	// into. The returned tensor is handed back to the caller on success.
	AllocateOutput(idx int, dtype tensor.DType, shape []int64) (*tensor.Tensor, error)
	// AllocateTemp returns a scratch tensor the call may discard, used for
	// warm-up passes and padded tails.
	AllocateTemp(dtype tensor.DType, shape []int64) (*tensor.Tensor, error)
	// Pool returns the copy pool for bulk tensor moves.
	Pool() *tensor.Pool
}

// Call is the default CallContext backed by plain heap allocations and a
// shared copy pool.
type Call struct {
	ctx  context.Context
	key  string
	pool *tensor.Pool
}

// NewCall builds a heap-backed call context. A nil ctx means background; a
// nil pool gets a default-sized one.
func NewCall(ctx context.Context, sessionKey string, pool *tensor.Pool) *Call {
	if ctx == nil {
		ctx = context.Background()
	}
	if pool == nil {
		pool = tensor.NewPool(0)
	}
	return &Call{ctx: ctx, key: sessionKey, pool: pool}
}

func (c *Call) Context() context.Context { return c.ctx }
func (c *Call) SessionKey() string       { return c.key }
func (c *Call) Pool() *tensor.Pool       { return c.pool }

func (c *Call) AllocateOutput(idx int, dtype tensor.DType, shape []int64) (*tensor.Tensor, error) {
	return tensor.New(dtype, shape), nil
}

func (c *Call) AllocateTemp(dtype tensor.DType, shape []int64) (*tensor.Tensor, error) {
	return tensor.New(dtype, shape), nil
}
