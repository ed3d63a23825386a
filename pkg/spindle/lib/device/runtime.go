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

package device

import "sync"

// Runtime is the ref-counted keep-alive for an engine's runtime session.
// A compute call retains it for its full duration so that teardown on
// another goroutine cannot invalidate shared buffers mid-flight: the manager
// hands the engine's shutdown to WhenIdle, which holds it back until the last
// reference drops.
type Runtime struct {
	mu     sync.Mutex
	refs   int64
	onIdle func()
}

// Retain takes one reference and returns r for chaining.
func (r *Runtime) Retain() *Runtime {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
	return r
}

// Release drops one reference. Dropping the last reference runs any shutdown
// deferred by WhenIdle.
func (r *Runtime) Release() {
	r.mu.Lock()
	r.refs--
	if r.refs < 0 {
		r.mu.Unlock()
		panic("device: runtime reference over-released")
	}
	var f func()
	if r.refs == 0 {
		f, r.onIdle = r.onIdle, nil
	}
	r.mu.Unlock()
	if f != nil {
		f()
	}
}

// Refs reports the live reference count.
func (r *Runtime) Refs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// WhenIdle runs f once no references are held: immediately if none are held
// now, otherwise when the last one is released. It reports whether f ran
// immediately. A second WhenIdle before the first fires chains after it.
func (r *Runtime) WhenIdle(f func()) bool {
	r.mu.Lock()
	if r.refs == 0 {
		r.mu.Unlock()
		f()
		return true
	}
	if prev := r.onIdle; prev != nil {
		r.onIdle = func() { prev(); f() }
	} else {
		r.onIdle = f
	}
	r.mu.Unlock()
	return false
}
