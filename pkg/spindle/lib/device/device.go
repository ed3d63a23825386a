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

// Package device defines the execution-engine contract the dispatch core
// drives: acquire a handle, load a compiled executable, submit inference
// requests, wait for completions, unload. Engines register themselves by
// name; the default build ships an emulated engine, and an ONNX
// Runtime-backed engine is available behind the "onnx" build tag.
package device

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// ModelID identifies one loaded executable on an engine.
type ModelID uint32

// Placement carries the descriptor's device-placement hints into Acquire.
type Placement struct {
	DeviceIndex   int // -1 lets the manager choose
	OptCoreCount  int // requested execution cores, 0 = engine default
	MaxDuplicates int // core duplication count
}

// LoadOptions tunes one executable load.
type LoadOptions struct {
	Timeout   time.Duration // completion-wait bound enforced by the engine
	MaxInfers int           // queue depth hint
	Profiling bool
}

// Handle is one physical execution engine as seen by a model session.
// Submit ordering is the caller's responsibility; the engine only promises
// FIFO completion per submission order.
type Handle interface {
	// Load places the compiled executable onto the engine.
	Load(executable []byte, opts LoadOptions) (ModelID, error)
	// Unload removes a loaded executable.
	Unload(id ModelID) error

	// StartModel makes the model executable-ready. Idempotent.
	StartModel(id ModelID) error
	// Ping is a lightweight liveness probe guarding against a stale channel.
	Ping(id ModelID) error

	// NewIO registers one inference call's buffers and returns the scoped
	// runtime state for it. The returned IO must be finished on every path.
	NewIO(id ModelID, inputs, outputs []*tensor.Tensor) (*IO, error)

	// Submit posts a sub-batch inference, fire-and-forget.
	Submit(io *IO, idx int) error
	// SubmitTracked posts a sub-batch inference that must later be confirmed
	// durably queued with WaitSubmitted.
	SubmitTracked(io *IO, idx int) error
	// WaitSubmitted blocks until a SubmitTracked post is durably queued.
	WaitSubmitted(io *IO) error
	// WaitCompletion blocks until io's inference completes and its outputs
	// are populated.
	WaitCompletion(io *IO) error

	// LockExec takes the engine's execution lock and returns the unlock.
	// It serializes model start plus the initial submission burst across
	// concurrent callers.
	LockExec() (unlock func())

	// Runtime returns a retained keep-alive reference to the engine runtime.
	Runtime() *Runtime

	// SemaphoreFactor scales a model's max-infers into its semaphore bound.
	SemaphoreFactor() int
	// NumCores reports the engine's execution core count.
	NumCores() int
	// NumLoaded reports how many executables are currently loaded.
	NumLoaded() int
}

// EngineConfig tunes engine construction.
type EngineConfig struct {
	Cores           int
	SemaphoreFactor int
	QueueDepth      int
	// BaseLatency is the emulated per-sub-batch kernel time; real engines
	// ignore it.
	BaseLatency time.Duration
}

// EngineFactory builds the engine backing one logical device index.
type EngineFactory func(index int, cfg EngineConfig, logger *zap.Logger) (Handle, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]EngineFactory{}
)

// RegisterEngine makes an engine constructor selectable by name. Engines
// call this from init.
func RegisterEngine(name string, f EngineFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

func lookupEngine(name string) (EngineFactory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// EngineNames lists the registered engine names, sorted.
func EngineNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
