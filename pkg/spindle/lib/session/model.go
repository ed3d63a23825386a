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

// Package session owns the life of one loaded model: lazy idempotent device
// initialization, the double-buffered submit/wait pipeline that overlaps host
// work with device execution, the concurrency semaphore shared by every
// caller, and teardown.
package session

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/spindleml/spindle/pkg/spindle/lib/batch"
	"github.com/spindleml/spindle/pkg/spindle/lib/device"
	"github.com/spindleml/spindle/pkg/spindle/lib/schema"
	"github.com/spindleml/spindle/pkg/spindle/lib/status"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// Environment escape hatches, checked once per session.
const (
	// EnvUnlimitedInfers disables the concurrency semaphore when set to
	// "yes". For load experiments only; the engine queue still backpressures.
	EnvUnlimitedInfers = "SPINDLE_UNLIMITED_INFERS"
	// EnvProfile points at a directory to enable the profiling sink.
	EnvProfile = "SPINDLE_PROFILE"
)

// Model is one loaded executable and the dispatch state around it. A Model is
// shared by concurrent callers; Compute is safe to call from many goroutines
// at once, Initialize and Close serialize on the session mutex.
type Model struct {
	desc   *schema.ModelDescriptor
	mgr    *device.Manager
	logger *zap.Logger

	profile *Profile
	pool    *tensor.Pool

	mu          sync.Mutex
	initialized bool
	dev         device.Handle
	modelID     device.ModelID
	sem         *Semaphore
	// maxInfers is the effective concurrency limit, descriptor MaxInfers
	// scaled by the engine's semaphore factor. The pipeline window and the
	// semaphore capacity both derive from it.
	maxInfers int
}

// NewModel binds a descriptor to a device manager. Nothing touches the device
// until the first Initialize or Compute.
func NewModel(desc *schema.ModelDescriptor, mgr *device.Manager, logger *zap.Logger) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("session").With(zap.String("model", desc.Name))
	return &Model{
		desc:    desc,
		mgr:     mgr,
		logger:  logger,
		profile: NewProfile(os.Getenv(EnvProfile), desc.Name, logger),
		pool:    tensor.NewPool(0),
	}
}

// Semaphore exposes the session's concurrency semaphore; nil means unlimited.
func (m *Model) Semaphore() *Semaphore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sem
}

// Initialize loads the executable onto an acquired engine. It is idempotent:
// concurrent and repeated calls perform the device load exactly once, and a
// failed attempt leaves the session uninitialized so the next call retries.
func (m *Model) Initialize(sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if len(m.desc.Executable) == 0 {
		return status.InvalidArgumentf("model %s has an empty binary executable", m.desc.Name)
	}
	if _, _, err := schema.IOTensorSizes(m.desc); err != nil {
		return err
	}

	dev, err := m.mgr.Acquire(sessionKey, device.Placement{
		DeviceIndex:   m.desc.DeviceIndex,
		OptCoreCount:  m.desc.OptCoreCount,
		MaxDuplicates: m.desc.MaxDuplicates,
	})
	if err != nil {
		return err
	}
	m.desc.Normalize(dev.NumCores())

	id, err := dev.Load(m.desc.Executable, device.LoadOptions{
		Timeout:   m.desc.Timeout,
		MaxInfers: m.desc.MaxInfers,
		Profiling: m.profile.Enabled,
	})
	if err != nil {
		m.mgr.ClearIfEmpty()
		return err
	}

	limit := m.desc.MaxInfers * dev.SemaphoreFactor()
	if os.Getenv(EnvUnlimitedInfers) == "yes" {
		m.logger.Warn("concurrency semaphore disabled by environment")
	} else {
		m.sem = NewSemaphore(int64(limit), m.logger)
	}
	m.profile.DumpInfo(m.desc.Executable)

	m.dev = dev
	m.modelID = id
	m.maxInfers = limit
	m.initialized = true
	m.logger.Info("model loaded",
		zap.Uint32("model_id", uint32(id)),
		zap.Int("max_infers", m.desc.MaxInfers),
		zap.Int64("semaphore", m.sem.Capacity()),
		zap.Duration("timeout", m.desc.Timeout))
	return nil
}

// Compute runs one inference over the supplied inputs and returns the output
// tensors allocated through cc. Batches larger than the compiled batch size
// are split into sub-batches and pipelined through the device.
func (m *Model) Compute(cc CallContext, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	var ts Timestamps
	ts.MarkEnter()

	plan, err := batch.Compute(m.desc, inputs)
	if err != nil {
		return nil, err
	}

	var outputs []*tensor.Tensor
	if plan.Dynamic {
		outputs, err = m.computeDynamic(cc, plan, inputs, &ts)
	} else {
		outputs, err = m.computeStatic(cc, inputs, &ts)
	}
	if err != nil {
		return nil, err
	}

	ts.MarkExit()
	m.logger.Debug("compute done",
		zap.Int("sub_batches", max(plan.NumSubBatches, 1)),
		zap.Stringer("timing", &ts))
	m.profile.Record(&ts, max(plan.NumSubBatches, 1))
	return outputs, nil
}

// computeDynamic drives the sub-batch pipeline. The window W bounds how many
// sub-batches are in flight at once; the fill phase acquires exactly W
// semaphore slots and the drain phase releases one per observed completion,
// so a full call is net-zero on the semaphore even when it aborts mid-flight.
func (m *Model) computeDynamic(cc CallContext, plan *batch.Plan, inputs []*tensor.Tensor, ts *Timestamps) ([]*tensor.Tensor, error) {
	outputs := make([]*tensor.Tensor, m.desc.Outputs.Len())
	for idx := range outputs {
		var err error
		outputs[idx], err = cc.AllocateOutput(idx, m.desc.Outputs.DTypes[idx], plan.OutputShape(m.desc, idx))
		if err != nil {
			return nil, err
		}
	}

	n := plan.NumSubBatches
	subInputs := make([][]*tensor.Tensor, n)
	subOutputs := make([][]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		var err error
		if subInputs[i], err = plan.SubBatchInputs(i, inputs, cc.Pool()); err != nil {
			return nil, err
		}
		if subOutputs[i], err = plan.SubBatchOutputs(i, outputs); err != nil {
			return nil, err
		}
		if err := schema.CheckInputTensors(subInputs[i], m.desc); err != nil {
			return nil, err
		}
	}

	if err := status.IgnoreAborted(m.Initialize(cc.SessionKey())); err != nil {
		return nil, err
	}
	m.mu.Lock()
	dev, id, sem, limit := m.dev, m.modelID, m.sem, m.maxInfers
	m.mu.Unlock()
	if dev == nil {
		return nil, status.Unavailablef("model %s has no device", m.desc.Name)
	}

	rt := dev.Runtime()
	defer rt.Release()

	if m.profile.Enabled {
		if err := m.serializedPass(cc, dev, id, sem, subInputs, subOutputs, ts); err != nil {
			return nil, err
		}
		return outputs, nil
	}

	w := max(limit, 1)
	if w > n {
		w = n
	}
	firstTracked := n - w

	rq := NewReservationQueue(sem)
	defer rq.ReleaseAll()

	// Every IO created below lands in pending until it is explicitly
	// finished; the deferred sweep covers error exits (Finish is idempotent).
	var pending []*device.IO
	defer func() {
		for _, io := range pending {
			io.Finish()
		}
	}()

	var tracked []*device.IO
	submit := func(io *device.IO, i int) error {
		if i == 0 {
			ts.MarkAboveSubmit()
		}
		if i >= firstTracked {
			if err := dev.SubmitTracked(io, i); err != nil {
				return err
			}
			tracked = append(tracked, io)
			return nil
		}
		return dev.Submit(io, i)
	}

	unlock := dev.LockExec()
	err := func() error {
		if err := status.IgnoreAborted(dev.StartModel(id)); err != nil {
			return err
		}
		if err := status.IgnoreAborted(dev.Ping(id)); err != nil {
			return err
		}

		for i := 0; i < w; i++ {
			io, err := dev.NewIO(id, subInputs[i], subOutputs[i])
			if err != nil {
				return err
			}
			pending = append(pending, io)
			if err := rq.Acquire(cc.Context()); err != nil {
				return err
			}
			if err := submit(io, i); err != nil {
				return err
			}
		}

		for i := w; i < n; i++ {
			io, err := dev.NewIO(id, subInputs[i], subOutputs[i])
			if err != nil {
				return err
			}
			pending = append(pending, io)

			front := pending[0]
			if err := dev.WaitCompletion(front); err != nil {
				return err
			}
			if err := submit(io, i); err != nil {
				return err
			}
			front.Finish()
			pending = pending[1:]
		}

		if len(tracked) != w {
			return status.Internalf("incorrect queue length %d, want %d -- race condition likely",
				len(tracked), w)
		}
		for _, io := range tracked {
			if err := dev.WaitSubmitted(io); err != nil {
				return err
			}
		}
		return nil
	}()
	unlock()
	if err != nil {
		return nil, err
	}

	for len(pending) > 0 {
		front := pending[0]
		if err := dev.WaitCompletion(front); err != nil {
			return nil, err
		}
		rq.ReleaseOne()
		front.Finish()
		pending = pending[1:]
		if len(pending) == 0 {
			ts.MarkBelowWait()
		}
	}
	return outputs, nil
}

// serializedPass runs the sub-batches one at a time under the execution lock
// so per-inference timings are attributable, with one untimed warm-up first.
// Profiling mode only.
func (m *Model) serializedPass(cc CallContext, dev device.Handle, id device.ModelID, sem *Semaphore, subInputs, subOutputs [][]*tensor.Tensor, ts *Timestamps) error {
	warm := make([]*tensor.Tensor, m.desc.Outputs.Len())
	for idx := range warm {
		var err error
		warm[idx], err = cc.AllocateTemp(m.desc.Outputs.DTypes[idx], m.desc.Outputs.Shapes[idx])
		if err != nil {
			return err
		}
	}

	rq := NewReservationQueue(sem)
	defer rq.ReleaseAll()

	unlock := dev.LockExec()
	defer unlock()

	if err := status.IgnoreAborted(dev.StartModel(id)); err != nil {
		return err
	}
	if err := status.IgnoreAborted(dev.Ping(id)); err != nil {
		return err
	}

	runOne := func(inputs, outputs []*tensor.Tensor) error {
		io, err := dev.NewIO(id, inputs, outputs)
		if err != nil {
			return err
		}
		defer io.Finish()
		if err := rq.Acquire(cc.Context()); err != nil {
			return err
		}
		defer rq.ReleaseOne()
		if err := dev.Submit(io, 0); err != nil {
			return err
		}
		return dev.WaitCompletion(io)
	}

	if err := runOne(subInputs[0], warm); err != nil {
		return err
	}

	ts.MarkAboveSubmit()
	for i := range subInputs {
		if err := runOne(subInputs[i], subOutputs[i]); err != nil {
			return err
		}
	}
	ts.MarkBelowWait()
	return nil
}

// computeStatic is the passthrough path for calls whose batch already matches
// the compiled batch size. One submission, one wait; aborted inference errors
// are swallowed so a degraded side channel yields best-effort outputs rather
// than a failed call.
func (m *Model) computeStatic(cc CallContext, inputs []*tensor.Tensor, ts *Timestamps) ([]*tensor.Tensor, error) {
	if err := schema.CheckInputTensors(inputs, m.desc); err != nil {
		return nil, err
	}
	if err := status.IgnoreAborted(m.Initialize(cc.SessionKey())); err != nil {
		return nil, err
	}
	m.mu.Lock()
	dev, id, sem := m.dev, m.modelID, m.sem
	m.mu.Unlock()
	if dev == nil {
		return nil, status.Unavailablef("model %s has no device", m.desc.Name)
	}

	outputs := make([]*tensor.Tensor, m.desc.Outputs.Len())
	for idx := range outputs {
		var err error
		outputs[idx], err = cc.AllocateOutput(idx, m.desc.Outputs.DTypes[idx], m.desc.Outputs.Shapes[idx])
		if err != nil {
			return nil, err
		}
	}

	rt := dev.Runtime()
	defer rt.Release()

	if m.profile.Enabled {
		subIn := [][]*tensor.Tensor{inputs}
		subOut := [][]*tensor.Tensor{outputs}
		if err := m.serializedPass(cc, dev, id, sem, subIn, subOut, ts); err != nil {
			return nil, err
		}
		return outputs, nil
	}

	rq := NewReservationQueue(sem)
	defer rq.ReleaseAll()

	err := status.IgnoreAborted(func() error {
		io, err := dev.NewIO(id, inputs, outputs)
		if err != nil {
			return err
		}
		defer io.Finish()
		if err := rq.Acquire(cc.Context()); err != nil {
			return err
		}

		unlock := dev.LockExec()
		err = func() error {
			if err := status.IgnoreAborted(dev.StartModel(id)); err != nil {
				return err
			}
			if err := status.IgnoreAborted(dev.Ping(id)); err != nil {
				return err
			}
			ts.MarkAboveSubmit()
			if err := dev.SubmitTracked(io, 0); err != nil {
				return err
			}
			return dev.WaitSubmitted(io)
		}()
		unlock()
		if err != nil {
			return err
		}

		if err := dev.WaitCompletion(io); err != nil {
			return err
		}
		ts.MarkBelowWait()
		return nil
	}())
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// Close unloads the model and releases the engine if nothing else is loaded
// on it. A session that never completed Initialize has nothing to undo, so
// Close on it is a no-op. Close is idempotent.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.logger.Debug("session closed before initialization, nothing to unload")
		return nil
	}
	err := m.dev.Unload(m.modelID)
	if err != nil {
		m.logger.Warn("unloading model", zap.Error(err))
	}
	m.initialized = false
	m.dev = nil
	m.sem = nil
	m.maxInfers = 0
	m.mgr.ClearIfEmpty()
	m.logger.Info("model unloaded", zap.Uint32("model_id", uint32(m.modelID)))
	return status.IgnoreAborted(err)
}
