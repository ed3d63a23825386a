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

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spindleml/spindle/pkg/spindle/lib/status"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// EngineEmu is the name of the built-in emulated engine.
const EngineEmu = "emu"

func init() {
	RegisterEngine(EngineEmu, newEmuEngine)
}

const (
	defaultEmuCores   = 4
	defaultQueueDepth = 16
	firstModelID      = ModelID(10001)
)

// emuModel is one loaded executable on the emulated engine.
type emuModel struct {
	id         ModelID
	executable []byte
	opts       LoadOptions
	started    bool
}

type emuTask struct {
	io  *IO
	mdl *emuModel
	idx int
}

// emuEngine models a physical execution engine in-process: a bounded submit
// queue drained by per-core workers, per-sub-batch latency that scales with
// row count, and outputs derived deterministically from inputs so tests can
// verify row routing end to end.
type emuEngine struct {
	index  int
	cfg    EngineConfig
	logger *zap.Logger

	execMu sync.Mutex // execution lock handed out by LockExec

	mu      sync.Mutex
	models  map[ModelID]*emuModel
	nextID  ModelID
	closed  bool
	queue   chan *emuTask
	workers sync.WaitGroup

	runtime *Runtime
	liveIOs atomic.Int64
}

func newEmuEngine(index int, cfg EngineConfig, logger *zap.Logger) (Handle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Cores <= 0 {
		cfg.Cores = defaultEmuCores
	}
	if cfg.SemaphoreFactor <= 0 {
		cfg.SemaphoreFactor = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	e := &emuEngine{
		index:   index,
		cfg:     cfg,
		logger:  logger.Named("emu"),
		models:  map[ModelID]*emuModel{},
		nextID:  firstModelID,
		queue:   make(chan *emuTask, cfg.QueueDepth),
		runtime: &Runtime{},
	}
	for i := 0; i < cfg.Cores; i++ {
		e.workers.Add(1)
		go e.worker()
	}
	e.logger.Debug("emulated engine up",
		zap.Int("device", index),
		zap.Int("cores", cfg.Cores),
		zap.Int("queue_depth", cfg.QueueDepth))
	return e, nil
}

func (e *emuEngine) worker() {
	defer e.workers.Done()
	for task := range e.queue {
		latency := e.cfg.BaseLatency
		if latency > 0 {
			rows := int64(1)
			if len(task.io.Inputs) > 0 && task.io.Inputs[0].Rank() > 0 {
				rows = task.io.Inputs[0].Dim(0)
			}
			time.Sleep(latency + time.Duration(rows)*latency/8)
		}
		writeOutputs(task.io)
		task.io.completion <- nil
	}
}

// writeOutputs fills each output row from the matching row of input 0, so a
// caller can trace which rows of which sub-batch produced which results.
// Rows are truncated or left zero-padded when row sizes differ.
func writeOutputs(io *IO) {
	if len(io.Inputs) == 0 {
		return
	}
	src := io.Inputs[0]
	srcRows := src.Dim(0)
	if src.Rank() == 0 || srcRows <= 0 {
		for _, out := range io.Outputs {
			copy(out.Bytes(), src.Bytes())
		}
		return
	}
	srcRow := src.RowBytes()
	for _, out := range io.Outputs {
		if out.Rank() == 0 || out.Dim(0) <= 0 {
			copy(out.Bytes(), src.Bytes())
			continue
		}
		outRow := out.RowBytes()
		for r := int64(0); r < out.Dim(0); r++ {
			from := (r % srcRows) * srcRow
			to := r * outRow
			n := min(srcRow, outRow)
			copy(out.Bytes()[to:to+n], src.Bytes()[from:from+n])
		}
	}
}

func (e *emuEngine) Load(executable []byte, opts LoadOptions) (ModelID, error) {
	if len(executable) == 0 {
		return 0, status.InvalidArgumentf("refusing to load an empty executable")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, status.Unavailablef("engine %d is shut down", e.index)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	id := e.nextID
	e.nextID++
	e.models[id] = &emuModel{id: id, executable: executable, opts: opts}
	e.logger.Debug("loaded executable",
		zap.Uint32("model", uint32(id)),
		zap.Int("bytes", len(executable)),
		zap.Int("loaded", len(e.models)))
	return id, nil
}

func (e *emuEngine) Unload(id ModelID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.models[id]; !ok {
		return status.Abortedf("model %d not loaded on engine %d", id, e.index)
	}
	delete(e.models, id)
	e.logger.Debug("unloaded executable",
		zap.Uint32("model", uint32(id)),
		zap.Int("loaded", len(e.models)))
	return nil
}

func (e *emuEngine) StartModel(id ModelID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	mdl, ok := e.models[id]
	if !ok {
		return status.Internalf("starting unknown model %d on engine %d", id, e.index)
	}
	mdl.started = true
	return nil
}

func (e *emuEngine) Ping(id ModelID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return status.Unavailablef("engine %d is shut down", e.index)
	}
	if _, ok := e.models[id]; !ok {
		return status.Unavailablef("model %d not reachable on engine %d", id, e.index)
	}
	return nil
}

func (e *emuEngine) NewIO(id ModelID, inputs, outputs []*tensor.Tensor) (*IO, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, status.Abortedf("engine %d is shut down", e.index)
	}
	if _, ok := e.models[id]; !ok {
		return nil, status.Internalf("io setup for unknown model %d", id)
	}
	e.liveIOs.Add(1)
	io := &IO{
		Model:      id,
		Inputs:     inputs,
		Outputs:    outputs,
		completion: make(chan error, 1),
		submitAck:  make(chan error, 1),
	}
	io.release = func() error {
		e.liveIOs.Add(-1)
		return nil
	}
	return io, nil
}

func (e *emuEngine) modelFor(io *IO) (*emuModel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, status.Unavailablef("engine %d is shut down", e.index)
	}
	mdl, ok := e.models[io.Model]
	if !ok {
		return nil, status.Internalf("submission for unknown model %d", io.Model)
	}
	if !mdl.started {
		return nil, status.Internalf("submission for model %d before start", io.Model)
	}
	return mdl, nil
}

func (e *emuEngine) Submit(io *IO, idx int) error {
	mdl, err := e.modelFor(io)
	if err != nil {
		return err
	}
	e.queue <- &emuTask{io: io, mdl: mdl, idx: idx}
	return nil
}

func (e *emuEngine) SubmitTracked(io *IO, idx int) error {
	if err := e.Submit(io, idx); err != nil {
		return err
	}
	// The submission is in the bounded queue, so it is durably accepted;
	// acknowledge immediately. A remote engine would ack asynchronously.
	io.submitted = true
	io.submitAck <- nil
	return nil
}

func (e *emuEngine) WaitSubmitted(io *IO) error {
	if !io.submitted {
		return status.Internalf("wait for submit-acknowledgement without a tracked submit")
	}
	return <-io.submitAck
}

func (e *emuEngine) WaitCompletion(io *IO) error {
	mdl, err := e.modelFor(io)
	if err != nil {
		return err
	}
	select {
	case err := <-io.completion:
		return err
	case <-time.After(mdl.opts.Timeout):
		return status.Unavailablef("completion wait for model %d timed out after %s",
			io.Model, mdl.opts.Timeout)
	}
}

func (e *emuEngine) LockExec() (unlock func()) {
	e.execMu.Lock()
	return e.execMu.Unlock
}

func (e *emuEngine) Runtime() *Runtime { return e.runtime.Retain() }

// keepAlive exposes the runtime without retaining it, for the manager's
// deferred-teardown check.
func (e *emuEngine) keepAlive() *Runtime { return e.runtime }

func (e *emuEngine) SemaphoreFactor() int { return e.cfg.SemaphoreFactor }

func (e *emuEngine) NumCores() int { return e.cfg.Cores }

func (e *emuEngine) NumLoaded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.models)
}

// close drains the workers and marks the engine unusable. Called by the
// manager once no executables remain loaded.
func (e *emuEngine) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.queue)
	e.workers.Wait()
	e.logger.Debug("emulated engine down", zap.Int("device", e.index))
}
