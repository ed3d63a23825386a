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

//go:build onnx

package device

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/spindleml/spindle/pkg/spindle/lib/status"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// EngineONNX names the ONNX Runtime-backed engine. The compiled-executable
// blob is interpreted as an ONNX model.
//
// Runtime requirements: CGO_ENABLED=1 and libonnxruntime on the library
// path, e.g. export LD_LIBRARY_PATH=/path/to/onnxruntime/lib.
const EngineONNX = "onnx"

func init() {
	RegisterEngine(EngineONNX, newOnnxEngine)
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initORT initializes the ONNX Runtime environment once per process.
func initORT() error {
	ortInitOnce.Do(func() {
		if dir := ortLibraryDir(); dir != "" {
			ort.SetSharedLibraryPath(filepath.Join(dir, ortLibraryName()))
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ortLibraryDir locates the directory holding the ONNX Runtime shared
// library, checking ONNXRUNTIME_ROOT and then LD_LIBRARY_PATH.
func ortLibraryDir() string {
	name := ortLibraryName()
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		platformDir := filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib")
		if _, err := os.Stat(filepath.Join(platformDir, name)); err == nil {
			return platformDir
		}
		directDir := filepath.Join(root, "lib")
		if _, err := os.Stat(filepath.Join(directDir, name)); err == nil {
			return directDir
		}
	}
	for _, dir := range filepath.SplitList(os.Getenv("LD_LIBRARY_PATH")) {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir
		}
	}
	return ""
}

func ortLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

type onnxModel struct {
	id      ModelID
	opts    LoadOptions
	started bool

	path        string // temp file holding the executable bytes
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []ort.InputOutputInfo
	outputInfo  []ort.InputOutputInfo
}

// onnxEngine drives ONNX Runtime through the same Handle contract as the
// emulated engine: a bounded submit queue drained by per-core workers.
type onnxEngine struct {
	index  int
	cfg    EngineConfig
	logger *zap.Logger

	execMu sync.Mutex

	mu      sync.Mutex
	models  map[ModelID]*onnxModel
	nextID  ModelID
	closed  bool
	queue   chan *onnxTask
	workers sync.WaitGroup

	runtime *Runtime
}

type onnxTask struct {
	io  *IO
	mdl *onnxModel
	idx int
}

func newOnnxEngine(index int, cfg EngineConfig, logger *zap.Logger) (Handle, error) {
	if err := initORT(); err != nil {
		return nil, status.Unavailablef("initializing ONNX Runtime: %v", err)
	}
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
	e := &onnxEngine{
		index:   index,
		cfg:     cfg,
		logger:  logger.Named("onnx"),
		models:  map[ModelID]*onnxModel{},
		nextID:  firstModelID,
		queue:   make(chan *onnxTask, cfg.QueueDepth),
		runtime: &Runtime{},
	}
	for i := 0; i < cfg.Cores; i++ {
		e.workers.Add(1)
		go e.worker()
	}
	return e, nil
}

func (e *onnxEngine) worker() {
	defer e.workers.Done()
	for task := range e.queue {
		task.io.completion <- e.run(task)
	}
}

func (e *onnxEngine) run(task *onnxTask) error {
	inputs := make([]ort.Value, len(task.io.Inputs))
	outputs := make([]ort.Value, len(task.io.Outputs))
	destroyAll := func(vals []ort.Value) {
		for _, v := range vals {
			if v != nil {
				v.Destroy()
			}
		}
	}
	defer destroyAll(inputs)
	defer destroyAll(outputs)

	for i, in := range task.io.Inputs {
		val, err := customTensor(in)
		if err != nil {
			return err
		}
		inputs[i] = val
	}
	// Output tensors wrap the caller's buffers directly, so the run writes
	// straight into the output slices.
	for i, out := range task.io.Outputs {
		val, err := customTensor(out)
		if err != nil {
			return err
		}
		outputs[i] = val
	}
	if err := task.mdl.session.Run(inputs, outputs); err != nil {
		return status.Internalf("running model %d sub-batch %d: %v", task.io.Model, task.idx, err)
	}
	return nil
}

// customTensor wraps a byte-buffer tensor as an ORT value without copying.
func customTensor(t *tensor.Tensor) (ort.Value, error) {
	dt, err := ortDType(t.DType())
	if err != nil {
		return nil, err
	}
	val, err := ort.NewCustomDataTensor(ort.NewShape(t.Shape()...), t.Bytes(), dt)
	if err != nil {
		return nil, status.Internalf("wrapping %s as ORT tensor: %v", t, err)
	}
	return val, nil
}

func ortDType(d tensor.DType) (ort.TensorElementDataType, error) {
	switch d {
	case tensor.Float32:
		return ort.TensorElementDataTypeFloat, nil
	case tensor.Float16:
		return ort.TensorElementDataTypeFloat16, nil
	case tensor.Float64:
		return ort.TensorElementDataTypeDouble, nil
	case tensor.Int8:
		return ort.TensorElementDataTypeInt8, nil
	case tensor.Int16:
		return ort.TensorElementDataTypeInt16, nil
	case tensor.Int32:
		return ort.TensorElementDataTypeInt32, nil
	case tensor.Int64:
		return ort.TensorElementDataTypeInt64, nil
	case tensor.Uint8:
		return ort.TensorElementDataTypeUint8, nil
	case tensor.Bool:
		return ort.TensorElementDataTypeBool, nil
	default:
		return 0, status.InvalidArgumentf("dtype %s has no ONNX Runtime mapping", d)
	}
}

func (e *onnxEngine) Load(executable []byte, opts LoadOptions) (ModelID, error) {
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

	// ORT session construction wants a file path.
	f, err := os.CreateTemp("", "spindle-exec-*.onnx")
	if err != nil {
		return 0, status.Internalf("staging executable: %v", err)
	}
	path := f.Name()
	if _, err := f.Write(executable); err != nil {
		f.Close()
		os.Remove(path)
		return 0, status.Internalf("staging executable: %v", err)
	}
	f.Close()

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		os.Remove(path)
		return 0, status.InvalidArgumentf("reading model metadata: %v", err)
	}
	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		os.Remove(path)
		return 0, status.Internalf("creating session options: %v", err)
	}
	if e.cfg.Cores > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(e.cfg.Cores); err != nil {
			sessionOpts.Destroy()
			os.Remove(path)
			return 0, status.Internalf("setting thread count: %v", err)
		}
	}
	session, err := ort.NewDynamicAdvancedSession(path, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		os.Remove(path)
		return 0, status.InvalidArgumentf("creating ONNX session: %v", err)
	}

	id := e.nextID
	e.nextID++
	e.models[id] = &onnxModel{
		id:          id,
		opts:        opts,
		path:        path,
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}
	e.logger.Debug("loaded executable",
		zap.Uint32("model", uint32(id)),
		zap.Int("bytes", len(executable)))
	return id, nil
}

func (e *onnxEngine) Unload(id ModelID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	mdl, ok := e.models[id]
	if !ok {
		return status.Abortedf("model %d not loaded on engine %d", id, e.index)
	}
	delete(e.models, id)
	mdl.session.Destroy()
	mdl.sessionOpts.Destroy()
	os.Remove(mdl.path)
	return nil
}

func (e *onnxEngine) StartModel(id ModelID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	mdl, ok := e.models[id]
	if !ok {
		return status.Internalf("starting unknown model %d on engine %d", id, e.index)
	}
	mdl.started = true
	return nil
}

func (e *onnxEngine) Ping(id ModelID) error {
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

func (e *onnxEngine) NewIO(id ModelID, inputs, outputs []*tensor.Tensor) (*IO, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, status.Abortedf("engine %d is shut down", e.index)
	}
	if _, ok := e.models[id]; !ok {
		return nil, status.Internalf("io setup for unknown model %d", id)
	}
	return &IO{
		Model:      id,
		Inputs:     inputs,
		Outputs:    outputs,
		completion: make(chan error, 1),
		submitAck:  make(chan error, 1),
	}, nil
}

func (e *onnxEngine) modelFor(io *IO) (*onnxModel, error) {
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

func (e *onnxEngine) Submit(io *IO, idx int) error {
	mdl, err := e.modelFor(io)
	if err != nil {
		return err
	}
	e.queue <- &onnxTask{io: io, mdl: mdl, idx: idx}
	return nil
}

func (e *onnxEngine) SubmitTracked(io *IO, idx int) error {
	if err := e.Submit(io, idx); err != nil {
		return err
	}
	io.submitted = true
	io.submitAck <- nil
	return nil
}

func (e *onnxEngine) WaitSubmitted(io *IO) error {
	if !io.submitted {
		return status.Internalf("wait for submit-acknowledgement without a tracked submit")
	}
	return <-io.submitAck
}

func (e *onnxEngine) WaitCompletion(io *IO) error {
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

func (e *onnxEngine) LockExec() (unlock func()) {
	e.execMu.Lock()
	return e.execMu.Unlock
}

func (e *onnxEngine) Runtime() *Runtime { return e.runtime.Retain() }

func (e *onnxEngine) keepAlive() *Runtime { return e.runtime }

func (e *onnxEngine) SemaphoreFactor() int { return e.cfg.SemaphoreFactor }

func (e *onnxEngine) NumCores() int { return e.cfg.Cores }

func (e *onnxEngine) NumLoaded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.models)
}

func (e *onnxEngine) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	models := e.models
	e.models = map[ModelID]*onnxModel{}
	e.mu.Unlock()
	close(e.queue)
	e.workers.Wait()
	for _, mdl := range models {
		mdl.session.Destroy()
		mdl.sessionOpts.Destroy()
		os.Remove(mdl.path)
	}
}
