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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"

	"github.com/spindleml/spindle/pkg/spindle/lib/device"
	"github.com/spindleml/spindle/pkg/spindle/lib/schema"
	"github.com/spindleml/spindle/pkg/spindle/lib/status"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

func testDescriptor(maxInfers int) *schema.ModelDescriptor {
	return &schema.ModelDescriptor{
		Name: "unit",
		Inputs: schema.IOList{
			Names:  []string{"tokens"},
			DTypes: []tensor.DType{tensor.Uint8},
			Shapes: [][]int64{{4, 8}},
		},
		Outputs: schema.IOList{
			Names:  []string{"scores"},
			DTypes: []tensor.DType{tensor.Uint8},
			Shapes: [][]int64{{4, 8}},
		},
		InputBatchAxis:  []int{0},
		OutputBatchAxis: []int{0},
		Executable:      []byte("compiled-program"),
		DeviceIndex:     -1,
		MaxInfers:       maxInfers,
	}
}

func testManager(t *testing.T, engine string) *device.Manager {
	t.Helper()
	mgr, err := device.NewManager(device.ManagerConfig{Engine: engine}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return mgr
}

func sequentialInput(rows int64) *tensor.Tensor {
	in := tensor.New(tensor.Uint8, []int64{rows, 8})
	for i := range in.Bytes() {
		in.Bytes()[i] = byte(i%251 + 1)
	}
	return in
}

func TestComputeDynamicRoundTrip(t *testing.T) {
	m := NewModel(testDescriptor(2), testManager(t, device.EngineEmu), zaptest.NewLogger(t))
	defer m.Close()

	in := sequentialInput(10)
	out, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{in})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []int64{10, 8}, out[0].Shape())
	// The emulated engine routes input rows straight to output rows, so a
	// correct split/reassembly reproduces the input exactly.
	require.Equal(t, in.Bytes(), out[0].Bytes())
}

func TestComputeSmallerThanCompiledBatch(t *testing.T) {
	m := NewModel(testDescriptor(2), testManager(t, device.EngineEmu), zaptest.NewLogger(t))
	defer m.Close()

	in := sequentialInput(2) // one padded sub-batch
	out, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{in})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 8}, out[0].Shape())
	require.Equal(t, in.Bytes(), out[0].Bytes())
}

func TestComputeStaticRoundTrip(t *testing.T) {
	m := NewModel(testDescriptor(2), testManager(t, device.EngineEmu), zaptest.NewLogger(t))
	defer m.Close()

	in := sequentialInput(4) // matches the compiled batch, no splitting
	out, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{in})
	require.NoError(t, err)
	require.Equal(t, in.Bytes(), out[0].Bytes())
}

func TestInitializeIsIdempotent(t *testing.T) {
	mgr := testManager(t, device.EngineEmu)
	m := NewModel(testDescriptor(2), mgr, zaptest.NewLogger(t))
	defer m.Close()

	require.NoError(t, m.Initialize("s1"))
	require.NoError(t, m.Initialize("s1"))
	require.NoError(t, m.Initialize("s1"))

	eng, err := mgr.Acquire("s1", device.Placement{DeviceIndex: -1})
	require.NoError(t, err)
	require.Equal(t, 1, eng.NumLoaded(), "repeated initialize must load exactly once")
}

func TestInitializeRejectsEmptyExecutable(t *testing.T) {
	d := testDescriptor(2)
	d.Executable = nil
	m := NewModel(d, testManager(t, device.EngineEmu), zaptest.NewLogger(t))
	err := m.Initialize("s1")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCloseBeforeInitializeIsNoop(t *testing.T) {
	mgr := testManager(t, device.EngineEmu)
	m := NewModel(testDescriptor(2), mgr, zaptest.NewLogger(t))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	// The session must still be usable after a premature close.
	in := sequentialInput(4)
	out, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{in})
	require.NoError(t, err)
	require.Equal(t, in.Bytes(), out[0].Bytes())
	require.NoError(t, m.Close())
}

func TestCloseUnloadsAndReleasesEngine(t *testing.T) {
	mgr := testManager(t, device.EngineEmu)
	m := NewModel(testDescriptor(2), mgr, zaptest.NewLogger(t))
	require.NoError(t, m.Initialize("s1"))
	require.NoError(t, m.Close())

	eng, err := mgr.Acquire("s2", device.Placement{DeviceIndex: -1})
	require.NoError(t, err)
	require.Equal(t, 0, eng.NumLoaded())
}

func TestConcurrentCompute(t *testing.T) {
	m := NewModel(testDescriptor(2), testManager(t, device.EngineEmu), zaptest.NewLogger(t))
	defer m.Close()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			in := sequentialInput(10)
			out, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{in})
			if err != nil {
				errs[g] = err
				return
			}
			if string(out[0].Bytes()) != string(in.Bytes()) {
				errs[g] = status.Internalf("caller %d got foreign rows back", g)
			}
		}(g)
	}
	wg.Wait()
	for g, err := range errs {
		require.NoError(t, err, "caller %d", g)
	}
	require.Zero(t, m.Semaphore().Active(), "all slots returned after concurrent calls")
}

func TestSemaphoreBoundsInFlight(t *testing.T) {
	m := NewModel(testDescriptor(2), testManager(t, device.EngineEmu), zaptest.NewLogger(t))
	defer m.Close()

	in := sequentialInput(20) // 5 sub-batches through a window of 2
	_, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{in})
	require.NoError(t, err)

	sem := m.Semaphore()
	require.NotNil(t, sem)
	require.Equal(t, int64(2), sem.Capacity())
	require.Zero(t, sem.Active())
	// The window is 2, so the call acquired exactly 2 slots regardless of
	// the sub-batch count.
	require.Equal(t, int64(2), sem.TotalAcquired())
}

// The effective concurrency limit is MaxInfers scaled by the engine's
// semaphore factor, and the pipeline window must fill all of it, not just
// MaxInfers worth.
func TestWindowScalesWithSemaphoreFactor(t *testing.T) {
	d := testDescriptor(2)
	d.MaxDuplicates = 3 // lifts the engine's semaphore factor to 3
	m := NewModel(d, testManager(t, device.EngineEmu), zaptest.NewLogger(t))
	defer m.Close()

	in := sequentialInput(40) // 10 sub-batches through a window of 2*3
	out, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{in})
	require.NoError(t, err)
	require.Equal(t, in.Bytes(), out[0].Bytes())

	sem := m.Semaphore()
	require.NotNil(t, sem)
	require.Equal(t, int64(6), sem.Capacity())
	require.Equal(t, int64(6), sem.TotalAcquired(),
		"fill phase must acquire the whole scaled window")
	require.Zero(t, sem.Active())
}

// flakyHook lets a test wrap the engine the manager builds, to inject faults
// mid-pipeline.
var (
	flakyMu   sync.Mutex
	flakyWrap func(device.Handle) device.Handle
)

func setFlakyWrap(t *testing.T, wrap func(device.Handle) device.Handle) {
	flakyMu.Lock()
	flakyWrap = wrap
	flakyMu.Unlock()
	t.Cleanup(func() {
		flakyMu.Lock()
		flakyWrap = nil
		flakyMu.Unlock()
	})
}

func init() {
	device.RegisterEngine("flaky", func(index int, cfg device.EngineConfig, logger *zap.Logger) (device.Handle, error) {
		inner, err := device.NewManager(device.ManagerConfig{Engine: device.EngineEmu, EngineConfig: cfg}, logger)
		if err != nil {
			return nil, err
		}
		h, err := inner.Acquire("", device.Placement{DeviceIndex: 0})
		if err != nil {
			return nil, err
		}
		flakyMu.Lock()
		defer flakyMu.Unlock()
		if flakyWrap != nil {
			return flakyWrap(h), nil
		}
		return h, nil
	})
}

type failingWaits struct {
	device.Handle
	waits  atomic.Int64
	failAt int64
}

func (f *failingWaits) WaitCompletion(io *device.IO) error {
	if f.waits.Add(1) == f.failAt {
		return status.Unavailablef("injected completion failure")
	}
	return f.Handle.WaitCompletion(io)
}

func TestNoSlotLeakWhenPipelineAborts(t *testing.T) {
	for _, failAt := range []int64{1, 2, 3} {
		setFlakyWrap(t, func(h device.Handle) device.Handle {
			return &failingWaits{Handle: h, failAt: failAt}
		})
		m := NewModel(testDescriptor(1), testManager(t, "flaky"), zaptest.NewLogger(t))

		in := sequentialInput(12) // 3 sub-batches, window 1
		_, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{in})
		require.Error(t, err, "failAt=%d", failAt)
		require.Equal(t, codes.Unavailable, status.Code(err))

		sem := m.Semaphore()
		require.NotNil(t, sem)
		require.Zero(t, sem.Active(), "failAt=%d: aborted call must return every slot", failAt)
		require.NoError(t, m.Close())
	}
}

type failingSubmits struct {
	device.Handle
	submits atomic.Int64
	failAt  int64
}

func (f *failingSubmits) Submit(io *device.IO, idx int) error {
	if f.submits.Add(1) == f.failAt {
		return status.Internalf("injected submit failure")
	}
	return f.Handle.Submit(io, idx)
}

func TestNoSlotLeakWhenSubmitFails(t *testing.T) {
	setFlakyWrap(t, func(h device.Handle) device.Handle {
		return &failingSubmits{Handle: h, failAt: 1}
	})
	m := NewModel(testDescriptor(2), testManager(t, "flaky"), zaptest.NewLogger(t))
	defer m.Close()

	in := sequentialInput(12)
	_, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{in})
	require.Error(t, err)
	require.Zero(t, m.Semaphore().Active())
}

func TestComputeWrongInputCount(t *testing.T) {
	m := NewModel(testDescriptor(2), testManager(t, device.EngineEmu), zaptest.NewLogger(t))
	defer m.Close()

	_, err := m.Compute(NewCall(context.Background(), "s1", nil), nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestComputeWrongTrailingShape(t *testing.T) {
	d := testDescriptor(2)
	m := NewModel(d, testManager(t, device.EngineEmu), zaptest.NewLogger(t))
	defer m.Close()

	// Wrong trailing dimension: rejected before anything reaches the device.
	bad := tensor.New(tensor.Uint8, []int64{4, 7})
	_, err := m.Compute(NewCall(context.Background(), "s1", nil), []*tensor.Tensor{bad})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
