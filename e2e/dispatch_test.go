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

package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spindleml/spindle/pkg/spindle/lib/device"
	"github.com/spindleml/spindle/pkg/spindle/lib/schema"
	"github.com/spindleml/spindle/pkg/spindle/lib/session"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

func dispatchDescriptor(name string, maxInfers int) *schema.ModelDescriptor {
	return &schema.ModelDescriptor{
		Name: name,
		Inputs: schema.IOList{
			Names:  []string{"tokens", "mask"},
			DTypes: []tensor.DType{tensor.Uint8, tensor.Float32},
			Shapes: [][]int64{{8, 16}, {4}},
		},
		Outputs: schema.IOList{
			Names:  []string{"logits"},
			DTypes: []tensor.DType{tensor.Uint8},
			Shapes: [][]int64{{8, 16}},
		},
		InputBatchAxis:  []int{0, schema.NoBatchAxis},
		OutputBatchAxis: []int{0},
		Executable:      []byte("e2e-synthetic-executable"),
		DeviceIndex:     -1,
		MaxInfers:       maxInfers,
		Timeout:         30 * time.Second,
	}
}

func dispatchInputs(rows int64, seed byte) []*tensor.Tensor {
	tokens := tensor.New(tensor.Uint8, []int64{rows, 16})
	for i := range tokens.Bytes() {
		tokens.Bytes()[i] = seed + byte(i%97)
	}
	return []*tensor.Tensor{tokens, tensor.New(tensor.Float32, []int64{4})}
}

// TestDispatchLifecycle drives the whole stack the way an embedding host
// would: create a manager, open a session, run batched compute calls whose
// live batch is not a multiple of the compiled batch, then tear down and
// verify the engine is released.
func TestDispatchLifecycle(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mgr, err := device.NewManager(device.ManagerConfig{
		Engine:     device.EngineEmu,
		NumDevices: 2,
		EngineConfig: device.EngineConfig{
			BaseLatency: 200 * time.Microsecond,
		},
	}, logger)
	require.NoError(t, err)

	model := session.NewModel(dispatchDescriptor("e2e", 4), mgr, logger)

	// 30 rows through a compiled batch of 8: four sub-batches, last padded.
	in := dispatchInputs(30, 3)
	out, err := model.Compute(session.NewCall(context.Background(), "host-1", nil), in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []int64{30, 16}, out[0].Shape())
	require.Equal(t, in[0].Bytes(), out[0].Bytes(),
		"rows must come back in submission order across sub-batches")

	require.NoError(t, model.Close())

	eng, err := mgr.Acquire("host-1", device.Placement{DeviceIndex: -1})
	require.NoError(t, err)
	require.Equal(t, 0, eng.NumLoaded(), "close must unload the executable")
}

// TestDispatchConcurrentSessions runs two models over the same manager with
// many concurrent callers each, checking isolation of results and that both
// sessions settle back to zero held slots.
func TestDispatchConcurrentSessions(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mgr, err := device.NewManager(device.ManagerConfig{
		Engine:     device.EngineEmu,
		NumDevices: 2,
	}, logger)
	require.NoError(t, err)

	modelA := session.NewModel(dispatchDescriptor("e2e-a", 2), mgr, logger)
	modelB := session.NewModel(dispatchDescriptor("e2e-b", 4), mgr, logger)
	defer modelA.Close()
	defer modelB.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	run := func(m *session.Model, key string, seed byte, rows int64) {
		defer wg.Done()
		in := dispatchInputs(rows, seed)
		out, err := m.Compute(session.NewCall(context.Background(), key, nil), in)
		if err != nil {
			errs <- err
			return
		}
		if string(out[0].Bytes()) != string(in[0].Bytes()) {
			errs <- fmt.Errorf("session %s got rows from another caller", key)
		}
	}
	for i := 0; i < 6; i++ {
		wg.Add(2)
		go run(modelA, "host-a", byte(i), 30)
		go run(modelB, "host-b", byte(100+i), 17)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Zero(t, modelA.Semaphore().Active())
	require.Zero(t, modelB.Semaphore().Active())
}
