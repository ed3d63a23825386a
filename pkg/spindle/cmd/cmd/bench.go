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
package cmd

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spindleml/spindle/pkg/spindle/lib/device"
	"github.com/spindleml/spindle/pkg/spindle/lib/schema"
	"github.com/spindleml/spindle/pkg/spindle/lib/session"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark the dispatch pipeline",
	Long: `Load a synthetic model onto the selected engine and drive concurrent
batched compute calls through the dispatch pipeline, reporting throughput
and per-call latency.`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().String("descriptor", "", "JSON descriptor file; overrides the synthetic model shape")
	benchCmd.Flags().Int("batch", 64, "live batch size per call")
	benchCmd.Flags().Int("compiled-batch", 8, "batch size the synthetic executable is compiled for")
	benchCmd.Flags().Int("row-elems", 256, "float32 elements per row")
	benchCmd.Flags().Int("calls", 100, "compute calls per worker")
	benchCmd.Flags().Int("concurrency", 4, "concurrent callers")
	benchCmd.Flags().Int("max-infers", 4, "in-flight sub-batch bound per session")
	benchCmd.Flags().Duration("base-latency", time.Millisecond, "emulated per-sub-batch kernel latency")

	for _, f := range []string{"descriptor", "batch", "compiled-batch", "row-elems", "calls", "concurrency", "max-infers", "base-latency"} {
		if err := viper.BindPFlag("bench."+f, benchCmd.Flags().Lookup(f)); err != nil {
			panic(err)
		}
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	var (
		batch       = int64(viper.GetInt("bench.batch"))
		compiled    = int64(viper.GetInt("bench.compiled-batch"))
		rowElems    = int64(viper.GetInt("bench.row-elems"))
		calls       = viper.GetInt("bench.calls")
		concurrency = viper.GetInt("bench.concurrency")
	)

	mgr, err := device.NewManager(device.ManagerConfig{
		Engine:     viper.GetString("engine"),
		NumDevices: viper.GetInt("devices"),
		EngineConfig: device.EngineConfig{
			BaseLatency: viper.GetDuration("bench.base-latency"),
		},
	}, logger)
	if err != nil {
		return err
	}

	var desc *schema.ModelDescriptor
	if path := viper.GetString("bench.descriptor"); path != "" {
		doc, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if desc, err = schema.ParseDescriptor(doc, syntheticExecutable()); err != nil {
			return err
		}
	} else {
		desc = &schema.ModelDescriptor{
			Name: "bench",
			Inputs: schema.IOList{
				Names:  []string{"input"},
				DTypes: []tensor.DType{tensor.Float32},
				Shapes: [][]int64{{compiled, rowElems}},
			},
			Outputs: schema.IOList{
				Names:  []string{"output"},
				DTypes: []tensor.DType{tensor.Float32},
				Shapes: [][]int64{{compiled, rowElems}},
			},
			InputBatchAxis:  []int{0},
			OutputBatchAxis: []int{0},
			Executable:      syntheticExecutable(),
			DeviceIndex:     -1,
			MaxInfers:       viper.GetInt("bench.max-infers"),
		}
	}

	model := session.NewModel(desc, mgr, logger)
	defer func() {
		_ = model.Close()
	}()
	if err := model.Initialize("bench"); err != nil {
		return err
	}

	logger.Info("bench starting",
		zap.Int64("batch", batch),
		zap.Int64("compiled_batch", compiled),
		zap.Int("calls", calls),
		zap.Int("concurrency", concurrency))

	pool := tensor.NewPool(0)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			inputs := benchInputs(desc, batch)
			cc := session.NewCall(gctx, "bench", pool)
			for c := 0; c < calls; c++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if _, err := model.Compute(cc, inputs); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := calls * concurrency
	logger.Info("bench done",
		zap.Int("calls", total),
		zap.Int64("rows", int64(total)*batch),
		zap.Duration("elapsed", elapsed),
		zap.Float64("calls_per_sec", float64(total)/elapsed.Seconds()),
		zap.Duration("per_call", elapsed/time.Duration(total)))
	return nil
}

// benchInputs builds one random input per declared tensor, widening dim 0 to
// the live batch size on batched inputs.
func benchInputs(desc *schema.ModelDescriptor, batch int64) []*tensor.Tensor {
	inputs := make([]*tensor.Tensor, desc.Inputs.Len())
	for i := range inputs {
		shape := append([]int64(nil), desc.Inputs.Shapes[i]...)
		if i < len(desc.InputBatchAxis) && desc.InputBatchAxis[i] == 0 && len(shape) > 0 {
			shape[0] = batch
		}
		inputs[i] = tensor.New(desc.Inputs.DTypes[i], shape)
		rand.Read(inputs[i].Bytes())
	}
	return inputs
}

// syntheticExecutable fabricates an opaque blob for engines that never parse
// it (the emulated engine). Real engines reject it at load time.
func syntheticExecutable() []byte {
	blob := make([]byte, 4096)
	rand.Read(blob)
	return append([]byte("SPNDL0"), blob...)
}
