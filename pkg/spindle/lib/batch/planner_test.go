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

package batch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/spindleml/spindle/pkg/spindle/lib/schema"
	"github.com/spindleml/spindle/pkg/spindle/lib/status"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// descriptor compiled for batch size 4: one batched input and output plus a
// static side input.
func batchedDescriptor() *schema.ModelDescriptor {
	return &schema.ModelDescriptor{
		Inputs: schema.IOList{
			Names:  []string{"tokens", "scale"},
			DTypes: []tensor.DType{tensor.Uint8, tensor.Float32},
			Shapes: [][]int64{{4, 8}, {2}},
		},
		Outputs: schema.IOList{
			Names:  []string{"scores"},
			DTypes: []tensor.DType{tensor.Uint8},
			Shapes: [][]int64{{4, 8}},
		},
		InputBatchAxis:  []int{0, schema.NoBatchAxis},
		OutputBatchAxis: []int{0},
	}
}

func inputsForBatch(b int64) []*tensor.Tensor {
	tokens := tensor.New(tensor.Uint8, []int64{b, 8})
	for i := range tokens.Bytes() {
		tokens.Bytes()[i] = byte(i%250 + 1) // nonzero so padding is visible
	}
	return []*tensor.Tensor{tokens, tensor.New(tensor.Float32, []int64{2})}
}

func TestPlanTenOverFour(t *testing.T) {
	p, err := Compute(batchedDescriptor(), inputsForBatch(10))
	require.NoError(t, err)
	require.True(t, p.Dynamic)
	require.Equal(t, int64(10), p.BatchSize)
	require.Equal(t, int64(4), p.KBatchSize)
	require.Equal(t, 3, p.NumSubBatches)
	require.Equal(t, int64(12), p.PaddedSize)
	require.Equal(t, []bool{true, false}, p.BatchInputs)
	require.Equal(t, []bool{true}, p.BatchOutputs)
}

func TestPlanExactMultipleStaysStatic(t *testing.T) {
	p, err := Compute(batchedDescriptor(), inputsForBatch(4))
	require.NoError(t, err)
	require.False(t, p.Dynamic, "live batch equal to compiled batch needs no splitting")
}

func TestPlanAxisListMismatchDisablesBatching(t *testing.T) {
	d := batchedDescriptor()
	d.InputBatchAxis = []int{0} // length 1 against 2 declared inputs
	p, err := Compute(d, inputsForBatch(10))
	require.NoError(t, err)
	require.False(t, p.Dynamic)
	require.Nil(t, p.BatchInputs)
}

func TestPlanAllAxesNoneDisablesBatching(t *testing.T) {
	d := batchedDescriptor()
	d.InputBatchAxis = []int{schema.NoBatchAxis, schema.NoBatchAxis}
	p, err := Compute(d, inputsForBatch(4))
	require.NoError(t, err)
	require.False(t, p.Dynamic)
}

func TestPlanInconsistentBatchSizes(t *testing.T) {
	d := batchedDescriptor()
	d.InputBatchAxis = []int{0, 0}
	d.Inputs.Shapes[1] = []int64{4, 2}
	inputs := []*tensor.Tensor{
		tensor.New(tensor.Uint8, []int64{10, 8}),
		tensor.New(tensor.Float32, []int64{6, 2}),
	}
	_, err := Compute(d, inputs)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPlanZeroBatchIsInternal(t *testing.T) {
	_, err := Compute(batchedDescriptor(), inputsForBatch(0))
	require.Equal(t, codes.Internal, status.Code(err))
}

func TestPlanWrongRemainingShape(t *testing.T) {
	d := batchedDescriptor()
	inputs := []*tensor.Tensor{
		tensor.New(tensor.Uint8, []int64{10, 9}),
		tensor.New(tensor.Float32, []int64{2}),
	}
	_, err := Compute(d, inputs)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPlanScalarOnBatchAxis(t *testing.T) {
	d := batchedDescriptor()
	inputs := []*tensor.Tensor{
		tensor.New(tensor.Uint8, nil), // scalar where a batched tensor is declared
		tensor.New(tensor.Float32, []int64{2}),
	}
	_, err := Compute(d, inputs)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPlanStaticInputShapeMismatch(t *testing.T) {
	d := batchedDescriptor()
	inputs := []*tensor.Tensor{
		tensor.New(tensor.Uint8, []int64{10, 8}),
		tensor.New(tensor.Float32, []int64{3}), // declared {2}
	}
	_, err := Compute(d, inputs)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPlanOutputBatchSizeMismatch(t *testing.T) {
	d := batchedDescriptor()
	d.Outputs.Shapes[0] = []int64{5, 8} // compiled output batch differs from input's
	_, err := Compute(d, inputsForBatch(10))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSubBatchRowsReconstructInput(t *testing.T) {
	d := batchedDescriptor()
	inputs := inputsForBatch(10)
	p, err := Compute(d, inputs)
	require.NoError(t, err)

	pool := tensor.NewPool(2)
	rowBytes := int(inputs[0].RowBytes())
	var rebuilt []byte
	for i := 0; i < p.NumSubBatches; i++ {
		sub, err := p.SubBatchInputs(i, inputs, pool)
		require.NoError(t, err)
		require.Equal(t, p.KBatchSize, sub[0].Dim(0), "every sub-batch carries exactly K rows")
		require.Same(t, inputs[1], sub[1], "static tensors pass through unsliced")

		valid := p.KBatchSize
		if tail := p.BatchSize - int64(i)*p.KBatchSize; tail < valid {
			valid = tail
		}
		rebuilt = append(rebuilt, sub[0].Bytes()[:int(valid)*rowBytes]...)

		// Padding rows beyond the logical batch are zero-filled.
		for _, b := range sub[0].Bytes()[int(valid)*rowBytes:] {
			require.Zero(t, b)
		}
	}
	require.Equal(t, inputs[0].Bytes(), rebuilt)
}

func TestInteriorSubBatchesAreViews(t *testing.T) {
	inputs := inputsForBatch(10)
	p, err := Compute(batchedDescriptor(), inputs)
	require.NoError(t, err)

	sub, err := p.SubBatchInputs(0, inputs, tensor.NewPool(1))
	require.NoError(t, err)
	sub[0].Bytes()[0] = 0xEE
	require.Equal(t, byte(0xEE), inputs[0].Bytes()[0], "interior sub-batches alias the caller's buffer")

	// The padded tail is a copy and must not alias.
	last, err := p.SubBatchInputs(2, inputs, tensor.NewPool(1))
	require.NoError(t, err)
	last[0].Bytes()[0] = 0xDD
	require.NotEqual(t, byte(0xDD), inputs[0].Bytes()[8*8])
}

func TestSubBatchOutputsClippedToBatch(t *testing.T) {
	d := batchedDescriptor()
	p, err := Compute(d, inputsForBatch(10))
	require.NoError(t, err)

	full := []*tensor.Tensor{tensor.New(tensor.Uint8, p.OutputShape(d, 0))}
	require.Equal(t, []int64{10, 8}, full[0].Shape())

	sizes := []int64{4, 4, 2}
	for i, want := range sizes {
		out, err := p.SubBatchOutputs(i, full)
		require.NoError(t, err)
		require.Equal(t, want, out[0].Dim(0))
	}
}

func TestPlanInputCountMismatch(t *testing.T) {
	_, err := Compute(batchedDescriptor(), inputsForBatch(10)[:1])
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
