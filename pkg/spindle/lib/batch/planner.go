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

// Package batch decides whether dynamic batching applies to an inference
// call and, when it does, carves the logical batch into fixed-size
// sub-batches matching the executable's compiled batch dimension.
package batch

import (
	"github.com/spindleml/spindle/pkg/spindle/lib/schema"
	"github.com/spindleml/spindle/pkg/spindle/lib/status"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// uninitBatchSize marks a batch size not yet inferred from any input.
const uninitBatchSize = int64(-8)

// Plan is the batching decision for one inference call against one
// descriptor. It is derived per call because the live batch size comes from
// the supplied tensors, not the descriptor.
type Plan struct {
	// Dynamic is set when at least one supplied input carries more (or
	// fewer) rows than the executable was compiled for, so the call must be
	// split into sub-batches.
	Dynamic bool

	// BatchSize is the live batch size read from the inputs; KBatchSize is
	// the compiled batch size from the descriptor. Both are meaningful only
	// for dynamic plans.
	BatchSize  int64
	KBatchSize int64

	// NumSubBatches = ceil(BatchSize / KBatchSize); PaddedSize is
	// NumSubBatches * KBatchSize.
	NumSubBatches int
	PaddedSize    int64

	// BatchInputs and BatchOutputs flag, per declared tensor, whether that
	// tensor is sliced along dim 0. Static tensors pass through unsliced.
	BatchInputs  []bool
	BatchOutputs []bool
}

// Compute builds the plan for the supplied inputs. Dynamic batching engages
// only when at least one declared input batch axis is not "none" AND both
// batch-axis lists line up with the declared tensor lists exactly; any other
// configuration falls back to the static passthrough plan.
func Compute(d *schema.ModelDescriptor, inputs []*tensor.Tensor) (*Plan, error) {
	if len(inputs) != d.Inputs.Len() {
		return nil, status.InvalidArgumentf(
			"incorrect number of input tensors: got %d, want %d", len(inputs), d.Inputs.Len())
	}

	enabled := false
	for _, axis := range d.InputBatchAxis {
		if axis != schema.NoBatchAxis {
			enabled = true
			break
		}
	}
	if !enabled ||
		len(d.InputBatchAxis) != d.Inputs.Len() ||
		len(d.OutputBatchAxis) != d.Outputs.Len() {
		return &Plan{}, nil
	}

	plan := &Plan{
		BatchSize:    uninitBatchSize,
		KBatchSize:   uninitBatchSize,
		BatchInputs:  make([]bool, d.Inputs.Len()),
		BatchOutputs: make([]bool, d.Outputs.Len()),
	}

	for idx, in := range inputs {
		name := d.Inputs.Names[idx]
		shape := in.Shape()
		kShape := d.Inputs.Shapes[idx]
		isBatch := false
		if d.InputBatchAxis[idx] == 0 {
			if len(shape) == 0 {
				return nil, status.InvalidArgumentf(
					"no batch-dimension found on input tensor %s with shape %v", name, shape)
			}
			if plan.BatchSize == uninitBatchSize {
				plan.BatchSize = shape[0]
				plan.KBatchSize = dim0(kShape)
				if plan.BatchSize <= 0 {
					return nil, status.Internalf(
						"incorrect internal batch size inferred from input tensor %s with shape %v",
						name, shape)
				}
			} else if plan.BatchSize != shape[0] {
				return nil, status.InvalidArgumentf(
					"incorrect batch size found on input tensor %s, tensor shape %v, internal batch size %d",
					name, shape, plan.BatchSize)
			}
			if !tensor.ShapesEqual(shape[1:], rest(kShape)) {
				return nil, status.InvalidArgumentf(
					"incorrect shape found on input tensor %s, inference time shape %v, expected shape %v",
					name, shape, kShape)
			}
			isBatch = plan.BatchSize != plan.KBatchSize
			plan.Dynamic = plan.Dynamic || isBatch
		} else if !tensor.ShapesEqual(shape, kShape) {
			return nil, status.InvalidArgumentf(
				"incorrect shape found on input tensor %s, inference time shape %v, expected shape %v",
				name, shape, kShape)
		}
		plan.BatchInputs[idx] = isBatch
	}

	for idx := range d.Outputs.Names {
		name := d.Outputs.Names[idx]
		isBatch := false
		if d.OutputBatchAxis[idx] == 0 {
			kShape := d.Outputs.Shapes[idx]
			if len(kShape) == 0 || dim0(kShape) <= 0 {
				return nil, status.InvalidArgumentf(
					"no batch-dimension found on output tensor %s with compiled shape %v", name, kShape)
			}
			if plan.KBatchSize != dim0(kShape) {
				return nil, status.InvalidArgumentf(
					"incorrect batch size found on output tensor %s, compiled shape %v, compiled batch size %d",
					name, kShape, plan.KBatchSize)
			}
			isBatch = plan.BatchSize != dim0(kShape)
		}
		plan.BatchOutputs[idx] = isBatch
	}

	if plan.Dynamic {
		plan.NumSubBatches = int((plan.BatchSize-1)/plan.KBatchSize + 1)
		plan.PaddedSize = int64(plan.NumSubBatches) * plan.KBatchSize
	}
	return plan, nil
}

func dim0(shape []int64) int64 {
	if len(shape) == 0 {
		return uninitBatchSize
	}
	return shape[0]
}

func rest(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}
	return shape[1:]
}

// SubBatchInputs assembles the input set for sub-batch i: zero-copy dim-0
// views for batch tensors, the full tensor for static ones. When the final
// sub-batch would run past the logical batch, it is materialized as a fresh
// zero-filled tensor of KBatchSize rows with only the valid tail copied in,
// so the executable always sees exactly KBatchSize rows and the caller's
// buffer is never read past its extent.
func (p *Plan) SubBatchInputs(i int, inputs []*tensor.Tensor, pool *tensor.Pool) ([]*tensor.Tensor, error) {
	if !p.Dynamic {
		return inputs, nil
	}
	if i < 0 || i >= p.NumSubBatches {
		return nil, status.Internalf("sub-batch index %d out of %d", i, p.NumSubBatches)
	}
	start := int64(i) * p.KBatchSize
	limit := start + p.KBatchSize
	out := make([]*tensor.Tensor, len(inputs))
	for idx, in := range inputs {
		if !p.BatchInputs[idx] {
			out[idx] = in
			continue
		}
		if limit > p.BatchSize {
			shape := append([]int64(nil), in.Shape()...)
			shape[0] = p.KBatchSize
			padded := tensor.New(in.DType(), shape)
			tail, err := in.Slice(start, p.BatchSize)
			if err != nil {
				return nil, err
			}
			if err := pool.CopyRows(padded, tail); err != nil {
				return nil, err
			}
			out[idx] = padded
			continue
		}
		view, err := in.Slice(start, limit)
		if err != nil {
			return nil, err
		}
		out[idx] = view
	}
	return out, nil
}

// SubBatchOutputs assembles the output set for sub-batch i: views into the
// caller-allocated full outputs, clipped so the final slice never extends
// past the logical batch size. Static outputs pass through whole.
func (p *Plan) SubBatchOutputs(i int, outputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if !p.Dynamic {
		return outputs, nil
	}
	if i < 0 || i >= p.NumSubBatches {
		return nil, status.Internalf("sub-batch index %d out of %d", i, p.NumSubBatches)
	}
	start := int64(i) * p.KBatchSize
	limit := min(start+p.KBatchSize, p.BatchSize)
	out := make([]*tensor.Tensor, len(outputs))
	for idx, full := range outputs {
		if !p.BatchOutputs[idx] {
			out[idx] = full
			continue
		}
		view, err := full.Slice(start, limit)
		if err != nil {
			return nil, err
		}
		out[idx] = view
	}
	return out, nil
}

// OutputShape returns the allocation shape for output idx: the declared
// shape, with dim 0 widened to the live batch size for batch outputs.
func (p *Plan) OutputShape(d *schema.ModelDescriptor, idx int) []int64 {
	shape := append([]int64(nil), d.Outputs.Shapes[idx]...)
	if p.Dynamic && p.BatchOutputs[idx] && len(shape) > 0 {
		shape[0] = p.BatchSize
	}
	return shape
}
