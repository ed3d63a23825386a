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

// Package schema defines the immutable model descriptor handed to the
// dispatch core by the host integration layer, and the tensor-sizing checks
// run against it.
package schema

import (
	"time"

	"github.com/spindleml/spindle/pkg/spindle/lib/status"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// NoBatchAxis marks a tensor that is never sliced along a batch dimension.
const NoBatchAxis = -1

// Defaults and clamping bounds applied by Normalize.
const (
	DefaultTimeout  = 10 * time.Second
	DefaultInfers   = 4
	MinCoresPerLoad = 1
	MaxCoresPerLoad = 64
)

// IOList declares one direction of a model's tensors as the host parses them
// from the operator's attributes: three parallel lists. The lists are kept
// separate (rather than zipped into one struct) because their mutual
// consistency is itself a checked property: the host assembles them from
// independent attributes.
type IOList struct {
	Names  []string
	DTypes []tensor.DType
	Shapes [][]int64
}

// Len returns the declared tensor count, taken from the name list.
func (l *IOList) Len() int { return len(l.Names) }

func (l *IOList) consistent() bool {
	return len(l.Names) == len(l.DTypes) && len(l.Names) == len(l.Shapes)
}

// ModelDescriptor is parsed once per model by the host layer and stays
// immutable for the life of the session.
type ModelDescriptor struct {
	Name string

	Inputs  IOList
	Outputs IOList

	// Batch axis per declared tensor; NoBatchAxis disables batching for that
	// tensor. Dynamic batching only engages when these lists line up with the
	// declared tensor lists (see batch.Plan).
	InputBatchAxis  []int
	OutputBatchAxis []int

	// Executable is the opaque pre-compiled accelerator program.
	Executable []byte

	// Placement hints for device acquisition.
	DeviceIndex   int // -1 lets the manager choose
	OptCoreCount  int // requested execution cores, 0 = engine default
	MaxDuplicates int // core duplication count for data-parallel serving

	Timeout   time.Duration
	MaxInfers int // maximum concurrent inferences before the semaphore blocks
}

// Normalize clamps tunables into their valid ranges given the acquired
// engine's core count, mirroring how load-time knobs were sanitized upstream.
func (d *ModelDescriptor) Normalize(numCores int) {
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.MaxInfers <= 0 {
		d.MaxInfers = DefaultInfers
	}
	if numCores < MinCoresPerLoad {
		numCores = MinCoresPerLoad
	}
	if numCores > MaxCoresPerLoad {
		numCores = MaxCoresPerLoad
	}
	if d.OptCoreCount < 0 {
		d.OptCoreCount = 0
	}
	if d.OptCoreCount > numCores {
		d.OptCoreCount = numCores
	}
	if d.MaxDuplicates < 1 {
		d.MaxDuplicates = 1
	}
}

// IOTensorSizes computes the expected byte size of every declared input and
// output: element size times element count. The input and output lists are
// independently checked for mutual name/dtype/shape length consistency.
func IOTensorSizes(d *ModelDescriptor) (inputSizes, outputSizes []int, err error) {
	if !d.Inputs.consistent() {
		return nil, nil, status.FailedPreconditionf(
			"incorrect number of inputs: names %d, dtypes %d, shapes %d",
			len(d.Inputs.Names), len(d.Inputs.DTypes), len(d.Inputs.Shapes))
	}
	if !d.Outputs.consistent() {
		return nil, nil, status.FailedPreconditionf(
			"incorrect number of outputs: names %d, dtypes %d, shapes %d",
			len(d.Outputs.Names), len(d.Outputs.DTypes), len(d.Outputs.Shapes))
	}
	sizesOf := func(l *IOList) []int {
		sizes := make([]int, l.Len())
		for i := range sizes {
			sizes[i] = tensor.ByteSize(l.DTypes[i], l.Shapes[i])
		}
		return sizes
	}
	return sizesOf(&d.Inputs), sizesOf(&d.Outputs), nil
}

// CheckInputTensors verifies the supplied buffers against the descriptor:
// one buffer per declared input, each with exactly the expected byte length.
// It runs before every submission, including every sub-batch, so shape
// bugs surface here instead of inside the device layer.
func CheckInputTensors(inputs []*tensor.Tensor, d *ModelDescriptor) error {
	sizes, _, err := IOTensorSizes(d)
	if err != nil {
		return err
	}
	if len(inputs) != d.Inputs.Len() {
		return status.Internalf(
			"incorrect number of input tensors: got %d, descriptor declares %d",
			len(inputs), d.Inputs.Len())
	}
	for i, in := range inputs {
		if in.ByteSize() != sizes[i] {
			return status.Internalf(
				"incorrect input tensor size %d found on %s (want %d)",
				in.ByteSize(), d.Inputs.Names[i], sizes[i])
		}
	}
	return nil
}
