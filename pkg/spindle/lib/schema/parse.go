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

package schema

import (
	"encoding/json"
	"time"

	"github.com/spindleml/spindle/pkg/spindle/lib/status"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// descriptorDoc is the JSON attribute form hosts hand over. The tensor lists
// stay parallel, exactly as they arrive from independent host attributes.
type descriptorDoc struct {
	Name string `json:"name"`

	InputNames  []string  `json:"input_names"`
	InputDTypes []string  `json:"input_dtypes"`
	InputShapes [][]int64 `json:"input_shapes"`

	OutputNames  []string  `json:"output_names"`
	OutputDTypes []string  `json:"output_dtypes"`
	OutputShapes [][]int64 `json:"output_shapes"`

	InputBatchAxis  []int `json:"input_batch_axis"`
	OutputBatchAxis []int `json:"output_batch_axis"`

	DeviceIndex   *int `json:"device_index"`
	OptCoreCount  int  `json:"opt_core_count"`
	MaxDuplicates int  `json:"max_duplicates"`

	TimeoutMs int `json:"timeout_ms"`
	MaxInfers int `json:"max_infers"`
}

// ParseDescriptor builds a ModelDescriptor from its JSON attribute form plus
// the executable blob, which travels separately. Only dtype names are
// validated here; list-length consistency stays the job of IOTensorSizes so
// the check runs in one place.
func ParseDescriptor(doc []byte, executable []byte) (*ModelDescriptor, error) {
	var raw descriptorDoc
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, status.InvalidArgumentf("malformed descriptor document: %v", err)
	}

	parseDTypes := func(dir string, names []string) ([]tensor.DType, error) {
		out := make([]tensor.DType, len(names))
		for i, s := range names {
			d, err := tensor.ParseDType(s)
			if err != nil {
				return nil, status.InvalidArgumentf("%s dtype %d: %v", dir, i, err)
			}
			out[i] = d
		}
		return out, nil
	}
	inDTypes, err := parseDTypes("input", raw.InputDTypes)
	if err != nil {
		return nil, err
	}
	outDTypes, err := parseDTypes("output", raw.OutputDTypes)
	if err != nil {
		return nil, err
	}

	deviceIndex := -1
	if raw.DeviceIndex != nil {
		deviceIndex = *raw.DeviceIndex
	}

	return &ModelDescriptor{
		Name: raw.Name,
		Inputs: IOList{
			Names:  raw.InputNames,
			DTypes: inDTypes,
			Shapes: raw.InputShapes,
		},
		Outputs: IOList{
			Names:  raw.OutputNames,
			DTypes: outDTypes,
			Shapes: raw.OutputShapes,
		},
		InputBatchAxis:  raw.InputBatchAxis,
		OutputBatchAxis: raw.OutputBatchAxis,
		Executable:      executable,
		DeviceIndex:     deviceIndex,
		OptCoreCount:    raw.OptCoreCount,
		MaxDuplicates:   raw.MaxDuplicates,
		Timeout:         time.Duration(raw.TimeoutMs) * time.Millisecond,
		MaxInfers:       raw.MaxInfers,
	}, nil
}
