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

	"github.com/spindleml/spindle/pkg/spindle/lib/status"
	"github.com/spindleml/spindle/pkg/spindle/lib/tensor"
)

// IO is the scoped runtime state for one inference submission: the registered
// input and output buffers plus the engine-side channels tracking it.
// Finish releases the engine-side resources; it is idempotent and must be
// called on every exit path, including early-return error paths.
type IO struct {
	Model   ModelID
	Inputs  []*tensor.Tensor
	Outputs []*tensor.Tensor

	// Filled by the engine on submission.
	completion chan error
	submitAck  chan error
	submitted  bool

	releaseOnce sync.Once
	release     func() error
}

// Finish releases the registered buffers and any side-channel paths back to
// the engine runtime. Failures come back as Aborted: a scoped-release
// problem degrades the side channel but never the inference result.
func (io *IO) Finish() error {
	var err error
	io.releaseOnce.Do(func() {
		if io.release != nil {
			err = io.release()
		}
	})
	return status.WrapAborted(err, "releasing scoped runtime io")
}
