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
	"fmt"
	"time"
)

// Timestamps records the stage boundaries of one compute call: entry, the
// first device submission, the final completion wait, and exit. Marks left
// unset (a failed call, or the static path) render as "-".
type Timestamps struct {
	enter       time.Time
	aboveSubmit time.Time
	belowWait   time.Time
	exit        time.Time
}

func (t *Timestamps) MarkEnter()       { t.enter = time.Now() }
func (t *Timestamps) MarkAboveSubmit() { t.aboveSubmit = time.Now() }
func (t *Timestamps) MarkBelowWait()   { t.belowWait = time.Now() }
func (t *Timestamps) MarkExit()        { t.exit = time.Now() }

func stage(from, to time.Time) string {
	if from.IsZero() || to.IsZero() {
		return "-"
	}
	return to.Sub(from).String()
}

func (t *Timestamps) String() string {
	return fmt.Sprintf("preprocess=%s device=%s postprocess=%s total=%s",
		stage(t.enter, t.aboveSubmit),
		stage(t.aboveSubmit, t.belowWait),
		stage(t.belowWait, t.exit),
		stage(t.enter, t.exit))
}

// Total returns the wall time between enter and exit, or 0 if either mark is
// missing.
func (t *Timestamps) Total() time.Duration {
	if t.enter.IsZero() || t.exit.IsZero() {
		return 0
	}
	return t.exit.Sub(t.enter)
}
