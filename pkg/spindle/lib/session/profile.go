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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Profile is the per-model timing sink, enabled by pointing the profile
// environment variable at a directory. When enabled, compute trades pipeline
// overlap for a fully serialized pass so the captured timings are
// attributable to single inferences. Everything here is best-effort: profile
// write failures are logged, never propagated.
type Profile struct {
	Enabled bool

	dir       string
	modelName string
	logger    *zap.Logger

	mu sync.Mutex
}

// NewProfile enables profiling when dir is non-empty. The directory is
// created on demand.
func NewProfile(dir, modelName string, logger *zap.Logger) *Profile {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Profile{dir: dir, modelName: modelName, logger: logger}
	if dir == "" {
		return p
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("profile directory unavailable, profiling disabled",
			zap.String("dir", dir), zap.Error(err))
		return p
	}
	p.Enabled = true
	logger.Info("profiling enabled, pipeline overlap disabled for deterministic timing",
		zap.String("dir", dir))
	return p
}

func (p *Profile) fileStem() string {
	stem := strings.ReplaceAll(p.modelName, string(os.PathSeparator), "_")
	if stem == "" {
		stem = "model"
	}
	return stem
}

// DumpInfo snapshots the compiled executable next to the timing records so a
// capture is self-describing.
func (p *Profile) DumpInfo(executable []byte) {
	if !p.Enabled {
		return
	}
	path := filepath.Join(p.dir, p.fileStem()+".exec")
	if err := os.WriteFile(path, executable, 0o644); err != nil {
		p.logger.Warn("dumping executable for profile", zap.Error(err))
	}
}

type profileRecord struct {
	Model       string `json:"model"`
	When        string `json:"when"`
	SubBatches  int    `json:"sub_batches"`
	Preprocess  string `json:"preprocess"`
	Device      string `json:"device"`
	Postprocess string `json:"postprocess"`
	Total       string `json:"total"`
}

// Record appends one timing line for a completed call.
func (p *Profile) Record(ts *Timestamps, subBatches int) {
	if !p.Enabled {
		return
	}
	rec := profileRecord{
		Model:       p.modelName,
		When:        time.Now().Format(time.RFC3339Nano),
		SubBatches:  subBatches,
		Preprocess:  stage(ts.enter, ts.aboveSubmit),
		Device:      stage(ts.aboveSubmit, ts.belowWait),
		Postprocess: stage(ts.belowWait, ts.exit),
		Total:       stage(ts.enter, ts.exit),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		p.logger.Warn("encoding profile record", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	path := filepath.Join(p.dir, p.fileStem()+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		p.logger.Warn("opening profile record file", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		p.logger.Warn("appending profile record", zap.Error(err))
	}
}
