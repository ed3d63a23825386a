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

	"go.uber.org/zap"

	"github.com/spindleml/spindle/pkg/spindle/lib/status"
)

// ManagerConfig tunes the in-process device manager.
type ManagerConfig struct {
	// Engine selects a registered engine by name; empty means the emulated
	// engine.
	Engine string
	// NumDevices is the number of logical device indices; <= 0 means 1.
	NumDevices int
	// EngineConfig is passed to every engine the manager constructs.
	EngineConfig EngineConfig
}

// Manager maps logical device indices to execution engines and arbitrates
// placement across model sessions. Engines are created lazily on first
// acquisition and torn down by ClearIfEmpty once nothing is loaded on them.
type Manager struct {
	cfg     ManagerConfig
	factory EngineFactory
	logger  *zap.Logger

	mu       sync.Mutex
	engines  map[int]Handle
	sessions map[string]int // session key -> sticky device index
}

// NewManager validates the engine selection and returns a manager.
func NewManager(cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Engine == "" {
		cfg.Engine = EngineEmu
	}
	if cfg.NumDevices <= 0 {
		cfg.NumDevices = 1
	}
	factory, ok := lookupEngine(cfg.Engine)
	if !ok {
		return nil, status.InvalidArgumentf(
			"unknown engine %q (registered: %v)", cfg.Engine, EngineNames())
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		logger:   logger.Named("devicemgr"),
		engines:  map[int]Handle{},
		sessions: map[string]int{},
	}, nil
}

// NumDevices reports the number of logical device indices.
func (m *Manager) NumDevices() int { return m.cfg.NumDevices }

// Acquire returns the engine for the placement's device index. An index of
// -1 reuses the session's previous engine when there is one, otherwise picks
// the least-loaded index. The same Handle is shared by every session on that
// index.
func (m *Manager) Acquire(sessionKey string, p Placement) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := p.DeviceIndex
	if idx >= m.cfg.NumDevices {
		return nil, status.InvalidArgumentf(
			"device index %d out of range, %d devices visible", idx, m.cfg.NumDevices)
	}
	if idx < 0 {
		if prev, ok := m.sessions[sessionKey]; ok && sessionKey != "" {
			idx = prev
		} else {
			idx = m.leastLoadedLocked()
		}
	}
	if sessionKey != "" {
		m.sessions[sessionKey] = idx
	}

	eng, ok := m.engines[idx]
	if !ok {
		cfg := m.cfg.EngineConfig
		if p.OptCoreCount > 0 {
			cfg.Cores = p.OptCoreCount
		}
		if p.MaxDuplicates > cfg.SemaphoreFactor {
			cfg.SemaphoreFactor = p.MaxDuplicates
		}
		var err error
		eng, err = m.factory(idx, cfg, m.logger)
		if err != nil {
			return nil, err
		}
		m.engines[idx] = eng
		m.logger.Info("engine acquired",
			zap.Int("device", idx),
			zap.String("engine", m.cfg.Engine),
			zap.Int("cores", eng.NumCores()))
	}
	return eng, nil
}

func (m *Manager) leastLoadedLocked() int {
	best, bestLoaded := 0, int(^uint(0)>>1)
	for idx := 0; idx < m.cfg.NumDevices; idx++ {
		loaded := 0
		if eng, ok := m.engines[idx]; ok {
			loaded = eng.NumLoaded()
		}
		if loaded < bestLoaded {
			best, bestLoaded = idx, loaded
		}
	}
	return best
}

// ClearIfEmpty tears down every engine that has no executables loaded.
// Sessions call it after unloading their model so idle hardware is released.
// An engine whose runtime is still retained by an in-flight compute call is
// removed from the placement map immediately but shut down only when the
// last keep-alive reference drops.
func (m *Manager) ClearIfEmpty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, eng := range m.engines {
		if eng.NumLoaded() != 0 {
			continue
		}
		delete(m.engines, idx)
		closer, ok := eng.(interface{ close() })
		if !ok {
			continue
		}
		if ka, ok := eng.(interface{ keepAlive() *Runtime }); ok {
			if ka.keepAlive().WhenIdle(closer.close) {
				m.logger.Info("engine released", zap.Int("device", idx))
			} else {
				m.logger.Info("engine release deferred to in-flight calls",
					zap.Int("device", idx))
			}
		} else {
			closer.close()
			m.logger.Info("engine released", zap.Int("device", idx))
		}
	}
	if len(m.engines) == 0 {
		m.sessions = map[string]int{}
	}
}
