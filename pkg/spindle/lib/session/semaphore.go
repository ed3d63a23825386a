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
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Semaphore bounds the number of in-flight sub-batch inferences across every
// caller sharing a model session. A nil *Semaphore is valid and means
// unlimited concurrency (the escape hatch); all methods no-op on it.
type Semaphore struct {
	capacity int64
	sem      chan struct{}

	active        atomic.Int64
	totalAcquired atomic.Int64

	logger *zap.Logger
}

// NewSemaphore builds a semaphore with the given slot capacity. Capacity is
// clamped to at least 1.
func NewSemaphore(capacity int64, logger *zap.Logger) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("inference semaphore created", zap.Int64("capacity", capacity))
	return &Semaphore{
		capacity: capacity,
		sem:      make(chan struct{}, capacity),
		logger:   logger,
	}
}

// Capacity returns the slot count, or 0 for the unlimited semaphore.
func (s *Semaphore) Capacity() int64 {
	if s == nil {
		return 0
	}
	return s.capacity
}

// Active returns the number of currently held slots.
func (s *Semaphore) Active() int64 {
	if s == nil {
		return 0
	}
	return s.active.Load()
}

// TotalAcquired counts every successful acquisition over the semaphore's
// lifetime.
func (s *Semaphore) TotalAcquired() int64 {
	if s == nil {
		return 0
	}
	return s.totalAcquired.Load()
}

func (s *Semaphore) acquire(ctx context.Context) error {
	if s == nil {
		return nil
	}
	select {
	case s.sem <- struct{}{}:
	default:
		// Saturated; block until a slot frees or the caller gives up.
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.active.Add(1)
	s.totalAcquired.Add(1)
	return nil
}

func (s *Semaphore) release() {
	if s == nil {
		return
	}
	s.active.Add(-1)
	<-s.sem
}

// ReservationQueue tracks the slot tokens one compute call holds. Tokens are
// acquired before each submission and drained one per observed completion;
// ReleaseAll backstops error paths so no slot ever leaks. The zero window
// between acquire and matching release is the pipeline's in-flight bound.
type ReservationQueue struct {
	sem  *Semaphore
	held int
}

// NewReservationQueue builds a queue over sem; sem may be nil (unlimited).
func NewReservationQueue(sem *Semaphore) *ReservationQueue {
	return &ReservationQueue{sem: sem}
}

// Acquire takes one slot, blocking while the semaphore is saturated.
func (q *ReservationQueue) Acquire(ctx context.Context) error {
	if err := q.sem.acquire(ctx); err != nil {
		return err
	}
	q.held++
	return nil
}

// ReleaseOne returns the oldest held slot. Releasing beyond what is held is
// a no-op.
func (q *ReservationQueue) ReleaseOne() {
	if q.held <= 0 {
		return
	}
	q.held--
	q.sem.release()
}

// ReleaseAll returns every held slot; deferred on every compute path.
func (q *ReservationQueue) ReleaseAll() {
	for q.held > 0 {
		q.ReleaseOne()
	}
}

// Held reports the number of currently held tokens.
func (q *ReservationQueue) Held() int { return q.held }
