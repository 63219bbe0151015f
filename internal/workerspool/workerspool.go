// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs operator kernels in goroutines, with a soft limit on how many run at the same time.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool of workers. The zero value is not usable, create it with New.
type Pool struct {
	// maxParallelism is a soft target on the limit of tasks running in parallel.
	// 0 means tasks run inline, and a negative value means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Broadcast whenever numRunning decreases.
	numRunning int
	peak       int

	// extraParallelism is temporarily increased while a worker sleeps waiting for others.
	extraParallelism atomic.Int32
}

// New returns a new Pool with the given maximum parallelism.
// If maxParallelism is 0 tasks are executed inline; if it is negative, parallelism is unlimited.
func New(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// NewDefault returns a Pool with parallelism equal to runtime.NumCPU().
func NewDefault() *Pool {
	return New(runtime.NumCPU())
}

// MaxParallelism is the soft limit of tasks running in parallel: 0 means inline execution and -1 unlimited.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// IsInline returns whether tasks are executed inline, in the goroutine of the caller.
func (p *Pool) IsInline() bool {
	return p.maxParallelism == 0
}

// lockedIsFull returns whether all available workers are in use. It must be called with p.mu locked.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism+int(p.extraParallelism.Load())
}

// WaitToStart waits until a worker is available and runs the task in a new goroutine.
//
// If the pool runs tasks inline, it runs the task and returns when it is finished: callers relying on
// concurrency between tasks must not use an inline pool.
func (p *Pool) WaitToStart(task func()) {
	if p.IsInline() {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedStart(task)
}

// StartIfAvailable runs the task in a new goroutine if a worker is available, and returns whether it did.
// Inline pools run it immediately, and return true.
func (p *Pool) StartIfAvailable(task func()) bool {
	if p.IsInline() {
		task()
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedStart(task)
	return true
}

// lockedStart runs task in a goroutine, keeping tabs on p.numRunning. It must be called with p.mu locked.
func (p *Pool) lockedStart(task func()) {
	p.numRunning++
	p.peak = max(p.peak, p.numRunning)
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Broadcast()
			p.mu.Unlock()
		}()
		task()
	}()
}

// Wait blocks until no task started by the pool is running.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning > 0 {
		p.cond.Wait()
	}
}

// Peak returns the maximum number of tasks observed running at the same time.
func (p *Pool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// WorkerIsAsleep indicates the calling worker is going to sleep waiting for other workers: it temporarily
// increases the number of available workers. Call WorkerRestarted when it resumes.
func (p *Pool) WorkerIsAsleep() {
	p.extraParallelism.Add(1)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WorkerRestarted indicates the calling worker, after WorkerIsAsleep, is running again.
func (p *Pool) WorkerRestarted() {
	p.extraParallelism.Add(-1)
}
