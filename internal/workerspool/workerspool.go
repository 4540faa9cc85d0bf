// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs I/O bound tasks (decoding and serializing MNIST files) in goroutines,
// with a limit on how many run at the same time.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Pool of workers. The zero value is not usable, use New.
type Pool struct {
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
	wg         sync.WaitGroup
	err        error
}

// New returns a Pool running at most maxParallelism tasks at a time. If maxParallelism <= 0,
// runtime.NumCPU() is used.
func New(maxParallelism int) *Pool {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism is the maximum number of tasks running at the same time.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// Go waits for a free worker and runs task in a goroutine.
//
// Once a task fails, the following ones are skipped. A panicking task counts as failed.
func (p *Pool) Go(task func() error) {
	p.mu.Lock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.numRunning++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		var taskErr error
		err := exceptions.TryCatch[error](func() { taskErr = task() })
		if err != nil {
			err = errors.WithMessage(err, "task panicked")
		} else {
			err = taskErr
		}
		p.mu.Lock()
		p.numRunning--
		if err != nil && p.err == nil {
			p.err = err
		}
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// Wait for all tasks started so far, and returns the first error.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
