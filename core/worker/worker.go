// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides managed background goroutines.
package worker

import "sync"

// Worker is a set of managed background goroutines sharing one halt
// signal.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
}

// Go runs fn in a new goroutine. fn is responsible for watching HaltCh and
// returning once it is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt closes the halt channel and waits for every goroutine started with
// Go to return. It is safe to call more than once.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
	w.Wait()
}

// HaltCh returns the channel that is closed by Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// IsHalted returns true once Halt has been called.
func (w *Worker) IsHalted() bool {
	select {
	case <-w.HaltCh():
		return true
	default:
		return false
	}
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
