// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous provides a named N-party barrier: all parties
// block in Arrive until the last one shows up, a deadline expires, or
// the barrier is poisoned.
//
// A Barrier is single-use. Once it has completed (all parties arrived)
// any further arrival is an error, and once it has been poisoned --
// because one waiter timed out, or because the owning session died --
// every current and future waiter fails fast with the poison error
// instead of waiting out its own deadline.
package rendezvous

import (
	"sync"
	"time"
)

type Barrier struct {
	mu       sync.Mutex
	parties  int
	arrived  int
	done     chan struct{} // closed on completion or poisoning
	err      error         // non-nil iff poisoned
	finished bool
}

// New returns a Barrier that completes when parties callers have
// arrived.
func New(parties int) *Barrier {
	return &Barrier{parties: parties, done: make(chan struct{})}
}

// Arrive joins the barrier and blocks until all parties have arrived
// (nil), the barrier is poisoned (the poison error), or timeout
// elapses. A waiter whose timeout elapses poisons the barrier with
// timeoutErr so everyone else fails fast, and returns timeoutErr.
//
// Arriving at a barrier that already completed returns reuseErr
// without blocking.
func (b *Barrier) Arrive(timeout time.Duration, timeoutErr, reuseErr error) error {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return b.err
	}
	if b.finished {
		b.mu.Unlock()
		return reuseErr
	}
	b.arrived++
	if b.arrived == b.parties {
		b.finished = true
		close(b.done)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-timer.C:
		b.Poison(timeoutErr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Poison marks the barrier failed, waking all current waiters and
// failing all future ones with err. Poisoning a barrier that already
// completed or was already poisoned has no effect.
func (b *Barrier) Poison(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	b.err = err
	close(b.done)
}

// Arrived returns the number of parties that have arrived so far.
func (b *Barrier) Arrived() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

// Done returns a channel that is closed when the barrier completes or
// is poisoned. Err distinguishes the two.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Err returns the poison error, or nil if the barrier completed (or is
// still open).
func (b *Barrier) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
