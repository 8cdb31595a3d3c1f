// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package stream provides the device execution primitives consumed by
// the collective engine: per-device in-order work streams, events for
// cross-stream synchronization, and device memory buffers.
//
// The implementation runs on the host (each stream is a goroutine
// draining a FIFO of ops), which is what tests and CPU-only workers
// use; the interfaces are shaped so a real accelerator backend can
// slot in behind the same contract.
package stream

import (
	"fmt"
	"sync"
)

// Device owns memory and streams for one device ordinal.
type Device struct {
	Ordinal int

	mu        sync.Mutex
	allocated int64
}

func NewDevice(ordinal int) *Device {
	return &Device{Ordinal: ordinal}
}

// Allocate returns a new zeroed device buffer of count elements.
func (d *Device) Allocate(count int) *Buffer {
	d.mu.Lock()
	d.allocated += int64(count) * 8
	d.mu.Unlock()
	return &Buffer{device: d, data: make([]float64, count)}
}

// AllocatedBytes returns the total size of live allocations.
func (d *Device) AllocatedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// Buffer is a contiguous device-memory allocation of float64
// elements. Host access to Data is only ordered with respect to
// device work through stream synchronization (BlockHostUntilDone or
// Event.Wait).
type Buffer struct {
	device *Device
	data   []float64
}

func (b *Buffer) Count() int       { return len(b.data) }
func (b *Buffer) SizeBytes() int64 { return int64(len(b.data)) * 8 }
func (b *Buffer) Data() []float64  { return b.data }

// Slice returns a view of elements [offset, offset+count).
func (b *Buffer) Slice(offset, count int) (*Buffer, error) {
	if offset < 0 || count < 0 || offset+count > len(b.data) {
		return nil, fmt.Errorf("slice [%d:+%d) out of range for buffer of %d elements", offset, count, len(b.data))
	}
	return &Buffer{device: b.device, data: b.data[offset : offset+count]}, nil
}

// Stream is an in-order queue of device ops. Ops enqueued on one
// stream run sequentially; ops on different streams only synchronize
// through events. The first op error poisons the stream: subsequent
// ops are skipped and BlockHostUntilDone reports the error.
type Stream struct {
	device *Device

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []streamOp
	err    error
	closed bool
	done   chan struct{}
}

// NewStream returns a running stream for d. The caller must Close it.
func (d *Device) NewStream() *Stream {
	s := &Stream{device: d, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *Stream) Device() *Device { return s.device }

// streamOp is one queue entry. Synchronization markers (events,
// host-block flushes) keep running on a poisoned stream so waiters are
// not stranded; ordinary work is skipped once an error is recorded.
type streamOp struct {
	run    func() error
	marker bool
}

func (s *Stream) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue = s.queue[1:]
		poisoned := s.err != nil
		s.mu.Unlock()
		if poisoned && !op.marker {
			continue
		}
		if err := op.run(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

// Enqueue adds op to the stream's work queue and returns immediately.
func (s *Stream) Enqueue(op func() error) {
	s.enqueue(streamOp{run: op})
}

func (s *Stream) enqueue(op streamOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if op.marker {
			// Run markers inline so waiters are released.
			go op.run()
		}
		return
	}
	s.queue = append(s.queue, op)
	s.cond.Signal()
}

// RecordEvent enqueues an event that fires when all previously
// enqueued work has run.
func (s *Stream) RecordEvent() *Event {
	ev := &Event{fired: make(chan struct{})}
	s.enqueue(streamOp{marker: true, run: func() error {
		close(ev.fired)
		return nil
	}})
	return ev
}

// WaitFor makes subsequent work on s wait until ev has fired on its
// own stream.
func (s *Stream) WaitFor(ev *Event) {
	s.enqueue(streamOp{marker: true, run: func() error {
		<-ev.fired
		return nil
	}})
}

// WaitForStream makes subsequent work on s wait for everything already
// enqueued on other.
func (s *Stream) WaitForStream(other *Stream) {
	s.WaitFor(other.RecordEvent())
}

// BlockHostUntilDone blocks the calling goroutine until all currently
// enqueued work has run, and returns the stream's first error, if any.
func (s *Stream) BlockHostUntilDone() error {
	flushed := make(chan struct{})
	s.enqueue(streamOp{marker: true, run: func() error {
		close(flushed)
		return nil
	}})
	select {
	case <-flushed:
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close drains the queue and stops the stream goroutine.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return s.err
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Event marks a point in one stream's execution that other streams
// (or the host) can wait on.
type Event struct {
	fired chan struct{}
}

// Wait blocks the calling goroutine until the event has fired.
func (ev *Event) Wait() {
	<-ev.fired
}
