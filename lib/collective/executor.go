// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"sync"

	"github.com/meshrun/meshrun/lib/stream"
	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"google.golang.org/grpc/codes"
)

// AsyncExecutor carries completion events from the start half of an
// asynchronous collective to its paired done half. Every Push must be
// consumed by exactly one Pop on the same device ordinal; a double
// push or an unmatched pop is a bug in thunk sequencing, reported as
// an internal error.
type AsyncExecutor struct {
	mu     sync.Mutex
	events map[int]*stream.Event // device ordinal -> unconsumed event
}

func NewAsyncExecutor() *AsyncExecutor {
	return &AsyncExecutor{events: map[int]*stream.Event{}}
}

// Push records ev as the pending completion event for deviceOrdinal.
func (ae *AsyncExecutor) Push(deviceOrdinal int, ev *stream.Event) error {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	if _, ok := ae.events[deviceOrdinal]; ok {
		return meshrun.Errorf(codes.Internal, "done event already pushed for device %d and not yet consumed", deviceOrdinal)
	}
	ae.events[deviceOrdinal] = ev
	return nil
}

// Pop removes and returns the pending event for deviceOrdinal.
func (ae *AsyncExecutor) Pop(deviceOrdinal int) (*stream.Event, error) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	ev, ok := ae.events[deviceOrdinal]
	if !ok {
		return nil, meshrun.Errorf(codes.Internal, "no pending done event for device %d", deviceOrdinal)
	}
	delete(ae.events, deviceOrdinal)
	return ev, nil
}
