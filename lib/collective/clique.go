// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"fmt"
	"strings"
	"sync"

	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"google.golang.org/grpc/codes"
)

// CliqueKey identifies a communicator clique: the ordered participant
// set plus the operation id.
type CliqueKey string

// NewCliqueKey builds the key for participants (in rank order) and
// opID.
func NewCliqueKey(participants []GlobalDeviceID, opID int64) CliqueKey {
	var b strings.Builder
	fmt.Fprintf(&b, "op=%d:", opID)
	for i, id := range participants {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	return CliqueKey(b.String())
}

// Clique owns the communication channels among one participant set.
// It is created once per key and reused by every subsequent operation
// with the same participants; rank-to-rank mailboxes are FIFO.
type Clique struct {
	key          CliqueKey
	participants []GlobalDeviceID
	mailboxes    map[[2]int]chan []float64 // [src][dst] rank pair
	comms        []*Communicator
}

func newClique(key CliqueKey, participants []GlobalDeviceID) *Clique {
	n := len(participants)
	clique := &Clique{
		key:          key,
		participants: append([]GlobalDeviceID(nil), participants...),
		mailboxes:    make(map[[2]int]chan []float64, n*n),
		comms:        make([]*Communicator, n),
	}
	for src := 0; src < n; src++ {
		for dst := 0; dst < n; dst++ {
			if src != dst {
				clique.mailboxes[[2]int{src, dst}] = make(chan []float64, n)
			}
		}
	}
	for rank := range clique.comms {
		clique.comms[rank] = &Communicator{clique: clique, rank: rank}
	}
	return clique
}

func (clique *Clique) Size() int { return len(clique.participants) }

// Communicator is one rank's handle on a clique. Lock serializes
// collective invocations on the same rank; within one invocation the
// data path is lock-free.
type Communicator struct {
	clique *Clique
	rank   int
	mu     sync.Mutex
}

func (comm *Communicator) Rank() int { return comm.rank }
func (comm *Communicator) Size() int { return comm.clique.Size() }

// Send delivers a copy of data to peer's mailbox from this rank.
func (comm *Communicator) Send(peer int, data []float64) {
	buf := append([]float64(nil), data...)
	comm.clique.mailboxes[[2]int{comm.rank, peer}] <- buf
}

// Recv returns the next message sent to this rank by peer, blocking
// until one arrives.
func (comm *Communicator) Recv(peer int) []float64 {
	return <-comm.clique.mailboxes[[2]int{peer, comm.rank}]
}

// lock marks the communicator busy for the duration of one collective
// invocation.
func (comm *Communicator) lock()   { comm.mu.Lock() }
func (comm *Communicator) unlock() { comm.mu.Unlock() }

// CliqueCache is the process-wide registry of cliques, created
// explicitly at startup and passed to executing thunks (no hidden
// package-level state). Exactly one caller performs the expensive
// creation for a key; everyone else reuses the cached clique.
type CliqueCache struct {
	mu      sync.Mutex
	cliques map[CliqueKey]*Clique

	// firstCall tracks the one-time host synchronization performed
	// by the first collective execution in this process.
	firstCallMu   sync.Mutex
	firstCallDone bool
}

func NewCliqueCache() *CliqueCache {
	return &CliqueCache{cliques: map[CliqueKey]*Clique{}}
}

// Acquire returns rank's communicator for the clique of participants
// and opID, creating the clique on first use.
func (cache *CliqueCache) Acquire(participants []GlobalDeviceID, opID int64, rank int) (*Communicator, error) {
	if rank < 0 || rank >= len(participants) {
		return nil, meshrun.Errorf(codes.Internal, "rank %d out of range for %d participants", rank, len(participants))
	}
	key := NewCliqueKey(participants, opID)
	cache.mu.Lock()
	clique, ok := cache.cliques[key]
	if !ok {
		clique = newClique(key, participants)
		cache.cliques[key] = clique
	}
	cache.mu.Unlock()
	if clique.Size() != len(participants) {
		return nil, meshrun.Errorf(codes.Internal, "clique %q size mismatch: %d vs %d", key, clique.Size(), len(participants))
	}
	return clique.comms[rank], nil
}

// isFirstCall returns true exactly once per cache.
func (cache *CliqueCache) isFirstCall() bool {
	cache.firstCallMu.Lock()
	defer cache.firstCallMu.Unlock()
	if cache.firstCallDone {
		return false
	}
	cache.firstCallDone = true
	return true
}
