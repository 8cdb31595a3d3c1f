// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"fmt"
)

// NewAllReduceThunk builds a thunk that element-wise reduces each
// buffer across the group and leaves the full result on every device.
func NewAllReduceThunk(info ThunkInfo, config Config, kind ReduceKind, buffers []Buffer, async bool) (*CollectiveThunk, error) {
	return newCollectiveThunk(info, config, buffers, allReduceOp{kind: kind}, async)
}

// NewReduceScatterThunk builds a thunk that reduces across the group
// and scatters the result so each rank keeps one equal shard. Each
// buffer's Count is the per-rank shard size; Src holds Count times
// the group size elements.
func NewReduceScatterThunk(info ThunkInfo, config Config, kind ReduceKind, buffers []Buffer, async bool) (*CollectiveThunk, error) {
	return newCollectiveThunk(info, config, buffers, reduceScatterOp{kind: kind}, async)
}

// NewAllGatherThunk builds a thunk that concatenates every rank's
// Count elements in rank order into each device's Dst.
func NewAllGatherThunk(info ThunkInfo, config Config, buffers []Buffer, async bool) (*CollectiveThunk, error) {
	return newCollectiveThunk(info, config, buffers, allGatherOp{}, async)
}

// NewBroadcastThunk builds a thunk that copies the root rank's Src
// to every device's Dst.
func NewBroadcastThunk(info ThunkInfo, config Config, root int, buffers []Buffer, async bool) (*CollectiveThunk, error) {
	if root < 0 {
		return nil, fmt.Errorf("%s: negative broadcast root %d", info.OpName, root)
	}
	return newCollectiveThunk(info, config, buffers, broadcastOp{root: root}, async)
}

// allReduceOp runs a two-phase ring: reduce-scatter, then allgather.
// After 2*(n-1) steps every rank holds the fully reduced result.
type allReduceOp struct {
	kind ReduceKind
}

func (op allReduceOp) name() string { return "all-reduce-" + op.kind.String() }

func (op allReduceOp) run(comm *Communicator, buffers []Buffer) error {
	for _, buf := range buffers {
		if err := ringAllReduce(comm, op.kind, buf); err != nil {
			return err
		}
	}
	return nil
}

func ringAllReduce(comm *Communicator, kind ReduceKind, buf Buffer) error {
	n := comm.Size()
	rank := comm.Rank()
	work := make([]float64, buf.Count)
	copy(work, buf.Src.Data()[:buf.Count])
	if n == 1 {
		copy(buf.Dst.Data()[:buf.Count], work)
		return nil
	}
	bounds := chunkBounds(buf.Count, n)
	next := (rank + 1) % n
	prev := (rank + n - 1) % n

	// Reduce-scatter phase: after step s, rank r holds the partial
	// reduction of chunk (r-s+n)%n over s+1 ranks. After n-1 steps
	// each rank owns one fully reduced chunk.
	for step := 0; step < n-1; step++ {
		sendChunk := (rank - step + n) % n
		recvChunk := (rank - step - 1 + n) % n
		lo, hi := bounds[sendChunk], bounds[sendChunk+1]
		comm.Send(next, work[lo:hi])
		in := comm.Recv(prev)
		lo, hi = bounds[recvChunk], bounds[recvChunk+1]
		for i := lo; i < hi; i++ {
			work[i] = kind.apply(work[i], in[i-lo])
		}
	}
	// Allgather phase: circulate the reduced chunks until every
	// rank has all of them.
	for step := 0; step < n-1; step++ {
		sendChunk := (rank + 1 - step + n) % n
		recvChunk := (rank - step + n) % n
		lo, hi := bounds[sendChunk], bounds[sendChunk+1]
		comm.Send(next, work[lo:hi])
		in := comm.Recv(prev)
		lo, hi = bounds[recvChunk], bounds[recvChunk+1]
		copy(work[lo:hi], in)
	}
	copy(buf.Dst.Data()[:buf.Count], work)
	return nil
}

// chunkBounds splits count elements into n contiguous chunks, the
// first count%n of them one element longer. bounds has n+1 entries.
func chunkBounds(count, n int) []int {
	bounds := make([]int, n+1)
	base, extra := count/n, count%n
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		bounds[i+1] = bounds[i] + size
	}
	return bounds
}

type reduceScatterOp struct {
	kind ReduceKind
}

func (op reduceScatterOp) name() string { return "reduce-scatter-" + op.kind.String() }

func (op reduceScatterOp) run(comm *Communicator, buffers []Buffer) error {
	n := comm.Size()
	rank := comm.Rank()
	for _, buf := range buffers {
		if buf.Src.Count() < buf.Count*n {
			return fmt.Errorf("reduce-scatter source holds %d elements, need %d", buf.Src.Count(), buf.Count*n)
		}
		// Every rank contributes its shard destined for every
		// other rank, then reduces what it received for its own.
		src := buf.Src.Data()
		for peer := 0; peer < n; peer++ {
			if peer == rank {
				continue
			}
			comm.Send(peer, src[peer*buf.Count:(peer+1)*buf.Count])
		}
		acc := buf.Dst.Data()[:buf.Count]
		copy(acc, src[rank*buf.Count:(rank+1)*buf.Count])
		for peer := 0; peer < n; peer++ {
			if peer == rank {
				continue
			}
			in := comm.Recv(peer)
			for i := range acc {
				acc[i] = op.kind.apply(acc[i], in[i])
			}
		}
	}
	return nil
}

type allGatherOp struct{}

func (allGatherOp) name() string { return "all-gather" }

func (allGatherOp) run(comm *Communicator, buffers []Buffer) error {
	n := comm.Size()
	rank := comm.Rank()
	for _, buf := range buffers {
		if buf.Dst.Count() < buf.Count*n {
			return fmt.Errorf("all-gather destination holds %d elements, need %d", buf.Dst.Count(), buf.Count*n)
		}
		shard := buf.Src.Data()[:buf.Count]
		for peer := 0; peer < n; peer++ {
			if peer == rank {
				continue
			}
			comm.Send(peer, shard)
		}
		dst := buf.Dst.Data()
		copy(dst[rank*buf.Count:(rank+1)*buf.Count], shard)
		for peer := 0; peer < n; peer++ {
			if peer == rank {
				continue
			}
			copy(dst[peer*buf.Count:(peer+1)*buf.Count], comm.Recv(peer))
		}
	}
	return nil
}

type broadcastOp struct {
	root int
}

func (broadcastOp) name() string { return "broadcast" }

func (op broadcastOp) run(comm *Communicator, buffers []Buffer) error {
	n := comm.Size()
	if op.root >= n {
		return fmt.Errorf("broadcast root %d out of range for group of %d", op.root, n)
	}
	rank := comm.Rank()
	for _, buf := range buffers {
		if rank == op.root {
			data := buf.Src.Data()[:buf.Count]
			for peer := 0; peer < n; peer++ {
				if peer == rank {
					continue
				}
				comm.Send(peer, data)
			}
			copy(buf.Dst.Data()[:buf.Count], data)
		} else {
			copy(buf.Dst.Data()[:buf.Count], comm.Recv(op.root))
		}
	}
	return nil
}
