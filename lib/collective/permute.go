// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"google.golang.org/grpc/codes"
)

// SourceTargetPair routes data from one rank to another in a
// collective permute. Ranks are positions within the participating
// group, so a pair means the same devices on every caller.
type SourceTargetPair struct {
	Source int
	Target int
}

// NewCollectivePermuteThunk builds a thunk where each rank named as a
// source sends its buffer to the paired target. A rank that is no
// pair's target receives nothing and zero-fills its destination. A
// rank may appear as source in at most one pair and as target in at
// most one pair.
func NewCollectivePermuteThunk(info ThunkInfo, config Config, pairs []SourceTargetPair, buffers []Buffer, async bool) (*CollectiveThunk, error) {
	seenSource := map[int]bool{}
	seenTarget := map[int]bool{}
	for _, pair := range pairs {
		if pair.Source < 0 || pair.Target < 0 {
			return nil, meshrun.Errorf(codes.InvalidArgument, "%s: negative rank in pair %d->%d", info.OpName, pair.Source, pair.Target)
		}
		if seenSource[pair.Source] {
			return nil, meshrun.Errorf(codes.InvalidArgument, "%s: rank %d is the source of more than one pair", info.OpName, pair.Source)
		}
		if seenTarget[pair.Target] {
			return nil, meshrun.Errorf(codes.InvalidArgument, "%s: rank %d is the target of more than one pair", info.OpName, pair.Target)
		}
		seenSource[pair.Source] = true
		seenTarget[pair.Target] = true
	}
	op := permuteOp{pairs: append([]SourceTargetPair(nil), pairs...)}
	return newCollectiveThunk(info, config, buffers, op, async)
}

type permuteOp struct {
	pairs []SourceTargetPair
}

func (permuteOp) name() string { return "collective-permute" }

func (op permuteOp) run(comm *Communicator, buffers []Buffer) error {
	rank := comm.Rank()
	sendTo, recvFrom := -1, -1
	for _, pair := range op.pairs {
		if pair.Source >= comm.Size() || pair.Target >= comm.Size() {
			return meshrun.Errorf(codes.InvalidArgument, "collective-permute pair %d->%d out of range for group of %d", pair.Source, pair.Target, comm.Size())
		}
		if pair.Source == rank {
			sendTo = pair.Target
		}
		if pair.Target == rank {
			recvFrom = pair.Source
		}
	}
	for _, buf := range buffers {
		if sendTo == rank {
			// Self edge: the validation above guarantees no other
			// pair names this rank, so the permute degenerates to
			// a local copy. Mailboxes only span distinct ranks.
			copy(buf.Dst.Data()[:buf.Count], buf.Src.Data()[:buf.Count])
			continue
		}
		if sendTo >= 0 {
			comm.Send(sendTo, buf.Src.Data()[:buf.Count])
		}
		dst := buf.Dst.Data()[:buf.Count]
		if recvFrom >= 0 {
			copy(dst, comm.Recv(recvFrom))
		} else {
			// No inbound edge: the result is defined as zero.
			for i := range dst {
				dst[i] = 0
			}
		}
	}
	return nil
}
