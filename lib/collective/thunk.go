// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"github.com/dustin/go-humanize"
	"github.com/meshrun/meshrun/lib/stream"
	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// ThunkInfo identifies a thunk in logs and errors.
type ThunkInfo struct {
	OpName string
	OpID   int64
}

// ExecuteParams carries the per-device execution environment into a
// thunk. Everything here is owned by the caller; thunks only borrow.
type ExecuteParams struct {
	// Stream is the device's compute stream.
	Stream *stream.Stream

	// AsyncStream is the device's dedicated collective
	// communication stream, used by start/done thunk pairs.
	AsyncStream *stream.Stream

	// GlobalDeviceID of the executing device.
	GlobalDeviceID GlobalDeviceID

	DeviceAssignment *DeviceAssignment

	// Cliques is the process-wide communicator registry,
	// constructed at startup and passed down explicitly.
	Cliques *CliqueCache

	Logger logrus.FieldLogger
}

func (params *ExecuteParams) logger() logrus.FieldLogger {
	if params.Logger != nil {
		return params.Logger
	}
	return logrus.StandardLogger()
}

// Thunk is one unit of compiled executable work. All thunk kinds
// share this single contract.
type Thunk interface {
	ExecuteOnStream(params ExecuteParams) error
}

// Buffer describes one source/destination pair of a collective op.
// Count is in elements; Src and Dst are device memory slices.
type Buffer struct {
	Src   *stream.Buffer
	Dst   *stream.Buffer
	Count int
}

// collectiveOp is the behavior of one collective kind, run on the
// executing device's stream goroutine.
type collectiveOp interface {
	name() string
	// run exchanges data through comm and writes results to the
	// buffers. It is called once per invocation per device.
	run(comm *Communicator, buffers []Buffer) error
}

// CollectiveThunk executes one collective operation on each
// participating device. A thunk constructed with async=true is the
// "start" half of a pair: it runs the collective on the async stream
// and parks a completion event for its DoneThunk.
type CollectiveThunk struct {
	info    ThunkInfo
	config  Config
	buffers []Buffer
	op      collectiveOp
	async   *AsyncExecutor
}

func newCollectiveThunk(info ThunkInfo, config Config, buffers []Buffer, op collectiveOp, async bool) (*CollectiveThunk, error) {
	for i, buf := range buffers {
		if buf.Src == nil || buf.Dst == nil {
			return nil, meshrun.Errorf(codes.InvalidArgument, "%s: buffer %d is missing a source or destination", info.OpName, i)
		}
		if buf.Count < 0 || buf.Count > buf.Src.Count() || buf.Count > buf.Dst.Count() {
			return nil, meshrun.Errorf(codes.InvalidArgument, "%s: buffer %d element count %d exceeds allocation (src %d, dst %d)", info.OpName, i, buf.Count, buf.Src.Count(), buf.Dst.Count())
		}
	}
	t := &CollectiveThunk{
		info:    info,
		config:  config,
		buffers: append([]Buffer(nil), buffers...),
		op:      op,
	}
	if async {
		t.async = NewAsyncExecutor()
	}
	return t, nil
}

// IsAsync reports whether this is the start half of a start/done pair.
func (t *CollectiveThunk) IsAsync() bool { return t.async != nil }

// AsyncExecutor returns the executor a paired DoneThunk must consume
// from. Panics on sync thunks (pairing is a construction-time
// decision, not a runtime condition).
func (t *CollectiveThunk) AsyncExecutor() *AsyncExecutor {
	if t.async == nil {
		panic("AsyncExecutor called on a synchronous collective thunk")
	}
	return t.async
}

// ExecuteOnStream implements Thunk.
func (t *CollectiveThunk) ExecuteOnStream(params ExecuteParams) error {
	da := params.DeviceAssignment
	if da == nil {
		return meshrun.Errorf(codes.InvalidArgument, "%s: no device assignment", t.info.OpName)
	}
	if err := t.checkPresetCliqueID(da); err != nil {
		return err
	}
	if t.config.IsDegenerate(da.ReplicaCount(), da.PartitionCount()) {
		// Nobody to talk to: reduce to a same-device copy,
		// skipping communicator acquisition entirely.
		return copyBuffers(params.Stream, t.buffers)
	}
	participants, err := ParticipatingDevices(params.GlobalDeviceID, da, t.config.ReplicaGroups, t.config.GroupMode)
	if err != nil {
		return err
	}
	rank, err := Rank(params.GlobalDeviceID, participants)
	if err != nil {
		return err
	}
	comm, err := params.Cliques.Acquire(participants, t.config.OpID, rank)
	if err != nil {
		return err
	}
	var bytes int64
	for _, buf := range t.buffers {
		bytes += int64(buf.Count) * 8
	}
	params.logger().WithFields(logrus.Fields{
		"op":     t.op.name(),
		"opID":   t.config.OpID,
		"rank":   rank,
		"nranks": len(participants),
		"size":   humanize.IBytes(uint64(bytes)),
	}).Debug("running collective")

	if t.async == nil {
		t.enqueueCollective(params.Stream, comm)
	} else {
		// Start half: run on the dedicated communication stream
		// after everything already enqueued on the compute
		// stream, and park the completion event for the done
		// half.
		params.AsyncStream.WaitForStream(params.Stream)
		t.enqueueCollective(params.AsyncStream, comm)
		ev := params.AsyncStream.RecordEvent()
		if err := t.async.Push(params.Stream.Device().Ordinal, ev); err != nil {
			return err
		}
	}

	if params.Cliques.isFirstCall() {
		// The first collective in a process blocks the host
		// until the device has drained: all participants must
		// finish communicator setup before any of them is
		// allowed to enqueue more work, or allocation can
		// deadlock across devices.
		s := params.Stream
		if t.async != nil {
			s = params.AsyncStream
		}
		if err := s.BlockHostUntilDone(); err != nil {
			return meshrun.Errorf(codes.Internal, "%s: first-call synchronization: %s", t.info.OpName, err)
		}
	}
	return nil
}

func (t *CollectiveThunk) enqueueCollective(s *stream.Stream, comm *Communicator) {
	op, buffers, info := t.op, t.buffers, t.info
	s.Enqueue(func() error {
		comm.lock()
		defer comm.unlock()
		if err := op.run(comm, buffers); err != nil {
			return meshrun.Errorf(codes.Internal, "%s: %s", info.OpName, err)
		}
		return nil
	})
}

// checkPresetCliqueID rejects an externally-fixed communicator id
// combined with partial replica groups before any device work begins.
func (t *CollectiveThunk) checkPresetCliqueID(da *DeviceAssignment) error {
	if t.config.PresetCliqueID == 0 || len(t.config.ReplicaGroups) == 0 {
		return nil
	}
	total := da.ReplicaCount() * da.PartitionCount()
	covered := 0
	for _, group := range t.config.ReplicaGroups {
		covered += len(group)
	}
	if len(t.config.ReplicaGroups) > 1 || covered != total {
		return meshrun.Errorf(codes.InvalidArgument, "%s: a preset communicator id cannot be combined with partial replica groups", t.info.OpName)
	}
	return nil
}

// DoneThunk is the completion half of an asynchronous collective. It
// makes the compute stream wait for the event its start half parked.
type DoneThunk struct {
	info  ThunkInfo
	async *AsyncExecutor
}

// NewDoneThunk pairs with the start thunk owning async.
func NewDoneThunk(info ThunkInfo, async *AsyncExecutor) *DoneThunk {
	return &DoneThunk{info: info, async: async}
}

func (t *DoneThunk) ExecuteOnStream(params ExecuteParams) error {
	ev, err := t.async.Pop(params.Stream.Device().Ordinal)
	if err != nil {
		return err
	}
	params.Stream.WaitFor(ev)
	return nil
}

// CopyThunk copies Src to Dst on the compute stream. It is also the
// execution path of degenerate collectives.
type CopyThunk struct {
	info   ThunkInfo
	buffer Buffer
}

func NewCopyThunk(info ThunkInfo, buffer Buffer) *CopyThunk {
	return &CopyThunk{info: info, buffer: buffer}
}

func (t *CopyThunk) ExecuteOnStream(params ExecuteParams) error {
	return copyBuffers(params.Stream, []Buffer{t.buffer})
}

func copyBuffers(s *stream.Stream, buffers []Buffer) error {
	for _, buf := range buffers {
		buf := buf
		s.Enqueue(func() error {
			copy(buf.Dst.Data()[:buf.Count], buf.Src.Data()[:buf.Count])
			return nil
		})
	}
	return nil
}
