// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package coordinator implements the control plane for a multi-node
// accelerator job: N worker processes connect, exchange device
// topologies, coordinate through named barriers and a key-value store,
// and are monitored via heartbeats until they shut down together.
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/meshrun/meshrun/sdk/go/ctxlog"
	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"github.com/meshrun/meshrun/sdk/go/rendezvous"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

type sessionState int

const (
	stateInitializing sessionState = iota
	stateRunning
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateInitializing:
		return "initializing"
	case stateRunning:
		return "running"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("invalid(%d)", int(st))
	}
}

// nodeState is one worker's slot. clientID is an opaque token chosen
// by the client process; a restarted worker shows up with a new one.
type nodeState struct {
	present       bool
	clientID      uint64
	lastHeartbeat time.Time
}

// Service is the in-process control plane for one session. It is
// driven either by the HTTP router (see router.go) or directly, by the
// standalone client backend.
type Service struct {
	cfg    meshrun.Config
	logger logrus.FieldLogger

	mu   sync.Mutex
	cond *sync.Cond // broadcast on any change to state/slots/topology
	// state only ever moves forward:
	// initializing -> running -> closed.
	state sessionState
	// non-nil once the session has been aborted; recorded at the
	// moment of failure and returned verbatim by every subsequent
	// RPC in preference to a generic "not running" error.
	serviceStatus error
	sessionID     uint64
	nodes         []nodeState
	numPresent    int

	topologies     []*meshrun.LocalTopology
	numTopologies  int
	globalTopology *meshrun.GlobalTopology

	barriers        map[string]*rendezvous.Barrier
	shutdownBarrier *rendezvous.Barrier

	kv *KVStore

	watchdogStop chan struct{}
	watchdogDone chan struct{}
	stopOnce     sync.Once

	mNodesPresent prometheus.Gauge
	mState        prometheus.Gauge
	mHeartbeats   prometheus.Counter
	mBarriersOpen prometheus.Gauge
}

// New returns a Service expecting cfg.NumNodes workers, and starts its
// heartbeat watchdog. The caller should eventually call Close.
func New(ctx context.Context, cfg meshrun.Config, reg *prometheus.Registry) (*Service, error) {
	if cfg.NumNodes < 1 {
		return nil, fmt.Errorf("invalid NumNodes %d", cfg.NumNodes)
	}
	if cfg.HeartbeatInterval.Duration() <= 0 {
		return nil, fmt.Errorf("invalid HeartbeatInterval %v", cfg.HeartbeatInterval)
	}
	svc := &Service{
		cfg:             cfg,
		logger:          ctxlog.FromContext(ctx),
		sessionID:       rand.Uint64(),
		nodes:           make([]nodeState, cfg.NumNodes),
		topologies:      make([]*meshrun.LocalTopology, cfg.NumNodes),
		barriers:        map[string]*rendezvous.Barrier{},
		shutdownBarrier: rendezvous.New(cfg.NumNodes),
		kv:              NewKVStore(),
		watchdogStop:    make(chan struct{}),
		watchdogDone:    make(chan struct{}),
	}
	svc.cond = sync.NewCond(&svc.mu)
	svc.registerMetrics(reg)
	go svc.watchdog()
	return svc, nil
}

func (svc *Service) registerMetrics(reg *prometheus.Registry) {
	svc.mNodesPresent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshrun", Subsystem: "coordinator",
		Name: "nodes_present",
		Help: "Number of nodes currently holding a slot.",
	})
	svc.mState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshrun", Subsystem: "coordinator",
		Name: "session_state",
		Help: "Session state: 0 initializing, 1 running, 2 closed.",
	})
	svc.mHeartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshrun", Subsystem: "coordinator",
		Name: "heartbeats_total",
		Help: "Number of heartbeats received.",
	})
	svc.mBarriersOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshrun", Subsystem: "coordinator",
		Name: "barriers_open",
		Help: "Number of barriers with at least one waiter that have not completed.",
	})
	if reg != nil {
		reg.MustRegister(svc.mNodesPresent, svc.mState, svc.mHeartbeats, svc.mBarriersOpen)
	}
}

// Close aborts the session if it is still live and stops the
// watchdog. Used by tests and by daemon teardown; a normal run ends
// via Shutdown instead.
func (svc *Service) Close() {
	svc.mu.Lock()
	if svc.state != stateClosed {
		svc.abortLocked(meshrun.Errorf(codes.Aborted, "coordination service shutting down"))
	}
	svc.mu.Unlock()
	svc.stopWatchdog()
}

func (svc *Service) stopWatchdog() {
	svc.stopOnce.Do(func() { close(svc.watchdogStop) })
	<-svc.watchdogDone
}

// wait blocks on svc.cond until ok() is true or the deadline passes.
// Returns false on deadline. Caller must hold svc.mu; ok is evaluated
// with svc.mu held.
func (svc *Service) wait(deadline time.Time, ok func() bool) bool {
	timer := time.AfterFunc(time.Until(deadline), svc.cond.Broadcast)
	defer timer.Stop()
	for !ok() {
		if !time.Now().Before(deadline) {
			return false
		}
		svc.cond.Wait()
	}
	return true
}

// sessionError returns the error appropriate for an RPC arriving while
// the session is not in wantState: the recorded failure if the session
// was aborted, otherwise a generic state mismatch. Caller must hold
// svc.mu. Returns nil if the state matches.
func (svc *Service) sessionError(wantState sessionState) error {
	if svc.state == wantState {
		return nil
	}
	if svc.serviceStatus != nil {
		return svc.serviceStatus
	}
	return meshrun.Errorf(codes.FailedPrecondition, "session is %s", svc.state)
}

func (svc *Service) checkSession(sessionID uint64) error {
	if sessionID != svc.sessionID {
		return meshrun.Errorf(codes.InvalidArgument, "invalid session id %d", sessionID)
	}
	return nil
}

// abortLocked records err as the terminal session status and wakes
// every blocked RPC. Caller must hold svc.mu.
func (svc *Service) abortLocked(err error) {
	if svc.state == stateClosed {
		return
	}
	svc.state = stateClosed
	svc.serviceStatus = err
	svc.mState.Set(float64(svc.state))
	for _, b := range svc.barriers {
		b.Poison(err)
	}
	svc.shutdownBarrier.Poison(err)
	svc.kv.Fail(err)
	svc.cond.Broadcast()
}

// Connect handles a worker's initial RPC. It blocks until all
// cfg.NumNodes workers have a slot, then returns the session id.
// Re-sending the same (node id, client id) pair is an idempotent
// retry; a different client id for a slot that is still provisional
// displaces the previous holder (best-effort worker-restart recovery),
// whose own Connect then fails with Aborted.
func (svc *Service) Connect(ctx context.Context, req meshrun.ConnectRequest) (*meshrun.ConnectResponse, error) {
	if req.ProtocolVersion != meshrun.ProtocolVersion {
		return nil, meshrun.Errorf(codes.InvalidArgument, "protocol version mismatch: want %d, got %d", meshrun.ProtocolVersion, req.ProtocolVersion)
	}
	if req.NodeID < 0 || req.NodeID >= svc.cfg.NumNodes {
		return nil, meshrun.Errorf(codes.InvalidArgument, "invalid node id %d (session has %d nodes)", req.NodeID, svc.cfg.NumNodes)
	}
	timeout := req.Timeout.Duration()
	if timeout <= 0 {
		timeout = svc.cfg.RPCTimeout.Duration()
	}
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"nodeID":   req.NodeID,
		"clientID": req.ClientID,
	})

	svc.mu.Lock()
	defer svc.mu.Unlock()
	slot := &svc.nodes[req.NodeID]
	if svc.state != stateInitializing {
		if svc.state == stateRunning && slot.present && slot.clientID == req.ClientID {
			// Idempotent retry of a Connect that already
			// succeeded (e.g. the response was lost).
			return &meshrun.ConnectResponse{SessionID: svc.sessionID}, nil
		}
		return nil, svc.sessionError(stateInitializing)
	}
	now := time.Now()
	switch {
	case !slot.present:
		slot.present = true
		slot.clientID = req.ClientID
		slot.lastHeartbeat = now
		svc.numPresent++
		svc.mNodesPresent.Set(float64(svc.numPresent))
		svc.cond.Broadcast()
		logger.Info("node connected")
	case slot.clientID == req.ClientID:
		// Retry of an in-flight Connect; refresh liveness.
		slot.lastHeartbeat = now
	default:
		// The slot is provisionally held by another client id.
		// Most recent client wins; the displaced client's
		// blocked Connect observes the change and aborts.
		logger.WithField("previousClientID", slot.clientID).Warn("node reconnected with new client id; displacing previous client")
		slot.clientID = req.ClientID
		slot.lastHeartbeat = now
		svc.cond.Broadcast()
	}

	if svc.numPresent == svc.cfg.NumNodes {
		svc.startRunningLocked()
		return &meshrun.ConnectResponse{SessionID: svc.sessionID}, nil
	}
	ok := svc.wait(now.Add(timeout), func() bool {
		return svc.numPresent == svc.cfg.NumNodes || svc.state != stateInitializing || slot.clientID != req.ClientID
	})
	if slot.clientID != req.ClientID {
		return nil, meshrun.Errorf(codes.Aborted, "duplicate node id %d: displaced by client %d", req.NodeID, slot.clientID)
	}
	if svc.state == stateClosed {
		return nil, svc.sessionError(stateInitializing)
	}
	if !ok {
		// Timed out; release the provisional slot so a retry
		// (or a different worker) can claim it.
		if svc.state == stateInitializing && slot.present {
			slot.present = false
			svc.numPresent--
			svc.mNodesPresent.Set(float64(svc.numPresent))
			svc.cond.Broadcast()
		}
		return nil, meshrun.Errorf(codes.DeadlineExceeded, "connect barrier timed out with %d/%d nodes present", svc.numPresent, svc.cfg.NumNodes)
	}
	if svc.state == stateInitializing {
		svc.startRunningLocked()
	}
	return &meshrun.ConnectResponse{SessionID: svc.sessionID}, nil
}

// startRunningLocked transitions initializing -> running exactly once.
// Caller must hold svc.mu and have checked state == stateInitializing.
func (svc *Service) startRunningLocked() {
	svc.state = stateRunning
	svc.mState.Set(float64(svc.state))
	svc.cond.Broadcast()
	svc.logger.WithFields(logrus.Fields{
		"sessionID": svc.sessionID,
		"numNodes":  svc.cfg.NumNodes,
	}).Info("all nodes connected, session running")
}

// Heartbeat records that a node is still alive.
func (svc *Service) Heartbeat(ctx context.Context, req meshrun.HeartbeatRequest) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if err := svc.checkSession(req.SessionID); err != nil {
		return err
	}
	if req.NodeID < 0 || req.NodeID >= svc.cfg.NumNodes {
		return meshrun.Errorf(codes.InvalidArgument, "invalid node id %d", req.NodeID)
	}
	if err := svc.sessionError(stateRunning); err != nil {
		return err
	}
	svc.nodes[req.NodeID].lastHeartbeat = time.Now()
	svc.mHeartbeats.Inc()
	return nil
}

// Shutdown blocks until all nodes have called it, then closes the
// session cleanly.
func (svc *Service) Shutdown(ctx context.Context, req meshrun.ShutdownRequest) error {
	svc.mu.Lock()
	if err := svc.checkSession(req.SessionID); err != nil {
		svc.mu.Unlock()
		return err
	}
	if req.NodeID < 0 || req.NodeID >= svc.cfg.NumNodes {
		svc.mu.Unlock()
		return meshrun.Errorf(codes.InvalidArgument, "invalid node id %d", req.NodeID)
	}
	if err := svc.sessionError(stateRunning); err != nil {
		svc.mu.Unlock()
		return err
	}
	barrier := svc.shutdownBarrier
	svc.mu.Unlock()

	err := barrier.Arrive(svc.cfg.ShutdownTimeout.Duration(),
		meshrun.Errorf(codes.DeadlineExceeded, "shutdown barrier timed out"),
		meshrun.Errorf(codes.FailedPrecondition, "shutdown barrier already completed"))
	if err != nil {
		return err
	}
	svc.mu.Lock()
	if svc.state != stateClosed {
		svc.state = stateClosed
		svc.mState.Set(float64(svc.state))
		svc.cond.Broadcast()
		svc.logger.WithField("sessionID", svc.sessionID).Info("all nodes called shutdown, session closed")
	}
	svc.mu.Unlock()
	// The session is over; no more heartbeats are expected.
	svc.stopWatchdog()
	return nil
}

// WaitAtBarrier blocks until all nodes have arrived at the barrier
// named req.BarrierID, or fails the barrier for everyone if any
// waiter's timeout expires first. Barrier ids are single-use.
func (svc *Service) WaitAtBarrier(ctx context.Context, req meshrun.WaitAtBarrierRequest) error {
	svc.mu.Lock()
	if err := svc.checkSession(req.SessionID); err != nil {
		svc.mu.Unlock()
		return err
	}
	if req.NodeID < 0 || req.NodeID >= svc.cfg.NumNodes {
		svc.mu.Unlock()
		return meshrun.Errorf(codes.InvalidArgument, "invalid node id %d", req.NodeID)
	}
	if err := svc.sessionError(stateRunning); err != nil {
		svc.mu.Unlock()
		return err
	}
	barrier, ok := svc.barriers[req.BarrierID]
	if !ok {
		barrier = rendezvous.New(svc.cfg.NumNodes)
		svc.barriers[req.BarrierID] = barrier
		svc.mBarriersOpen.Inc()
	}
	svc.mu.Unlock()

	timeout := req.Timeout.Duration()
	if timeout <= 0 {
		timeout = svc.cfg.RPCTimeout.Duration()
	}
	err := barrier.Arrive(timeout,
		meshrun.Errorf(codes.DeadlineExceeded, "barrier %q timed out", req.BarrierID),
		meshrun.Errorf(codes.FailedPrecondition, "barrier %q already used", req.BarrierID))
	if err == nil || meshrun.ErrorCode(err) == codes.DeadlineExceeded {
		svc.mBarriersOpen.Dec()
	}
	return err
}

// watchdog aborts the session when any node has been silent for
// MaxMissingHeartbeats consecutive intervals.
func (svc *Service) watchdog() {
	defer close(svc.watchdogDone)
	interval := svc.cfg.HeartbeatInterval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.Duration(svc.cfg.MaxMissingHeartbeats) * interval
	for {
		select {
		case <-svc.watchdogStop:
			return
		case <-ticker.C:
		}
		svc.mu.Lock()
		if svc.state != stateRunning {
			svc.mu.Unlock()
			continue
		}
		now := time.Now()
		for id, node := range svc.nodes {
			if !node.present || now.Sub(node.lastHeartbeat) <= deadline {
				continue
			}
			err := meshrun.Errorf(codes.Aborted, "node %d missed %d heartbeats (last heartbeat %v ago)", id, svc.cfg.MaxMissingHeartbeats, now.Sub(node.lastHeartbeat).Round(time.Millisecond))
			svc.logger.WithField("nodeID", id).Error(err.Error())
			svc.abortLocked(err)
			break
		}
		svc.mu.Unlock()
	}
}

// Status returns an operator-facing snapshot.
func (svc *Service) Status() meshrun.StatusResponse {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	resp := meshrun.StatusResponse{
		State:        svc.state.String(),
		SessionID:    svc.sessionID,
		NumNodes:     svc.cfg.NumNodes,
		NodesPresent: svc.numPresent,
	}
	if svc.serviceStatus != nil {
		resp.Error = svc.serviceStatus.Error()
	}
	return resp
}
