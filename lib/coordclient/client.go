// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package coordclient is the worker-side client for the coordination
// service: it joins the session with retry/backoff, keeps it alive
// from a background heartbeat goroutine, and exposes the barrier,
// key-value and topology operations to the rest of the worker.
package coordclient

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// Client is the worker-side view of one coordination session.
type Client interface {
	// Connect joins the session, blocking until all nodes have
	// arrived or the configured init timeout elapses. On success a
	// background goroutine starts sending heartbeats.
	Connect(ctx context.Context) error

	// EnumerateDevices submits this worker's device inventory and
	// returns the aggregated global topology.
	EnumerateDevices(ctx context.Context, local meshrun.LocalTopology) (*meshrun.GlobalTopology, error)

	// WaitAtBarrier blocks until all nodes reach the barrier.
	WaitAtBarrier(ctx context.Context, barrierID string, timeout time.Duration) error

	KeyValueGet(ctx context.Context, key string, timeout time.Duration) (string, error)
	KeyValueSet(ctx context.Context, key, value string) error
	KeyValueDelete(ctx context.Context, key string) error
	KeyValueDir(ctx context.Context, prefix string) (map[string]string, error)

	// Shutdown announces a clean exit, blocking until all nodes
	// have done the same, then stops the heartbeat goroutine.
	// Heartbeat failures after Shutdown has been called are
	// treated as benign.
	Shutdown(ctx context.Context) error

	// Close stops background activity without the shutdown
	// rendezvous. Harmless if already shut down.
	Close()

	// SessionID returns the id issued by Connect.
	SessionID() uint64
}

// Options configures a Client.
type Options struct {
	// Address of the coordination service ("host:port"). Ignored
	// by the standalone backend.
	Addr string

	NodeID int

	Config meshrun.Config

	Logger logrus.FieldLogger

	// MissedHeartbeatCallback is invoked (once) when heartbeats
	// have failed often enough to consider the session dead. If
	// nil, the failure is only logged.
	MissedHeartbeatCallback func(err error)
}

type clientState int

const (
	stateNotConnected clientState = iota
	stateConnected
	stateShuttingDown
	stateClosed
)

// transport is the wire behind a client: HTTP to a remote service, or
// direct calls into an in-process one.
type transport interface {
	connect(ctx context.Context, req meshrun.ConnectRequest) (*meshrun.ConnectResponse, error)
	enumerateDevices(ctx context.Context, req meshrun.EnumerateDevicesRequest) (*meshrun.EnumerateDevicesResponse, error)
	heartbeat(ctx context.Context, req meshrun.HeartbeatRequest) error
	shutdown(ctx context.Context, req meshrun.ShutdownRequest) error
	waitAtBarrier(ctx context.Context, req meshrun.WaitAtBarrierRequest) error
	keyValueGet(ctx context.Context, req meshrun.KeyValueGetRequest) (*meshrun.KeyValueGetResponse, error)
	keyValueSet(ctx context.Context, req meshrun.KeyValueSetRequest) error
	keyValueDelete(ctx context.Context, req meshrun.KeyValueDeleteRequest) error
	keyValueDir(ctx context.Context, req meshrun.KeyValueDirRequest) (*meshrun.KeyValueDirResponse, error)
}

type client struct {
	opts Options
	cfg  meshrun.Config
	tr   transport
	log  logrus.FieldLogger

	clientID uint64

	mu            sync.Mutex
	state         clientState
	sessionID     uint64
	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// New returns a Client that talks HTTP to the service at opts.Addr.
func New(opts Options) Client {
	return newClient(opts, &httpTransport{api: meshrun.NewClient(opts.Addr)})
}

func newClient(opts Options, tr transport) *client {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &client{
		opts:     opts,
		cfg:      opts.Config,
		tr:       tr,
		log:      log.WithField("nodeID", opts.NodeID),
		clientID: rand.Uint64(),
	}
}

// connectBackoff returns the delay before retry number attempt:
// an exponentially growing base (capped at 2^14 units) scaled by a
// uniform random multiplier, so a thundering herd of workers spreads
// out.
func connectBackoff(attempt int) time.Duration {
	const base = 10 * time.Millisecond
	exp := math.Pow(2, math.Min(float64(attempt), 14))
	return time.Duration(rand.Float64() * exp * float64(base))
}

func (c *client) Connect(ctx context.Context) error {
	if c.cfg.HeartbeatInterval.Duration() <= 0 {
		return meshrun.Errorf(codes.InvalidArgument, "invalid HeartbeatInterval %v", c.cfg.HeartbeatInterval)
	}
	c.mu.Lock()
	if c.state != stateNotConnected {
		c.mu.Unlock()
		return meshrun.Errorf(codes.FailedPrecondition, "already connected")
	}
	c.mu.Unlock()

	deadline := time.Now().Add(c.cfg.InitTimeout.Duration())
	req := meshrun.ConnectRequest{
		ProtocolVersion: meshrun.ProtocolVersion,
		NodeID:          c.opts.NodeID,
		ClientID:        c.clientID,
		Timeout:         c.cfg.RPCTimeout,
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr == nil {
				lastErr = meshrun.Errorf(codes.DeadlineExceeded, "connect timed out after %s", c.cfg.InitTimeout)
			}
			return lastErr
		}
		if rpcTimeout := c.cfg.RPCTimeout.Duration(); remaining > rpcTimeout {
			req.Timeout = c.cfg.RPCTimeout
		} else {
			req.Timeout = meshrun.Duration(remaining)
		}
		rctx, cancel := context.WithTimeout(ctx, req.Timeout.Duration()+c.cfg.RPCTimeout.Duration())
		resp, err := c.tr.connect(rctx, req)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.state = stateConnected
			c.sessionID = resp.SessionID
			c.heartbeatStop = make(chan struct{})
			c.heartbeatDone = make(chan struct{})
			go c.heartbeatLoop(c.heartbeatStop, c.heartbeatDone)
			c.mu.Unlock()
			c.log.WithField("sessionID", resp.SessionID).Info("connected to coordination service")
			return nil
		}
		if !meshrun.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		delay := connectBackoff(attempt)
		c.log.WithError(err).WithField("delay", delay).Debug("connect failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("connect: %w", ctx.Err())
		}
	}
}

// heartbeatLoop sends Heartbeat every HeartbeatInterval until stopped.
// MaxMissingHeartbeats consecutive retryable failures, or a single
// non-retryable one, mean the session is dead: report it unless we
// are already shutting down deliberately (then the server being gone
// is expected).
func (c *client) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval.Duration())
	defer ticker.Stop()
	req := meshrun.HeartbeatRequest{SessionID: c.SessionID(), NodeID: c.opts.NodeID}
	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout.Duration())
		err := c.tr.heartbeat(ctx, req)
		cancel()
		if err == nil {
			misses = 0
			continue
		}
		if meshrun.IsRetryable(err) {
			misses++
			c.log.WithError(err).WithField("misses", misses).Debug("heartbeat failed")
			if misses < c.cfg.MaxMissingHeartbeats {
				continue
			}
			err = meshrun.Errorf(codes.Aborted, "%d consecutive heartbeats failed, most recently: %s", misses, err)
		}
		c.mu.Lock()
		shuttingDown := c.state != stateConnected
		c.mu.Unlock()
		if shuttingDown {
			// The server may already be gone; not an error.
			c.log.WithError(err).Debug("heartbeat failed during shutdown")
			return
		}
		c.log.WithError(err).Error("coordination session lost")
		if cb := c.opts.MissedHeartbeatCallback; cb != nil {
			cb(err)
		}
		return
	}
}

func (c *client) stopHeartbeats() {
	c.mu.Lock()
	stop, done := c.heartbeatStop, c.heartbeatDone
	c.heartbeatStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (c *client) SessionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *client) checkConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return meshrun.Errorf(codes.FailedPrecondition, "not connected")
	}
	return nil
}

func (c *client) EnumerateDevices(ctx context.Context, local meshrun.LocalTopology) (*meshrun.GlobalTopology, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	local.NodeID = c.opts.NodeID
	if local.BootID == "" {
		local.BootID = meshrun.BootID()
	}
	rctx, cancel := c.rpcContext(ctx, c.cfg.EnumerateDevicesTimeout.Duration())
	defer cancel()
	resp, err := c.tr.enumerateDevices(rctx, meshrun.EnumerateDevicesRequest{
		SessionID:     c.SessionID(),
		LocalTopology: local,
	})
	if err != nil {
		return nil, err
	}
	return &resp.GlobalTopology, nil
}

func (c *client) WaitAtBarrier(ctx context.Context, barrierID string, timeout time.Duration) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = c.cfg.RPCTimeout.Duration()
	}
	rctx, cancel := c.rpcContext(ctx, timeout)
	defer cancel()
	return c.tr.waitAtBarrier(rctx, meshrun.WaitAtBarrierRequest{
		SessionID: c.SessionID(),
		BarrierID: barrierID,
		NodeID:    c.opts.NodeID,
		Timeout:   meshrun.Duration(timeout),
	})
}

func (c *client) KeyValueGet(ctx context.Context, key string, timeout time.Duration) (string, error) {
	if err := c.checkConnected(); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = c.cfg.RPCTimeout.Duration()
	}
	rctx, cancel := c.rpcContext(ctx, timeout)
	defer cancel()
	resp, err := c.tr.keyValueGet(rctx, meshrun.KeyValueGetRequest{
		SessionID: c.SessionID(),
		Key:       key,
		Timeout:   meshrun.Duration(timeout),
	})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (c *client) KeyValueSet(ctx context.Context, key, value string) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	rctx, cancel := c.rpcContext(ctx, 0)
	defer cancel()
	return c.tr.keyValueSet(rctx, meshrun.KeyValueSetRequest{SessionID: c.SessionID(), Key: key, Value: value})
}

func (c *client) KeyValueDelete(ctx context.Context, key string) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	rctx, cancel := c.rpcContext(ctx, 0)
	defer cancel()
	return c.tr.keyValueDelete(rctx, meshrun.KeyValueDeleteRequest{SessionID: c.SessionID(), Key: key})
}

func (c *client) KeyValueDir(ctx context.Context, prefix string) (map[string]string, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	rctx, cancel := c.rpcContext(ctx, 0)
	defer cancel()
	resp, err := c.tr.keyValueDir(rctx, meshrun.KeyValueDirRequest{SessionID: c.SessionID(), Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return meshrun.Errorf(codes.FailedPrecondition, "not connected")
	}
	c.state = stateShuttingDown
	c.mu.Unlock()

	rctx, cancel := c.rpcContext(ctx, c.cfg.ShutdownTimeout.Duration())
	err := c.tr.shutdown(rctx, meshrun.ShutdownRequest{SessionID: c.SessionID(), NodeID: c.opts.NodeID})
	cancel()
	c.stopHeartbeats()
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.log.Info("shutdown acknowledged")
	return nil
}

func (c *client) Close() {
	c.mu.Lock()
	if c.state == stateConnected {
		c.state = stateClosed
	}
	c.mu.Unlock()
	c.stopHeartbeats()
}

// rpcContext bounds an RPC by serverWait (how long the server may
// block on our behalf) plus the configured per-RPC overhead.
func (c *client) rpcContext(ctx context.Context, serverWait time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, serverWait+c.cfg.RPCTimeout.Duration())
}
