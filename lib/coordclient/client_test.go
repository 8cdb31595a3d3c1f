// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meshrun/meshrun/lib/coordinator"
	"github.com/meshrun/meshrun/lib/service"
	"github.com/meshrun/meshrun/sdk/go/ctxlog"
	"github.com/meshrun/meshrun/sdk/go/httpserver"
	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

// The same suite runs against both backends: JSON-over-HTTP to a real
// listener, and direct in-process calls (standalone mode).
var _ = check.Suite(&ClientSuite{})
var _ = check.Suite(&ClientSuite{standalone: true})

type ClientSuite struct {
	standalone bool

	ctx     context.Context
	cfg     meshrun.Config
	svc     *coordinator.Service // standalone backend
	handler service.Handler      // HTTP backend
	srv     *httpserver.Server   // HTTP backend
	clients []Client
}

func (s *ClientSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cfg = meshrun.DefaultConfig()
	s.cfg.NumNodes = 2
	s.cfg.HeartbeatInterval = meshrun.Duration(25 * time.Millisecond)
	s.cfg.InitTimeout = meshrun.Duration(5 * time.Second)
	s.cfg.ShutdownTimeout = meshrun.Duration(5 * time.Second)
	s.cfg.EnumerateDevicesTimeout = meshrun.Duration(5 * time.Second)
	s.cfg.RPCTimeout = meshrun.Duration(5 * time.Second)
	s.clients = nil
	if s.standalone {
		var err error
		s.svc, err = coordinator.New(s.ctx, s.cfg, prometheus.NewRegistry())
		c.Assert(err, check.IsNil)
		return
	}
	handler, err := coordinator.NewHandler(s.ctx, s.cfg, prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	s.handler = handler
	s.srv = &httpserver.Server{Addr: ":0"}
	s.srv.Handler = handler
	c.Assert(s.srv.Start(), check.IsNil)
}

func (s *ClientSuite) TearDownTest(c *check.C) {
	for _, cl := range s.clients {
		cl.Close()
	}
	if s.svc != nil {
		s.svc.Close()
		s.svc = nil
	}
	if s.srv != nil {
		c.Check(s.srv.Close(), check.IsNil)
		s.srv = nil
	}
	if s.handler != nil {
		if stopper, ok := s.handler.(interface{ Stop() }); ok {
			stopper.Stop()
		}
		s.handler = nil
	}
}

func (s *ClientSuite) newClient(c *check.C, nodeID int, cb func(error)) Client {
	opts := Options{
		NodeID:                  nodeID,
		Config:                  s.cfg,
		Logger:                  ctxlog.TestLogger(c),
		MissedHeartbeatCallback: cb,
	}
	var cl Client
	if s.standalone {
		cl = NewStandalone(s.svc, opts)
	} else {
		opts.Addr = s.srv.Addr
		cl = New(opts)
	}
	s.clients = append(s.clients, cl)
	return cl
}

// abortService kills the session from the server side.
func (s *ClientSuite) abortService(c *check.C) {
	if s.standalone {
		s.svc.Close()
		return
	}
	stopper, ok := s.handler.(interface{ Stop() })
	c.Assert(ok, check.Equals, true)
	stopper.Stop()
}

func (s *ClientSuite) connectAll(c *check.C, clients ...Client) {
	errs := make([]error, len(clients))
	var wg sync.WaitGroup
	for i, cl := range clients {
		wg.Add(1)
		go func(i int, cl Client) {
			defer wg.Done()
			errs[i] = cl.Connect(s.ctx)
		}(i, cl)
	}
	wg.Wait()
	for i, err := range errs {
		c.Assert(err, check.IsNil, check.Commentf("client %d", i))
	}
}

func (s *ClientSuite) TestSessionLifecycle(c *check.C) {
	cl0 := s.newClient(c, 0, nil)
	cl1 := s.newClient(c, 1, nil)
	s.connectAll(c, cl0, cl1)
	c.Check(cl0.SessionID(), check.Not(check.Equals), uint64(0))
	c.Check(cl1.SessionID(), check.Equals, cl0.SessionID())

	// Connecting twice is an error.
	err := cl0.Connect(s.ctx)
	c.Check(meshrun.ErrorCode(err), check.Equals, codes.FailedPrecondition)

	topos := make([]*meshrun.GlobalTopology, 2)
	var wg sync.WaitGroup
	for i, cl := range []Client{cl0, cl1} {
		wg.Add(1)
		go func(i int, cl Client) {
			defer wg.Done()
			var err error
			topos[i], err = cl.EnumerateDevices(s.ctx, meshrun.LocalTopology{
				BootID:  fmt.Sprintf("boot-%d", i),
				Devices: []meshrun.Device{{Name: "dev0", LocalDeviceID: 0}},
			})
			c.Check(err, check.IsNil, check.Commentf("client %d", i))
		}(i, cl)
	}
	wg.Wait()
	c.Assert(topos[0].Devices(), check.HasLen, 2)
	c.Check(topos[0].Devices()[0].GlobalDeviceID, check.Equals, int64(0))
	c.Check(topos[0].Devices()[1].GlobalDeviceID, check.Equals, int64(1))
	c.Check(topos[1], check.DeepEquals, topos[0])

	// One worker publishes, the other blocks until the value shows
	// up.
	got := make(chan string, 1)
	go func() {
		value, err := cl1.KeyValueGet(s.ctx, "addr/0", 5*time.Second)
		c.Check(err, check.IsNil)
		got <- value
	}()
	c.Assert(cl0.KeyValueSet(s.ctx, "addr/0", "10.0.0.1:7777"), check.IsNil)
	select {
	case value := <-got:
		c.Check(value, check.Equals, "10.0.0.1:7777")
	case <-time.After(5 * time.Second):
		c.Fatal("blocked KeyValueGet never returned")
	}

	entries, err := cl1.KeyValueDir(s.ctx, "addr/")
	c.Assert(err, check.IsNil)
	c.Check(entries, check.DeepEquals, map[string]string{"addr/0": "10.0.0.1:7777"})
	c.Assert(cl0.KeyValueDelete(s.ctx, "addr/0"), check.IsNil)
	_, err = cl1.KeyValueGet(s.ctx, "addr/0", 50*time.Millisecond)
	c.Check(meshrun.ErrorCode(err), check.Equals, codes.DeadlineExceeded)

	for i, cl := range []Client{cl0, cl1} {
		wg.Add(1)
		go func(i int, cl Client) {
			defer wg.Done()
			c.Check(cl.WaitAtBarrier(s.ctx, "epoch-0", 5*time.Second), check.IsNil, check.Commentf("client %d", i))
		}(i, cl)
	}
	wg.Wait()

	for i, cl := range []Client{cl0, cl1} {
		wg.Add(1)
		go func(i int, cl Client) {
			defer wg.Done()
			c.Check(cl.Shutdown(s.ctx), check.IsNil, check.Commentf("client %d", i))
		}(i, cl)
	}
	wg.Wait()

	// The session is over; further operations are local errors.
	err = cl0.WaitAtBarrier(s.ctx, "epoch-1", time.Second)
	c.Check(meshrun.ErrorCode(err), check.Equals, codes.FailedPrecondition)
}

func (s *ClientSuite) TestRPCBeforeConnect(c *check.C) {
	cl := s.newClient(c, 0, nil)
	err := cl.KeyValueSet(s.ctx, "key", "value")
	c.Check(meshrun.ErrorCode(err), check.Equals, codes.FailedPrecondition)
	_, err = cl.EnumerateDevices(s.ctx, meshrun.LocalTopology{})
	c.Check(meshrun.ErrorCode(err), check.Equals, codes.FailedPrecondition)
}

func (s *ClientSuite) TestDuplicateNodeDisplacement(c *check.C) {
	loser := s.newClient(c, 0, nil)
	loserErr := make(chan error, 1)
	go func() { loserErr <- loser.Connect(s.ctx) }()
	// Wait for the first client to hold the provisional slot before
	// starting its replacement.
	deadline := time.Now().Add(5 * time.Second)
	for s.serviceStatus().NodesPresent == 0 {
		if !time.Now().Before(deadline) {
			c.Fatal("first client never claimed its slot")
		}
		time.Sleep(time.Millisecond)
	}

	winner := s.newClient(c, 0, nil)
	other := s.newClient(c, 1, nil)
	s.connectAll(c, winner, other)
	select {
	case err := <-loserErr:
		c.Check(meshrun.ErrorCode(err), check.Equals, codes.Aborted)
	case <-time.After(5 * time.Second):
		c.Fatal("displaced client still blocked")
	}
	c.Check(winner.SessionID(), check.Equals, other.SessionID())
}

func (s *ClientSuite) serviceStatus() meshrun.StatusResponse {
	if s.standalone {
		return s.svc.Status()
	}
	return s.handler.(interface{ Status() meshrun.StatusResponse }).Status()
}

func (s *ClientSuite) TestMissedHeartbeatCallback(c *check.C) {
	failed := make(chan error, 2)
	cl0 := s.newClient(c, 0, func(err error) { failed <- err })
	cl1 := s.newClient(c, 1, func(err error) { failed <- err })
	s.connectAll(c, cl0, cl1)

	s.abortService(c)
	select {
	case err := <-failed:
		c.Check(meshrun.ErrorCode(err), check.Equals, codes.Aborted)
	case <-time.After(5 * time.Second):
		c.Fatal("missed-heartbeat callback never fired")
	}
}

func (s *ClientSuite) TestShutdownSilencesHeartbeatFailures(c *check.C) {
	failed := make(chan error, 2)
	cb := func(err error) { failed <- err }
	cl0 := s.newClient(c, 0, cb)
	cl1 := s.newClient(c, 1, cb)
	s.connectAll(c, cl0, cl1)

	var wg sync.WaitGroup
	for _, cl := range []Client{cl0, cl1} {
		wg.Add(1)
		go func(cl Client) {
			defer wg.Done()
			c.Check(cl.Shutdown(s.ctx), check.IsNil)
		}(cl)
	}
	wg.Wait()
	// Heartbeats failing against the closed session must not be
	// reported as a session loss.
	select {
	case err := <-failed:
		c.Fatalf("unexpected missed-heartbeat callback after clean shutdown: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func (s *ClientSuite) TestConnectGivesUpAfterInitTimeout(c *check.C) {
	s.cfg.InitTimeout = meshrun.Duration(300 * time.Millisecond)
	s.cfg.RPCTimeout = meshrun.Duration(100 * time.Millisecond)
	cl := s.newClient(c, 0, nil)
	// Node 1 never shows up.
	t0 := time.Now()
	err := cl.Connect(s.ctx)
	c.Check(meshrun.ErrorCode(err), check.Equals, codes.DeadlineExceeded)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
}

func (s *ClientSuite) TestConnectRejectsZeroHeartbeatInterval(c *check.C) {
	s.cfg.HeartbeatInterval = 0
	cl := s.newClient(c, 0, nil)
	err := cl.Connect(s.ctx)
	c.Check(meshrun.ErrorCode(err), check.Equals, codes.InvalidArgument)
}

var _ = check.Suite(&BackoffSuite{})

type BackoffSuite struct{}

func (s *BackoffSuite) TestConnectBackoffBounds(c *check.C) {
	for attempt := 0; attempt < 20; attempt++ {
		for i := 0; i < 10; i++ {
			d := connectBackoff(attempt)
			c.Assert(d >= 0, check.Equals, true)
			exp := attempt
			if exp > 14 {
				exp = 14
			}
			max := time.Duration(1<<uint(exp)) * 10 * time.Millisecond
			c.Assert(d < max, check.Equals, true,
				check.Commentf("attempt %d: delay %v, max %v", attempt, d, max))
		}
	}
}
