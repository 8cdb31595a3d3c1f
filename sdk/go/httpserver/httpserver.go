// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net"
	"net/http"
	"sync"
)

// Server wraps http.Server with Start/Close/Wait. By the time Start()
// returns, Addr is changed to the address:port we ended up listening
// on -- which makes listening on ":0" useful in test suites -- and the
// server can be shut down without killing the process, which makes it
// possible to stop gracefully on SIGTERM without dropping active
// connections.
type Server struct {
	http.Server
	Addr     string // host:port where the server is listening.
	err      error
	cond     *sync.Cond
	running  bool
	listener net.Listener
	wantDown bool
}

// Start listens on srv.Addr and serves in a new goroutine.
func (srv *Server) Start() error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = listener
	srv.Addr = listener.Addr().String()

	mutex := &sync.RWMutex{}
	srv.cond = sync.NewCond(mutex.RLocker())
	srv.running = true
	go func() {
		err = srv.Serve(listener)
		if !srv.wantDown {
			srv.err = err
		}
		mutex.Lock()
		srv.running = false
		srv.cond.Broadcast()
		mutex.Unlock()
	}()
	return nil
}

// Close shuts down the server and returns when it has stopped.
func (srv *Server) Close() error {
	srv.wantDown = true
	srv.listener.Close()
	return srv.Wait()
}

// Wait returns when the server has shut down.
func (srv *Server) Wait() error {
	if srv.cond == nil {
		return nil
	}
	srv.cond.L.Lock()
	defer srv.cond.L.Unlock()
	for srv.running {
		srv.cond.Wait()
	}
	return srv.err
}
