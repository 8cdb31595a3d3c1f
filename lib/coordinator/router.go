// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/meshrun/meshrun/lib/service"
	"github.com/meshrun/meshrun/sdk/go/httpserver"
	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
)

type router struct {
	http.Handler
	svc *Service
}

// NewHandler returns a service.Handler exposing a new Service's RPC
// surface, suitable for running under lib/service.
func NewHandler(ctx context.Context, cfg meshrun.Config, reg *prometheus.Registry) (service.Handler, error) {
	svc, err := New(ctx, cfg, reg)
	if err != nil {
		return nil, err
	}
	return newRouter(svc), nil
}

func newRouter(svc *Service) *router {
	rtr := &router{svc: svc}
	r := mux.NewRouter()
	post := r.Methods(http.MethodPost).Subrouter()
	post.HandleFunc(`/connect`, rtr.handleConnect)
	post.HandleFunc(`/enumerate_devices`, rtr.handleEnumerateDevices)
	post.HandleFunc(`/heartbeat`, rtr.handleHeartbeat)
	post.HandleFunc(`/shutdown`, rtr.handleShutdown)
	post.HandleFunc(`/barrier`, rtr.handleWaitAtBarrier)
	post.HandleFunc(`/kv/get`, rtr.handleKeyValueGet)
	post.HandleFunc(`/kv/set`, rtr.handleKeyValueSet)
	post.HandleFunc(`/kv/delete`, rtr.handleKeyValueDelete)
	post.HandleFunc(`/kv/dir`, rtr.handleKeyValueDir)
	get := r.Methods(http.MethodGet, http.MethodHead).Subrouter()
	get.HandleFunc(`/status`, rtr.handleStatus)
	r.NotFoundHandler = http.HandlerFunc(rtr.handleBadRequest)
	r.MethodNotAllowedHandler = http.HandlerFunc(rtr.handleBadRequest)
	rtr.Handler = r
	return rtr
}

// CheckHealth implements service.Handler.
func (rtr *router) CheckHealth() error {
	return nil
}

// Done implements service.Handler.
func (rtr *router) Done() <-chan struct{} {
	return nil
}

// Stop aborts the underlying service; used in tests.
func (rtr *router) Stop() {
	rtr.svc.Close()
}

// Status returns the underlying service's snapshot; used in tests.
func (rtr *router) Status() meshrun.StatusResponse {
	return rtr.svc.Status()
}

func (rtr *router) handleConnect(w http.ResponseWriter, req *http.Request) {
	var body meshrun.ConnectRequest
	if !decode(w, req, &body) {
		return
	}
	resp, err := rtr.svc.Connect(req.Context(), body)
	sendResponse(w, req, resp, err)
}

func (rtr *router) handleEnumerateDevices(w http.ResponseWriter, req *http.Request) {
	var body meshrun.EnumerateDevicesRequest
	if !decode(w, req, &body) {
		return
	}
	resp, err := rtr.svc.EnumerateDevices(req.Context(), body)
	sendResponse(w, req, resp, err)
}

func (rtr *router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	var body meshrun.HeartbeatRequest
	if !decode(w, req, &body) {
		return
	}
	sendResponse(w, req, struct{}{}, rtr.svc.Heartbeat(req.Context(), body))
}

func (rtr *router) handleShutdown(w http.ResponseWriter, req *http.Request) {
	var body meshrun.ShutdownRequest
	if !decode(w, req, &body) {
		return
	}
	sendResponse(w, req, struct{}{}, rtr.svc.Shutdown(req.Context(), body))
}

func (rtr *router) handleWaitAtBarrier(w http.ResponseWriter, req *http.Request) {
	var body meshrun.WaitAtBarrierRequest
	if !decode(w, req, &body) {
		return
	}
	sendResponse(w, req, struct{}{}, rtr.svc.WaitAtBarrier(req.Context(), body))
}

func (rtr *router) handleKeyValueGet(w http.ResponseWriter, req *http.Request) {
	var body meshrun.KeyValueGetRequest
	if !decode(w, req, &body) {
		return
	}
	resp, err := rtr.svc.KeyValueGet(req.Context(), body)
	sendResponse(w, req, resp, err)
}

func (rtr *router) handleKeyValueSet(w http.ResponseWriter, req *http.Request) {
	var body meshrun.KeyValueSetRequest
	if !decode(w, req, &body) {
		return
	}
	sendResponse(w, req, struct{}{}, rtr.svc.KeyValueSet(req.Context(), body))
}

func (rtr *router) handleKeyValueDelete(w http.ResponseWriter, req *http.Request) {
	var body meshrun.KeyValueDeleteRequest
	if !decode(w, req, &body) {
		return
	}
	sendResponse(w, req, struct{}{}, rtr.svc.KeyValueDelete(req.Context(), body))
}

func (rtr *router) handleKeyValueDir(w http.ResponseWriter, req *http.Request) {
	var body meshrun.KeyValueDirRequest
	if !decode(w, req, &body) {
		return
	}
	resp, err := rtr.svc.KeyValueDir(req.Context(), body)
	sendResponse(w, req, resp, err)
}

func (rtr *router) handleStatus(w http.ResponseWriter, req *http.Request) {
	sendResponse(w, req, rtr.svc.Status(), nil)
}

func (rtr *router) handleBadRequest(w http.ResponseWriter, req *http.Request) {
	sendError(w, req, meshrun.Errorf(codes.NotFound, "%s %s: no such endpoint", req.Method, req.URL.Path))
}

func decode(w http.ResponseWriter, req *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		sendError(w, req, meshrun.Errorf(codes.InvalidArgument, "error decoding request body: %s", err))
		return false
	}
	return true
}

func sendResponse(w http.ResponseWriter, req *http.Request, resp interface{}, err error) {
	if err != nil {
		sendError(w, req, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func sendError(w http.ResponseWriter, req *http.Request, err error) {
	var apierr *meshrun.Error
	if !errors.As(err, &apierr) {
		apierr = &meshrun.Error{Code: codes.Internal, Message: err.Error()}
	}
	if apierr.Code != codes.DeadlineExceeded && apierr.Code != codes.NotFound {
		httpserver.Logger(req).WithError(err).Info("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(meshrun.HTTPStatus(apierr.Code))
	json.NewEncoder(w).Encode(apierr)
}
