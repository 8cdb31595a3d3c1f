// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordclient

import (
	"context"
	"net/http"

	"github.com/meshrun/meshrun/lib/coordinator"
	"github.com/meshrun/meshrun/sdk/go/meshrun"
)

// httpTransport speaks the JSON-over-HTTP protocol to a remote
// coordination service.
type httpTransport struct {
	api *meshrun.Client
}

func (t *httpTransport) connect(ctx context.Context, req meshrun.ConnectRequest) (*meshrun.ConnectResponse, error) {
	var resp meshrun.ConnectResponse
	err := t.api.RequestAndDecode(ctx, &resp, http.MethodPost, "/connect", req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *httpTransport) enumerateDevices(ctx context.Context, req meshrun.EnumerateDevicesRequest) (*meshrun.EnumerateDevicesResponse, error) {
	var resp meshrun.EnumerateDevicesResponse
	err := t.api.RequestAndDecode(ctx, &resp, http.MethodPost, "/enumerate_devices", req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *httpTransport) heartbeat(ctx context.Context, req meshrun.HeartbeatRequest) error {
	return t.api.RequestAndDecode(ctx, nil, http.MethodPost, "/heartbeat", req)
}

func (t *httpTransport) shutdown(ctx context.Context, req meshrun.ShutdownRequest) error {
	return t.api.RequestAndDecode(ctx, nil, http.MethodPost, "/shutdown", req)
}

func (t *httpTransport) waitAtBarrier(ctx context.Context, req meshrun.WaitAtBarrierRequest) error {
	return t.api.RequestAndDecode(ctx, nil, http.MethodPost, "/barrier", req)
}

func (t *httpTransport) keyValueGet(ctx context.Context, req meshrun.KeyValueGetRequest) (*meshrun.KeyValueGetResponse, error) {
	var resp meshrun.KeyValueGetResponse
	err := t.api.RequestAndDecode(ctx, &resp, http.MethodPost, "/kv/get", req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *httpTransport) keyValueSet(ctx context.Context, req meshrun.KeyValueSetRequest) error {
	return t.api.RequestAndDecode(ctx, nil, http.MethodPost, "/kv/set", req)
}

func (t *httpTransport) keyValueDelete(ctx context.Context, req meshrun.KeyValueDeleteRequest) error {
	return t.api.RequestAndDecode(ctx, nil, http.MethodPost, "/kv/delete", req)
}

func (t *httpTransport) keyValueDir(ctx context.Context, req meshrun.KeyValueDirRequest) (*meshrun.KeyValueDirResponse, error) {
	var resp meshrun.KeyValueDirResponse
	err := t.api.RequestAndDecode(ctx, &resp, http.MethodPost, "/kv/dir", req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// localTransport drives an in-process coordination service directly.
// It backs the standalone coordination mode: single-host runs get the
// same Client semantics (including heartbeats and failure detection)
// without a network hop or a separate daemon.
type localTransport struct {
	svc *coordinator.Service
}

// NewStandalone returns a Client backed by the given in-process
// service instead of a remote address.
func NewStandalone(svc *coordinator.Service, opts Options) Client {
	return newClient(opts, &localTransport{svc: svc})
}

func (t *localTransport) connect(ctx context.Context, req meshrun.ConnectRequest) (*meshrun.ConnectResponse, error) {
	return t.svc.Connect(ctx, req)
}

func (t *localTransport) enumerateDevices(ctx context.Context, req meshrun.EnumerateDevicesRequest) (*meshrun.EnumerateDevicesResponse, error) {
	return t.svc.EnumerateDevices(ctx, req)
}

func (t *localTransport) heartbeat(ctx context.Context, req meshrun.HeartbeatRequest) error {
	return t.svc.Heartbeat(ctx, req)
}

func (t *localTransport) shutdown(ctx context.Context, req meshrun.ShutdownRequest) error {
	return t.svc.Shutdown(ctx, req)
}

func (t *localTransport) waitAtBarrier(ctx context.Context, req meshrun.WaitAtBarrierRequest) error {
	return t.svc.WaitAtBarrier(ctx, req)
}

func (t *localTransport) keyValueGet(ctx context.Context, req meshrun.KeyValueGetRequest) (*meshrun.KeyValueGetResponse, error) {
	return t.svc.KeyValueGet(ctx, req)
}

func (t *localTransport) keyValueSet(ctx context.Context, req meshrun.KeyValueSetRequest) error {
	return t.svc.KeyValueSet(ctx, req)
}

func (t *localTransport) keyValueDelete(ctx context.Context, req meshrun.KeyValueDeleteRequest) error {
	return t.svc.KeyValueDelete(ctx, req)
}

func (t *localTransport) keyValueDir(ctx context.Context, req meshrun.KeyValueDirRequest) (*meshrun.KeyValueDirResponse, error) {
	return t.svc.KeyValueDir(ctx, req)
}
