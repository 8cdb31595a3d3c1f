// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package meshrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meshrun/meshrun/sdk/go/httpserver"
	"google.golang.org/grpc/codes"
)

// A Client is an HTTP client for one coordination service endpoint.
//
// It implements the request/response exchange, attaching request ids
// and translating error payloads back into *Error values; retry
// policy belongs to the caller (see lib/coordclient).
type Client struct {
	// HTTP client used to make requests. If nil,
	// http.DefaultClient is used.
	Client *http.Client

	// Protocol scheme: "http" or "https". Default "http": the
	// coordination plane normally runs on a private interconnect.
	Scheme string

	// Hostname (or host:port) of the coordination service.
	APIHost string

	// Timeout for requests that don't otherwise carry a deadline.
	// Blocking RPCs (connect, barrier, kv get) set their own
	// deadlines from the request timeout instead.
	Timeout time.Duration

	defaultRequestID string
}

// NewClient returns a Client for the service at host ("host:port").
func NewClient(host string) *Client {
	return &Client{
		Scheme:  "http",
		APIHost: host,
		Timeout: 2 * time.Minute,
	}
}

// WithRequestID returns a shallow copy of c that uses the given id in
// X-Request-Id headers of outgoing requests that don't have one.
func (c *Client) WithRequestID(reqid string) *Client {
	cc := *c
	cc.defaultRequestID = reqid
	return &cc
}

// Do performs req, adding an X-Request-Id header and applying
// c.Timeout if req has no deadline of its own.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("X-Request-Id") == "" {
		reqid := c.defaultRequestID
		if reqid == "" {
			reqid = httpserver.NewRequestID("req-")
		}
		req.Header.Set("X-Request-Id", reqid)
	}
	var cancel context.CancelFunc
	if _, ok := req.Context().Deadline(); !ok && c.Timeout > 0 {
		var ctx context.Context
		ctx, cancel = context.WithDeadline(req.Context(), time.Now().Add(c.Timeout))
		req = req.WithContext(ctx)
	}
	httpclient := c.Client
	if httpclient == nil {
		httpclient = http.DefaultClient
	}
	resp, err := httpclient.Do(req)
	if cancel != nil {
		if err != nil {
			cancel()
		} else {
			resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		}
	}
	return resp, err
}

// RequestAndDecode performs an API request and unmarshals the response
// (which must be JSON) into dst. A non-2xx response is returned as an
// *Error reconstructed from the response body, or, failing that,
// synthesized from the HTTP status.
func (c *Client) RequestAndDecode(ctx context.Context, dst interface{}, method, path string, request interface{}) error {
	var body io.Reader
	if request != nil {
		buf, err := json.Marshal(request)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Errorf(codes.DeadlineExceeded, "%s %s: %s", method, path, err)
		}
		return Errorf(codes.Unavailable, "%s %s: %s", method, path, err)
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return Errorf(codes.Unavailable, "%s %s: reading response: %s", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apierr Error
		if err := json.Unmarshal(buf, &apierr); err == nil && apierr.Message != "" {
			return &apierr
		}
		return Errorf(codeFromHTTPStatus(resp.StatusCode), "%s %s: %s", method, path, strings.TrimSpace(string(buf)))
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(buf, dst); err != nil {
		return fmt.Errorf("%s %s: decoding response: %s", method, path, err)
	}
	return nil
}

func (c *Client) apiURL(path string) string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := url.URL{Scheme: scheme, Host: c.APIHost, Path: path}
	return u.String()
}

// codeFromHTTPStatus inverts HTTPStatus for responses whose body
// didn't carry a structured error (proxies, panics).
func codeFromHTTPStatus(status int) codes.Code {
	switch status {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// cancelOnClose calls cancel() when the response body is closed,
// releasing the deadline timer attached by Do.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (coc cancelOnClose) Close() error {
	err := coc.ReadCloser.Close()
	coc.cancel()
	return err
}
