// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct{}

func (s *ServerSuite) TestStartServeClose(c *check.C) {
	srv := &Server{Addr: ":0"}
	srv.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, "ok")
	})
	c.Assert(srv.Start(), check.IsNil)
	c.Check(srv.Addr, check.Not(check.Equals), ":0")

	resp, err := http.Get("http://" + srv.Addr + "/")
	c.Assert(err, check.IsNil)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	c.Assert(err, check.IsNil)
	c.Check(string(body), check.Equals, "ok")

	c.Check(srv.Close(), check.IsNil)
	// The port is released once Close returns.
	_, err = http.Get("http://" + srv.Addr + "/")
	c.Check(err, check.NotNil)
}

func (s *ServerSuite) TestAddRequestIDs(c *check.C) {
	var got []string
	h := AddRequestIDs(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = append(got, req.Header.Get("X-Request-Id"))
	}))
	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}
	c.Assert(got, check.HasLen, 2)
	c.Check(strings.HasPrefix(got[0], "req-"), check.Equals, true)
	c.Check(got[1], check.Not(check.Equals), got[0])

	// An id supplied by the caller is preserved.
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "req-caller")
	h.ServeHTTP(httptest.NewRecorder(), req)
	c.Check(got[2], check.Equals, "req-caller")
}
