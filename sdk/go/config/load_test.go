// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshrun/meshrun/sdk/go/meshrun"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

func (s *LoadSuite) TestLoadFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(path, []byte(`
ListenAddr: ":9300"
NumNodes: 4
HeartbeatInterval: 2s
MaxMissingHeartbeats: 5
`), 0644)
	c.Assert(err, check.IsNil)

	cfg := meshrun.DefaultConfig()
	c.Assert(LoadFile(&cfg, path), check.IsNil)
	c.Check(cfg.ListenAddr, check.Equals, ":9300")
	c.Check(cfg.NumNodes, check.Equals, 4)
	c.Check(cfg.HeartbeatInterval.Duration(), check.Equals, 2*time.Second)
	c.Check(cfg.MaxMissingHeartbeats, check.Equals, 5)
	// Fields absent from the file keep their defaults.
	c.Check(cfg.RPCTimeout, check.Equals, meshrun.DefaultConfig().RPCTimeout)
}

func (s *LoadSuite) TestLoadErrors(c *check.C) {
	var cfg meshrun.Config
	c.Check(LoadFile(&cfg, filepath.Join(c.MkDir(), "missing.yml")), check.NotNil)

	path := filepath.Join(c.MkDir(), "bad.yml")
	c.Assert(os.WriteFile(path, []byte("NumNodes: [not a number]\n"), 0644), check.IsNil)
	c.Check(LoadFile(&cfg, path), check.NotNil)
}
