// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package meshrun

import "time"

// ProtocolVersion is the coordination protocol version spoken by this
// build. Connect requests carrying a different version are rejected.
const ProtocolVersion = 1

// Config holds the tunables shared by the coordination service and its
// clients. Field names double as YAML/JSON keys.
type Config struct {
	// Address the coordination service listens on, or the address
	// clients dial, as "host:port". ":0" picks a free port.
	ListenAddr string

	// Number of worker nodes expected to join the session.
	NumNodes int

	// Interval between heartbeats, on both sides.
	HeartbeatInterval Duration

	// Number of consecutive missed heartbeats tolerated before a
	// node (client side) or the session (service side) is
	// considered failed.
	MaxMissingHeartbeats int

	// How long a client keeps retrying Connect before giving up.
	InitTimeout Duration

	// How long the service waits for all nodes to call Shutdown.
	ShutdownTimeout Duration

	// How long the service waits for all nodes to submit their
	// local topologies.
	EnumerateDevicesTimeout Duration

	// Per-RPC timeout used by clients for unary calls.
	RPCTimeout Duration

	Coordination struct {
		// Use the in-process coordination backend instead of
		// dialing a remote service. Single-host runs and tests.
		Standalone bool
	}

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config with production defaults. Callers
// overwrite NumNodes and ListenAddr.
func DefaultConfig() Config {
	cfg := Config{
		ListenAddr:              ":0",
		NumNodes:                1,
		HeartbeatInterval:       Duration(10 * time.Second),
		MaxMissingHeartbeats:    10,
		InitTimeout:             Duration(60 * time.Second),
		ShutdownTimeout:         Duration(60 * time.Second),
		EnumerateDevicesTimeout: Duration(60 * time.Second),
		RPCTimeout:              Duration(120 * time.Second),
		LogLevel:                "info",
		LogFormat:               "json",
	}
	return cfg
}
