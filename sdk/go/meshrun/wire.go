// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package meshrun

// Request/response bodies for the coordination RPCs. All requests
// other than Connect carry the session id issued by Connect; the
// service rejects stale or unknown sessions.

type ConnectRequest struct {
	ProtocolVersion int      `json:"protocol_version"`
	NodeID          int      `json:"node_id"`
	ClientID        uint64   `json:"client_id"`
	Timeout         Duration `json:"timeout"`
}

type ConnectResponse struct {
	SessionID uint64 `json:"session_id"`
}

type EnumerateDevicesRequest struct {
	SessionID     uint64        `json:"session_id"`
	LocalTopology LocalTopology `json:"local_topology"`
}

type EnumerateDevicesResponse struct {
	GlobalTopology GlobalTopology `json:"global_topology"`
}

type HeartbeatRequest struct {
	SessionID uint64 `json:"session_id"`
	NodeID    int    `json:"node_id"`
}

type ShutdownRequest struct {
	SessionID uint64 `json:"session_id"`
	NodeID    int    `json:"node_id"`
}

type WaitAtBarrierRequest struct {
	SessionID uint64   `json:"session_id"`
	BarrierID string   `json:"barrier_id"`
	NodeID    int      `json:"node_id"`
	Timeout   Duration `json:"timeout"`
}

type KeyValueGetRequest struct {
	SessionID uint64   `json:"session_id"`
	Key       string   `json:"key"`
	Timeout   Duration `json:"timeout"`
}

type KeyValueGetResponse struct {
	Value string `json:"value"`
}

type KeyValueSetRequest struct {
	SessionID uint64 `json:"session_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

type KeyValueDeleteRequest struct {
	SessionID uint64 `json:"session_id"`
	Key       string `json:"key"`
}

type KeyValueDirRequest struct {
	SessionID uint64 `json:"session_id"`
	Prefix    string `json:"prefix"`
}

type KeyValueDirResponse struct {
	Entries map[string]string `json:"entries"`
}

// StatusResponse is returned by GET /status for operators and health
// checks; it is not part of the client protocol.
type StatusResponse struct {
	State        string `json:"state"`
	SessionID    uint64 `json:"session_id"`
	NumNodes     int    `json:"num_nodes"`
	NodesPresent int    `json:"nodes_present"`
	Error        string `json:"error,omitempty"`
}
