// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"time"

	"github.com/meshrun/meshrun/sdk/go/ctxlog"
	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"google.golang.org/grpc/codes"
)

// EnumerateDevices records the caller's local device inventory, blocks
// until every node has submitted one, and returns the global topology.
// The topology is computed exactly once, by whichever waiter first
// observes all submissions, then handed read-only to everyone else.
func (svc *Service) EnumerateDevices(ctx context.Context, req meshrun.EnumerateDevicesRequest) (*meshrun.EnumerateDevicesResponse, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if err := svc.checkSession(req.SessionID); err != nil {
		return nil, err
	}
	if err := svc.sessionError(stateRunning); err != nil {
		return nil, err
	}
	nodeID := req.LocalTopology.NodeID
	if nodeID < 0 || nodeID >= svc.cfg.NumNodes {
		return nil, meshrun.Errorf(codes.InvalidArgument, "invalid node id %d", nodeID)
	}
	if svc.topologies[nodeID] == nil {
		topo := req.LocalTopology
		svc.topologies[nodeID] = &topo
		svc.numTopologies++
		svc.cond.Broadcast()
		ctxlog.FromContext(ctx).WithFields(map[string]interface{}{
			"nodeID":     nodeID,
			"bootID":     topo.BootID,
			"numDevices": len(topo.Devices),
		}).Info("local topology recorded")
	}

	deadline := time.Now().Add(svc.cfg.EnumerateDevicesTimeout.Duration())
	ok := svc.wait(deadline, func() bool {
		return svc.numTopologies == svc.cfg.NumNodes || svc.state == stateClosed
	})
	if svc.state == stateClosed {
		return nil, svc.sessionError(stateRunning)
	}
	if !ok {
		return nil, meshrun.Errorf(codes.DeadlineExceeded, "timed out waiting for device enumeration (%d/%d nodes submitted)", svc.numTopologies, svc.cfg.NumNodes)
	}
	if svc.globalTopology == nil {
		svc.globalTopology = buildGlobalTopology(svc.topologies)
		svc.cond.Broadcast()
		svc.logger.WithField("numDevices", len(svc.globalTopology.Devices())).Info("global topology computed")
	}
	return &meshrun.EnumerateDevicesResponse{GlobalTopology: *svc.globalTopology}, nil
}

// buildGlobalTopology assigns each device a dense global id, in node
// id order, and a slice index grouping nodes that share a boot id
// (i.e. run on the same physical host).
func buildGlobalTopology(topologies []*meshrun.LocalTopology) *meshrun.GlobalTopology {
	global := &meshrun.GlobalTopology{}
	slices := map[string]int{}
	nextGlobalID := int64(0)
	for _, topo := range topologies {
		node := *topo
		sliceIndex, ok := slices[node.BootID]
		if !ok {
			sliceIndex = len(slices)
			slices[node.BootID] = sliceIndex
		}
		node.Devices = append([]meshrun.Device(nil), topo.Devices...)
		for i := range node.Devices {
			node.Devices[i].GlobalDeviceID = nextGlobalID
			node.Devices[i].SliceIndex = sliceIndex
			nextGlobalID++
		}
		global.Nodes = append(global.Nodes, node)
	}
	return global
}
