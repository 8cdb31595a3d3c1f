// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package meshrun

// Device describes one accelerator device attached to a worker node.
// LocalDeviceID is assigned by the worker; GlobalDeviceID and
// SliceIndex are filled in by the coordination service when it builds
// the global topology.
type Device struct {
	Name           string `json:"name"`
	Vendor         string `json:"vendor,omitempty"`
	LocalDeviceID  int64  `json:"local_device_id"`
	GlobalDeviceID int64  `json:"global_device_id"`
	SliceIndex     int    `json:"slice_index"`
	CoreCount      int64  `json:"core_count,omitempty"`
	MemoryBytes    int64  `json:"memory_bytes,omitempty"`
}

// LocalTopology is one worker's device inventory. BootID identifies
// the physical host so the service can group co-located nodes into
// slices.
type LocalTopology struct {
	NodeID  int      `json:"node_id"`
	BootID  string   `json:"boot_id"`
	Devices []Device `json:"devices"`
}

// GlobalTopology is the service-computed union of all workers' local
// topologies, with global device ids and slice indexes assigned.
type GlobalTopology struct {
	Nodes []LocalTopology `json:"nodes"`
}

// Devices returns all devices in the topology in global id order.
func (gt *GlobalTopology) Devices() []Device {
	var devices []Device
	for _, node := range gt.Nodes {
		devices = append(devices, node.Devices...)
	}
	return devices
}
