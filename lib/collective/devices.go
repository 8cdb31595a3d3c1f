// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package collective implements the execution engine for collective
// communication operations: participant/rank derivation from replica
// groups, communicator clique acquisition, and synchronous or
// start/done-split thunks with a uniform execute contract.
package collective

import (
	"fmt"

	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"google.golang.org/grpc/codes"
)

// GlobalDeviceID identifies a device across the whole session, as
// assigned by the coordination service's global topology.
type GlobalDeviceID int64

// DeviceAssignment maps (replica, partition) logical ids to global
// device ids. It is immutable once built; every participant of an
// operation derives identical participant lists from it.
type DeviceAssignment struct {
	replicaCount   int
	partitionCount int
	devices        []GlobalDeviceID // row-major [replica][partition]
}

// NewDeviceAssignment builds an assignment from a row-major id list:
// ids[replica*partitionCount+partition].
func NewDeviceAssignment(replicaCount, partitionCount int, ids []GlobalDeviceID) (*DeviceAssignment, error) {
	if replicaCount < 1 || partitionCount < 1 {
		return nil, fmt.Errorf("invalid device assignment shape %dx%d", replicaCount, partitionCount)
	}
	if len(ids) != replicaCount*partitionCount {
		return nil, fmt.Errorf("device assignment needs %d ids, got %d", replicaCount*partitionCount, len(ids))
	}
	return &DeviceAssignment{
		replicaCount:   replicaCount,
		partitionCount: partitionCount,
		devices:        append([]GlobalDeviceID(nil), ids...),
	}, nil
}

func (da *DeviceAssignment) ReplicaCount() int   { return da.replicaCount }
func (da *DeviceAssignment) PartitionCount() int { return da.partitionCount }

// Device returns the global id at (replica, partition).
func (da *DeviceAssignment) Device(replica, partition int) GlobalDeviceID {
	return da.devices[replica*da.partitionCount+partition]
}

// LogicalID returns the (replica, partition) coordinates of device.
func (da *DeviceAssignment) LogicalID(device GlobalDeviceID) (replica, partition int, err error) {
	for i, id := range da.devices {
		if id == device {
			return i / da.partitionCount, i % da.partitionCount, nil
		}
	}
	return 0, 0, meshrun.Errorf(codes.InvalidArgument, "device %d is not in the device assignment", device)
}

// GroupMode describes how replica group ids are interpreted.
type GroupMode int

const (
	// CrossReplica: groups list replica ids; each partition
	// communicates among its own replicas.
	CrossReplica GroupMode = iota
	// CrossPartition: groups list partition ids; each replica
	// communicates among its own partitions.
	CrossPartition
	// CrossReplicaAndPartition: groups list replica ids; all
	// partitions of those replicas communicate together.
	CrossReplicaAndPartition
	// FlattenedID: groups list flattened ids
	// replica*partitionCount+partition. Groups are mandatory.
	FlattenedID
)

func (m GroupMode) String() string {
	switch m {
	case CrossReplica:
		return "cross_replica"
	case CrossPartition:
		return "cross_partition"
	case CrossReplicaAndPartition:
		return "cross_replica_and_partition"
	case FlattenedID:
		return "flattened_id"
	default:
		return fmt.Sprintf("invalid(%d)", int(m))
	}
}

// ParticipatingDevices returns the ordered global device ids taking
// part in the operation together with device, given the replica
// groups and group mode. Every participant computes the same ordered
// list; a device's rank is its position in it.
func ParticipatingDevices(device GlobalDeviceID, da *DeviceAssignment, groups [][]int64, mode GroupMode) ([]GlobalDeviceID, error) {
	replica, partition, err := da.LogicalID(device)
	if err != nil {
		return nil, err
	}
	switch mode {
	case CrossReplica:
		replicas, err := selectGroup(groups, int64(replica), da.replicaCount, "replica")
		if err != nil {
			return nil, err
		}
		participants := make([]GlobalDeviceID, 0, len(replicas))
		for _, r := range replicas {
			participants = append(participants, da.Device(int(r), partition))
		}
		return participants, nil
	case CrossPartition:
		partitions, err := selectGroup(groups, int64(partition), da.partitionCount, "partition")
		if err != nil {
			return nil, err
		}
		participants := make([]GlobalDeviceID, 0, len(partitions))
		for _, p := range partitions {
			participants = append(participants, da.Device(replica, int(p)))
		}
		return participants, nil
	case CrossReplicaAndPartition:
		replicas, err := selectGroup(groups, int64(replica), da.replicaCount, "replica")
		if err != nil {
			return nil, err
		}
		participants := make([]GlobalDeviceID, 0, len(replicas)*da.partitionCount)
		for _, r := range replicas {
			for p := 0; p < da.partitionCount; p++ {
				participants = append(participants, da.Device(int(r), p))
			}
		}
		return participants, nil
	case FlattenedID:
		if len(groups) == 0 {
			return nil, meshrun.Errorf(codes.InvalidArgument, "replica groups are required in flattened-id mode")
		}
		flattened := int64(replica*da.partitionCount + partition)
		ids, err := selectGroup(groups, flattened, da.replicaCount*da.partitionCount, "flattened")
		if err != nil {
			return nil, err
		}
		participants := make([]GlobalDeviceID, 0, len(ids))
		for _, id := range ids {
			participants = append(participants, da.devices[id])
		}
		return participants, nil
	default:
		return nil, meshrun.Errorf(codes.InvalidArgument, "invalid group mode %d", int(mode))
	}
}

// selectGroup returns the group containing id, or 0..count-1 if groups
// is empty (one implicit all-inclusive group).
func selectGroup(groups [][]int64, id int64, count int, kind string) ([]int64, error) {
	if len(groups) == 0 {
		all := make([]int64, count)
		for i := range all {
			all[i] = int64(i)
		}
		return all, nil
	}
	for _, group := range groups {
		for _, member := range group {
			if member < 0 || member >= int64(count) {
				return nil, meshrun.Errorf(codes.InvalidArgument, "%s id %d out of range [0,%d)", kind, member, count)
			}
			if member == id {
				return group, nil
			}
		}
	}
	return nil, meshrun.Errorf(codes.InvalidArgument, "%s id %d is not in any replica group", kind, id)
}

// Rank returns device's position in participants, or an error if it
// is missing.
func Rank(device GlobalDeviceID, participants []GlobalDeviceID) (int, error) {
	for i, id := range participants {
		if id == device {
			return i, nil
		}
	}
	return 0, meshrun.Errorf(codes.Internal, "device %d is not among its own participants %v", device, participants)
}
