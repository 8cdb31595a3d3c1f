// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package collective

// Config is the static description of one collective operation,
// fixed at compile time of the enclosing executable.
type Config struct {
	// OpID distinguishes cliques of different operations that
	// happen to have the same participant set.
	OpID int64

	GroupMode     GroupMode
	ReplicaGroups [][]int64

	// PresetCliqueID, if nonzero, names an externally-configured
	// communicator id. It is only valid together with a single
	// all-inclusive replica group.
	PresetCliqueID int64
}

// IsDegenerate reports whether the operation is a no-op copy: every
// communication group has exactly one member, so there is nobody to
// exchange data with.
func (cfg Config) IsDegenerate(replicaCount, partitionCount int) bool {
	if len(cfg.ReplicaGroups) == 0 {
		switch cfg.GroupMode {
		case CrossReplica:
			return replicaCount == 1
		case CrossPartition:
			return partitionCount == 1
		case CrossReplicaAndPartition:
			return replicaCount == 1 && partitionCount == 1
		default:
			// Flattened-id mode requires explicit groups;
			// the empty case is rejected during execution.
			return false
		}
	}
	groupSize := 1
	if cfg.GroupMode == CrossReplicaAndPartition {
		groupSize = partitionCount
	}
	for _, group := range cfg.ReplicaGroups {
		if len(group)*groupSize != 1 {
			return false
		}
	}
	return true
}

// ReduceKind selects the elementwise reduction applied by all-reduce
// and reduce-scatter.
type ReduceKind int

const (
	ReduceSum ReduceKind = iota
	ReduceProduct
	ReduceMin
	ReduceMax
)

func (k ReduceKind) String() string {
	switch k {
	case ReduceSum:
		return "sum"
	case ReduceProduct:
		return "product"
	case ReduceMin:
		return "min"
	case ReduceMax:
		return "max"
	default:
		return "invalid"
	}
}

func (k ReduceKind) apply(acc, v float64) float64 {
	switch k {
	case ReduceProduct:
		return acc * v
	case ReduceMin:
		if v < acc {
			return v
		}
		return acc
	case ReduceMax:
		if v > acc {
			return v
		}
		return acc
	default:
		return acc + v
	}
}
