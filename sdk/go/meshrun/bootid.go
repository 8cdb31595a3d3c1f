// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package meshrun

import (
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	bootIDOnce sync.Once
	bootID     string
)

// BootID returns an identifier shared by all processes on this
// physical host and stable across the host's uptime. The coordination
// service groups nodes with equal boot ids into one slice.
func BootID() string {
	bootIDOnce.Do(func() {
		if buf, err := os.ReadFile("/proc/sys/kernel/random/boot_id"); err == nil {
			bootID = strings.TrimSpace(string(buf))
		}
		if bootID == "" {
			// Not linux, or /proc unavailable. The id only
			// needs to be consistent within this process
			// tree, which a random uuid cannot provide
			// across processes -- slice grouping degrades
			// to one slice per node.
			bootID = uuid.NewString()
		}
	})
	return bootID
}
