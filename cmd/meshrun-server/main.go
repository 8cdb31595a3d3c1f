// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/meshrun/meshrun/lib/cmd"
	"github.com/meshrun/meshrun/lib/coordinator"
	"github.com/meshrun/meshrun/lib/service"
)

var (
	version = "dev"
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version(version),
		"-version":  cmd.Version(version),
		"--version": cmd.Version(version),

		"coordinator": service.Command("coordinator", coordinator.NewHandler),
	})
)

func main() {
	service.SetVersion(version)
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
