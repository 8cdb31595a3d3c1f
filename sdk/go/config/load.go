// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// LoadFile loads configuration from the file given by configPath and
// decodes it into cfg.
//
// YAML and JSON formats are accepted (JSON is a subset of YAML).
func LoadFile(cfg interface{}, configPath string) error {
	buf, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(buf, cfg)
	if err != nil {
		return fmt.Errorf("error decoding config %q: %s", configPath, err)
	}
	return nil
}

// DumpAndExit writes the given config to stdout as YAML and returns an
// exit code. It can be wired to a -dump-config flag.
func DumpAndExit(cfg interface{}) int {
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	_, err = os.Stdout.Write(buf)
	if err != nil {
		return 1
	}
	return 0
}
