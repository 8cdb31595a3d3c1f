// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmd helps define a multi-command program like
// meshrun-server: each subcommand is a Handler that can be invoked
// from a command line.
package cmd

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
)

// A Handler runs a command with the given args, and returns an exit
// code.
type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

func (f HandlerFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

// Version is a Handler that prints the given version string.
type Version string

func (v Version) String() string {
	return string(v)
}

func (v Version) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog = strings.TrimSuffix(prog, " -version")
	prog = strings.TrimSuffix(prog, " --version")
	fmt.Fprintf(stdout, "%s %s\n", prog, v)
	return 0
}

// Multi returns a Handler that looks up its first argument in m, and
// invokes the resulting Handler with the remaining args.
func Multi(m map[string]Handler) Handler {
	return HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		_, basename := pathSplit(prog)
		if len(args) < 1 {
			fmt.Fprintf(stderr, "usage: %s command [args]\n", basename)
			multiUsage(stderr, m)
			return 2
		}
		if cmd, ok := m[args[0]]; ok {
			return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
		}
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", basename, args[0])
		multiUsage(stderr, m)
		return 2
	})
}

func pathSplit(path string) (dir, base string) {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i+1], path[i+1:]
	}
	return "", path
}

func multiUsage(stderr io.Writer, m map[string]Handler) {
	var subcommands []string
	for sc := range m {
		if strings.HasPrefix(sc, "-") {
			// Don't clutter the subcommand summary with
			// compatibility aliases like "--version".
			continue
		}
		subcommands = append(subcommands, sc)
	}
	sort.Strings(subcommands)
	fmt.Fprintf(stderr, "\nAvailable commands:\n")
	for _, sc := range subcommands {
		fmt.Fprintf(stderr, "    %s\n", sc)
	}
}

// ParseFlags calls flags.Parse(args) and prints appropriate error/help
// messages to stderr.
//
// The positional argument is "" if no positional arguments are
// accepted, otherwise a string to print with the usage message,
// "Usage: {prog} [options] {positional}".
//
// The first return value is true if the program should continue
// running normally, false if it should exit now with the second return
// value as its exit code: 0 after -help, 2 on a usage error.
func ParseFlags(flags *flag.FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	flags.Init(prog, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	err := flags.Parse(args)
	switch err {
	case nil:
		if flags.NArg() > 0 && positional == "" {
			fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", flags.Args())
			return false, 2
		}
		return true, 0
	case flag.ErrHelp:
		fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
		flags.SetOutput(stderr)
		flags.PrintDefaults()
		return false, 0
	default:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
}
