// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system
// service daemon.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshrun/meshrun/lib/cmd"
	"github.com/meshrun/meshrun/sdk/go/config"
	"github.com/meshrun/meshrun/sdk/go/ctxlog"
	"github.com/meshrun/meshrun/sdk/go/httpserver"
	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Handler is the interface a service implementation exposes to the
// generic daemon plumbing.
type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// NewHandlerFunc builds a service Handler from the loaded config.
type NewHandlerFunc func(ctx context.Context, cfg meshrun.Config, reg *prometheus.Registry) (Handler, error)

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shut down the service; no public API yet
}

// Command returns a cmd.Handler that loads the config file, calls
// newHandler, and brings up an http server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-Id
// headers, logging requests/responses, recording metrics).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "`path` to config file (empty for built-in defaults)")
	dumpConfig := flags.Bool("dump-config", false, "write effective config to stdout and exit")
	versionFlag := flags.Bool("version", false, "write version information to stdout and exit")
	pprofAddr := flags.String("pprof", "", "serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version(version).RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg := meshrun.DefaultConfig()
	if *configPath != "" {
		err = config.LoadFile(&cfg, *configPath)
		if err != nil {
			return 1
		}
	}
	if *dumpConfig {
		return config.DumpAndExit(cfg)
	}

	// Now that we've read the config, replace the bootstrap logger
	// with one that obeys the configured level/format.
	log = ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx := ctxlog.Context(c.ctx, logger)

	reg := prometheus.NewRegistry()
	handler, err := c.newHandler(ctx, cfg, reg)
	if err != nil {
		return 1
	}
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	instrumented := httpserver.Instrument(reg,
		httpserver.AddRequestIDs(
			httpserver.LogRequests(logger, handler)))
	srv := &httpserver.Server{
		Server: http.Server{Handler: instrumented},
		Addr:   cfg.ListenAddr,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithField("Listen", srv.Addr).Info("listening")

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-sigterm:
			logger.WithField("signal", sig).Info("shutting down")
			srv.Close()
		case <-c.ctx.Done():
			srv.Close()
		}
	}()
	if done := handler.Done(); done != nil {
		go func() {
			<-done
			srv.Close()
		}()
	}
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}

var version = "dev"

// SetVersion is called from main() to report the build version in
// -version output.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// Usage string for -help output.
func (c *command) Usage() string {
	return fmt.Sprintf("%s [options]", c.svcName)
}
