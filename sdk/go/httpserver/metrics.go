// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrument returns a new http.Handler that passes requests through
// to next, recording a request duration histogram and an in-flight
// gauge in reg, and serving the accumulated metrics at /metrics.
func Instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "Summary of request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"code", "method"})
	reqsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "requests_in_flight",
		Help: "Number of requests in progress.",
	})
	reg.MustRegister(reqDuration, reqsInFlight)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", promhttp.InstrumentHandlerInFlight(reqsInFlight,
		promhttp.InstrumentHandlerDuration(reqDuration, next)))
	return mux
}
