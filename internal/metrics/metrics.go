// Copyright 2026 The Android Open Source Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics is an optional observability hook, off by default. The
// FUSE server always counts blocks fetched, tamper rejections, bytes served,
// and read errors; the counters are served over HTTP only when the operator
// sets --metrics-addr, following the teacher's prometheus-based metrics
// package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BlocksFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sideloadfs",
		Name:      "blocks_fetched_total",
		Help:      "Number of blocks fetched from the data provider (spec P2: at most once per block on the happy path).",
	})

	TamperRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sideloadfs",
		Name:      "tamper_rejections_total",
		Help:      "Number of reads rejected because a block's hash disagreed with its pinned value.",
	})

	BytesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sideloadfs",
		Name:      "bytes_served_total",
		Help:      "Bytes returned to the kernel across all FUSE_READ replies.",
	})

	ReadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sideloadfs",
		Name:      "read_errors_total",
		Help:      "FUSE_READ requests that failed for reasons other than tampering (e.g. provider I/O error).",
	})
)

func init() {
	prometheus.MustRegister(BlocksFetched, TamperRejections, BytesServed, ReadErrors)
}

// Serve starts a background HTTP server exposing /metrics at addr. It
// returns immediately; serve errors are sent to errCh.
func Serve(addr string, errCh chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		errCh <- http.ListenAndServe(addr, mux)
	}()
}
