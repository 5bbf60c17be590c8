// Copyright 2024 The ipfs-mfs-fuse Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus counters and histograms for the
// dispatcher's FUSE operations and the remote MFS calls they make.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handle records op counts and latencies. A nil *Handle is safe to call
// RecordOp and ObserveRemoteLatency on; they become no-ops.
type Handle struct {
	registry *prometheus.Registry
	ops      *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New creates a Handle backed by a fresh registry, registering the op
// counter and latency histogram.
func New() *Handle {
	reg := prometheus.NewRegistry()
	h := &Handle{
		registry: reg,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipfs_mfs_fuse",
			Name:      "fuse_ops_total",
			Help:      "Count of FUSE dispatcher operations by name and result.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ipfs_mfs_fuse",
			Name:      "remote_call_seconds",
			Help:      "Latency of RemoteMFS HTTP calls by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(h.ops, h.latency)
	return h
}

// RecordOp increments the counter for a dispatcher operation's outcome.
func (h *Handle) RecordOp(op string, ok bool) {
	if h == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	h.ops.WithLabelValues(op, result).Inc()
}

// ObserveRemoteLatency records how long a RemoteMFS call took.
func (h *Handle) ObserveRemoteLatency(op string, seconds float64) {
	if h == nil {
		return
	}
	h.latency.WithLabelValues(op).Observe(seconds)
}

// Handler returns the HTTP handler to serve on --metrics-addr.
func (h *Handle) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}
