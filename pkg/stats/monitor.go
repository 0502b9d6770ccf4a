// Copyright 2024 dOpenSource.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dopensource/ivr-agent/pkg/config"
)

// Durations are in seconds
var (
	// durBucketsOp lists histogram buckets for short operations like REFER.
	durBucketsOp = []float64{
		0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
	}
	// durBucketsSession lists histogram buckets for whole IVR sessions.
	durBucketsSession = []float64{
		1, 5, 10, 30, 60, 2 * 60, 5 * 60, 10 * 60,
	}
	attemptBuckets = []float64{0, 1, 2, 3, 4, 5}
)

type Monitor struct {
	nodeID string

	callsStarted    prometheus.Counter
	callsActive     prometheus.Gauge
	callsTerminated *prometheus.CounterVec
	menuAttempts    prometheus.Histogram
	transferReq     prometheus.Counter
	transferErr     *prometheus.CounterVec
	durSession      prometheus.Histogram
	durTransfer     prometheus.Histogram

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
	srv      *http.Server
}

func NewMonitor(conf *config.Config) (*Monitor, error) {
	m := &Monitor{
		nodeID: conf.NodeID,
	}
	return m, nil
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start(conf *config.Config) error {
	labels := prometheus.Labels{"node_id": m.nodeID}

	m.callsStarted = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "ivr",
		Subsystem:   "agent",
		Name:        "calls_started",
		Help:        "Number of answered inbound calls",
		ConstLabels: labels,
	}))
	m.callsActive = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "ivr",
		Subsystem:   "agent",
		Name:        "calls_active",
		Help:        "Number of currently active sessions",
		ConstLabels: labels,
	}))
	m.callsTerminated = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "ivr",
		Subsystem:   "agent",
		Name:        "calls_terminated",
		Help:        "Number of ended sessions by outcome",
		ConstLabels: labels,
	}, []string{"outcome"}))
	m.menuAttempts = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "ivr",
		Subsystem:   "agent",
		Name:        "menu_attempts",
		Help:        "Menu input attempts per session",
		ConstLabels: labels,
		Buckets:     attemptBuckets,
	}))
	m.transferReq = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "ivr",
		Subsystem:   "agent",
		Name:        "transfer_requests",
		Help:        "Number of REFER transfers issued",
		ConstLabels: labels,
	}))
	m.transferErr = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "ivr",
		Subsystem:   "agent",
		Name:        "transfer_errors",
		Help:        "Number of failed REFER transfers by reason",
		ConstLabels: labels,
	}, []string{"reason"}))
	m.durSession = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "ivr",
		Subsystem:   "agent",
		Name:        "session_duration_sec",
		Help:        "IVR session duration",
		ConstLabels: labels,
		Buckets:     durBucketsSession,
	}))
	m.durTransfer = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "ivr",
		Subsystem:   "agent",
		Name:        "transfer_duration_sec",
		Help:        "REFER transfer duration",
		ConstLabels: labels,
		Buckets:     durBucketsOp,
	}))

	m.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
	}()

	m.started.Break()
	return nil
}

func (m *Monitor) Shutdown() {
	m.shutdown.Break()
	if m.srv != nil {
		_ = m.srv.Close()
	}
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) CallStarted() {
	if !m.started.IsBroken() {
		return
	}
	m.callsStarted.Inc()
	m.callsActive.Inc()
}

func (m *Monitor) CallEnded(outcome string, dur time.Duration, attempts int) {
	if !m.started.IsBroken() {
		return
	}
	m.callsActive.Dec()
	m.callsTerminated.WithLabelValues(outcome).Inc()
	m.durSession.Observe(dur.Seconds())
	m.menuAttempts.Observe(float64(attempts))
}

func (m *Monitor) TransferRequested() {
	if !m.started.IsBroken() {
		return
	}
	m.transferReq.Inc()
}

func (m *Monitor) TransferDone(reason string, dur time.Duration) {
	if !m.started.IsBroken() {
		return
	}
	if reason != "" {
		m.transferErr.WithLabelValues(reason).Inc()
	}
	m.durTransfer.Observe(dur.Seconds())
}
