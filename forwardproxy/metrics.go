// Copyright 2015 Matthew Holt and The Caddy Authors
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

package forwardproxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the Relay and WebSocket relay
// report to. The zero value is not usable; construct with NewMetrics.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	bytesRelayed    *prometheus.CounterVec
}

// NewMetrics constructs and registers the proxy's collectors with reg. If
// reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forwardproxy",
			Name:      "requests_total",
			Help:      "Total number of proxied requests, by instance and outcome.",
		}, []string{"instance", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forwardproxy",
			Name:      "request_duration_seconds",
			Help:      "Duration of proxied requests from acceptance to completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"instance", "outcome"}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forwardproxy",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, by instance and direction.",
		}, []string{"instance", "direction"}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.bytesRelayed)
	return m
}

func (m *Metrics) observeRequest(instance, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(instance, outcome).Inc()
	m.requestDuration.WithLabelValues(instance, outcome).Observe(seconds)
}

func (m *Metrics) addBytes(instance, direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRelayed.WithLabelValues(instance, direction).Add(float64(n))
}
