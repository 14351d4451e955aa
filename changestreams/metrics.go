//
// Copyright 2022 Google LLC
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
//

package changestreams

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by subscribers. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Records          *prometheus.CounterVec
	DroppedRecords   *prometheus.CounterVec
	ActivePartitions *prometheus.GaugeVec
	PollErrors       *prometheus.CounterVec
	DiscoveryErrors  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "changestreams",
			Name:      "records_total",
			Help:      "Change records delivered to consumers.",
		}, []string{"stream", "type"}),
		DroppedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "changestreams",
			Name:      "dropped_records_total",
			Help:      "Raw records dropped because they could not be classified.",
		}, []string{"stream"}),
		ActivePartitions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "changestreams",
			Name:      "active_partitions",
			Help:      "Partitions with a running poller.",
		}, []string{"stream"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "changestreams",
			Name:      "partitions_abandoned_total",
			Help:      "Partitions given up after exhausting retries.",
		}, []string{"stream"}),
		DiscoveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "changestreams",
			Name:      "discovery_errors_total",
			Help:      "Failed partition discovery ticks.",
		}, []string{"stream"}),
	}
	if reg != nil {
		reg.MustRegister(m.Records, m.DroppedRecords, m.ActivePartitions, m.PollErrors, m.DiscoveryErrors)
	}
	return m
}

func (m *Metrics) recordDelivered(stream string, t EventType) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(stream, string(t)).Inc()
}

func (m *Metrics) recordDropped(stream string) {
	if m == nil {
		return
	}
	m.DroppedRecords.WithLabelValues(stream).Inc()
}

func (m *Metrics) partitionStarted(stream string) {
	if m == nil {
		return
	}
	m.ActivePartitions.WithLabelValues(stream).Inc()
}

func (m *Metrics) partitionFinished(stream string) {
	if m == nil {
		return
	}
	m.ActivePartitions.WithLabelValues(stream).Dec()
}

func (m *Metrics) partitionAbandoned(stream string) {
	if m == nil {
		return
	}
	m.PollErrors.WithLabelValues(stream).Inc()
}

func (m *Metrics) discoveryFailed(stream string) {
	if m == nil {
		return
	}
	m.DiscoveryErrors.WithLabelValues(stream).Inc()
}
