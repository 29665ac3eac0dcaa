// Copyright 2025 The Toolbridge Authors
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

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolbridge_invocation_duration_seconds",
			Help:    "Duration of tool invocations, spawn to response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool", "status"},
	)

	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_invocations_total",
			Help: "Total tool invocations by outcome",
		},
		[]string{"tool", "status"},
	)

	coldStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_cold_starts_total",
			Help: "Total bundle provisioning passes triggered by invocations",
		},
		[]string{"tool"},
	)

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toolbridge_sessions_active",
		Help: "Currently open gateway sessions",
	})
)
