// Copyright 2026 The Armored OTA authors. All Rights Reserved.
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

package update

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics counts update attempts and their outcomes.
type Metrics struct {
	attempts   prom.Counter
	success    prom.Counter
	notNewer   prom.Counter
	busy       prom.Counter
	failures   *prom.CounterVec
	inProgress prom.Gauge
}

// NewMetrics creates the update metrics and registers them with r, if r is
// not nil.
func NewMetrics(r prom.Registerer) *Metrics {
	m := &Metrics{
		attempts: prom.NewCounter(prom.CounterOpts{
			Name: "ota_update_attempt",
			Help: "Number of update triggers accepted for processing.",
		}),
		success: prom.NewCounter(prom.CounterOpts{
			Name: "ota_update_success",
			Help: "Number of attempts which committed new firmware.",
		}),
		notNewer: prom.NewCounter(prom.CounterOpts{
			Name: "ota_update_not_newer",
			Help: "Number of attempts whose candidate was not newer than the running firmware.",
		}),
		busy: prom.NewCounter(prom.CounterOpts{
			Name: "ota_update_busy_rejected",
			Help: "Number of triggers rejected because an attempt was in progress.",
		}),
		failures: prom.NewCounterVec(prom.CounterOpts{
			Name: "ota_update_failure",
			Help: "Number of failed attempts, by the state in which they failed.",
		}, []string{"state"}),
		inProgress: prom.NewGauge(prom.GaugeOpts{
			Name: "ota_update_in_progress",
			Help: "Set to 1 while an update attempt is running.",
		}),
	}
	if r != nil {
		r.MustRegister(m.attempts, m.success, m.notNewer, m.busy, m.failures, m.inProgress)
	}
	return m
}
