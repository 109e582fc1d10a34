/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the prometheus collectors exported by vpsd.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsd_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpsd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"route"},
	)

	hypervisorOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsd_hypervisor_operations_total",
			Help: "Total number of hypervisor API operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	hypervisorOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpsd_hypervisor_operation_duration_seconds",
			Help:    "Duration of hypervisor API operations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	taskWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpsd_hypervisor_task_wait_seconds",
			Help:    "Time spent polling hypervisor tasks to completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	paymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsd_payment_transactions_total",
			Help: "Total number of payment transactions by gateway and outcome",
		},
		[]string{"gateway", "outcome"},
	)

	provisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsd_provisioning_total",
			Help: "Total number of provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	provisioningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpsd_provisioning_duration_seconds",
			Help:    "End-to-end duration of VPS provisioning",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	sweepPhaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsd_sweep_instances_total",
			Help: "Instances processed by the expiration sweeper by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpsd_sweep_duration_seconds",
			Help:    "Duration of one full expiration sweep",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	vpsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpsd_vps_instances",
			Help: "Current number of VPS instances by status",
		},
		[]string{"status"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpsd_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	circuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsd_circuit_breaker_failures_total",
			Help: "Total number of circuit breaker recorded failures",
		},
		[]string{"name"},
	)
)

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, route, code string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, code).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordHypervisorOp records one hypervisor API operation.
func RecordHypervisorOp(operation, outcome string, duration time.Duration) {
	hypervisorOpsTotal.WithLabelValues(operation, outcome).Inc()
	hypervisorOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTaskWait records the time spent waiting on one hypervisor task.
func RecordTaskWait(duration time.Duration) {
	taskWaitDuration.Observe(duration.Seconds())
}

// RecordPayment records one payment transaction outcome.
func RecordPayment(gateway, outcome string) {
	paymentsTotal.WithLabelValues(gateway, outcome).Inc()
}

// RecordProvisioning records one provisioning attempt.
func RecordProvisioning(outcome string, duration time.Duration) {
	provisioningTotal.WithLabelValues(outcome).Inc()
	provisioningDuration.Observe(duration.Seconds())
}

// RecordSweepInstance records one instance handled by a sweep phase.
func RecordSweepInstance(phase, outcome string) {
	sweepPhaseTotal.WithLabelValues(phase, outcome).Inc()
}

// RecordSweepDuration records the duration of one full sweep.
func RecordSweepDuration(duration time.Duration) {
	sweepDuration.Observe(duration.Seconds())
}

// SetVPSCount sets the instance gauge for one status.
func SetVPSCount(status string, count int) {
	vpsByStatus.WithLabelValues(status).Set(float64(count))
}

// CircuitBreakerMetrics tracks one named circuit breaker.
type CircuitBreakerMetrics struct {
	name string
}

// Circuit breaker state values.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerHalfOpen = 1
	CircuitBreakerOpen     = 2
)

// NewCircuitBreakerMetrics creates metrics for a named circuit breaker.
func NewCircuitBreakerMetrics(name string) *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{name: name}
}

// SetState publishes the breaker state.
func (m *CircuitBreakerMetrics) SetState(state int) {
	circuitBreakerState.WithLabelValues(m.name).Set(float64(state))
}

// RecordFailure counts one failed call.
func (m *CircuitBreakerMetrics) RecordFailure() {
	circuitBreakerFailures.WithLabelValues(m.name).Inc()
}
