/*
Copyright 2023 The Splice Authors.

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

package metrics

import (
	"net/http"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gatherer exposes the supervisor's counters over a prometheus registry.
// Counters are copied from the atomic source on every scrape.
type Gatherer struct {
	logger         logger.Logger
	metrics        *Metrics
	metricRegistry *prometheus.Registry

	totalRequests      prometheus.CounterFunc
	successfulRequests prometheus.CounterFunc
	failedRequests     prometheus.CounterFunc
	timeoutRequests    prometheus.CounterFunc
	cancelledRequests  prometheus.CounterFunc
	activeRequests     prometheus.GaugeFunc
	uptimeSeconds      prometheus.GaugeFunc
}

func NewGatherer(parentLogger logger.Logger,
	metricsInstance *Metrics,
	instanceName string) (*Gatherer, error) {
	newGatherer := &Gatherer{
		logger:         parentLogger.GetChild("metrics"),
		metrics:        metricsInstance,
		metricRegistry: prometheus.NewRegistry(),
	}

	labels := prometheus.Labels{
		"instance": instanceName,
	}

	newGatherer.totalRequests = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "splice_supervisor_requests_total",
		Help:        "Total number of accepted invocations",
		ConstLabels: labels,
	}, func() float64 {
		return float64(newGatherer.metrics.GetSnapshot().TotalRequests)
	})

	newGatherer.successfulRequests = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "splice_supervisor_requests_successful_total",
		Help:        "Number of invocations that resolved with a result",
		ConstLabels: labels,
	}, func() float64 {
		return float64(newGatherer.metrics.GetSnapshot().SuccessfulRequests)
	})

	newGatherer.failedRequests = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "splice_supervisor_requests_failed_total",
		Help:        "Number of invocations that resolved with an error",
		ConstLabels: labels,
	}, func() float64 {
		return float64(newGatherer.metrics.GetSnapshot().FailedRequests)
	})

	newGatherer.timeoutRequests = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "splice_supervisor_requests_timeout_total",
		Help:        "Number of invocations terminated by their deadline",
		ConstLabels: labels,
	}, func() float64 {
		return float64(newGatherer.metrics.GetSnapshot().TimeoutRequests)
	})

	newGatherer.cancelledRequests = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "splice_supervisor_requests_cancelled_total",
		Help:        "Number of invocations terminated by an explicit cancel",
		ConstLabels: labels,
	}, func() float64 {
		return float64(newGatherer.metrics.GetSnapshot().CancelledRequests)
	})

	newGatherer.activeRequests = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "splice_supervisor_requests_active",
		Help:        "Number of currently in-flight invocations",
		ConstLabels: labels,
	}, func() float64 {
		return float64(newGatherer.metrics.ActiveRequests())
	})

	newGatherer.uptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "splice_supervisor_uptime_seconds",
		Help:        "Seconds since the supervisor started",
		ConstLabels: labels,
	}, func() float64 {
		return float64(newGatherer.metrics.UptimeMS()) / 1000
	})

	for _, collector := range []prometheus.Collector{
		newGatherer.totalRequests,
		newGatherer.successfulRequests,
		newGatherer.failedRequests,
		newGatherer.timeoutRequests,
		newGatherer.cancelledRequests,
		newGatherer.activeRequests,
		newGatherer.uptimeSeconds,
	} {
		if err := newGatherer.metricRegistry.Register(collector); err != nil {
			return nil, errors.Wrap(err, "Failed to register collector")
		}
	}

	return newGatherer, nil
}

// Handler returns an HTTP handler serving the registry in the prometheus
// exposition format
func (g *Gatherer) Handler() http.Handler {
	return promhttp.HandlerFor(g.metricRegistry, promhttp.HandlerOpts{})
}

// ListenAndServe serves the metrics endpoint on the given address. Blocks
// until the listener fails.
func (g *Gatherer) ListenAndServe(listenAddress string) error {
	g.logger.InfoWith("Serving metrics", "listenAddress", listenAddress)

	http.Handle("/metrics", g.Handler())

	if err := http.ListenAndServe(listenAddress, nil); err != nil {
		return errors.Wrap(err, "Failed to serve metrics")
	}

	return nil
}
