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
	"sync/atomic"
	"time"
)

// Metrics holds the supervisor's request counters. All counters are updated
// atomically; readers may observe a snapshot that is not a consistent cut
// across counters, which is acceptable for monitoring.
type Metrics struct {

	// accessed atomically, keep as first fields for alignment
	totalRequests      uint64
	successfulRequests uint64
	failedRequests     uint64
	timeoutRequests    uint64
	cancelledRequests  uint64
	activeRequests     int64

	startedAt time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		startedAt: time.Now(),
	}
}

// RequestStarted records an accepted invocation
func (m *Metrics) RequestStarted() {
	atomic.AddUint64(&m.totalRequests, 1)
	atomic.AddInt64(&m.activeRequests, 1)
}

// RequestSucceeded records a request that resolved with InvokeResult
func (m *Metrics) RequestSucceeded() {
	atomic.AddUint64(&m.successfulRequests, 1)
	atomic.AddInt64(&m.activeRequests, -1)
}

// RequestFailed records a request that resolved with InvokeError
func (m *Metrics) RequestFailed() {
	atomic.AddUint64(&m.failedRequests, 1)
	atomic.AddInt64(&m.activeRequests, -1)
}

// RequestTimedOut records a request terminated by its deadline
func (m *Metrics) RequestTimedOut() {
	atomic.AddUint64(&m.timeoutRequests, 1)
	atomic.AddInt64(&m.activeRequests, -1)
}

// RequestCancelled records a request terminated by an explicit Cancel
func (m *Metrics) RequestCancelled() {
	atomic.AddUint64(&m.cancelledRequests, 1)
	atomic.AddInt64(&m.activeRequests, -1)
}

// ActiveRequests returns the number of currently in-flight requests
func (m *Metrics) ActiveRequests() int64 {
	return atomic.LoadInt64(&m.activeRequests)
}

// UptimeMS returns milliseconds elapsed since creation
func (m *Metrics) UptimeMS() uint64 {
	return uint64(time.Since(m.startedAt) / time.Millisecond)
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	TimeoutRequests    uint64
	CancelledRequests  uint64
	ActiveRequests     int64
	UptimeMS           uint64
}

// GetSnapshot reads all counters atomically, one at a time
func (m *Metrics) GetSnapshot() Snapshot {
	return Snapshot{
		TotalRequests:      atomic.LoadUint64(&m.totalRequests),
		SuccessfulRequests: atomic.LoadUint64(&m.successfulRequests),
		FailedRequests:     atomic.LoadUint64(&m.failedRequests),
		TimeoutRequests:    atomic.LoadUint64(&m.timeoutRequests),
		CancelledRequests:  atomic.LoadUint64(&m.cancelledRequests),
		ActiveRequests:     atomic.LoadInt64(&m.activeRequests),
		UptimeMS:           m.UptimeMS(),
	}
}
