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

package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/saint0x/zap-splice/pkg/metrics"
	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"golang.org/x/sync/semaphore"
)

// Router multiplexes host invocations over the single worker connection. It
// owns the pending table, assigns monotonic request ids, enforces the global
// and per-function concurrency gates fail-fast, and arms a deadline per
// request. Responses from the worker are correlated back to the originating
// Pending handle; the first terminal outcome wins.
type Router struct {

	// accessed atomically, keep as first field for alignment
	nextRequestID uint64

	logger        logger.Logger
	configuration Configuration
	metrics       *metrics.Metrics
	sender        Sender

	pendingLock sync.Mutex
	pending     map[uint64]*Pending

	globalGate    *semaphore.Weighted
	functionGates sync.Map
}

func NewRouter(parentLogger logger.Logger,
	configuration Configuration,
	metricsInstance *metrics.Metrics,
	sender Sender) *Router {
	configuration = configuration.WithDefaults()

	return &Router{
		logger:        parentLogger.GetChild("router"),
		configuration: configuration,
		metrics:       metricsInstance,
		sender:        sender,
		pending:       map[uint64]*Pending{},
		globalGate:    semaphore.NewWeighted(configuration.MaxConcurrentRequests),
	}
}

// SetSender swaps the worker connection writer. Called by the supervisor on
// worker restart.
func (r *Router) SetSender(sender Sender) {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()

	r.sender = sender
}

// Invoke forwards an invocation to the worker and returns a Pending handle
// the caller awaits. Fails synchronously with Overloaded when either
// concurrency gate is full; the worker never observes a rejected request.
// A requested deadline of 0 means the server default; requested deadlines are
// clamped to the configured maximum.
func (r *Router) Invoke(functionName string,
	params []byte,
	deadlineMS uint32,
	requestContext protocol.RequestContext) (*Pending, error) {
	if !r.globalGate.TryAcquire(1) {
		return nil, protocol.NewInvokeError(0, protocol.CodeOverloaded, "Global concurrency limit reached")
	}

	functionGate := r.functionGate(functionName)
	if !functionGate.TryAcquire(1) {
		r.globalGate.Release(1)

		return nil, protocol.NewInvokeError(0, protocol.CodeOverloaded, "Per-function concurrency limit reached")
	}

	deadline := r.effectiveDeadline(deadlineMS)
	requestID := atomic.AddUint64(&r.nextRequestID, 1)
	pendingRequest := newPending(requestID, functionName, deadline, r.configuration.StreamWindow)

	// arm the deadline before the entry is visible to any resolver
	pendingRequest.deadlineTimer = time.AfterFunc(deadline, func() {
		r.expire(requestID)
	})

	r.pendingLock.Lock()
	r.pending[requestID] = pendingRequest
	sender := r.sender
	r.pendingLock.Unlock()

	r.metrics.RequestStarted()

	invoke := &protocol.Invoke{
		RequestID:    requestID,
		FunctionName: functionName,
		Params:       params,
		DeadlineMS:   uint32(deadline / time.Millisecond),
		Context:      requestContext,
	}

	if err := sender.Send(invoke); err != nil {
		r.resolveError(requestID,
			protocol.NewInvokeError(requestID, protocol.CodeUnavailable, "Worker connection unavailable"))

		return pendingRequest, nil
	}

	return pendingRequest, nil
}

// Cancel terminates a pending request on behalf of the host. The request
// resolves locally with Cancelled and a Cancel is forwarded to the worker so
// it can stop doing work. Cancelling an unknown or already resolved id is a
// no-op.
func (r *Router) Cancel(requestID uint64) {
	r.pendingLock.Lock()
	_, found := r.pending[requestID]
	sender := r.sender
	r.pendingLock.Unlock()

	if !found {
		return
	}

	if sender != nil {
		if err := sender.Send(&protocol.Cancel{RequestID: requestID}); err != nil {
			r.logger.WarnWith("Failed to forward cancel to worker", "requestID", requestID, "err", err)
		}
	}

	if r.resolveErrorWithOutcome(requestID,
		protocol.NewInvokeError(requestID, protocol.CodeCancelled, "Cancelled by caller"),
		r.metrics.RequestCancelled) {
		r.logger.DebugWith("Request cancelled", "requestID", requestID)
	}
}

// HandleWorkerMessage correlates a worker-originated message back to its
// pending request. Messages for unknown or already resolved ids are dropped.
func (r *Router) HandleWorkerMessage(message protocol.Message) {
	switch typedMessage := message.(type) {
	case *protocol.InvokeResult:
		r.resolveResult(typedMessage)
	case *protocol.InvokeError:
		r.resolveError(typedMessage.RequestID, typedMessage)
	case *protocol.StreamStart:
		r.forwardStream(typedMessage.RequestID, typedMessage)
	case *protocol.StreamChunk:
		r.forwardStream(typedMessage.RequestID, typedMessage)
	case *protocol.StreamEnd:
		r.forwardStream(typedMessage.RequestID, typedMessage)
	case *protocol.StreamError:
		r.forwardStream(typedMessage.RequestID, typedMessage)
	case *protocol.CancelAck:
		r.logger.DebugWith("Worker acknowledged cancel", "requestID", typedMessage.RequestID)
	default:
		r.logger.WarnWith("Dropping unexpected worker message", "kind", message.MessageKind())
	}
}

// FailAllPending resolves every outstanding request with the given error
// code. Called when the worker epoch ends (crash or disconnect).
func (r *Router) FailAllPending(code uint16, message string) {
	r.pendingLock.Lock()
	outstanding := make([]uint64, 0, len(r.pending))
	for requestID := range r.pending {
		outstanding = append(outstanding, requestID)
	}
	r.pendingLock.Unlock()

	if len(outstanding) == 0 {
		return
	}

	r.logger.WarnWith("Failing all pending requests",
		"numPending", len(outstanding),
		"code", code)

	for _, requestID := range outstanding {
		r.resolveError(requestID, protocol.NewInvokeError(requestID, code, message))
	}
}

// NumPending returns the size of the pending table
func (r *Router) NumPending() int {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()

	return len(r.pending)
}

// Drained returns once the pending table is empty or the timeout elapses.
// Returns whether the table drained in time.
func (r *Router) Drained(timeout time.Duration) bool {
	pollTicker := time.NewTicker(10 * time.Millisecond)
	defer pollTicker.Stop()

	deadline := time.After(timeout)

	for {
		if r.NumPending() == 0 {
			return true
		}

		select {
		case <-pollTicker.C:
		case <-deadline:
			return r.NumPending() == 0
		}
	}
}

func (r *Router) effectiveDeadline(deadlineMS uint32) time.Duration {
	if deadlineMS == 0 {
		return r.configuration.DefaultDeadline
	}

	deadline := time.Duration(deadlineMS) * time.Millisecond
	if deadline > r.configuration.MaxDeadline {
		return r.configuration.MaxDeadline
	}

	return deadline
}

func (r *Router) functionGate(functionName string) *semaphore.Weighted {
	if gate, found := r.functionGates.Load(functionName); found {
		return gate.(*semaphore.Weighted)
	}

	gate, _ := r.functionGates.LoadOrStore(functionName,
		semaphore.NewWeighted(r.configuration.MaxConcurrentPerFunction))

	return gate.(*semaphore.Weighted)
}

// remove takes a request out of the pending table and releases its gates.
// Returns nil if the id is unknown.
func (r *Router) remove(requestID uint64) *Pending {
	r.pendingLock.Lock()
	pendingRequest, found := r.pending[requestID]
	if found {
		delete(r.pending, requestID)
	}
	r.pendingLock.Unlock()

	if !found {
		return nil
	}

	r.globalGate.Release(1)
	r.functionGate(pendingRequest.functionName).Release(1)

	return pendingRequest
}

func (r *Router) resolveResult(result *protocol.InvokeResult) {
	pendingRequest := r.remove(result.RequestID)
	if pendingRequest == nil {
		return
	}

	if pendingRequest.resolve(Resolution{Result: result}) {
		r.metrics.RequestSucceeded()
	}
}

func (r *Router) resolveError(requestID uint64, invokeError *protocol.InvokeError) {
	r.resolveErrorWithOutcome(requestID, invokeError, r.metrics.RequestFailed)
}

func (r *Router) resolveErrorWithOutcome(requestID uint64,
	invokeError *protocol.InvokeError,
	recordOutcome func()) bool {
	pendingRequest := r.remove(requestID)
	if pendingRequest == nil {
		return false
	}

	if !pendingRequest.resolve(Resolution{Err: invokeError}) {
		return false
	}

	recordOutcome()

	return true
}

// expire fires when a request's deadline elapses. The request resolves with
// Timeout and a best-effort Cancel is forwarded so the worker can stop.
func (r *Router) expire(requestID uint64) {
	r.pendingLock.Lock()
	sender := r.sender
	r.pendingLock.Unlock()

	if !r.resolveErrorWithOutcome(requestID,
		protocol.NewInvokeError(requestID, protocol.CodeTimeout, "Deadline exceeded"),
		r.metrics.RequestTimedOut) {
		return
	}

	r.logger.DebugWith("Request deadline expired", "requestID", requestID)

	if sender != nil {
		if err := sender.Send(&protocol.Cancel{RequestID: requestID}); err != nil {
			r.logger.WarnWith("Failed to forward cancel after deadline",
				"requestID", requestID,
				"err", errors.GetErrorStackString(err, 5))
		}
	}
}

func (r *Router) forwardStream(requestID uint64, message protocol.Message) {
	r.pendingLock.Lock()
	pendingRequest, found := r.pending[requestID]
	r.pendingLock.Unlock()

	if !found {
		return
	}

	if !pendingRequest.forwardStream(message) {
		r.logger.WarnWith("Dropping stream frame, subscriber window full",
			"requestID", requestID,
			"kind", message.MessageKind())
	}
}
