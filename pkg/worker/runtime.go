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

package worker

import (
	"context"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/saint0x/zap-splice/pkg/metrics"
	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

// Configuration holds the worker runtime's settings
type Configuration struct {

	// Path of the worker-facing socket. Falls back to the environment
	// variable set by the supervisor.
	SocketPath string

	// Maximum accepted frame size
	MaxFrameSize uint32

	// How long a Shutdown waits for in-flight invocations
	DrainTimeout time.Duration
}

const DefaultDrainTimeout = 30 * time.Second

// Runtime is the worker-side loop. It connects to the supervisor, performs
// the handshake, advertises the registry's exports and then dispatches
// invocations until told to shut down.
type Runtime struct {
	logger        logger.Logger
	configuration Configuration
	registry      *Registry
	metrics       *metrics.Metrics
	codec         *protocol.Codec

	conn      net.Conn
	writeLock sync.Mutex

	inflightLock sync.Mutex
	inflight     map[uint64]*invocation
	draining     bool

	capabilities uint32
}

// invocation tracks one in-flight dispatch
type invocation struct {
	cancel       context.CancelFunc
	streamWriter *StreamWriter
}

func NewRuntime(parentLogger logger.Logger,
	registry *Registry,
	configuration Configuration) (*Runtime, error) {
	if configuration.SocketPath == "" {
		configuration.SocketPath = os.Getenv(SocketPathEnvVar)
	}

	if configuration.SocketPath == "" {
		return nil, errors.Errorf("No socket path given and %s is not set", SocketPathEnvVar)
	}

	if configuration.MaxFrameSize == 0 {
		configuration.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	if configuration.DrainTimeout == 0 {
		configuration.DrainTimeout = DefaultDrainTimeout
	}

	return &Runtime{
		logger:        parentLogger.GetChild("worker"),
		configuration: configuration,
		registry:      registry,
		metrics:       metrics.NewMetrics(),
		codec:         protocol.NewCodec(configuration.MaxFrameSize),
		inflight:      map[uint64]*invocation{},
	}, nil
}

// Run connects, handshakes and serves invocations. Returns nil on an orderly
// shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	conn, err := net.Dial("unix", r.configuration.SocketPath)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to %s", r.configuration.SocketPath)
	}

	r.conn = conn
	defer conn.Close() // nolint: errcheck

	if err := r.handshake(); err != nil {
		return errors.Wrap(err, "Handshake failed")
	}

	if err := r.writeMessage(&protocol.ListExportsResult{Exports: r.registry.Exports()}); err != nil {
		return errors.Wrap(err, "Failed to advertise exports")
	}

	r.logger.InfoWith("Worker ready",
		"socketPath", r.configuration.SocketPath,
		"numExports", r.registry.Len())

	// unblock the read loop when the caller's context ends
	go func() {
		<-ctx.Done()
		conn.Close() // nolint: errcheck
	}()

	return r.serve(ctx)
}

func (r *Runtime) handshake() error {
	handshake := &protocol.Handshake{
		Version:      protocol.Version,
		Role:         protocol.RoleWorker,
		Capabilities: protocol.CapStreaming | protocol.CapCancellation,
		MaxFrameSize: r.configuration.MaxFrameSize,
	}

	if err := r.writeMessage(handshake); err != nil {
		return errors.Wrap(err, "Failed to send handshake")
	}

	message, err := r.codec.ReadMessage(r.conn)
	if err != nil {
		return errors.Wrap(err, "Failed to read handshake ack")
	}

	ack, ok := message.(*protocol.HandshakeAck)
	if !ok {
		return errors.Errorf("Expected handshake ack, got %s", message.MessageKind())
	}

	if ack.Version>>16 != protocol.Version>>16 {
		return errors.Errorf("Protocol major version mismatch: peer 0x%08x, ours 0x%08x",
			ack.Version,
			protocol.Version)
	}

	r.capabilities = ack.Capabilities

	return nil
}

func (r *Runtime) serve(ctx context.Context) error {
	for {
		message, err := r.codec.ReadMessage(r.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Wrap(err, "Failed to read message")
		}

		switch typedMessage := message.(type) {
		case *protocol.Invoke:
			r.dispatch(ctx, typedMessage)
		case *protocol.Cancel:
			r.handleCancel(typedMessage)
		case *protocol.StreamAck:
			r.handleStreamAck(typedMessage)
		case *protocol.HealthCheck:
			r.handleHealthCheck()
		case *protocol.ListExports:
			if err := r.writeMessage(&protocol.ListExportsResult{Exports: r.registry.Exports()}); err != nil {
				r.logger.WarnWith("Failed to send exports", "err", err)
			}
		case *protocol.Shutdown:
			return r.handleShutdown()
		default:
			r.logger.WarnWith("Dropping unexpected message", "kind", message.MessageKind())
		}
	}
}

// dispatch runs one invocation on its own goroutine so slow functions never
// block the read loop
func (r *Runtime) dispatch(ctx context.Context, invoke *protocol.Invoke) {
	r.inflightLock.Lock()
	if r.draining {
		r.inflightLock.Unlock()

		r.sendInvokeError(protocol.NewInvokeError(invoke.RequestID,
			protocol.CodeUnavailable,
			"Worker is draining"))

		return
	}
	r.inflightLock.Unlock()

	r.metrics.RequestStarted()

	export := r.registry.Get(invoke.FunctionName)
	if export == nil {
		r.metrics.RequestFailed()
		r.sendInvokeError(protocol.NewInvokeError(invoke.RequestID,
			protocol.CodeFunctionNotFound,
			"No such function: "+invoke.FunctionName))

		return
	}

	var invokeCtx context.Context
	var cancel context.CancelFunc

	// the supervisor's deadline timer is authoritative; mirroring it here
	// lets the function observe expiry without waiting for a Cancel frame
	if invoke.DeadlineMS > 0 {
		invokeCtx, cancel = context.WithTimeout(ctx, time.Duration(invoke.DeadlineMS)*time.Millisecond)
	} else {
		invokeCtx, cancel = context.WithCancel(ctx)
	}

	currentInvocation := &invocation{cancel: cancel}
	if export.Metadata.IsStreaming {
		currentInvocation.streamWriter = newStreamWriter(invokeCtx, invoke.RequestID, r.writeMessage)
	}

	r.inflightLock.Lock()
	r.inflight[invoke.RequestID] = currentInvocation
	r.inflightLock.Unlock()

	go r.execute(invokeCtx, invoke, export, currentInvocation)
}

func (r *Runtime) execute(ctx context.Context,
	invoke *protocol.Invoke,
	export *Export,
	currentInvocation *invocation) {
	startTime := time.Now()

	defer func() {
		r.inflightLock.Lock()
		delete(r.inflight, invoke.RequestID)
		r.inflightLock.Unlock()

		currentInvocation.cancel()

		if recoveredErr := recover(); recoveredErr != nil {
			callStack := debug.Stack()
			r.logger.ErrorWith("Function panicked",
				"functionName", invoke.FunctionName,
				"requestID", invoke.RequestID,
				"err", recoveredErr,
				"stack", string(callStack))

			r.metrics.RequestFailed()
			r.sendInvokeError(protocol.NewInvokeError(invoke.RequestID,
				protocol.CodePanic,
				"Function panicked"))
		}
	}()

	invocationContext := &Context{
		Context:   ctx,
		RequestID: invoke.RequestID,
		TraceID:   invoke.Context.TraceID,
		SpanID:    invoke.Context.SpanID,
		Headers:   invoke.Context.Headers,
		Auth:      invoke.Context.Auth,
		Logger:    newRemoteLogger(invoke.FunctionName, r.logger.GetChild(invoke.FunctionName), r.writeMessage),
	}

	var result []byte
	var err error

	if export.Metadata.IsStreaming {
		result, err = r.executeStreaming(invocationContext, invoke, export, currentInvocation.streamWriter)
	} else {
		result, err = export.Handler(invocationContext, invoke.Params)
	}

	switch ctx.Err() {
	case context.Canceled:
		r.metrics.RequestCancelled()
		r.sendInvokeError(protocol.NewInvokeError(invoke.RequestID,
			protocol.CodeCancelled,
			"Invocation cancelled"))

		return
	case context.DeadlineExceeded:
		r.metrics.RequestTimedOut()
		r.sendInvokeError(protocol.NewInvokeError(invoke.RequestID,
			protocol.CodeTimeout,
			"Invocation deadline exceeded"))

		return
	}

	if err != nil {
		r.metrics.RequestFailed()
		r.sendInvokeError(r.invokeErrorFromHandlerError(invoke.RequestID, err))

		return
	}

	r.metrics.RequestSucceeded()

	if sendErr := r.writeMessage(&protocol.InvokeResult{
		RequestID:  invoke.RequestID,
		Result:     result,
		DurationUS: uint64(time.Since(startTime) / time.Microsecond),
	}); sendErr != nil {
		r.logger.WarnWith("Failed to send result", "requestID", invoke.RequestID, "err", sendErr)
	}
}

// executeStreaming brackets the handler with StreamStart and StreamEnd. An
// empty InvokeResult still follows so the supervisor retires the request.
func (r *Runtime) executeStreaming(invocationContext *Context,
	invoke *protocol.Invoke,
	export *Export,
	streamWriter *StreamWriter) ([]byte, error) {
	if err := r.writeMessage(&protocol.StreamStart{RequestID: invoke.RequestID}); err != nil {
		return nil, errors.Wrap(err, "Failed to start stream")
	}

	if err := export.StreamHandler(invocationContext, invoke.Params, streamWriter); err != nil {
		sendErr := r.writeMessage(&protocol.StreamError{
			RequestID: invoke.RequestID,
			Code:      protocol.CodeExecutionFailed,
			Kind:      protocol.ErrorKindExecution,
			Message:   err.Error(),
		})
		if sendErr != nil {
			r.logger.WarnWith("Failed to send stream error", "requestID", invoke.RequestID, "err", sendErr)
		}

		return nil, err
	}

	if err := r.writeMessage(&protocol.StreamEnd{
		RequestID: invoke.RequestID,
		Sequence:  streamWriter.Sequence(),
	}); err != nil {
		return nil, errors.Wrap(err, "Failed to end stream")
	}

	return nil, nil
}

func (r *Runtime) invokeErrorFromHandlerError(requestID uint64, err error) *protocol.InvokeError {
	if invokeError, ok := err.(*protocol.InvokeError); ok {
		invokeError.RequestID = requestID

		return invokeError
	}

	invokeError := protocol.NewInvokeError(requestID, protocol.CodeExecutionFailed, err.Error())
	invokeError.Kind = protocol.ErrorKindUser

	return invokeError
}

// handleCancel signals the invocation's context and acknowledges once. A
// second Cancel for the same id finds no in-flight entry and is dropped.
func (r *Runtime) handleCancel(cancel *protocol.Cancel) {
	r.inflightLock.Lock()
	currentInvocation, found := r.inflight[cancel.RequestID]
	if found {
		delete(r.inflight, cancel.RequestID)
	}
	r.inflightLock.Unlock()

	if !found {
		return
	}

	currentInvocation.cancel()

	if err := r.writeMessage(&protocol.CancelAck{RequestID: cancel.RequestID}); err != nil {
		r.logger.WarnWith("Failed to acknowledge cancel", "requestID", cancel.RequestID, "err", err)
	}
}

func (r *Runtime) handleStreamAck(ack *protocol.StreamAck) {
	r.inflightLock.Lock()
	currentInvocation, found := r.inflight[ack.RequestID]
	r.inflightLock.Unlock()

	if !found || currentInvocation.streamWriter == nil {
		return
	}

	currentInvocation.streamWriter.updateWindow(ack.Window)
}

func (r *Runtime) handleHealthCheck() {
	snapshot := r.metrics.GetSnapshot()

	if err := r.writeMessage(&protocol.HealthStatus{
		Healthy:        true,
		UptimeMS:       snapshot.UptimeMS,
		ActiveRequests: uint64(snapshot.ActiveRequests),
		TotalRequests:  snapshot.TotalRequests,
	}); err != nil {
		r.logger.WarnWith("Failed to send health status", "err", err)
	}
}

// handleShutdown stops intake, cancels in-flight invocations, waits for them
// to drain, acknowledges and exits the serve loop
func (r *Runtime) handleShutdown() error {
	r.logger.InfoWith("Shutting down", "numInflight", r.numInflight())

	r.inflightLock.Lock()
	r.draining = true
	for _, currentInvocation := range r.inflight {
		currentInvocation.cancel()
	}
	r.inflightLock.Unlock()

	drainDeadline := time.Now().Add(r.configuration.DrainTimeout)
	for r.numInflight() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := r.writeMessage(&protocol.ShutdownAck{}); err != nil {
		return errors.Wrap(err, "Failed to acknowledge shutdown")
	}

	return nil
}

func (r *Runtime) numInflight() int {
	r.inflightLock.Lock()
	defer r.inflightLock.Unlock()

	return len(r.inflight)
}

func (r *Runtime) sendInvokeError(invokeError *protocol.InvokeError) {
	if err := r.writeMessage(invokeError); err != nil {
		r.logger.WarnWith("Failed to send error",
			"requestID", invokeError.RequestID,
			"err", err)
	}
}

func (r *Runtime) writeMessage(message protocol.Message) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	return r.codec.WriteMessage(r.conn, message)
}
