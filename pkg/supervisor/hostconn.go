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

package supervisor

import (
	"fmt"
	"net"
	"sync"

	"github.com/saint0x/zap-splice/pkg/protocol"
	"github.com/saint0x/zap-splice/pkg/router"
	"github.com/saint0x/zap-splice/pkg/status"

	"github.com/nuclio/logger"
)

// hostConnection serves one host over socket A. The host assigns its own
// correlation ids; the router reassigns, so responses are rewritten back to
// the id the host sent.
type hostConnection struct {
	logger     logger.Logger
	conn       net.Conn
	codec      *protocol.Codec
	supervisor *Supervisor

	writeLock sync.Mutex

	// host request id -> router request id, for cancellation
	correlationLock sync.Mutex
	correlations    map[uint64]uint64

	shutdownRequested bool
}

func newHostConnection(parentLogger logger.Logger,
	conn net.Conn,
	supervisor *Supervisor) *hostConnection {
	return &hostConnection{
		logger:       parentLogger.GetChild("hostconn"),
		conn:         conn,
		codec:        protocol.NewCodec(supervisor.configuration.MaxFrameSize),
		supervisor:   supervisor,
		correlations: map[uint64]uint64{},
	}
}

// serve handshakes and processes host messages until the connection closes
func (hc *hostConnection) serve() {
	defer hc.conn.Close() // nolint: errcheck

	if err := hc.handshake(); err != nil {
		hc.logger.WarnWith("Host handshake failed", "err", err)

		return
	}

	for {
		message, err := hc.codec.ReadMessage(hc.conn)
		if err != nil {
			hc.logger.DebugWith("Host connection closed", "err", err)

			return
		}

		switch typedMessage := message.(type) {
		case *protocol.ListExports:
			hc.writeMessage(&protocol.ListExportsResult{ // nolint: errcheck
				Exports: hc.supervisor.Exports(),
			})
		case *protocol.Invoke:
			hc.handleInvoke(typedMessage)
		case *protocol.Cancel:
			hc.handleCancel(typedMessage)
		case *protocol.Shutdown:
			hc.shutdownRequested = true
			hc.supervisor.RequestShutdown()

			return
		default:
			hc.logger.WarnWith("Dropping unexpected host message", "kind", message.MessageKind())
		}
	}
}

func (hc *hostConnection) handshake() error {
	message, err := hc.codec.ReadMessage(hc.conn)
	if err != nil {
		return err
	}

	handshake, ok := message.(*protocol.Handshake)
	if !ok {
		return protocol.NewInvokeError(0, protocol.CodeInvalidRequest, "Expected handshake")
	}

	if handshake.Version>>16 != protocol.Version>>16 {
		hc.writeMessage(protocol.NewInvokeError(0, // nolint: errcheck
			protocol.CodeInvalidRequest,
			fmt.Sprintf("Unsupported protocol version 0x%08x, accepted 0x%08x",
				handshake.Version,
				protocol.Version)))

		return protocol.NewInvokeError(0, protocol.CodeInvalidRequest, "Protocol major version mismatch")
	}

	if handshake.Role != protocol.RoleHost {
		return protocol.NewInvokeError(0, protocol.CodeInvalidRequest, "Expected host role")
	}

	// the effective frame size is the minimum of both sides' maxima
	if handshake.MaxFrameSize != 0 && handshake.MaxFrameSize < hc.codec.MaxFrameSize() {
		hc.codec.SetMaxFrameSize(handshake.MaxFrameSize)
	}

	return hc.writeMessage(&protocol.HandshakeAck{
		Version:      protocol.Version,
		Capabilities: handshake.Capabilities & (protocol.CapStreaming | protocol.CapCancellation),
		ServerID:     hc.supervisor.ServerID(),
		ExportCount:  uint32(len(hc.supervisor.Exports())),
	})
}

// handleInvoke bridges a host invocation through the router and pumps the
// outcome back with the host's correlation id
func (hc *hostConnection) handleInvoke(invoke *protocol.Invoke) {
	hostRequestID := invoke.RequestID

	if hc.supervisor.GetStatus() != status.Ready {
		hc.writeMessage(protocol.NewInvokeError(hostRequestID, // nolint: errcheck
			protocol.CodeUnavailable,
			"Worker is not ready"))

		return
	}

	pending, err := hc.supervisor.router.Invoke(invoke.FunctionName,
		invoke.Params,
		invoke.DeadlineMS,
		invoke.Context)
	if err != nil {
		invokeError := err.(*protocol.InvokeError)
		invokeError.RequestID = hostRequestID
		hc.writeMessage(invokeError) // nolint: errcheck

		return
	}

	hc.correlationLock.Lock()
	hc.correlations[hostRequestID] = pending.RequestID()
	hc.correlationLock.Unlock()

	go hc.pumpOutcome(hostRequestID, pending)
}

// pumpOutcome forwards stream frames and the terminal outcome to the host,
// rewriting router ids back to the host's
func (hc *hostConnection) pumpOutcome(hostRequestID uint64, pending *router.Pending) {
	defer func() {
		hc.correlationLock.Lock()
		delete(hc.correlations, hostRequestID)
		hc.correlationLock.Unlock()
	}()

	streamChan := pending.Stream()
	resolvedChan := pending.Resolved()

	for {
		select {
		case streamMessage, open := <-streamChan:
			if !open {
				streamChan = nil

				continue
			}

			hc.writeMessage(hc.rewriteStreamRequestID(streamMessage, hostRequestID)) // nolint: errcheck
		case resolution := <-resolvedChan:

			// flush remaining stream frames before the terminal outcome;
			// resolution closed the stream channel
			if streamChan != nil {
				for streamMessage := range streamChan {
					hc.writeMessage(hc.rewriteStreamRequestID(streamMessage, hostRequestID)) // nolint: errcheck
				}
			}

			if resolution.Err != nil {
				invokeError := *resolution.Err
				invokeError.RequestID = hostRequestID
				hc.writeMessage(&invokeError) // nolint: errcheck

				return
			}

			result := *resolution.Result
			result.RequestID = hostRequestID
			hc.writeMessage(&result) // nolint: errcheck

			return
		}
	}
}

func (hc *hostConnection) rewriteStreamRequestID(message protocol.Message, hostRequestID uint64) protocol.Message {
	switch typedMessage := message.(type) {
	case *protocol.StreamStart:
		rewritten := *typedMessage
		rewritten.RequestID = hostRequestID

		return &rewritten
	case *protocol.StreamChunk:
		rewritten := *typedMessage
		rewritten.RequestID = hostRequestID

		return &rewritten
	case *protocol.StreamEnd:
		rewritten := *typedMessage
		rewritten.RequestID = hostRequestID

		return &rewritten
	case *protocol.StreamError:
		rewritten := *typedMessage
		rewritten.RequestID = hostRequestID

		return &rewritten
	}

	return message
}

func (hc *hostConnection) handleCancel(cancel *protocol.Cancel) {
	hc.correlationLock.Lock()
	routerRequestID, found := hc.correlations[cancel.RequestID]
	hc.correlationLock.Unlock()

	if !found {
		return
	}

	hc.supervisor.router.Cancel(routerRequestID)
}

func (hc *hostConnection) writeMessage(message protocol.Message) error {
	hc.writeLock.Lock()
	defer hc.writeLock.Unlock()

	return hc.codec.WriteMessage(hc.conn, message)
}
