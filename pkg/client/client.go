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

package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

// Configuration holds the client's settings
type Configuration struct {

	// Path of the supervisor's host-facing socket
	SocketPath string

	// Maximum accepted frame size
	MaxFrameSize uint32
}

// Client is the host-side endpoint. One instance per host process; a single
// connection carries all invocations, demultiplexed by correlation id. The
// supervisor's router reassigns request ids, so the ids used here never
// travel past it.
type Client struct {

	// accessed atomically, keep as first field for alignment
	nextCorrelationID uint64

	logger        logger.Logger
	configuration Configuration
	codec         *protocol.Codec

	connLock  sync.Mutex
	conn      net.Conn
	connected bool

	writeLock sync.Mutex

	pendingLock   sync.Mutex
	pending       map[uint64]*pendingInvocation
	exportsWaiter chan []protocol.ExportMetadata

	exports      []protocol.ExportMetadata
	serverID     [16]byte
	capabilities uint32
}

// pendingInvocation is one outstanding client-side call
type pendingInvocation struct {
	resolutionChan chan resolution
	streamChan     chan protocol.Message
}

type resolution struct {
	result *protocol.InvokeResult
	err    *protocol.InvokeError
}

func NewClient(parentLogger logger.Logger, configuration Configuration) *Client {
	if configuration.MaxFrameSize == 0 {
		configuration.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	return &Client{
		logger:        parentLogger.GetChild("client"),
		configuration: configuration,
		codec:         protocol.NewCodec(configuration.MaxFrameSize),
		pending:       map[uint64]*pendingInvocation{},
	}
}

// Connect dials the supervisor, handshakes and caches the export set. Safe
// to call again after a disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.connected {
		return nil
	}

	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "unix", c.configuration.SocketPath)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to %s", c.configuration.SocketPath)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close() // nolint: errcheck

		return errors.Wrap(err, "Handshake failed")
	}

	c.conn = conn
	c.connected = true

	go c.readLoop(conn)

	if err := c.refreshExports(); err != nil {
		return errors.Wrap(err, "Failed to list exports")
	}

	c.logger.DebugWith("Connected",
		"socketPath", c.configuration.SocketPath,
		"numExports", len(c.exports))

	return nil
}

func (c *Client) handshake(conn net.Conn) error {
	if err := c.codec.WriteMessage(conn, &protocol.Handshake{
		Version:      protocol.Version,
		Role:         protocol.RoleHost,
		Capabilities: protocol.CapStreaming | protocol.CapCancellation,
		MaxFrameSize: c.configuration.MaxFrameSize,
	}); err != nil {
		return errors.Wrap(err, "Failed to send handshake")
	}

	message, err := c.codec.ReadMessage(conn)
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

	c.serverID = ack.ServerID
	c.capabilities = ack.Capabilities

	return nil
}

// refreshExports requests the export set and synchronously awaits the reply
// through the read loop
func (c *Client) refreshExports() error {
	exportsChan := make(chan []protocol.ExportMetadata, 1)

	c.pendingLock.Lock()
	c.exportsWaiter = exportsChan
	c.pendingLock.Unlock()

	if err := c.writeMessage(&protocol.ListExports{}); err != nil {
		return err
	}

	exports := <-exportsChan
	if exports == nil {
		return errors.New("Connection closed while listing exports")
	}

	c.exports = exports

	return nil
}

// Exports returns the cached export set
func (c *Client) Exports() []protocol.ExportMetadata {
	return c.exports
}

// ServerID returns the supervisor's instance id from the handshake
func (c *Client) ServerID() [16]byte {
	return c.serverID
}

// Invoke calls a worker-exported function and blocks until a result, an
// error or the context ends. Context cancellation also writes a Cancel
// upstream. A deadlineMS of 0 means the server default.
func (c *Client) Invoke(ctx context.Context,
	functionName string,
	params []byte,
	deadlineMS uint32,
	requestContext protocol.RequestContext) ([]byte, error) {
	invocation, correlationID, err := c.beginInvocation(functionName, params, deadlineMS, requestContext)
	if err != nil {
		return nil, err
	}
	defer c.endInvocation(correlationID)

	select {
	case currentResolution := <-invocation.resolutionChan:
		if currentResolution.err != nil {
			return nil, currentResolution.err
		}

		return currentResolution.result.Result, nil
	case <-ctx.Done():
		c.writeMessage(&protocol.Cancel{RequestID: correlationID}) // nolint: errcheck

		return nil, errors.Wrap(ctx.Err(), "Invocation cancelled")
	}
}

// InvokeStreaming calls a streaming function. Chunks are passed to onChunk in
// order; the call resolves through the returned error once the stream ends.
func (c *Client) InvokeStreaming(ctx context.Context,
	functionName string,
	params []byte,
	deadlineMS uint32,
	requestContext protocol.RequestContext,
	onChunk func(chunk *protocol.StreamChunk) error) error {
	invocation, correlationID, err := c.beginInvocation(functionName, params, deadlineMS, requestContext)
	if err != nil {
		return err
	}
	defer c.endInvocation(correlationID)

	for {
		select {
		case streamMessage := <-invocation.streamChan:
			switch typedMessage := streamMessage.(type) {
			case *protocol.StreamChunk:
				if err := onChunk(typedMessage); err != nil {
					c.writeMessage(&protocol.Cancel{RequestID: correlationID}) // nolint: errcheck

					return errors.Wrap(err, "Chunk consumer failed")
				}
			case *protocol.StreamError:
				return protocol.NewInvokeError(correlationID, typedMessage.Code, typedMessage.Message)
			}
		case currentResolution := <-invocation.resolutionChan:

			// the read loop queues stream frames before the terminal frame;
			// deliver the chunks still queued before resolving
			for len(invocation.streamChan) > 0 {
				if chunk, ok := (<-invocation.streamChan).(*protocol.StreamChunk); ok {
					if err := onChunk(chunk); err != nil {
						return errors.Wrap(err, "Chunk consumer failed")
					}
				}
			}

			if currentResolution.err != nil {
				return currentResolution.err
			}

			return nil
		case <-ctx.Done():
			c.writeMessage(&protocol.Cancel{RequestID: correlationID}) // nolint: errcheck

			return errors.Wrap(ctx.Err(), "Invocation cancelled")
		}
	}
}

// RequestShutdown asks the supervisor to drain and exit
func (c *Client) RequestShutdown() error {
	return c.writeMessage(&protocol.Shutdown{})
}

// Close drops the connection. Outstanding invocations fail with Unavailable.
func (c *Client) Close() {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn != nil {
		c.conn.Close() // nolint: errcheck
	}

	c.connected = false
}

func (c *Client) beginInvocation(functionName string,
	params []byte,
	deadlineMS uint32,
	requestContext protocol.RequestContext) (*pendingInvocation, uint64, error) {
	if !c.isConnected() {
		return nil, 0, protocol.NewInvokeError(0, protocol.CodeUnavailable, "Not connected")
	}

	correlationID := atomic.AddUint64(&c.nextCorrelationID, 1)

	invocation := &pendingInvocation{
		resolutionChan: make(chan resolution, 1),
		streamChan:     make(chan protocol.Message, 32),
	}

	c.pendingLock.Lock()
	c.pending[correlationID] = invocation
	c.pendingLock.Unlock()

	if err := c.writeMessage(&protocol.Invoke{
		RequestID:    correlationID,
		FunctionName: functionName,
		Params:       params,
		DeadlineMS:   deadlineMS,
		Context:      requestContext,
	}); err != nil {
		c.endInvocation(correlationID)

		return nil, 0, protocol.NewInvokeError(correlationID, protocol.CodeUnavailable, "Failed to send invocation")
	}

	return invocation, correlationID, nil
}

func (c *Client) endInvocation(correlationID uint64) {
	c.pendingLock.Lock()
	delete(c.pending, correlationID)
	c.pendingLock.Unlock()
}

// readLoop demultiplexes responses until the connection dies, then fails all
// outstanding invocations with Unavailable
func (c *Client) readLoop(conn net.Conn) {
	for {
		message, err := c.codec.ReadMessage(conn)
		if err != nil {
			c.handleDisconnect(err)

			return
		}

		switch typedMessage := message.(type) {
		case *protocol.InvokeResult:
			c.resolve(typedMessage.RequestID, resolution{result: typedMessage})
		case *protocol.InvokeError:
			c.resolve(typedMessage.RequestID, resolution{err: typedMessage})
		case *protocol.ListExportsResult:
			c.deliverExports(typedMessage.Exports)
		case *protocol.StreamStart, *protocol.StreamChunk, *protocol.StreamEnd, *protocol.StreamError:
			c.forwardStream(message)
		default:
			c.logger.WarnWith("Dropping unexpected message", "kind", message.MessageKind())
		}
	}
}

func (c *Client) resolve(correlationID uint64, currentResolution resolution) {
	c.pendingLock.Lock()
	invocation, found := c.pending[correlationID]
	c.pendingLock.Unlock()

	if !found {
		return
	}

	select {
	case invocation.resolutionChan <- currentResolution:
	default:
	}
}

func (c *Client) forwardStream(message protocol.Message) {
	var correlationID uint64

	switch typedMessage := message.(type) {
	case *protocol.StreamStart:
		correlationID = typedMessage.RequestID
	case *protocol.StreamChunk:
		correlationID = typedMessage.RequestID
	case *protocol.StreamEnd:
		correlationID = typedMessage.RequestID
	case *protocol.StreamError:
		correlationID = typedMessage.RequestID
	}

	c.pendingLock.Lock()
	invocation, found := c.pending[correlationID]
	c.pendingLock.Unlock()

	if !found {
		return
	}

	select {
	case invocation.streamChan <- message:
	default:
		c.logger.WarnWith("Dropping stream frame, consumer too slow", "correlationID", correlationID)
	}
}

func (c *Client) deliverExports(exports []protocol.ExportMetadata) {
	c.pendingLock.Lock()
	waiter := c.exportsWaiter
	c.exportsWaiter = nil
	c.pendingLock.Unlock()

	if waiter != nil {
		waiter <- exports
	} else {
		c.exports = exports
	}
}

// handleDisconnect fails every outstanding invocation with Unavailable
func (c *Client) handleDisconnect(err error) {
	c.logger.DebugWith("Disconnected", "err", err)

	c.connLock.Lock()
	c.connected = false
	c.connLock.Unlock()

	c.pendingLock.Lock()
	outstanding := c.pending
	c.pending = map[uint64]*pendingInvocation{}
	waiter := c.exportsWaiter
	c.exportsWaiter = nil
	c.pendingLock.Unlock()

	if waiter != nil {
		waiter <- nil
	}

	for correlationID, invocation := range outstanding {
		select {
		case invocation.resolutionChan <- resolution{
			err: protocol.NewInvokeError(correlationID, protocol.CodeUnavailable, "Connection lost"),
		}:
		default:
		}
	}
}

func (c *Client) isConnected() bool {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	return c.connected
}

func (c *Client) writeMessage(message protocol.Message) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	c.connLock.Lock()
	conn := c.conn
	c.connLock.Unlock()

	if conn == nil {
		return errors.New("Not connected")
	}

	return c.codec.WriteMessage(conn, message)
}
