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
	"net"
	"sync"

	"github.com/saint0x/zap-splice/pkg/common"
	"github.com/saint0x/zap-splice/pkg/protocol"
	"github.com/saint0x/zap-splice/pkg/router"

	"github.com/nuclio/logger"
)

// workerConnection wraps the single connection to the current worker epoch.
// Writes are serialized; the read loop fans messages out to the router and
// the supervisor's control channels.
type workerConnection struct {
	logger logger.Logger
	conn   net.Conn
	codec  *protocol.Codec
	router *router.Router

	writeLock sync.Mutex

	healthStatusChan chan *protocol.HealthStatus
	shutdownAckChan  chan struct{}
	closedChan       chan struct{}
	closeOnce        sync.Once
}

func newWorkerConnection(parentLogger logger.Logger,
	conn net.Conn,
	codec *protocol.Codec,
	routerInstance *router.Router) *workerConnection {
	return &workerConnection{
		logger:           parentLogger.GetChild("workerconn"),
		conn:             conn,
		codec:            codec,
		router:           routerInstance,
		healthStatusChan: make(chan *protocol.HealthStatus, 1),
		shutdownAckChan:  make(chan struct{}, 1),
		closedChan:       make(chan struct{}),
	}
}

// Send writes a single message to the worker
func (wc *workerConnection) Send(message protocol.Message) error {
	wc.writeLock.Lock()
	defer wc.writeLock.Unlock()

	return wc.codec.WriteMessage(wc.conn, message)
}

// close tears the connection down once. The read loop exits with an error
// shortly after.
func (wc *workerConnection) close() {
	wc.closeOnce.Do(func() {
		wc.conn.Close() // nolint: errcheck
		close(wc.closedChan)
	})
}

// readLoop consumes worker messages until the connection dies. Returns the
// terminal read error.
func (wc *workerConnection) readLoop() error {
	for {
		message, err := wc.codec.ReadMessage(wc.conn)
		if err != nil {
			return err
		}

		switch typedMessage := message.(type) {
		case *protocol.InvokeResult,
			*protocol.InvokeError,
			*protocol.StreamStart,
			*protocol.StreamChunk,
			*protocol.StreamEnd,
			*protocol.StreamError,
			*protocol.CancelAck:
			wc.router.HandleWorkerMessage(message)
		case *protocol.LogEvent:
			wc.forwardLogEvent(typedMessage)
		case *protocol.HealthStatus:

			// drop a stale reply the health loop never consumed
			select {
			case <-wc.healthStatusChan:
			default:
			}

			wc.healthStatusChan <- typedMessage
		case *protocol.ShutdownAck:
			select {
			case wc.shutdownAckChan <- struct{}{}:
			default:
			}
		default:
			wc.logger.WarnWith("Dropping unexpected worker message", "kind", message.MessageKind())
		}
	}
}

// forwardLogEvent replays a worker log record on the supervisor's logger at
// the matching level
func (wc *workerConnection) forwardLogEvent(logEvent *protocol.LogEvent) {
	vars := append([]interface{}{"target", logEvent.Target},
		common.PairsToSlice(logEvent.Fields)...)

	switch logEvent.Level {
	case protocol.LogLevelDebug:
		wc.logger.DebugWith(logEvent.Message, vars...)
	case protocol.LogLevelInfo:
		wc.logger.InfoWith(logEvent.Message, vars...)
	case protocol.LogLevelWarn:
		wc.logger.WarnWith(logEvent.Message, vars...)
	default:
		wc.logger.ErrorWith(logEvent.Message, vars...)
	}
}
