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

	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/logger"
)

// SocketPathEnvVar names the worker-facing socket. The supervisor sets it
// before spawning the worker process.
const SocketPathEnvVar = "ZAP_SOCKET"

// Context is the per-invocation view handed to user functions. It carries the
// request metadata and the cancellation signal; user functions observe
// cancellation cooperatively through the embedded context.
type Context struct {
	context.Context

	RequestID uint64
	TraceID   uint64
	SpanID    uint64
	Headers   [][2]string
	Auth      *protocol.AuthContext
	Logger    logger.Logger
}

// Handler is a unary exported function. The returned bytes travel back to the
// host unmodified.
type Handler func(ctx *Context, params []byte) ([]byte, error)

// StreamHandler is a streaming exported function. Chunks written to the
// stream are delivered in order; returning nil ends the stream cleanly.
type StreamHandler func(ctx *Context, params []byte, stream *StreamWriter) error

// Export couples a function's metadata with its implementation. Exactly one
// of Handler and StreamHandler is set, matching IsStreaming.
type Export struct {
	Metadata      protocol.ExportMetadata
	Handler       Handler
	StreamHandler StreamHandler
}
