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
	"sync"

	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/errors"
)

// initialStreamWindow is the credit a stream starts with before the first ack
const initialStreamWindow uint32 = 32

// StreamWriter sends ordered chunks for one streaming invocation. Writes
// consume flow-control credit; a StreamAck from the peer replenishes it. A
// window of zero pauses Write until a later ack raises it or the invocation
// is cancelled.
type StreamWriter struct {
	requestID uint64
	sequence  uint64
	ctx       context.Context
	send      func(message protocol.Message) error

	lock         sync.Mutex
	window       uint32
	windowRaised chan struct{}
}

func newStreamWriter(ctx context.Context,
	requestID uint64,
	send func(message protocol.Message) error) *StreamWriter {
	return &StreamWriter{
		requestID:    requestID,
		ctx:          ctx,
		send:         send,
		window:       initialStreamWindow,
		windowRaised: make(chan struct{}, 1),
	}
}

// Write sends one chunk, blocking while the window is exhausted
func (w *StreamWriter) Write(data []byte) error {
	if err := w.acquireCredit(); err != nil {
		return err
	}

	chunk := &protocol.StreamChunk{
		RequestID: w.requestID,
		Sequence:  w.sequence,
		Data:      data,
	}
	w.sequence++

	return w.send(chunk)
}

// Sequence returns the next sequence number to be written
func (w *StreamWriter) Sequence() uint64 {
	return w.sequence
}

// updateWindow applies the credit granted by a StreamAck
func (w *StreamWriter) updateWindow(window uint32) {
	w.lock.Lock()
	w.window = window
	w.lock.Unlock()

	if window > 0 {
		select {
		case w.windowRaised <- struct{}{}:
		default:
		}
	}
}

func (w *StreamWriter) acquireCredit() error {
	for {
		w.lock.Lock()
		if w.window > 0 {
			w.window--
			w.lock.Unlock()

			return nil
		}
		w.lock.Unlock()

		select {
		case <-w.windowRaised:
		case <-w.ctx.Done():
			return errors.Wrap(w.ctx.Err(), "Stream cancelled while awaiting window")
		}
	}
}
