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

	"github.com/saint0x/zap-splice/pkg/protocol"
)

// Resolution is the terminal outcome of a pending request. Exactly one of
// Result and Err is set.
type Resolution struct {
	Result *protocol.InvokeResult
	Err    *protocol.InvokeError
}

// Pending is the router-owned entry for one in-flight request. The first
// resolution wins; later ones are silently dropped.
type Pending struct {

	// accessed atomically, keep as first field for alignment
	resolved uint32

	requestID      uint64
	functionName   string
	startedAt      time.Time
	deadline       time.Time
	deadlineTimer  *time.Timer
	resolutionChan chan Resolution

	streamLock   sync.Mutex
	streamChan   chan protocol.Message
	streamClosed bool
}

func newPending(requestID uint64, functionName string, deadline time.Duration, streamWindow uint32) *Pending {
	now := time.Now()

	return &Pending{
		requestID:      requestID,
		functionName:   functionName,
		startedAt:      now,
		deadline:       now.Add(deadline),
		resolutionChan: make(chan Resolution, 1),
		streamChan:     make(chan protocol.Message, streamWindow),
	}
}

// RequestID returns the router-assigned correlation id
func (p *Pending) RequestID() uint64 {
	return p.requestID
}

// FunctionName returns the invoked function's name
func (p *Pending) FunctionName() string {
	return p.functionName
}

// Resolved returns the channel carrying the terminal outcome
func (p *Pending) Resolved() <-chan Resolution {
	return p.resolutionChan
}

// Stream returns the channel carrying stream frames for this request. Closed
// when the request resolves.
func (p *Pending) Stream() <-chan protocol.Message {
	return p.streamChan
}

// resolve delivers the outcome if this is the first resolution. Returns
// whether it won.
func (p *Pending) resolve(resolution Resolution) bool {
	if !atomic.CompareAndSwapUint32(&p.resolved, 0, 1) {
		return false
	}

	if p.deadlineTimer != nil {
		p.deadlineTimer.Stop()
	}

	p.resolutionChan <- resolution

	p.streamLock.Lock()
	p.streamClosed = true
	close(p.streamChan)
	p.streamLock.Unlock()

	return true
}

// forwardStream delivers a stream frame without blocking the reader loop.
// Returns false when the subscriber's window is full and the frame was
// dropped.
func (p *Pending) forwardStream(message protocol.Message) bool {
	p.streamLock.Lock()
	defer p.streamLock.Unlock()

	if p.streamClosed {
		return false
	}

	select {
	case p.streamChan <- message:
		return true
	default:
		return false
	}
}
