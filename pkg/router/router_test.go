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

//go:build test_unit

package router

import (
	"sync"
	"testing"
	"time"

	"github.com/saint0x/zap-splice/pkg/metrics"
	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/logger"
	nucliozap "github.com/nuclio/zap"
	"github.com/stretchr/testify/suite"
)

// recordingSender captures messages instead of writing them to a socket
type recordingSender struct {
	lock     sync.Mutex
	messages []protocol.Message
}

func (s *recordingSender) Send(message protocol.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.messages = append(s.messages, message)

	return nil
}

func (s *recordingSender) sent() []protocol.Message {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]protocol.Message{}, s.messages...)
}

func (s *recordingSender) sentOfKind(kind protocol.Kind) []protocol.Message {
	var matching []protocol.Message
	for _, message := range s.sent() {
		if message.MessageKind() == kind {
			matching = append(matching, message)
		}
	}

	return matching
}

type RouterTestSuite struct {
	suite.Suite
	logger  logger.Logger
	metrics *metrics.Metrics
	sender  *recordingSender
	router  *Router
}

func (suite *RouterTestSuite) SetupSuite() {
	suite.logger, _ = nucliozap.NewNuclioZapTest("test")
}

func (suite *RouterTestSuite) SetupTest() {
	suite.metrics = metrics.NewMetrics()
	suite.sender = &recordingSender{}
	suite.router = NewRouter(suite.logger, Configuration{}, suite.metrics, suite.sender)
}

func (suite *RouterTestSuite) TestInvokeAssignsMonotonicRequestIDs() {
	first, err := suite.router.Invoke("echo", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	second, err := suite.router.Invoke("echo", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	suite.Require().Greater(second.RequestID(), first.RequestID())
}

func (suite *RouterTestSuite) TestResultResolvesPending() {
	pending, err := suite.router.Invoke("echo", []byte("hi"), 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	suite.router.HandleWorkerMessage(&protocol.InvokeResult{
		RequestID:  pending.RequestID(),
		Result:     []byte("hi"),
		DurationUS: 10,
	})

	resolution := <-pending.Resolved()
	suite.Require().NotNil(resolution.Result)
	suite.Require().Nil(resolution.Err)
	suite.Require().Equal([]byte("hi"), resolution.Result.Result)

	suite.Require().Zero(suite.router.NumPending())
	suite.Require().Equal(uint64(1), suite.metrics.GetSnapshot().SuccessfulRequests)
}

func (suite *RouterTestSuite) TestErrorResolvesPending() {
	pending, err := suite.router.Invoke("boom", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	suite.router.HandleWorkerMessage(protocol.NewInvokeError(pending.RequestID(),
		protocol.CodeExecutionFailed,
		"user function returned an error"))

	resolution := <-pending.Resolved()
	suite.Require().NotNil(resolution.Err)
	suite.Require().Equal(protocol.CodeExecutionFailed, resolution.Err.Code)
	suite.Require().Equal(uint64(1), suite.metrics.GetSnapshot().FailedRequests)
}

func (suite *RouterTestSuite) TestFirstResolutionWins() {
	pending, err := suite.router.Invoke("echo", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	suite.router.HandleWorkerMessage(&protocol.InvokeResult{RequestID: pending.RequestID()})
	suite.router.HandleWorkerMessage(protocol.NewInvokeError(pending.RequestID(),
		protocol.CodeExecutionFailed,
		"late error"))

	resolution := <-pending.Resolved()
	suite.Require().NotNil(resolution.Result)

	// no second resolution is ever delivered
	select {
	case _, open := <-pending.Resolved():
		suite.Require().False(open)
	default:
	}

	snapshot := suite.metrics.GetSnapshot()
	suite.Require().Equal(uint64(1), snapshot.SuccessfulRequests)
	suite.Require().Equal(uint64(0), snapshot.FailedRequests)
}

func (suite *RouterTestSuite) TestGlobalOverloadFailsSynchronously() {
	suite.router = NewRouter(suite.logger,
		Configuration{MaxConcurrentRequests: 2, MaxConcurrentPerFunction: 2},
		suite.metrics,
		suite.sender)

	for requestIdx := 0; requestIdx < 2; requestIdx++ {
		_, err := suite.router.Invoke("sleep", nil, 0, protocol.RequestContext{})
		suite.Require().NoError(err)
	}

	_, err := suite.router.Invoke("sleep", nil, 0, protocol.RequestContext{})
	suite.Require().Error(err)

	invokeError := err.(*protocol.InvokeError)
	suite.Require().Equal(protocol.CodeOverloaded, invokeError.Code)

	// the worker never observed the rejected request
	suite.Require().Len(suite.sender.sentOfKind(protocol.KindInvoke), 2)
}

func (suite *RouterTestSuite) TestPerFunctionOverloadLeavesOtherFunctionsCallable() {
	suite.router = NewRouter(suite.logger,
		Configuration{MaxConcurrentRequests: 16, MaxConcurrentPerFunction: 1},
		suite.metrics,
		suite.sender)

	_, err := suite.router.Invoke("sleep", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	_, err = suite.router.Invoke("sleep", nil, 0, protocol.RequestContext{})
	suite.Require().Error(err)
	suite.Require().Equal(protocol.CodeOverloaded, err.(*protocol.InvokeError).Code)

	_, err = suite.router.Invoke("echo", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)
}

func (suite *RouterTestSuite) TestGateReleasedOnResolution() {
	suite.router = NewRouter(suite.logger,
		Configuration{MaxConcurrentRequests: 1, MaxConcurrentPerFunction: 1},
		suite.metrics,
		suite.sender)

	pending, err := suite.router.Invoke("echo", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	suite.router.HandleWorkerMessage(&protocol.InvokeResult{RequestID: pending.RequestID()})
	<-pending.Resolved()

	_, err = suite.router.Invoke("echo", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)
}

func (suite *RouterTestSuite) TestDeadlineExpiryResolvesTimeoutAndForwardsCancel() {
	pending, err := suite.router.Invoke("sleep", nil, 20, protocol.RequestContext{})
	suite.Require().NoError(err)

	select {
	case resolution := <-pending.Resolved():
		suite.Require().NotNil(resolution.Err)
		suite.Require().Equal(protocol.CodeTimeout, resolution.Err.Code)
		suite.Require().Equal(protocol.ErrorKindTimeout, resolution.Err.Kind)
	case <-time.After(time.Second):
		suite.Require().FailNow("Deadline did not fire")
	}

	// give the best-effort cancel a moment to land
	time.Sleep(50 * time.Millisecond)

	cancels := suite.sender.sentOfKind(protocol.KindCancel)
	suite.Require().Len(cancels, 1)
	suite.Require().Equal(pending.RequestID(), cancels[0].(*protocol.Cancel).RequestID)

	suite.Require().Equal(uint64(1), suite.metrics.GetSnapshot().TimeoutRequests)
}

func (suite *RouterTestSuite) TestCancelResolvesAndForwards() {
	pending, err := suite.router.Invoke("sleep", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	suite.router.Cancel(pending.RequestID())

	resolution := <-pending.Resolved()
	suite.Require().NotNil(resolution.Err)
	suite.Require().Equal(protocol.CodeCancelled, resolution.Err.Code)

	suite.Require().Len(suite.sender.sentOfKind(protocol.KindCancel), 1)
	suite.Require().Equal(uint64(1), suite.metrics.GetSnapshot().CancelledRequests)
}

func (suite *RouterTestSuite) TestConcurrentCancelsResolveOnce() {
	pending, err := suite.router.Invoke("sleep", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	var waitGroup sync.WaitGroup
	for cancelIdx := 0; cancelIdx < 2; cancelIdx++ {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()
			suite.router.Cancel(pending.RequestID())
		}()
	}

	waitGroup.Wait()

	resolution := <-pending.Resolved()
	suite.Require().NotNil(resolution.Err)
	suite.Require().Equal(protocol.CodeCancelled, resolution.Err.Code)
	suite.Require().Equal(uint64(1), suite.metrics.GetSnapshot().CancelledRequests)
}

func (suite *RouterTestSuite) TestFailAllPendingOnEpochEnd() {
	first, err := suite.router.Invoke("echo", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	second, err := suite.router.Invoke("sleep", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	suite.router.FailAllPending(protocol.CodePanic, "Worker process exited")

	for _, pending := range []*Pending{first, second} {
		resolution := <-pending.Resolved()
		suite.Require().NotNil(resolution.Err)
		suite.Require().Equal(protocol.CodePanic, resolution.Err.Code)
	}

	suite.Require().Zero(suite.router.NumPending())
}

func (suite *RouterTestSuite) TestStreamFramesForwardedInOrder() {
	pending, err := suite.router.Invoke("tail", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	suite.router.HandleWorkerMessage(&protocol.StreamStart{RequestID: pending.RequestID()})
	suite.router.HandleWorkerMessage(&protocol.StreamChunk{RequestID: pending.RequestID(), Sequence: 0, Data: []byte("a")})
	suite.router.HandleWorkerMessage(&protocol.StreamChunk{RequestID: pending.RequestID(), Sequence: 1, Data: []byte("b")})
	suite.router.HandleWorkerMessage(&protocol.StreamEnd{RequestID: pending.RequestID(), Sequence: 2})

	suite.Require().IsType(&protocol.StreamStart{}, <-pending.Stream())

	firstChunk := (<-pending.Stream()).(*protocol.StreamChunk)
	suite.Require().Equal(uint64(0), firstChunk.Sequence)

	secondChunk := (<-pending.Stream()).(*protocol.StreamChunk)
	suite.Require().Equal(uint64(1), secondChunk.Sequence)

	suite.Require().IsType(&protocol.StreamEnd{}, <-pending.Stream())

	// resolution closes the stream
	suite.router.HandleWorkerMessage(&protocol.InvokeResult{RequestID: pending.RequestID()})
	<-pending.Resolved()

	_, open := <-pending.Stream()
	suite.Require().False(open)
}

func (suite *RouterTestSuite) TestUnknownRequestIDDropped() {
	suite.router.HandleWorkerMessage(&protocol.InvokeResult{RequestID: 9999})
	suite.Require().Zero(suite.router.NumPending())
}

func (suite *RouterTestSuite) TestDrained() {
	pending, err := suite.router.Invoke("echo", nil, 0, protocol.RequestContext{})
	suite.Require().NoError(err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		suite.router.HandleWorkerMessage(&protocol.InvokeResult{RequestID: pending.RequestID()})
	}()

	suite.Require().True(suite.router.Drained(time.Second))
}

func TestRouterTestSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}
