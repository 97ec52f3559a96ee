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

package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/logger"
	nucliozap "github.com/nuclio/zap"
	"github.com/rs/xid"
	"github.com/stretchr/testify/suite"
)

// fakeSupervisor accepts one client and answers the handshake and exports
// listing, then hands message handling to the test
type fakeSupervisor struct {
	codec    *protocol.Codec
	listener net.Listener
	conn     net.Conn
	exports  []protocol.ExportMetadata
}

func (fs *fakeSupervisor) accept() error {
	var err error

	fs.conn, err = fs.listener.Accept()
	if err != nil {
		return err
	}

	message, err := fs.codec.ReadMessage(fs.conn)
	if err != nil {
		return err
	}

	handshake, ok := message.(*protocol.Handshake)
	if !ok {
		return fmt.Errorf("expected handshake, got %s", message.MessageKind())
	}

	if err := fs.codec.WriteMessage(fs.conn, &protocol.HandshakeAck{
		Version:      protocol.Version,
		Capabilities: handshake.Capabilities,
		ExportCount:  uint32(len(fs.exports)),
	}); err != nil {
		return err
	}

	// the client lists exports right after connecting
	message, err = fs.codec.ReadMessage(fs.conn)
	if err != nil {
		return err
	}

	if message.MessageKind() != protocol.KindListExports {
		return fmt.Errorf("expected list exports, got %s", message.MessageKind())
	}

	return fs.codec.WriteMessage(fs.conn, &protocol.ListExportsResult{Exports: fs.exports})
}

type ClientTestSuite struct {
	suite.Suite
	logger     logger.Logger
	socketPath string
	supervisor *fakeSupervisor
	client     *Client
}

func (suite *ClientTestSuite) SetupSuite() {
	suite.logger, _ = nucliozap.NewNuclioZapTest("test")
}

func (suite *ClientTestSuite) SetupTest() {
	suite.socketPath = filepath.Join(os.TempDir(), fmt.Sprintf("splice-client-test-%s.sock", xid.New()))

	listener, err := net.Listen("unix", suite.socketPath)
	suite.Require().NoError(err)

	suite.supervisor = &fakeSupervisor{
		codec:    protocol.NewCodec(protocol.DefaultMaxFrameSize),
		listener: listener,
		exports:  []protocol.ExportMetadata{{Name: "echo"}, {Name: "tail", IsStreaming: true}},
	}

	acceptErrChan := make(chan error, 1)
	go func() {
		acceptErrChan <- suite.supervisor.accept()
	}()

	suite.client = NewClient(suite.logger, Configuration{SocketPath: suite.socketPath})
	suite.Require().NoError(suite.client.Connect(context.Background()))
	suite.Require().NoError(<-acceptErrChan)
}

func (suite *ClientTestSuite) TearDownTest() {
	suite.client.Close()

	if suite.supervisor.conn != nil {
		suite.supervisor.conn.Close()
	}

	suite.supervisor.listener.Close()
	os.Remove(suite.socketPath)
}

func (suite *ClientTestSuite) TestConnectCachesExports() {
	exports := suite.client.Exports()
	suite.Require().Len(exports, 2)
	suite.Require().Equal("echo", exports[0].Name)
}

func (suite *ClientTestSuite) TestInvokeReturnsResult() {
	go func() {
		message, err := suite.supervisor.codec.ReadMessage(suite.supervisor.conn)
		suite.Require().NoError(err)

		invoke := message.(*protocol.Invoke)
		suite.supervisor.codec.WriteMessage(suite.supervisor.conn, &protocol.InvokeResult{ // nolint: errcheck
			RequestID: invoke.RequestID,
			Result:    invoke.Params,
		})
	}()

	result, err := suite.client.Invoke(context.Background(), "echo", []byte("hello"), 0, protocol.RequestContext{})
	suite.Require().NoError(err)
	suite.Require().Equal([]byte("hello"), result)
}

func (suite *ClientTestSuite) TestInvokeReturnsError() {
	go func() {
		message, err := suite.supervisor.codec.ReadMessage(suite.supervisor.conn)
		suite.Require().NoError(err)

		invoke := message.(*protocol.Invoke)
		suite.supervisor.codec.WriteMessage(suite.supervisor.conn, // nolint: errcheck
			protocol.NewInvokeError(invoke.RequestID, protocol.CodeFunctionNotFound, "no such function"))
	}()

	_, err := suite.client.Invoke(context.Background(), "missing", nil, 0, protocol.RequestContext{})
	suite.Require().Error(err)

	invokeError, ok := err.(*protocol.InvokeError)
	suite.Require().True(ok)
	suite.Require().Equal(protocol.CodeFunctionNotFound, invokeError.Code)
}

func (suite *ClientTestSuite) TestContextCancellationWritesCancel() {
	invokeReadChan := make(chan *protocol.Invoke, 1)
	cancelReadChan := make(chan *protocol.Cancel, 1)

	go func() {
		for {
			message, err := suite.supervisor.codec.ReadMessage(suite.supervisor.conn)
			if err != nil {
				return
			}

			switch typedMessage := message.(type) {
			case *protocol.Invoke:
				invokeReadChan <- typedMessage
			case *protocol.Cancel:
				cancelReadChan <- typedMessage
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	invokeDoneChan := make(chan error, 1)
	go func() {
		_, err := suite.client.Invoke(ctx, "echo", nil, 0, protocol.RequestContext{})
		invokeDoneChan <- err
	}()

	invoke := <-invokeReadChan
	cancel()

	suite.Require().Error(<-invokeDoneChan)

	select {
	case cancelMessage := <-cancelReadChan:
		suite.Require().Equal(invoke.RequestID, cancelMessage.RequestID)
	case <-time.After(5 * time.Second):
		suite.Require().FailNow("Cancel was not written upstream")
	}
}

func (suite *ClientTestSuite) TestDisconnectFailsOutstandingWithUnavailable() {
	go func() {

		// swallow the invoke, then drop the connection
		suite.supervisor.codec.ReadMessage(suite.supervisor.conn) // nolint: errcheck
		suite.supervisor.conn.Close()
	}()

	_, err := suite.client.Invoke(context.Background(), "echo", nil, 0, protocol.RequestContext{})
	suite.Require().Error(err)

	invokeError, ok := err.(*protocol.InvokeError)
	suite.Require().True(ok)
	suite.Require().Equal(protocol.CodeUnavailable, invokeError.Code)
}

func (suite *ClientTestSuite) TestInvokeStreamingDeliversChunksInOrder() {
	go func() {
		message, err := suite.supervisor.codec.ReadMessage(suite.supervisor.conn)
		suite.Require().NoError(err)

		invoke := message.(*protocol.Invoke)
		codec := suite.supervisor.codec
		conn := suite.supervisor.conn

		codec.WriteMessage(conn, &protocol.StreamStart{RequestID: invoke.RequestID}) // nolint: errcheck

		for sequence := uint64(0); sequence < 3; sequence++ {
			codec.WriteMessage(conn, &protocol.StreamChunk{ // nolint: errcheck
				RequestID: invoke.RequestID,
				Sequence:  sequence,
				Data:      []byte{byte(sequence)},
			})
		}

		codec.WriteMessage(conn, &protocol.StreamEnd{RequestID: invoke.RequestID, Sequence: 3}) // nolint: errcheck
		codec.WriteMessage(conn, &protocol.InvokeResult{RequestID: invoke.RequestID})           // nolint: errcheck
	}()

	var receivedSequences []uint64

	err := suite.client.InvokeStreaming(context.Background(),
		"tail",
		nil,
		0,
		protocol.RequestContext{},
		func(chunk *protocol.StreamChunk) error {
			receivedSequences = append(receivedSequences, chunk.Sequence)

			return nil
		})
	suite.Require().NoError(err)
	suite.Require().Equal([]uint64{0, 1, 2}, receivedSequences)
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}
