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

package supervisor

import (
	"net"
	"testing"
	"time"

	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/logger"
	nucliozap "github.com/nuclio/zap"
	"github.com/stretchr/testify/suite"
)

type SupervisorTestSuite struct {
	suite.Suite
	logger logger.Logger
}

func (suite *SupervisorTestSuite) SetupSuite() {
	suite.logger, _ = nucliozap.NewNuclioZapTest("test")
}

func (suite *SupervisorTestSuite) TestConfigurationValidation() {
	for _, testCase := range []struct {
		name          string
		configuration Configuration
		expectError   bool
	}{
		{
			name: "valid",
			configuration: Configuration{
				SocketPath:       "/tmp/host.sock",
				WorkerSocketPath: "/tmp/worker.sock",
				WorkerBinaryPath: "/usr/bin/true",
			},
		},
		{
			name: "missing socket path",
			configuration: Configuration{
				WorkerSocketPath: "/tmp/worker.sock",
				WorkerBinaryPath: "/usr/bin/true",
			},
			expectError: true,
		},
		{
			name: "missing worker socket path",
			configuration: Configuration{
				SocketPath:       "/tmp/host.sock",
				WorkerBinaryPath: "/usr/bin/true",
			},
			expectError: true,
		},
		{
			name: "missing worker binary path",
			configuration: Configuration{
				SocketPath:       "/tmp/host.sock",
				WorkerSocketPath: "/tmp/worker.sock",
			},
			expectError: true,
		},
	} {
		err := testCase.configuration.Validate()

		if testCase.expectError {
			suite.Require().Error(err, testCase.name)
		} else {
			suite.Require().NoError(err, testCase.name)
		}
	}
}

func (suite *SupervisorTestSuite) TestConfigurationDefaults() {
	configuration := Configuration{
		SocketPath:       "/tmp/host.sock",
		WorkerSocketPath: "/tmp/worker.sock",
		WorkerBinaryPath: "/usr/bin/true",
	}

	suite.Require().NoError(configuration.Validate())
	suite.Require().Equal(DefaultConnectTimeout, configuration.ConnectTimeout)
	suite.Require().Equal(DefaultHealthInterval, configuration.HealthInterval)
	suite.Require().Equal(DefaultDrainTimeout, configuration.DrainTimeout)
	suite.Require().Equal(DefaultMaxRestarts, configuration.MaxRestarts)
	suite.Require().Equal(DefaultCircuitBreakerCooldown, configuration.CircuitBreakerCooldown)
}

func (suite *SupervisorTestSuite) TestBackoffSchedule() {
	suite.Require().Equal(time.Duration(0), backoffForAttempt(0))
	suite.Require().Equal(100*time.Millisecond, backoffForAttempt(1))
	suite.Require().Equal(500*time.Millisecond, backoffForAttempt(2))
	suite.Require().Equal(2*time.Second, backoffForAttempt(3))
	suite.Require().Equal(5*time.Second, backoffForAttempt(4))

	// the schedule caps at its last entry
	suite.Require().Equal(5*time.Second, backoffForAttempt(5))
	suite.Require().Equal(5*time.Second, backoffForAttempt(100))
}

func (suite *SupervisorTestSuite) TestWorkerHandshake() {
	newSupervisor, err := NewSupervisor(suite.logger, Configuration{
		SocketPath:       "/tmp/host.sock",
		WorkerSocketPath: "/tmp/worker.sock",
		WorkerBinaryPath: "/usr/bin/true",
		ConnectTimeout:   5 * time.Second,
	})
	suite.Require().NoError(err)

	supervisorSide, workerSide := net.Pipe()
	defer supervisorSide.Close()
	defer workerSide.Close()

	codec := protocol.NewCodec(protocol.DefaultMaxFrameSize)
	workerCodec := protocol.NewCodec(protocol.DefaultMaxFrameSize)

	workerDoneChan := make(chan error, 1)
	go func() {
		workerDoneChan <- func() error {
			if err := workerCodec.WriteMessage(workerSide, &protocol.Handshake{
				Version:      protocol.Version,
				Role:         protocol.RoleWorker,
				Capabilities: protocol.CapStreaming | protocol.CapCancellation,
				MaxFrameSize: protocol.DefaultMaxFrameSize,
			}); err != nil {
				return err
			}

			if _, err := workerCodec.ReadMessage(workerSide); err != nil {
				return err
			}

			return workerCodec.WriteMessage(workerSide, &protocol.ListExportsResult{
				Exports: []protocol.ExportMetadata{{Name: "echo"}},
			})
		}()
	}()

	exports, err := newSupervisor.handshakeWorker(supervisorSide, codec)
	suite.Require().NoError(err)
	suite.Require().NoError(<-workerDoneChan)

	suite.Require().Len(exports, 1)
	suite.Require().Equal("echo", exports[0].Name)
}

func (suite *SupervisorTestSuite) TestWorkerHandshakeRejectsVersionMismatch() {
	newSupervisor, err := NewSupervisor(suite.logger, Configuration{
		SocketPath:       "/tmp/host.sock",
		WorkerSocketPath: "/tmp/worker.sock",
		WorkerBinaryPath: "/usr/bin/true",
		ConnectTimeout:   5 * time.Second,
	})
	suite.Require().NoError(err)

	supervisorSide, workerSide := net.Pipe()
	defer supervisorSide.Close()
	defer workerSide.Close()

	codec := protocol.NewCodec(protocol.DefaultMaxFrameSize)
	workerCodec := protocol.NewCodec(protocol.DefaultMaxFrameSize)

	go workerCodec.WriteMessage(workerSide, &protocol.Handshake{ // nolint: errcheck
		Version: 0x00020000,
		Role:    protocol.RoleWorker,
	})

	_, err = newSupervisor.handshakeWorker(supervisorSide, codec)
	suite.Require().Error(err)
}

func (suite *SupervisorTestSuite) TestWorkerHandshakeAllowsEmptyExports() {
	newSupervisor, err := NewSupervisor(suite.logger, Configuration{
		SocketPath:       "/tmp/host.sock",
		WorkerSocketPath: "/tmp/worker.sock",
		WorkerBinaryPath: "/usr/bin/true",
		ConnectTimeout:   5 * time.Second,
	})
	suite.Require().NoError(err)

	supervisorSide, workerSide := net.Pipe()
	defer supervisorSide.Close()
	defer workerSide.Close()

	codec := protocol.NewCodec(protocol.DefaultMaxFrameSize)
	workerCodec := protocol.NewCodec(protocol.DefaultMaxFrameSize)

	go func() {
		workerCodec.WriteMessage(workerSide, &protocol.Handshake{ // nolint: errcheck
			Version: protocol.Version,
			Role:    protocol.RoleWorker,
		})

		workerCodec.ReadMessage(workerSide) // nolint: errcheck

		workerCodec.WriteMessage(workerSide, &protocol.ListExportsResult{}) // nolint: errcheck
	}()

	exports, err := newSupervisor.handshakeWorker(supervisorSide, codec)
	suite.Require().NoError(err)
	suite.Require().Empty(exports)
}

func TestSupervisorTestSuite(t *testing.T) {
	suite.Run(t, new(SupervisorTestSuite))
}
