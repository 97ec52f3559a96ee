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

package healthcheck

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/saint0x/zap-splice/pkg/status"

	"github.com/nuclio/logger"
	nucliozap "github.com/nuclio/zap"
	"github.com/stretchr/testify/suite"
)

type fakeStatusProvider struct {
	status status.Status
}

func (fsp *fakeStatusProvider) GetStatus() status.Status {
	return fsp.status
}

type ServerTestSuite struct {
	suite.Suite
	logger         logger.Logger
	statusProvider *fakeStatusProvider
	server         *SupervisorServer
}

func (suite *ServerTestSuite) SetupSuite() {
	suite.logger, _ = nucliozap.NewNuclioZapTest("test")
}

func (suite *ServerTestSuite) SetupTest() {
	var err error

	suite.statusProvider = &fakeStatusProvider{status: status.Ready}

	suite.server, err = NewSupervisorServer(suite.logger,
		suite.statusProvider,
		nil,
		Configuration{Enabled: true, ListenAddress: ":0"})
	suite.Require().NoError(err)
	suite.Require().NoError(suite.server.Start())
}

func (suite *ServerTestSuite) TestValidationRequiresListenAddress() {
	_, err := NewSupervisorServer(suite.logger,
		suite.statusProvider,
		nil,
		Configuration{Enabled: true})
	suite.Require().Error(err)
}

func (suite *ServerTestSuite) TestReadyWhenWorkerReady() {
	suite.Require().Equal(http.StatusOK, suite.probe("/ready"))
}

func (suite *ServerTestSuite) TestNotReadyWhenWorkerDraining() {
	suite.statusProvider.status = status.Draining
	suite.Require().Equal(http.StatusServiceUnavailable, suite.probe("/ready"))
}

func (suite *ServerTestSuite) TestLiveRegardlessOfWorkerState() {
	suite.statusProvider.status = status.Failed
	suite.Require().Equal(http.StatusOK, suite.probe("/live"))
}

func (suite *ServerTestSuite) probe(path string) int {
	recorder := httptest.NewRecorder()
	suite.server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))

	return recorder.Code
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
