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

package healthcheck

import (
	"net/http"

	"github.com/saint0x/zap-splice/pkg/metrics"
	"github.com/saint0x/zap-splice/pkg/status"

	"github.com/heptiolabs/healthcheck"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

type Configuration struct {
	Enabled       bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ListenAddress string `json:"listenAddress,omitempty" yaml:"listenAddress,omitempty"`
}

type Server interface {

	// Start the server
	Start() error
}

// SupervisorServer is the supervisor's admin HTTP listener. It answers
// liveness and readiness probes from the worker state and, when a gatherer
// is attached, serves the metrics endpoint on the same address.
type SupervisorServer struct {
	Enabled        bool
	ListenAddress  string
	Logger         logger.Logger
	StatusProvider status.Provider
	Handler        healthcheck.Handler

	gatherer *metrics.Gatherer
}

func NewSupervisorServer(parentLogger logger.Logger,
	statusProvider status.Provider,
	gatherer *metrics.Gatherer,
	configuration Configuration) (*SupervisorServer, error) {
	if configuration.Enabled && configuration.ListenAddress == "" {
		return nil, errors.New("Listen address is required when enabled")
	}

	return &SupervisorServer{
		Enabled:        configuration.Enabled,
		ListenAddress:  configuration.ListenAddress,
		Logger:         parentLogger.GetChild("healthcheck.server"),
		StatusProvider: statusProvider,
		Handler:        healthcheck.NewHandler(),
		gatherer:       gatherer,
	}, nil
}

func (s *SupervisorServer) Start() error {

	// if we're disabled, simply log and do nothing
	if !s.Enabled {
		s.Logger.Debug("Disabled, not listening")
		return nil
	}

	// readiness follows the worker state; a draining or restarting worker
	// takes the supervisor out of rotation without killing it
	s.Handler.AddReadinessCheck("supervisor_readiness", func() error {
		if currentStatus := s.StatusProvider.GetStatus(); currentStatus != status.Ready {
			return errors.Errorf("Worker is %s", currentStatus.String())
		}

		return nil
	})

	// the supervisor process itself is live as long as it can answer
	s.Handler.AddLivenessCheck("supervisor_liveness", func() error {
		return nil
	})

	serveMux := http.NewServeMux()
	serveMux.Handle("/", s.Handler)

	if s.gatherer != nil {
		serveMux.Handle("/metrics", s.gatherer.Handler())
	}

	// start listening
	go http.ListenAndServe(s.ListenAddress, serveMux) // nolint: errcheck

	s.Logger.InfoWith("Listening", "listenAddress", s.ListenAddress)
	return nil
}
