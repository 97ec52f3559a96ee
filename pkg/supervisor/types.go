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
	"time"

	"github.com/saint0x/zap-splice/pkg/router"

	"github.com/nuclio/errors"
)

// Configuration holds the supervisor's settings. Zero durations and counts
// fall back to the defaults below.
type Configuration struct {

	// Path of the socket hosts connect to
	SocketPath string `json:"socketPath,omitempty" yaml:"socketPath,omitempty"`

	// Path of the socket the worker connects to
	WorkerSocketPath string `json:"workerSocketPath,omitempty" yaml:"workerSocketPath,omitempty"`

	// Path of the worker binary to spawn
	WorkerBinaryPath string `json:"workerBinaryPath,omitempty" yaml:"workerBinaryPath,omitempty"`

	// Extra arguments passed to the worker binary
	WorkerArgs []string `json:"workerArgs,omitempty" yaml:"workerArgs,omitempty"`

	// How long to wait for the worker's handshake after spawning
	ConnectTimeout time.Duration `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`

	// Interval between health probes
	HealthInterval time.Duration `json:"healthInterval,omitempty" yaml:"healthInterval,omitempty"`

	// How long a drain waits for in-flight requests
	DrainTimeout time.Duration `json:"drainTimeout,omitempty" yaml:"drainTimeout,omitempty"`

	// Grace between SIGTERM and SIGKILL when stopping the worker
	TerminateTimeout time.Duration `json:"terminateTimeout,omitempty" yaml:"terminateTimeout,omitempty"`

	// Restart budget before the circuit breaker opens
	MaxRestarts int `json:"maxRestarts,omitempty" yaml:"maxRestarts,omitempty"`

	// How long the circuit breaker stays open
	CircuitBreakerCooldown time.Duration `json:"circuitBreakerCooldown,omitempty" yaml:"circuitBreakerCooldown,omitempty"`

	// Maximum accepted frame size
	MaxFrameSize uint32 `json:"maxFrameSize,omitempty" yaml:"maxFrameSize,omitempty"`

	// Router limits
	Router router.Configuration `json:"router,omitempty" yaml:"router,omitempty"`
}

const (
	DefaultConnectTimeout         = 10 * time.Second
	DefaultHealthInterval         = 5 * time.Second
	DefaultDrainTimeout           = 30 * time.Second
	DefaultTerminateTimeout       = 5 * time.Second
	DefaultMaxRestarts            = 10
	DefaultCircuitBreakerCooldown = 30 * time.Second
)

// restartBackoffSchedule maps consecutive restart attempts to delays. The
// last entry repeats for later attempts.
var restartBackoffSchedule = []time.Duration{
	0,
	100 * time.Millisecond,
	500 * time.Millisecond,
	2 * time.Second,
	5 * time.Second,
}

// Validate checks the required fields and applies defaults
func (c *Configuration) Validate() error {
	if c.SocketPath == "" {
		return errors.New("Socket path is required")
	}

	if c.WorkerSocketPath == "" {
		return errors.New("Worker socket path is required")
	}

	if c.WorkerBinaryPath == "" {
		return errors.New("Worker binary path is required")
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}

	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}

	if c.TerminateTimeout == 0 {
		c.TerminateTimeout = DefaultTerminateTimeout
	}

	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}

	if c.CircuitBreakerCooldown == 0 {
		c.CircuitBreakerCooldown = DefaultCircuitBreakerCooldown
	}

	return nil
}

// backoffForAttempt returns the delay before a given restart attempt
func backoffForAttempt(attempt int) time.Duration {
	if attempt >= len(restartBackoffSchedule) {
		return restartBackoffSchedule[len(restartBackoffSchedule)-1]
	}

	return restartBackoffSchedule[attempt]
}
