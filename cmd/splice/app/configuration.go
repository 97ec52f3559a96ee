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

package app

import (
	"os"
	"path/filepath"
	"time"

	"github.com/saint0x/zap-splice/pkg/healthcheck"
	"github.com/saint0x/zap-splice/pkg/reloader"
	"github.com/saint0x/zap-splice/pkg/router"
	"github.com/saint0x/zap-splice/pkg/supervisor"

	"github.com/nuclio/errors"
	"gopkg.in/yaml.v3"
)

// Configuration is the file-level configuration. CLI flags override whatever
// the file carries.
type Configuration struct {
	SocketPath       string   `json:"socketPath,omitempty" yaml:"socketPath,omitempty"`
	WorkerBinaryPath string   `json:"workerBinaryPath,omitempty" yaml:"workerBinaryPath,omitempty"`
	WorkerSocketPath string   `json:"workerSocketPath,omitempty" yaml:"workerSocketPath,omitempty"`
	WorkerArgs       []string `json:"workerArgs,omitempty" yaml:"workerArgs,omitempty"`

	MaxConcurrency int `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`

	Watch           bool `json:"watch,omitempty" yaml:"watch,omitempty"`
	WatchIntervalMS int  `json:"watchIntervalMs,omitempty" yaml:"watchIntervalMs,omitempty"`

	Healthcheck healthcheck.Configuration `json:"healthcheck,omitempty" yaml:"healthcheck,omitempty"`
}

// LoadConfiguration reads a yaml configuration file, tolerating an empty path
func LoadConfiguration(configPath string) (*Configuration, error) {
	configuration := &Configuration{}

	if configPath == "" {
		return configuration, nil
	}

	configContents, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read configuration at %s", configPath)
	}

	if err := yaml.Unmarshal(configContents, configuration); err != nil {
		return nil, errors.Wrapf(err, "Failed to parse configuration at %s", configPath)
	}

	return configuration, nil
}

// supervisorConfiguration resolves the effective supervisor configuration,
// deriving the worker socket path next to the host socket when not given
func (c *Configuration) supervisorConfiguration() supervisor.Configuration {
	workerSocketPath := c.WorkerSocketPath
	if workerSocketPath == "" && c.SocketPath != "" {
		workerSocketPath = filepath.Join(filepath.Dir(c.SocketPath), "worker.sock")
	}

	routerConfiguration := router.Configuration{
		MaxConcurrentRequests: int64(c.MaxConcurrency),
		DefaultDeadline:       time.Duration(c.TimeoutSeconds) * time.Second,
	}

	return supervisor.Configuration{
		SocketPath:       c.SocketPath,
		WorkerSocketPath: workerSocketPath,
		WorkerBinaryPath: c.WorkerBinaryPath,
		WorkerArgs:       c.WorkerArgs,
		Router:           routerConfiguration,
	}
}

func (c *Configuration) reloaderConfiguration() reloader.Configuration {
	return reloader.Configuration{
		BinaryPath:   c.WorkerBinaryPath,
		PollInterval: time.Duration(c.WatchIntervalMS) * time.Millisecond,
	}
}
