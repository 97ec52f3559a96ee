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
	"time"

	"github.com/saint0x/zap-splice/pkg/protocol"
)

// Sender writes a message to the current worker connection
type Sender interface {

	// Sends a single message to the worker
	Send(message protocol.Message) error
}

// Configuration holds the router's limits. Zero values fall back to the
// defaults below.
type Configuration struct {
	MaxConcurrentRequests    int64         `json:"maxConcurrentRequests,omitempty" yaml:"maxConcurrentRequests,omitempty"`
	MaxConcurrentPerFunction int64         `json:"maxConcurrentPerFunction,omitempty" yaml:"maxConcurrentPerFunction,omitempty"`
	DefaultDeadline          time.Duration `json:"defaultDeadline,omitempty" yaml:"defaultDeadline,omitempty"`
	MaxDeadline              time.Duration `json:"maxDeadline,omitempty" yaml:"maxDeadline,omitempty"`
	StreamWindow             uint32        `json:"streamWindow,omitempty" yaml:"streamWindow,omitempty"`
}

const (
	DefaultMaxConcurrentRequests    int64 = 1024
	DefaultMaxConcurrentPerFunction int64 = 256
	DefaultDeadline                       = 30 * time.Second
	DefaultMaxDeadline                    = 5 * time.Minute
	DefaultStreamWindow             uint32 = 32
)

// WithDefaults returns the configuration with zero fields replaced by the
// default limits
func (c Configuration) WithDefaults() Configuration {
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}

	if c.MaxConcurrentPerFunction == 0 {
		c.MaxConcurrentPerFunction = DefaultMaxConcurrentPerFunction
	}

	if c.DefaultDeadline == 0 {
		c.DefaultDeadline = DefaultDeadline
	}

	if c.MaxDeadline == 0 {
		c.MaxDeadline = DefaultMaxDeadline
	}

	if c.StreamWindow == 0 {
		c.StreamWindow = DefaultStreamWindow
	}

	return c
}
