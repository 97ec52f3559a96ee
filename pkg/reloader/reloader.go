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

package reloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"os"
	"time"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

const DefaultPollInterval = 1 * time.Second

// Restarter replaces the running worker with a freshly spawned one
type Restarter interface {
	RestartWorker() error
}

type Configuration struct {

	// path of the worker binary to watch
	BinaryPath string

	// how often the binary is re-hashed
	PollInterval time.Duration
}

func (c *Configuration) Validate() error {
	if c.BinaryPath == "" {
		return errors.New("Binary path is required")
	}

	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}

	return nil
}

// Reloader polls the worker binary's content hash and triggers a worker
// restart when it changes
type Reloader struct {
	logger        logger.Logger
	configuration Configuration
	restarter     Restarter
	currentHash   []byte
}

func NewReloader(parentLogger logger.Logger,
	configuration Configuration,
	restarter Restarter) (*Reloader, error) {
	if err := configuration.Validate(); err != nil {
		return nil, errors.Wrap(err, "Failed to validate configuration")
	}

	return &Reloader{
		logger:        parentLogger.GetChild("reloader"),
		configuration: configuration,
		restarter:     restarter,
	}, nil
}

// Run polls until the context is cancelled. The first hash observation only
// seeds the baseline, so a binary that was replaced before Run started does
// not trigger a spurious reload.
func (r *Reloader) Run(ctx context.Context) error {
	r.logger.InfoWith("Watching worker binary",
		"binaryPath", r.configuration.BinaryPath,
		"pollInterval", r.configuration.PollInterval)

	ticker := time.NewTicker(r.configuration.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			changed, err := r.CheckForChanges()
			if err != nil {

				// the binary may be mid-write (e.g. a compiler replacing it);
				// skip this tick and try again on the next one
				r.logger.DebugWith("Failed to hash worker binary", "err", err)

				continue
			}

			if !changed {
				continue
			}

			r.logger.InfoWith("Worker binary changed, reloading",
				"binaryPath", r.configuration.BinaryPath)

			if err := r.restarter.RestartWorker(); err != nil {
				r.logger.WarnWith("Reload failed", "err", err)
			}
		}
	}
}

// CheckForChanges re-hashes the binary and reports whether its contents
// differ from the last observation
func (r *Reloader) CheckForChanges() (bool, error) {
	newHash, err := r.hashBinary()
	if err != nil {
		return false, err
	}

	if r.currentHash == nil {
		r.currentHash = newHash

		return false, nil
	}

	if bytes.Equal(newHash, r.currentHash) {
		return false, nil
	}

	r.currentHash = newHash

	return true, nil
}

func (r *Reloader) hashBinary() ([]byte, error) {
	binaryFile, err := os.Open(r.configuration.BinaryPath)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open worker binary")
	}

	defer binaryFile.Close() // nolint: errcheck

	hash := sha256.New()
	if _, err := io.Copy(hash, binaryFile); err != nil {
		return nil, errors.Wrap(err, "Failed to hash worker binary")
	}

	return hash.Sum(nil), nil
}
