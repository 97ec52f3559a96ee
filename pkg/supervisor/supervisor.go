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
	"context"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/saint0x/zap-splice/pkg/common"
	"github.com/saint0x/zap-splice/pkg/errgroup"
	"github.com/saint0x/zap-splice/pkg/metrics"
	"github.com/saint0x/zap-splice/pkg/protocol"
	"github.com/saint0x/zap-splice/pkg/router"
	"github.com/saint0x/zap-splice/pkg/status"
	"github.com/saint0x/zap-splice/pkg/worker"

	"github.com/google/uuid"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

// Supervisor owns both sockets, the worker subprocess and the router. It
// drives the worker state machine: spawn, handshake, health probing, crash
// detection, restart with backoff, circuit breaking and graceful drain. Any
// number of host connections may be open at once, each served on its own
// goroutine; all of them share the router and the single worker connection.
type Supervisor struct {
	logger        logger.Logger
	configuration Configuration

	serverID       uuid.UUID
	statusNotifier *status.Notifier
	metrics        *metrics.Metrics
	router         *router.Router

	hostListener   net.Listener
	workerListener net.Listener

	workerLock       sync.Mutex
	workerCmd        *exec.Cmd
	workerConnection *workerConnection
	exports          []protocol.ExportMetadata

	// serializes worker swaps between the crash-restart loop and reloads
	restartLock  sync.Mutex
	restartCount int

	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

func NewSupervisor(parentLogger logger.Logger, configuration Configuration) (*Supervisor, error) {
	if err := configuration.Validate(); err != nil {
		return nil, errors.Wrap(err, "Invalid configuration")
	}

	metricsInstance := metrics.NewMetrics()

	newSupervisor := &Supervisor{
		logger:         parentLogger.GetChild("supervisor"),
		configuration:  configuration,
		serverID:       uuid.New(),
		statusNotifier: status.NewNotifier(status.Starting),
		metrics:        metricsInstance,
		shutdownChan:   make(chan struct{}),
	}

	newSupervisor.router = router.NewRouter(parentLogger,
		configuration.Router,
		metricsInstance,
		nil)

	return newSupervisor, nil
}

// GetStatus returns the worker state as seen by the supervisor
func (s *Supervisor) GetStatus() status.Status {
	return s.statusNotifier.GetStatus()
}

// ServerID returns this supervisor's instance id as raw bytes
func (s *Supervisor) ServerID() [16]byte {
	return [16]byte(s.serverID)
}

// WatchStatus returns a channel carrying worker state transitions
func (s *Supervisor) WatchStatus() <-chan status.Status {
	return s.statusNotifier.Subscribe()
}

// Metrics returns the supervisor's request counters
func (s *Supervisor) Metrics() *metrics.Metrics {
	return s.metrics
}

// Exports returns the cached export set of the current worker binary
func (s *Supervisor) Exports() []protocol.ExportMetadata {
	s.workerLock.Lock()
	defer s.workerLock.Unlock()

	return s.exports
}

// RequestShutdown asks the supervisor to drain and exit. Safe to call more
// than once.
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
	})
}

// Start opens both sockets, brings the first worker up and serves until the
// context ends or a shutdown is requested
func (s *Supervisor) Start(ctx context.Context) error {
	var err error

	for _, socketPath := range []string{s.configuration.SocketPath, s.configuration.WorkerSocketPath} {
		if common.FileExists(socketPath) {
			if err := os.Remove(socketPath); err != nil {
				return errors.Wrapf(err, "Failed to remove stale socket at %s", socketPath)
			}
		}
	}

	s.workerListener, err = net.Listen("unix", s.configuration.WorkerSocketPath)
	if err != nil {
		return errors.Wrapf(err, "Failed to listen on %s", s.configuration.WorkerSocketPath)
	}
	defer s.workerListener.Close() // nolint: errcheck

	s.logger.InfoWith("Starting",
		"serverID", s.serverID.String(),
		"socketPath", s.configuration.SocketPath,
		"workerSocketPath", s.configuration.WorkerSocketPath,
		"workerBinaryPath", s.configuration.WorkerBinaryPath)

	if err := s.startWorker(); err != nil {
		return errors.Wrap(err, "Failed to start initial worker")
	}

	// only accept host connections once the first worker is ready
	s.hostListener, err = net.Listen("unix", s.configuration.SocketPath)
	if err != nil {
		return errors.Wrapf(err, "Failed to listen on %s", s.configuration.SocketPath)
	}
	defer s.hostListener.Close() // nolint: errcheck

	supervisorGroup, groupCtx := errgroup.WithContext(ctx, s.logger)

	supervisorGroup.Go("acceptHosts", func() error {
		return s.acceptHosts()
	})

	supervisorGroup.Go("superviseWorker", func() error {
		return s.superviseWorker(groupCtx)
	})

	supervisorGroup.Go("awaitShutdown", func() error {
		select {
		case <-groupCtx.Done():
		case <-s.shutdownChan:
		}

		s.shutdown()

		return nil
	})

	return supervisorGroup.Wait()
}

// startWorker spawns a worker subprocess and completes the startup flow:
// accept its connection, handshake, cache its exports, mark Ready
func (s *Supervisor) startWorker() error {
	s.statusNotifier.SetStatus(status.Starting)

	workerCmd := exec.Command(s.configuration.WorkerBinaryPath, s.configuration.WorkerArgs...) // nolint: gosec
	workerCmd.Env = append(os.Environ(),
		worker.SocketPathEnvVar+"="+s.configuration.WorkerSocketPath)
	workerCmd.Stdout = os.Stdout
	workerCmd.Stderr = os.Stderr

	if err := workerCmd.Start(); err != nil {
		return errors.Wrapf(err, "Failed to spawn worker binary at %s", s.configuration.WorkerBinaryPath)
	}

	s.logger.InfoWith("Worker spawned", "pid", workerCmd.Process.Pid)

	workerConn, err := s.acceptWorker()
	if err != nil {
		workerCmd.Process.Kill() // nolint: errcheck

		return errors.Wrap(err, "Worker did not connect in time")
	}

	codec := protocol.NewCodec(s.configuration.MaxFrameSize)

	exports, err := s.handshakeWorker(workerConn, codec)
	if err != nil {
		workerConn.Close()       // nolint: errcheck
		workerCmd.Process.Kill() // nolint: errcheck

		return errors.Wrap(err, "Worker handshake failed")
	}

	newWorkerConnection := newWorkerConnection(s.logger, workerConn, codec, s.router)

	s.workerLock.Lock()
	s.workerCmd = workerCmd
	s.workerConnection = newWorkerConnection
	s.exports = exports
	s.workerLock.Unlock()

	s.router.SetSender(newWorkerConnection)
	s.statusNotifier.SetStatus(status.Ready)

	s.logger.InfoWith("Worker ready",
		"pid", workerCmd.Process.Pid,
		"numExports", len(exports))

	return nil
}

func (s *Supervisor) acceptWorker() (net.Conn, error) {
	if unixListener, ok := s.workerListener.(*net.UnixListener); ok {
		if err := unixListener.SetDeadline(time.Now().Add(s.configuration.ConnectTimeout)); err != nil {
			return nil, errors.Wrap(err, "Failed to set accept deadline")
		}
	}

	conn, err := s.workerListener.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to accept worker connection")
	}

	return conn, nil
}

// handshakeWorker validates the worker's Handshake, acknowledges it and
// reads the unsolicited export advertisement that follows
func (s *Supervisor) handshakeWorker(conn net.Conn, codec *protocol.Codec) ([]protocol.ExportMetadata, error) {
	if err := conn.SetDeadline(time.Now().Add(s.configuration.ConnectTimeout)); err != nil {
		return nil, errors.Wrap(err, "Failed to set handshake deadline")
	}
	defer conn.SetDeadline(time.Time{}) // nolint: errcheck

	message, err := codec.ReadMessage(conn)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read worker handshake")
	}

	handshake, ok := message.(*protocol.Handshake)
	if !ok {
		return nil, errors.Errorf("Expected handshake, got %s", message.MessageKind())
	}

	if handshake.Version>>16 != protocol.Version>>16 {
		return nil, errors.Errorf("Protocol major version mismatch: worker 0x%08x, ours 0x%08x",
			handshake.Version,
			protocol.Version)
	}

	if handshake.Role != protocol.RoleWorker {
		return nil, errors.Errorf("Expected worker role, got %s", handshake.Role)
	}

	if handshake.MaxFrameSize != 0 && handshake.MaxFrameSize < codec.MaxFrameSize() {
		codec.SetMaxFrameSize(handshake.MaxFrameSize)
	}

	if err := codec.WriteMessage(conn, &protocol.HandshakeAck{
		Version:      protocol.Version,
		Capabilities: handshake.Capabilities & (protocol.CapStreaming | protocol.CapCancellation),
		ServerID:     [16]byte(s.serverID),
	}); err != nil {
		return nil, errors.Wrap(err, "Failed to send handshake ack")
	}

	message, err = codec.ReadMessage(conn)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read worker exports")
	}

	exportsResult, ok := message.(*protocol.ListExportsResult)
	if !ok {
		return nil, errors.Errorf("Expected exports, got %s", message.MessageKind())
	}

	// an empty export set is legal here; every invocation will simply get
	// a function not found. only a reload demands a non-empty set
	return exportsResult.Exports, nil
}

// acceptHosts serves host connections until the listener closes
func (s *Supervisor) acceptHosts() error {
	for {
		conn, err := s.hostListener.Accept()
		if err != nil {

			// listener closed during shutdown
			select {
			case <-s.shutdownChan:
				return nil
			default:
				return errors.Wrap(err, "Failed to accept host connection")
			}
		}

		go newHostConnection(s.logger, conn, s).serve()
	}
}

// superviseWorker runs the current epoch's read loop and health probes, and
// restarts the worker when the epoch ends
func (s *Supervisor) superviseWorker(ctx context.Context) error {
	for {
		s.workerLock.Lock()
		currentConnection := s.workerConnection
		currentCmd := s.workerCmd
		s.workerLock.Unlock()

		epochEndErr := s.runEpoch(ctx, currentConnection)

		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdownChan:
			return nil
		default:
		}

		// a reload swaps the worker underneath the running epoch; taking
		// the restart lock waits the swap out, then the new epoch begins
		s.restartLock.Lock()
		s.workerLock.Lock()
		swapped := s.workerConnection != currentConnection
		s.workerLock.Unlock()
		s.restartLock.Unlock()

		if swapped {
			continue
		}

		s.logger.WarnWith("Worker epoch ended", "err", epochEndErr)

		s.statusNotifier.SetStatus(status.Failed)
		s.router.FailAllPending(protocol.CodePanic, "Worker process exited")

		currentConnection.close()
		s.reapWorker(currentCmd)

		if err := s.restartWithBackoff(ctx); err != nil {
			return err
		}
	}
}

// runEpoch pumps the worker connection and probes health until either fails
func (s *Supervisor) runEpoch(ctx context.Context, connection *workerConnection) error {
	readErrChan := make(chan error, 1)

	go func() {
		readErrChan <- connection.readLoop()
	}()

	healthTicker := time.NewTicker(s.configuration.HealthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case err := <-readErrChan:
			return err
		case <-healthTicker.C:
			if s.GetStatus() != status.Ready {
				continue
			}

			if err := s.probeHealth(connection); err != nil {
				connection.close()

				return errors.Wrap(err, "Health probe failed")
			}
		case <-ctx.Done():
			return nil
		case <-s.shutdownChan:
			return nil
		}
	}
}

// probeHealth sends one HealthCheck and awaits the reply within a single
// interval
func (s *Supervisor) probeHealth(connection *workerConnection) error {
	if err := connection.Send(&protocol.HealthCheck{}); err != nil {
		return errors.Wrap(err, "Failed to send health check")
	}

	select {
	case healthStatus := <-connection.healthStatusChan:
		if !healthStatus.Healthy {
			return errors.New("Worker reported unhealthy")
		}

		return nil
	case <-time.After(s.configuration.HealthInterval):
		return errors.New("Health reply timed out")
	}
}

// restartWithBackoff spawns a new worker, applying the backoff schedule and
// opening the circuit breaker when the restart budget is exhausted
func (s *Supervisor) restartWithBackoff(ctx context.Context) error {
	for {
		if s.restartCount >= s.configuration.MaxRestarts {
			s.logger.ErrorWith("Restart budget exhausted, opening circuit breaker",
				"restartCount", s.restartCount,
				"cooldown", s.configuration.CircuitBreakerCooldown)

			s.statusNotifier.SetStatus(status.CircuitBroken)

			select {
			case <-time.After(s.configuration.CircuitBreakerCooldown):
				s.restartCount = 0
			case <-ctx.Done():
				return nil
			case <-s.shutdownChan:
				return nil
			}
		}

		backoff := backoffForAttempt(s.restartCount)
		s.restartCount++

		if backoff > 0 {
			s.logger.InfoWith("Backing off before restart",
				"attempt", s.restartCount,
				"backoff", backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			case <-s.shutdownChan:
				return nil
			}
		}

		s.restartLock.Lock()
		err := s.startWorker()
		s.restartLock.Unlock()

		if err != nil {
			s.logger.WarnWith("Worker restart failed",
				"attempt", s.restartCount,
				"err", errors.GetErrorStackString(err, 5))

			s.statusNotifier.SetStatus(status.Failed)

			continue
		}

		// the budget counts every restart attempt since the last cooldown,
		// with no time window; a successful restart does not reset it. it
		// resets only when the breaker's cooldown expires
		return nil
	}
}

// RestartWorker drains in-flight requests, stops the current worker and
// brings a new one up. Used by the reload manager on binary change.
func (s *Supervisor) RestartWorker() error {
	s.restartLock.Lock()
	defer s.restartLock.Unlock()

	s.logger.InfoWith("Restarting worker", "numPending", s.router.NumPending())

	s.statusNotifier.SetStatus(status.Draining)

	if !s.router.Drained(s.configuration.DrainTimeout) {
		s.logger.WarnWith("Drain timed out, failing remaining requests",
			"numPending", s.router.NumPending())
		s.router.FailAllPending(protocol.CodeUnavailable, "Worker is restarting")
	}

	previousExports := s.Exports()

	s.stopWorker()

	if err := s.startWorker(); err != nil {
		s.statusNotifier.SetStatus(status.Failed)

		return errors.Wrap(err, "Failed to start replacement worker")
	}

	// a replacement that advertises nothing is considered incompatible.
	// stopping it ends its epoch, which engages the restart loop
	if len(s.Exports()) == 0 {
		s.statusNotifier.SetStatus(status.Failed)
		s.stopWorker()

		return errors.New("Replacement worker advertised no exports")
	}

	s.logExportDiff(previousExports, s.Exports())

	return nil
}

// logExportDiff reports functions added or removed across a worker swap
func (s *Supervisor) logExportDiff(previous []protocol.ExportMetadata, current []protocol.ExportMetadata) {
	previousNames := map[string]bool{}
	for _, export := range previous {
		previousNames[export.Name] = true
	}

	currentNames := map[string]bool{}
	for _, export := range current {
		currentNames[export.Name] = true

		if !previousNames[export.Name] {
			s.logger.InfoWith("Export added", "name", export.Name)
		}
	}

	for name := range previousNames {
		if !currentNames[name] {
			s.logger.WarnWith("Export removed", "name", name)
		}
	}
}

// stopWorker sends Shutdown, waits for the ack, then escalates from SIGTERM
// to SIGKILL
func (s *Supervisor) stopWorker() {
	s.workerLock.Lock()
	currentConnection := s.workerConnection
	currentCmd := s.workerCmd
	s.workerLock.Unlock()

	if currentConnection != nil {
		if err := currentConnection.Send(&protocol.Shutdown{}); err == nil {
			select {
			case <-currentConnection.shutdownAckChan:
				s.logger.DebugWith("Worker acknowledged shutdown")
			case <-time.After(s.configuration.TerminateTimeout):
				s.logger.WarnWith("Worker did not acknowledge shutdown")
			}
		}

		currentConnection.close()
	}

	s.reapWorker(currentCmd)
}

// reapWorker terminates the subprocess, SIGTERM first, SIGKILL after the
// grace period
func (s *Supervisor) reapWorker(workerCmd *exec.Cmd) {
	if workerCmd == nil || workerCmd.Process == nil {
		return
	}

	workerCmd.Process.Signal(syscall.SIGTERM) // nolint: errcheck

	exitedChan := make(chan struct{})
	go func() {
		workerCmd.Wait() // nolint: errcheck
		close(exitedChan)
	}()

	select {
	case <-exitedChan:
	case <-time.After(s.configuration.TerminateTimeout):
		s.logger.WarnWith("Worker ignored SIGTERM, killing", "pid", workerCmd.Process.Pid)
		workerCmd.Process.Kill() // nolint: errcheck
		<-exitedChan
	}
}

// shutdown drains and exits: no new invocations, existing ones get the
// drain window, then the worker is stopped
func (s *Supervisor) shutdown() {
	s.logger.InfoWith("Shutting down", "numPending", s.router.NumPending())

	s.statusNotifier.SetStatus(status.Draining)

	if s.hostListener != nil {
		s.hostListener.Close() // nolint: errcheck
	}

	if !s.router.Drained(s.configuration.DrainTimeout) {
		s.router.FailAllPending(protocol.CodeUnavailable, "Supervisor is shutting down")
	}

	s.stopWorker()
	s.statusNotifier.SetStatus(status.Stopped)

	os.Remove(s.configuration.SocketPath)       // nolint: errcheck
	os.Remove(s.configuration.WorkerSocketPath) // nolint: errcheck
}
