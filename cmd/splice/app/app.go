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
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/saint0x/zap-splice/pkg/errgroup"
	"github.com/saint0x/zap-splice/pkg/healthcheck"
	"github.com/saint0x/zap-splice/pkg/metrics"
	"github.com/saint0x/zap-splice/pkg/reloader"
	"github.com/saint0x/zap-splice/pkg/supervisor"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	nucliozap "github.com/nuclio/zap"
	"github.com/spf13/cobra"
)

// exit codes of the splice binary
const (
	ExitCodeGraceful      = 0
	ExitCodeConfiguration = 1
	ExitCodeFault         = 2
)

type RootCommandeer struct {
	cmd      *cobra.Command
	exitCode int

	configPath       string
	socketPath       string
	workerBinaryPath string
	maxConcurrency   int
	timeoutSeconds   int
	watch            bool
	verbose          bool
}

func NewRootCommandeer() *RootCommandeer {
	commandeer := &RootCommandeer{}

	cmd := &cobra.Command{
		Use:           "splice",
		Short:         "Supervised cross-runtime function bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commandeer.run()
		},
	}

	cmd.Flags().StringVar(&commandeer.configPath, "config", "", "Path of a yaml configuration file")
	cmd.Flags().StringVar(&commandeer.socketPath, "socket", "", "Unix socket path for host connections")
	cmd.Flags().StringVar(&commandeer.workerBinaryPath, "worker", "", "Path of the worker binary")
	cmd.Flags().IntVar(&commandeer.maxConcurrency, "max-concurrency", 0, "Maximum concurrent requests")
	cmd.Flags().IntVar(&commandeer.timeoutSeconds, "timeout", 0, "Default request deadline in seconds")
	cmd.Flags().BoolVar(&commandeer.watch, "watch", false, "Restart the worker when its binary changes")
	cmd.Flags().BoolVarP(&commandeer.verbose, "verbose", "v", false, "Verbose output")

	commandeer.cmd = cmd

	return commandeer
}

// Execute uses os.Args to execute the command
func (rc *RootCommandeer) Execute() error {

	// flag parsing errors never reach run; they are configuration errors
	rc.exitCode = ExitCodeConfiguration

	return rc.cmd.Execute()
}

// ExitCode returns the process exit code matching the last execution
func (rc *RootCommandeer) ExitCode() int {
	return rc.exitCode
}

func (rc *RootCommandeer) run() error {
	configuration, err := rc.resolveConfiguration()
	if err != nil {
		rc.exitCode = ExitCodeConfiguration

		return err
	}

	loggerInstance, err := rc.createLogger()
	if err != nil {
		rc.exitCode = ExitCodeConfiguration

		return err
	}

	newSupervisor, err := supervisor.NewSupervisor(loggerInstance, configuration.supervisorConfiguration())
	if err != nil {
		rc.exitCode = ExitCodeConfiguration

		return errors.Wrap(err, "Failed to create supervisor")
	}

	if err := rc.startAdminServer(loggerInstance, newSupervisor, configuration); err != nil {
		rc.exitCode = ExitCodeConfiguration

		return err
	}

	if err := rc.serve(loggerInstance, newSupervisor, configuration); err != nil {
		rc.exitCode = ExitCodeFault

		return err
	}

	rc.exitCode = ExitCodeGraceful

	return nil
}

func (rc *RootCommandeer) resolveConfiguration() (*Configuration, error) {
	configuration, err := LoadConfiguration(rc.configPath)
	if err != nil {
		return nil, err
	}

	// flags win over the file
	if rc.socketPath != "" {
		configuration.SocketPath = rc.socketPath
	}

	if rc.workerBinaryPath != "" {
		configuration.WorkerBinaryPath = rc.workerBinaryPath
	}

	if rc.maxConcurrency != 0 {
		configuration.MaxConcurrency = rc.maxConcurrency
	}

	if rc.timeoutSeconds != 0 {
		configuration.TimeoutSeconds = rc.timeoutSeconds
	}

	if rc.watch {
		configuration.Watch = true
	}

	if configuration.SocketPath == "" {
		return nil, errors.New("A host socket path is required (--socket)")
	}

	if configuration.WorkerBinaryPath == "" {
		return nil, errors.New("A worker binary path is required (--worker)")
	}

	return configuration, nil
}

func (rc *RootCommandeer) createLogger() (logger.Logger, error) {
	loggerLevel := nucliozap.InfoLevel
	if rc.verbose || os.Getenv("SPLICE_LOG_LEVEL") == "debug" {
		loggerLevel = nucliozap.DebugLevel
	}

	loggerInstance, err := nucliozap.NewNuclioZapCmd("splice", loggerLevel, os.Stdout)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create logger")
	}

	return loggerInstance, nil
}

// startAdminServer exposes liveness, readiness and metrics over HTTP when
// enabled in the configuration
func (rc *RootCommandeer) startAdminServer(loggerInstance logger.Logger,
	newSupervisor *supervisor.Supervisor,
	configuration *Configuration) error {
	if !configuration.Healthcheck.Enabled {
		return nil
	}

	gatherer, err := metrics.NewGatherer(loggerInstance, newSupervisor.Metrics(), configuration.SocketPath)
	if err != nil {
		return errors.Wrap(err, "Failed to create metrics gatherer")
	}

	adminServer, err := healthcheck.NewSupervisorServer(loggerInstance,
		newSupervisor,
		gatherer,
		configuration.Healthcheck)
	if err != nil {
		return errors.Wrap(err, "Failed to create healthcheck server")
	}

	return adminServer.Start()
}

// serve runs the supervisor, the optional reloader and the signal handler
// until shutdown
func (rc *RootCommandeer) serve(loggerInstance logger.Logger,
	newSupervisor *supervisor.Supervisor,
	configuration *Configuration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		receivedSignal := <-signalChan
		loggerInstance.InfoWith("Caught signal, draining", "signal", receivedSignal.String())
		newSupervisor.RequestShutdown()
	}()

	serveGroup, serveCtx := errgroup.WithContext(ctx, loggerInstance)

	statusChan := newSupervisor.WatchStatus()
	go func() {
		for {
			select {
			case workerStatus := <-statusChan:
				loggerInstance.InfoWith("Worker state changed", "state", workerStatus.String())
			case <-serveCtx.Done():
				return
			}
		}
	}()

	serveGroup.Go("supervisor", func() error {
		defer cancel()

		return newSupervisor.Start(serveCtx)
	})

	if configuration.Watch {
		newReloader, err := reloader.NewReloader(loggerInstance,
			configuration.reloaderConfiguration(),
			newSupervisor)
		if err != nil {
			return errors.Wrap(err, "Failed to create reloader")
		}

		serveGroup.Go("reloader", func() error {
			if err := newReloader.Run(serveCtx); err != context.Canceled {
				return err
			}

			return nil
		})
	}

	return serveGroup.Wait()
}
