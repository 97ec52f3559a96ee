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

// A sample worker exporting a few functions for exercising the supervisor
// end to end: echo returns its params, sleep waits the requested number of
// milliseconds and tail streams a counted sequence of chunks.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/saint0x/zap-splice/pkg/protocol"
	"github.com/saint0x/zap-splice/pkg/worker"

	"github.com/nuclio/errors"
	nucliozap "github.com/nuclio/zap"
	"github.com/vmihailenco/msgpack/v4"
)

func run() error {
	loggerInstance, err := nucliozap.NewNuclioZapCmd("echoworker", nucliozap.InfoLevel, os.Stdout)
	if err != nil {
		return errors.Wrap(err, "Failed to create logger")
	}

	registry := worker.NewRegistry()

	if err := registry.Register(protocol.ExportMetadata{
		Name:       "echo",
		HasContext: true,
	}, echo); err != nil {
		return err
	}

	if err := registry.Register(protocol.ExportMetadata{
		Name:         "sleep",
		ParamsSchema: "u32",
	}, sleep); err != nil {
		return err
	}

	if err := registry.RegisterStreaming(protocol.ExportMetadata{
		Name:         "tail",
		ParamsSchema: "u32",
	}, tail); err != nil {
		return err
	}

	runtime, err := worker.NewRuntime(loggerInstance, registry, worker.Configuration{})
	if err != nil {
		return errors.Wrap(err, "Failed to create runtime")
	}

	return runtime.Run(context.Background())
}

func echo(ctx *worker.Context, params []byte) ([]byte, error) {
	ctx.Logger.DebugWith("Echoing", "numBytes", len(params))

	return params, nil
}

func sleep(ctx *worker.Context, params []byte) ([]byte, error) {
	var milliseconds uint32

	if err := msgpack.Unmarshal(params, &milliseconds); err != nil {
		return nil, protocol.NewInvokeError(0,
			protocol.CodeInvalidParams,
			"Expected a msgpack encoded u32 of milliseconds")
	}

	select {
	case <-time.After(time.Duration(milliseconds) * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func tail(ctx *worker.Context, params []byte, stream *worker.StreamWriter) error {
	var count uint32

	if err := msgpack.Unmarshal(params, &count); err != nil {
		return protocol.NewInvokeError(0,
			protocol.CodeInvalidParams,
			"Expected a msgpack encoded u32 chunk count")
	}

	for chunkIndex := uint32(0); chunkIndex < count; chunkIndex++ {
		if err := stream.Write([]byte(fmt.Sprintf("chunk %d", chunkIndex))); err != nil {
			return err
		}
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		errors.PrintErrorStack(os.Stderr, err, 10)

		os.Exit(1)
	}
}
