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

package worker

import (
	"context"
	"fmt"

	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/logger"
)

// remoteLogger implements logger.Logger by shipping records to the
// supervisor as LogEvent frames, echoing to the local logger as well so the
// worker's own output stays useful during development.
type remoteLogger struct {
	target string
	local  logger.Logger
	send   func(message protocol.Message) error
}

func newRemoteLogger(target string, local logger.Logger, send func(message protocol.Message) error) *remoteLogger {
	return &remoteLogger{
		target: target,
		local:  local,
		send:   send,
	}
}

func (l *remoteLogger) emit(level protocol.LogLevel, format interface{}, vars []interface{}) {
	l.emitWith(level, fmt.Sprintf(fmt.Sprintf("%s", format), vars...), nil)
}

func (l *remoteLogger) emitWith(level protocol.LogLevel, message string, vars []interface{}) {
	fields := make([][2]string, 0, len(vars)/2)
	for varIdx := 0; varIdx+1 < len(vars); varIdx += 2 {
		fields = append(fields, [2]string{
			fmt.Sprintf("%v", vars[varIdx]),
			fmt.Sprintf("%v", vars[varIdx+1]),
		})
	}

	// best effort; a broken connection surfaces on the serve loop
	l.send(&protocol.LogEvent{ // nolint: errcheck
		Level:   level,
		Target:  l.target,
		Message: message,
		Fields:  fields,
	})
}

func (l *remoteLogger) Error(format interface{}, vars ...interface{}) {
	l.local.Error(format, vars...)
	l.emit(protocol.LogLevelError, format, vars)
}

func (l *remoteLogger) Warn(format interface{}, vars ...interface{}) {
	l.local.Warn(format, vars...)
	l.emit(protocol.LogLevelWarn, format, vars)
}

func (l *remoteLogger) Info(format interface{}, vars ...interface{}) {
	l.local.Info(format, vars...)
	l.emit(protocol.LogLevelInfo, format, vars)
}

func (l *remoteLogger) Debug(format interface{}, vars ...interface{}) {
	l.local.Debug(format, vars...)
	l.emit(protocol.LogLevelDebug, format, vars)
}

func (l *remoteLogger) ErrorWith(format interface{}, vars ...interface{}) {
	l.local.ErrorWith(format, vars...)
	l.emitWith(protocol.LogLevelError, fmt.Sprintf("%s", format), vars)
}

func (l *remoteLogger) WarnWith(format interface{}, vars ...interface{}) {
	l.local.WarnWith(format, vars...)
	l.emitWith(protocol.LogLevelWarn, fmt.Sprintf("%s", format), vars)
}

func (l *remoteLogger) InfoWith(format interface{}, vars ...interface{}) {
	l.local.InfoWith(format, vars...)
	l.emitWith(protocol.LogLevelInfo, fmt.Sprintf("%s", format), vars)
}

func (l *remoteLogger) DebugWith(format interface{}, vars ...interface{}) {
	l.local.DebugWith(format, vars...)
	l.emitWith(protocol.LogLevelDebug, fmt.Sprintf("%s", format), vars)
}

func (l *remoteLogger) ErrorCtx(ctx context.Context, format interface{}, vars ...interface{}) {
	l.Error(format, vars...)
}

func (l *remoteLogger) WarnCtx(ctx context.Context, format interface{}, vars ...interface{}) {
	l.Warn(format, vars...)
}

func (l *remoteLogger) InfoCtx(ctx context.Context, format interface{}, vars ...interface{}) {
	l.Info(format, vars...)
}

func (l *remoteLogger) DebugCtx(ctx context.Context, format interface{}, vars ...interface{}) {
	l.Debug(format, vars...)
}

func (l *remoteLogger) ErrorWithCtx(ctx context.Context, format interface{}, vars ...interface{}) {
	l.ErrorWith(format, vars...)
}

func (l *remoteLogger) WarnWithCtx(ctx context.Context, format interface{}, vars ...interface{}) {
	l.WarnWith(format, vars...)
}

func (l *remoteLogger) InfoWithCtx(ctx context.Context, format interface{}, vars ...interface{}) {
	l.InfoWith(format, vars...)
}

func (l *remoteLogger) DebugWithCtx(ctx context.Context, format interface{}, vars ...interface{}) {
	l.DebugWith(format, vars...)
}

func (l *remoteLogger) Flush() {
	l.local.Flush()
}

func (l *remoteLogger) GetChild(name string) logger.Logger {
	return newRemoteLogger(l.target+"."+name, l.local.GetChild(name), l.send)
}
