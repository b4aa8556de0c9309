/*
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright the virt-backup contributors.
 *
 */

// Package logging provides the structured logger shared by every component
// of the backup pipeline. It wraps github.com/go-kit/log the way the
// teacher's controllers wrap their own verbosity-leveled logger: a small
// set of severity helpers plus With() for deriving a child logger scoped
// to a domain, a backup name, or a packager path.
package logging

import (
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the structured logger used throughout the module.
type Logger struct {
	base kitlog.Logger
}

// New builds a Logger writing logfmt lines to stderr, timestamped.
func New() *Logger {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	l = kitlog.With(l, "ts", kitlog.TimestampFormat(time.Now, time.RFC3339))
	return &Logger{base: l}
}

// With derives a child logger with additional key/value pairs attached to
// every subsequent line, e.g. logger.With("domain", name).
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{base: kitlog.With(l.base, keyvals...)}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	_ = level.Debug(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	_ = level.Info(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	_ = level.Warn(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Error(msg string, keyvals ...interface{}) {
	_ = level.Error(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Nop returns a Logger that discards everything, for tests that don't care
// about log output.
func Nop() *Logger {
	return &Logger{base: kitlog.NewNopLogger()}
}
