// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kestrel

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger    *zap.Logger
	loggerMu  sync.RWMutex
	nopLogger = zap.NewNop()
)

// Logger returns the package logger. It is a no-op logger unless SetLogger
// was called.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return nopLogger
	}
	return l
}

// SetLogger replaces the package logger. Passing nil restores the no-op
// logger.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}
