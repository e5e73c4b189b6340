// Copyright 2021 TiKV Authors
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

// Package logutil centralizes the zap logger used across the coordinator
// so every component logs with the same structured fields and sink.
package logutil

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	global *zap.Logger = zap.NewNop()
)

type ctxLoggerKey struct{}

// ReplaceGlobals swaps the process-wide logger, e.g. at startup once the
// real sink (file, stdout, collector) is known.
func ReplaceGlobals(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = logger
}

// BgLogger returns the background logger for call sites with no context,
// such as the heartbeat goroutine (see txnkv/txn/heartbeat.go).
func BgLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Logger returns a logger carrying any fields attached to ctx (request id,
// session id), falling back to BgLogger when none were attached.
func Logger(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxLoggerKey{}).(*zap.Logger); ok {
		return l
	}
	return BgLogger()
}

// WithFields returns a context carrying a logger pre-populated with fields;
// Logger returns that logger for the context. The coordinator does not
// call it; its log lines carry only the fields given at each call site.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, BgLogger().With(fields...))
}
