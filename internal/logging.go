// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelHandler filters records below Level before passing them on. The
// wrapped handler is expected to accept every level, so that the minimum
// can be lowered for a single request by swapping the wrapper.
type LevelHandler struct {
	Level   slog.Leveler
	Handler slog.Handler
}

// Enabled implements slog.Handler.
func (h *LevelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.Level.Level()
}

// Handle implements slog.Handler.
func (h *LevelHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.Handler.Handle(ctx, record) //nolint:wrapcheck
}

// WithAttrs implements slog.Handler.
func (h *LevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelHandler{Level: h.Level, Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *LevelHandler) WithGroup(name string) slog.Handler {
	return &LevelHandler{Level: h.Level, Handler: h.Handler.WithGroup(name)}
}

// WithLevel returns a logger like logger but with a different minimum
// level. Only loggers built on a LevelHandler can log below their original
// minimum.
func WithLevel(logger *slog.Logger, level slog.Level) *slog.Logger {
	handler := logger.Handler()
	if lh, ok := handler.(*LevelHandler); ok {
		handler = lh.Handler
	}
	return slog.New(&LevelHandler{Level: level, Handler: handler})
}

// NewLogger creates a logger writing to w in format "json" or "text" with
// the given minimum level.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
	return slog.New(&LevelHandler{Level: lvl, Handler: handler}), nil
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}
