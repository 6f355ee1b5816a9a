// Copyright 2023 The emqx-go Authors
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

// Package logger configures the process-wide slog logger. Records are
// rendered by zerolog, either as coloured console lines or as JSON.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

const (
	// FormatConsole renders human readable, coloured lines.
	FormatConsole = "console"
	// FormatJSON renders one JSON object per record.
	FormatJSON = "json"
)

// ParseLevel maps a textual level such as "debug" or "WARN" to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// New builds a logger writing to w at the given level and format.
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var zl zerolog.Logger
	switch strings.ToLower(format) {
	case "", FormatConsole:
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.StampMilli})
	case FormatJSON:
		zl = zerolog.New(w)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	zl = zl.With().Timestamp().Logger()

	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: lvl})), nil
}

// Setup builds a logger with New and installs it as slog's default.
func Setup(w io.Writer, level, format string) (*slog.Logger, error) {
	l, err := New(w, level, format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}

// Err returns an attribute carrying err's message under the "error" key.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}
