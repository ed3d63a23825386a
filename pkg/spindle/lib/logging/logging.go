// Copyright 2026 Spindle ML, Inc.
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

// Package logging builds the zap loggers used across spindle.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a log level name: debug, info, warn, error.
type Level string

// Style selects the output encoding.
type Style string

const (
	StyleTerminal Style = "terminal"
	StyleLogfmt   Style = "logfmt"
	StyleJSON     Style = "json"
	StyleNoop     Style = "noop"
)

// Config controls logger construction.
type Config struct {
	Level Level
	Style Style
}

// DefaultStyle picks JSON under Kubernetes (structured log aggregation),
// terminal colors otherwise.
func DefaultStyle() Style {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return StyleJSON
	}
	return StyleTerminal
}

// NewLogger builds a zap logger from cfg. Unknown levels fall back to info;
// an empty style falls back to DefaultStyle.
func NewLogger(cfg *Config) *zap.Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	style := cfg.Style
	if style == "" {
		style = DefaultStyle()
	}
	if style == StyleNoop {
		return zap.NewNop()
	}

	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(string(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	var zcfg zap.Config
	switch style {
	case StyleJSON:
		zcfg = zap.NewProductionConfig()
	case StyleTerminal:
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default: // logfmt-ish: development encoder without colors
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
