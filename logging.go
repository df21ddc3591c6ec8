// FILE: logging.go
// Package main – Logger construction.
//
// The loop logs through zap's global sugared logger (zap.S()) with short
// bracketed tags ([GATE], [L1], [L0], [TIER], [ORACLE], [DISPATCH], [CYCLE])
// so operators can grep a single cycle end to end.
package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a development logger for "debug" and a JSON production
// logger otherwise, then installs it as the zap global.
func newLogger(level string) (*zap.Logger, error) {
	var (
		lg  *zap.Logger
		err error
	)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lg, err = zap.NewDevelopment()
	default:
		zc := zap.NewProductionConfig()
		lvl, perr := zapcore.ParseLevel(level)
		if perr != nil {
			lvl = zapcore.InfoLevel
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		lg, err = zc.Build()
	}
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(lg)
	return lg, nil
}
