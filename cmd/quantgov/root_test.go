package main

import (
	"testing"

	"github.com/mohammad-safakhou/quantgov/config"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := newLogger(config.GeneralConfig{LogLevel: "WARN"})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error should be enabled at warn level")
	}
	if _, err := newLogger(config.GeneralConfig{LogLevel: "chatty"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestRootRegistersCommands(t *testing.T) {
	root := rootCMD()
	for _, path := range [][]string{
		{"serve"}, {"migrate", "up"}, {"migrate", "down"}, {"sweep"},
		{"ledger", "verify"}, {"score"}, {"events", "tail"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Fatalf("command %v not registered: %v", path, err)
		}
	}
}
