package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"dynarec/pkg/config"
)

func TestNewLevels(t *testing.T) {
	log, err := New(config.LogConfig{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level not enabled")
	}

	log, err = New(config.LogConfig{Level: "warn", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info enabled at warn level")
	}

	if _, err := New(config.LogConfig{Level: "loud", Format: "auto"}); err == nil {
		t.Error("unknown level accepted")
	}
}
