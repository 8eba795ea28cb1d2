// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles accepted by NewLogger.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// CLILogger is the logger used by CLI commands. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a stderr logger.
func InitCLILogger(level, profile string) error {
	l, err := NewLogger(level, profile, zapcore.Lock(os.Stderr))
	if err != nil {
		return err
	}
	CLILogger = l
	return nil
}

// NewLogger builds a logger writing to w.
//
// The structured profile emits one JSON object per line. The console
// profile emits human-readable lines without caller information.
func NewLogger(level, profile string, w zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var enc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		ec.EncodeDuration = zapcore.StringDurationEncoder
		enc = zapcore.NewJSONEncoder(ec)
	case ProfileConsole:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.CallerKey = zapcore.OmitKey
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		ec.EncodeDuration = zapcore.StringDurationEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}

	return zap.New(zapcore.NewCore(enc, w, lvl)), nil
}

// ParseLevel parses a level name. "warning" is accepted as "warn".
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		s = "warn"
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}
