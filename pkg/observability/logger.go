// Package observability contains logging setup for the runtime.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/severinstrobl/edat/pkg/config"
)

// SetupLogger builds a zap.Logger for one rank of the job, installs it
// as the global logger and redirects the stdlib log package. The rank is
// baked into every entry and into file sink names, so the ranks of a
// multi-process job never interleave inside one file; rank-agnostic
// tooling passes a negative rank. The caller should defer logger.Sync().
func SetupLogger(c config.LogConfig, rank int) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	lvl := strings.ToLower(strings.TrimSpace(c.Level))
	if lvl == "warning" {
		lvl = "warn"
	}
	if parsed, err := zapcore.ParseLevel(lvl); err == nil {
		level.SetLevel(parsed)
	} else {
		level.SetLevel(zap.InfoLevel)
	}

	encoder := encoderFor(c)
	var cores []zapcore.Core
	for _, out := range c.Outputs {
		cores = append(cores, zapcore.NewCore(encoder, sinkFor(out, rank, c), level))
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	}
	if c.Development {
		opts = append(opts, zap.Development())
	}

	logger := zap.New(zapcore.NewTee(cores...), opts...)
	if rank >= 0 {
		logger = logger.With(zap.Int("rank", rank))
	}
	zap.ReplaceGlobals(logger)
	// redirect stdlib log to zap at Info level
	_, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
	return logger, nil
}

func encoderFor(c config.LogConfig) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	if c.Development {
		cfg = zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if strings.ToLower(c.Format) == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// sinkFor resolves one configured output to a write syncer. Anything
// that is not stdout/stderr is a file path, suffixed with the rank and
// rotated through lumberjack when rotation is enabled.
func sinkFor(out string, rank int, c config.LogConfig) zapcore.WriteSyncer {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	}
	path := out
	if c.Rotation.Enable && strings.TrimSpace(c.Rotation.Filename) != "" {
		path = c.Rotation.Filename
	}
	path = RankedPath(path, rank)
	if c.Rotation.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    max(c.Rotation.MaxSizeMB, 10),
			MaxBackups: max(c.Rotation.MaxBackups, 1),
			MaxAge:     max(c.Rotation.MaxAgeDays, 7),
			Compress:   c.Rotation.Compress,
		})
	}
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		// fallback to stderr on failure
		return zapcore.AddSync(os.Stderr)
	}
	return zapcore.AddSync(f)
}

// RankedPath inserts the rank before the file extension, so
// "logs/edat.log" becomes "logs/edat-rank3.log". Negative ranks leave
// the path untouched.
func RankedPath(path string, rank int) string {
	if rank < 0 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-rank%d%s", strings.TrimSuffix(path, ext), rank, ext)
}
