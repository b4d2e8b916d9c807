package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/gagliardetto/solana-go"
)

// New builds the service logger described by cfg. The returned close func
// releases the log file when output is file or both.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	writer, closeWriter, err := openWriter(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newHandler(writer, cfg.Format, &slog.HandlerOptions{Level: level})
	if err != nil {
		_ = closeWriter()
		return nil, nil, err
	}

	return slog.New(handler).With("service", serviceName), closeWriter, nil
}

// Discard is used by tests and by callers that do not want escrow logs.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithOffer tags a logger with the identity of one offer.
func WithOffer(logger *slog.Logger, maker solana.PublicKey, offerID uint64, offer solana.PublicKey) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With("maker", maker.String(), "offer_id", offerID, "offer", offer.String())
}

func newHandler(writer io.Writer, rawFormat string, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch format := strings.ToLower(strings.TrimSpace(rawFormat)); format {
	case "", "text":
		return slog.NewTextHandler(writer, opts), nil
	case "json":
		return slog.NewJSONHandler(writer, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", rawFormat)
	}
}

func openWriter(serviceName string, cfg config.LogConfig) (io.Writer, func() error, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	if output == "" || output == "console" {
		return os.Stdout, func() error { return nil }, nil
	}
	if output != "file" && output != "both" {
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}

	file, err := openLogFile(serviceName, cfg.FilePath)
	if err != nil {
		return nil, nil, err
	}
	if output == "both" {
		return io.MultiWriter(os.Stdout, file), file.Close, nil
	}
	return file, file.Close, nil
}

func openLogFile(serviceName string, configuredPath string) (*os.File, error) {
	logPath := strings.TrimSpace(configuredPath)
	if logPath == "" {
		logPath = filepath.Join(".docker", serviceName, serviceName+".log")
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", logPath, err)
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", logPath, err)
	}
	return file, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
