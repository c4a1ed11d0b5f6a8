package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	return NewLoggerTo(os.Stdout, slog.LevelInfo, component)
}

// NewLoggerTo is NewLogger with an explicit sink and level.
func NewLoggerTo(w io.Writer, level slog.Level, component string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown values fall back to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func WithRequest(logger *slog.Logger, requestID string) *slog.Logger {
	if logger == nil || requestID == "" {
		return logger
	}
	return logger.With("request_id", requestID)
}

func WithReference(logger *slog.Logger, ref string) *slog.Logger {
	if logger == nil || ref == "" {
		return logger
	}
	return logger.With("ref", ref)
}

// WithUser attaches a short hash of the user name rather than the name itself.
func WithUser(logger *slog.Logger, user string) *slog.Logger {
	if logger == nil || user == "" {
		return logger
	}
	return logger.With("user_hash", HashValue(user))
}

// HashValue returns a short, stable digest of an identifying value for logs.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
