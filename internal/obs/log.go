package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Logger returns the shared structured logger used across the service.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLogger replaces the shared logger.
func SetLogger(l zerolog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// NewLogger builds a JSON logger writing to w. The local environment gets a
// human readable console writer instead.
func NewLogger(w io.Writer, env, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return zerolog.Logger{}, err
		}
		lvl = parsed
	}
	if env == "local" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Configure installs a stdout logger for env and level as the shared logger.
func Configure(env, level string) error {
	l, err := NewLogger(os.Stdout, env, level)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// LogRequest emits a request_complete line with common HTTP fields.
func LogRequest(requestID, method, path string, status int, duration time.Duration) {
	l := Logger()
	l.Info().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", duration).
		Msg("request_complete")
}
