package shell

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var bridgeOnce sync.Once

// bridgeLogs sends the engine's logrus output through slog.
// Only debug level lets the engine's per-connection chatter through.
func bridgeLogs(logger *slog.Logger, level string) {
	bridgeOnce.Do(func() {
		logrus.SetOutput(io.Discard)
		logrus.SetLevel(logrus.WarnLevel)
		if strings.EqualFold(level, "debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		logrus.AddHook(&slogHook{logger: logger.With("component", "mitm")})
	})
}

type slogHook struct {
	logger *slog.Logger
}

func (h *slogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *slogHook) Fire(e *logrus.Entry) error {
	attrs := make([]any, 0, len(e.Data)*2)
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	h.logger.Log(context.Background(), slogLevel(e.Level), e.Message, attrs...)
	return nil
}

func slogLevel(l logrus.Level) slog.Level {
	switch l {
	case logrus.TraceLevel, logrus.DebugLevel:
		return slog.LevelDebug
	case logrus.InfoLevel:
		return slog.LevelInfo
	case logrus.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
