package publishers

import "github.com/samvad-hq/samvad-article-sync/internal/logger"

// Logger is the structured logging surface publishers rely on.
type Logger = logger.Logger

type noopLogger = logger.NopLogger

func ensureLogger(log Logger) Logger {
	if log == nil {
		return noopLogger{}
	}
	return log
}
