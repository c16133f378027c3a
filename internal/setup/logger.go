package setup

import "log/slog"

var packageLogger = slog.Default()

// SetLogger configures the logger used while preparing directories and
// reading configuration. A nil logger restores slog.Default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		packageLogger = slog.Default()
		return
	}
	packageLogger = logger
}

func getLogger() *slog.Logger {
	if packageLogger != nil {
		return packageLogger
	}
	return slog.Default()
}
