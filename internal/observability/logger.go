package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags base with the process name and installs it as the global
// logger, so package-level log calls and component loggers agree.
func InitLogger(app string, base zerolog.Logger) zerolog.Logger {
	logger := base.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
