package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests no admin route handled, so stray paths
// cannot grow the metric label set.
const unmatchedRoute = "unmatched"

func routeOf(c *gin.Context) (string, bool) {
	if route := c.FullPath(); route != "" {
		return route, true
	}
	return unmatchedRoute, false
}

// RequestLogger writes one line per admin request, tagged with the node that
// served it. Successful requests to quiet routes (scrapes and health checks) only
// show at debug level.
func RequestLogger(logger zerolog.Logger, node string, quiet ...string) gin.HandlerFunc {
	quietRoutes := make(map[string]struct{}, len(quiet))
	for _, route := range quiet {
		quietRoutes[route] = struct{}{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route, matched := routeOf(c)
		_, isQuiet := quietRoutes[route]

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case isQuiet:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if !matched {
			event = event.Str("path", c.Request.URL.Path)
		}
		event.
			Str("node", node).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("admin.request")
	}
}

func RequestMetricsMiddleware(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route, _ := routeOf(c)
		RecordHTTPRequest(node, c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
