package runtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/offlinectl/internal/runtime/agent"
)

// observe records one intercepted request in the log and the fetch metrics.
func (c *Controller) observe(logger *slog.Logger, r *http.Request, out agent.Outcome, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.RequestURI()),
		slog.String("kind", string(out.Kind)),
		slog.String("source", string(out.Source)),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if out.Responded() {
		attrs = append(attrs, slog.Int("status", out.Response.Status))
	}

	level := slog.LevelInfo
	if !out.Responded() {
		level = slog.LevelWarn
	}
	logger.LogAttrs(r.Context(), level, "fetch handled", attrs...)
	c.metrics.ObserveFetch(string(out.Kind), out.Source, duration)
}
