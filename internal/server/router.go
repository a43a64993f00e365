package server

import (
	"net/http"
	"strings"
)

// ControllerHTTP defines the minimal surface the router needs from the
// runtime controller.
type ControllerHTTP interface {
	ServeFetch(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeStores(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewHandler routes everything under prefix to the diagnostics endpoints and
// every other path to the controller as intercepted traffic.
func NewHandler(prefix string, c ControllerHTTP, metrics http.Handler) http.Handler {
	if c == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "controller unavailable", http.StatusServiceUnavailable)
		})
	}
	prefix = "/" + strings.Trim(prefix, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, admin := parseAdminRoute(prefix, r.URL.Path)
		if !admin {
			c.ServeFetch(w, r)
			return
		}

		switch route {
		case "healthz":
			c.ServeHealth(w, r)
		case "stores":
			c.ServeStores(w, r)
		case "metrics":
			if metrics == nil {
				c.WriteError(w, http.StatusNotFound, "metrics disabled")
				return
			}
			metrics.ServeHTTP(w, r)
		default:
			c.WriteError(w, http.StatusNotFound, "unknown admin route")
		}
	})
}

// parseAdminRoute reports whether path falls under prefix and, if so, which
// admin route it names.
func parseAdminRoute(prefix, path string) (string, bool) {
	if path != prefix && !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}
	route := strings.ToLower(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
	if route == "health" {
		route = "healthz"
	}
	return route, true
}
