package main

import (
	"context"
	"net/http"
	"time"
)

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"status":      "healthy",
		"service":     a.info.Name,
		"version":     a.info.Version,
		"environment": a.info.Environment,
		"ts":          time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady runs every registered dependency check.
func (a *api) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ready", 200
	checks := make(map[string]string, len(a.checks))
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			a.log.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = "unavailable"
			status, code = "not_ready", 503
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "service": a.info.Name, "checks": checks})
}

func (a *api) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"message": "Welcome to " + a.info.Name + " API",
		"version": a.info.Version,
	})
}
