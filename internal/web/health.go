package web

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds each dependency ping.
const healthCheckTimeout = 5 * time.Second

// apiHealth reports server health: a ping against the container runtime
// and one against the metadata store. Any failing check degrades the
// report and flips the status code to 503.
func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{
		"runtime": checkResult(s.deps.Runtime.Ping(ctx)),
		"store":   checkResult(s.deps.Store.Ping(ctx)),
	}

	status, code := "ok", http.StatusOK
	for _, result := range checks {
		if result != "ok" {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"checks":  checks,
		"uptime":  s.deps.Clock.Now().Sub(s.startedAt).Round(time.Second).String(),
		"version": s.deps.Version,
	})
}

func checkResult(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
