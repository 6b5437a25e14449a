package web

import (
	"net/http"
	"strconv"

	"github.com/Tom-Hartley/Preview-Warden/internal/eventlog"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
)

const (
	defaultLogTail = 100
	maxLogTail     = 500
)

// apiPreviewLogs returns lifecycle events for one preview, newest first.
func (s *Server) apiPreviewLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{
		Type:   preview.EventType(q.Get("type")),
		Limit:  intParam(q.Get("limit"), 0),
		Offset: intParam(q.Get("offset"), 0),
	}

	evts, err := s.deps.Events.List(r.Context(), r.PathValue("id"), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if evts == nil {
		evts = []preview.Event{}
	}
	writeJSON(w, http.StatusOK, evts)
}

// apiPreviewLogsPaginated returns one page of events with count metadata.
func (s *Server) apiPreviewLogsPaginated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.deps.Events.Paginate(r.Context(), r.PathValue("id"),
		intParam(q.Get("page"), 1), intParam(q.Get("pageSize"), 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// apiPreviewLogStats returns event counts grouped by type.
func (s *Server) apiPreviewLogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Events.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// apiServiceLogs tails the recent stdout/stderr of one service's
// container. Nothing is persisted; the tail is read straight from the
// runtime.
func (s *Server) apiServiceLogs(w http.ResponseWriter, r *http.Request) {
	id := eventlog.Resolve(r.PathValue("id"))
	service := r.PathValue("service")

	rec, err := s.deps.Store.GetPreview(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var containerID string
	for _, svc := range rec.Services {
		if svc.Name == service {
			containerID = svc.ContainerID
			break
		}
	}
	if containerID == "" {
		writeError(w, http.StatusNotFound, "service has no container")
		return
	}

	lines := intParam(r.URL.Query().Get("lines"), defaultLogTail)
	if lines <= 0 {
		lines = defaultLogTail
	}
	if lines > maxLogTail {
		lines = maxLogTail
	}

	logs, err := s.deps.Runtime.ContainerLogs(r.Context(), containerID, lines)
	if err != nil {
		s.deps.Log.Error("failed to read container logs", "preview", id, "service", service, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read container logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "lines": lines})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
