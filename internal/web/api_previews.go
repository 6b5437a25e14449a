package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Tom-Hartley/Preview-Warden/internal/eventlog"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
)

// maxConfigBytes bounds the preview config request body.
const maxConfigBytes = 1 << 20

// apiCreatePreview deploys a preview from a JSON or YAML config. The
// lifecycle transition runs on a context detached from the request, so a
// caller disconnect cannot strand a half-created preview.
func (s *Server) apiCreatePreview(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.deps.Orchestrator.Create(context.WithoutCancel(r.Context()), requestOwner(r), cfg)
	if err != nil {
		s.deps.Log.Error("preview create failed", "preview", cfg.PreviewID(), "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// apiListPreviews returns all preview records, optionally filtered by
// status, repoOwner, and repoName query parameters.
func (s *Server) apiListPreviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.PreviewFilter{
		Status:    preview.Status(strings.ToUpper(q.Get("status"))),
		RepoOwner: q.Get("repoOwner"),
		RepoName:  q.Get("repoName"),
	}

	records, err := s.deps.Store.ListPreviews(r.Context(), f)
	if err != nil {
		s.deps.Log.Error("failed to list previews", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list previews")
		return
	}
	if records == nil {
		records = []*preview.Preview{}
	}
	writeJSON(w, http.StatusOK, records)
}

// apiGetPreview returns one preview by id or PR number. A hit refreshes
// lastAccessedAt so polling CI keeps the preview alive.
func (s *Server) apiGetPreview(w http.ResponseWriter, r *http.Request) {
	id := eventlog.Resolve(r.PathValue("id"))

	rec, err := s.deps.Store.GetPreview(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.deps.Orchestrator.Touch(r.Context(), id)
	writeJSON(w, http.StatusOK, rec)
}

// apiDestroyPreview tears a preview down. Idempotent: destroying an
// unknown or already-destroyed preview succeeds.
func (s *Server) apiDestroyPreview(w http.ResponseWriter, r *http.Request) {
	id := eventlog.Resolve(r.PathValue("id"))

	if err := s.deps.Orchestrator.Destroy(context.WithoutCancel(r.Context()), id); err != nil {
		s.deps.Log.Error("preview destroy failed", "preview", id, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeConfig reads a preview config from the request body, accepting
// JSON or, by Content-Type, YAML.
func decodeConfig(r *http.Request) (*preview.Config, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBytes))
	if err != nil {
		return nil, err
	}

	var cfg preview.Config
	if isYAMLContentType(r.Header.Get("Content-Type")) {
		err = yaml.Unmarshal(body, &cfg)
	} else {
		err = json.Unmarshal(body, &cfg)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isYAMLContentType(ct string) bool {
	ct, _, _ = strings.Cut(ct, ";")
	switch strings.TrimSpace(strings.ToLower(ct)) {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return true
	}
	return false
}
