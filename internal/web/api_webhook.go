package web

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/Tom-Hartley/Preview-Warden/internal/naming"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/webhook"
)

// maxWebhookBytes bounds the webhook request body.
const maxWebhookBytes = 1 << 20

// apiWebhook receives source-hosting pull-request events. Open/sync
// actions keep the preview alive and note the new head SHA (the deploy
// itself is driven by CI through the REST API, since the webhook carries
// no image tags); a close tears the preview down. Anything else is
// acknowledged and ignored.
func (s *Server) apiWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := webhook.VerifySignature(s.deps.WebhookSecret, body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		s.deps.Log.Warn("webhook signature rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	p, err := webhook.Parse(body)
	if err != nil {
		// Not a pull_request event. Acknowledge so the sender doesn't retry.
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	id := naming.PreviewID(naming.KindPullRequest, p.PullRequestNumber, "")

	switch {
	case p.Destroys():
		if err := s.deps.Orchestrator.Destroy(context.WithoutCancel(r.Context()), id); err != nil {
			s.deps.Log.Error("webhook destroy failed", "preview", id, "error", err)
			writeError(w, http.StatusInternalServerError, "destroy failed")
			return
		}

	case p.Deploys():
		s.touchFromWebhook(r.Context(), id, p)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// touchFromWebhook refreshes lastAccessedAt for the referenced preview and
// records the new head SHA. Unknown previews are ignored.
func (s *Server) touchFromWebhook(ctx context.Context, id string, p *webhook.Payload) {
	rec, err := s.deps.Store.GetPreview(ctx, id)
	if err != nil || !rec.Status.Active() {
		return
	}

	s.deps.Orchestrator.Touch(ctx, id)
	msg := fmt.Sprintf("pull request %s, head now %s", p.Action, p.CommitSha)
	if err := s.deps.Events.Append(ctx, id, preview.EventSystem, msg, map[string]string{
		"action":    p.Action,
		"commitSha": p.CommitSha,
	}); err != nil {
		s.deps.Log.Warn("failed to record webhook event", "preview", id, "error", err)
	}
}
