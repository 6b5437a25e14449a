package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tom-Hartley/Preview-Warden/internal/events"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// apiStreamLogs streams one preview's lifecycle events as server-sent
// events: a snapshot of recent history first, then the live tail. The
// connection stays open until the client disconnects.
func (s *Server) apiStreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	evts := make(chan events.PreviewEvent, 64)
	done := make(chan error, 1)
	go func() {
		done <- s.deps.Events.Stream(ctx, r.PathValue("id"), func(evt events.PreviewEvent) error {
			select {
			case evts <- evt:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case evt := <-evts:
			data, err := json.Marshal(evt)
			if err != nil {
				s.deps.Log.Warn("failed to marshal SSE event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.deps.Log.Warn("event stream ended", "preview", r.PathValue("id"), "error", err)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}
