package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const eventBuffer = 32

// publish announces a project change. Failures are logged; the change
// itself has already been stored.
func (s *Server) publish(ctx context.Context, owner string, ev backend.ProjectEvent) {
	if s.config.Events == nil {
		return
	}
	ev.At = s.store.now().UTC()
	if err := s.config.Events.Publish(ctx, owner, ev); err != nil {
		s.logger.Warn(ctx, "failed to publish project event",
			zap.String("type", ev.Type), zap.Int64("file_id", int64(ev.FileID)), zap.Error(err))
	}
}

// handleEvents streams the user's project changes as server-sent events
// until the client disconnects. A ready event is sent once the
// subscription is live.
func (s *Server) handleEvents(c echo.Context) error {
	if s.config.Events == nil {
		return failure(c, http.StatusServiceUnavailable, "event stream disabled")
	}
	user := currentUser(c)
	ctx := logging.WithUserID(c.Request().Context(), user.UserID)

	ch := make(chan backend.ProjectEvent, eventBuffer)
	sub, err := s.config.Events.Subscribe(user.UserID, func(ev backend.ProjectEvent) {
		select {
		case ch <- ev:
		default:
			s.logger.Warn(ctx, "event subscriber too slow, dropping event", zap.String("type", ev.Type))
		}
	})
	if err != nil {
		s.logger.Error(ctx, "failed to subscribe to project events", zap.Error(err))
		return failure(c, http.StatusInternalServerError, "event stream unavailable")
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, backend.ProjectEvent{Type: backend.EventReady, At: s.store.now().UTC()}); err != nil {
		return nil
	}
	s.logger.Debug(ctx, "event stream opened")

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-ch:
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug(ctx, "event stream write failed", zap.Error(err))
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case <-ctx.Done():
			s.logger.Debug(ctx, "event stream closed")
			return nil
		}
	}
}

func writeEvent(w *echo.Response, ev backend.ProjectEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
