package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/observability"
)

const (
	eventBuffer  = 16
	writeTimeout = 5 * time.Second
)

// streamEvents pushes the current snapshot, then one message per status change, closing after a terminal status.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the snapshot so no transition is lost in between.
	updates := make(chan payment.Snapshot, eventBuffer)
	unsubscribe := s.svc.OnStatusChange(id, func(snap payment.Snapshot) {
		select {
		case updates <- snap:
		default:
		}
	})
	defer unsubscribe()

	current, err := s.svc.Snapshot(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("events: websocket accept failed",
			observability.F("session_id", id),
			observability.F("error", err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	if !s.push(ctx, conn, current) {
		return
	}
	if current.Terminal() {
		_ = conn.Close(websocket.StatusNormalClosure, string(current.Status))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-updates:
			if !s.push(ctx, conn, next) {
				return
			}
			if next.Terminal() {
				_ = conn.Close(websocket.StatusNormalClosure, string(next.Status))
				return
			}
		}
	}
}

func (s *httpServer) push(ctx context.Context, conn *websocket.Conn, snap payment.Snapshot) bool {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, viewOf(snap)); err != nil {
		s.logger.Debug("events: write failed",
			observability.F("session_id", snap.SessionID),
			observability.F("error", err))
		return false
	}
	return true
}
