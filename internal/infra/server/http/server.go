// Package httpserver exposes the checkout control API over HTTP and WebSocket.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/app/strategy"
	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/observability"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

// Service is the subset of monitor.Service the handlers need.
type Service interface {
	CreateAndMonitor(ctx context.Context, productID, credential string) (payment.Snapshot, error)
	Snapshot(ctx context.Context, sessionID string) (payment.Snapshot, error)
	List(ctx context.Context) ([]payment.Snapshot, error)
	Pause(ctx context.Context, sessionID string) (payment.Snapshot, error)
	Resume(ctx context.Context, sessionID string) (payment.Snapshot, error)
	Cancel(ctx context.Context, sessionID string) (payment.Snapshot, error)
	OnStatusChange(sessionID string, fn func(payment.Snapshot)) func()
	Strategies() []strategy.Ranking
	Active() []string
	Degraded() bool
}

type httpServer struct {
	environment config.Environment
	svc         Service
	origins     []string
	logger      observability.Logger
}

// NewHandler builds the router.
func NewHandler(environment config.Environment, svc Service, api config.APIServerConfig, logger observability.Logger) http.Handler {
	server := &httpServer{
		environment: environment,
		svc:         svc,
		origins:     api.AllowedOrigins,
		logger:      observability.Or(logger),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withCORS(api.AllowedOrigins))

	r.Get("/healthz", server.health)
	r.Get("/strategies", server.strategies)
	r.Route("/checkouts", func(r chi.Router) {
		r.Get("/", server.listCheckouts)
		r.Post("/", server.createCheckout)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", server.getCheckout)
			r.Post("/pause", server.pauseCheckout)
			r.Post("/resume", server.resumeCheckout)
			r.Post("/cancel", server.cancelCheckout)
			r.Get("/events", server.streamEvents)
		})
	})
	return r
}

type createCheckoutPayload struct {
	ProductID  string `json:"productId"`
	Credential string `json:"credential"`
}

// snapshotView adds the major-unit amount for display.
type snapshotView struct {
	payment.Snapshot
	Amount   string `json:"amount"`
	Terminal bool   `json:"terminal"`
}

func viewOf(snap payment.Snapshot) snapshotView {
	return snapshotView{Snapshot: snap, Amount: snap.Amount().StringFixed(2), Terminal: snap.Terminal()}
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.environment,
		"degraded":    s.svc.Degraded(),
		"active":      len(s.svc.Active()),
	})
}

func (s *httpServer) strategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": s.svc.Strategies()})
}

func (s *httpServer) listCheckouts(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.svc.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	views := make([]snapshotView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, viewOf(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkouts": views})
}

func (s *httpServer) createCheckout(w http.ResponseWriter, r *http.Request) {
	var payload createCheckoutPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	snap, err := s.svc.CreateAndMonitor(r.Context(), payload.ProductID, payload.Credential)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/checkouts/"+snap.SessionID)
	writeJSON(w, http.StatusCreated, viewOf(snap))
}

func (s *httpServer) getCheckout(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r, s.svc.Snapshot)
}

func (s *httpServer) pauseCheckout(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r, s.svc.Pause)
}

func (s *httpServer) resumeCheckout(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r, s.svc.Resume)
}

func (s *httpServer) cancelCheckout(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r, s.svc.Cancel)
}

func (s *httpServer) respondSnapshot(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (payment.Snapshot, error)) {
	snap, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(snap))
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", observability.F("error", err))
	}
	message := err.Error()
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		message = e.Message
	}
	writeError(w, status, message, string(errs.CanonicalOf(err)))
}

func statusFor(err error) int {
	switch {
	case errs.IsCanonical(err, errs.CanonicalInvalidCredential):
		return http.StatusBadRequest
	case errs.IsCanonical(err, errs.CanonicalStrategiesExhausted):
		return http.StatusBadGateway
	case errs.IsCanonical(err, errs.CanonicalSessionNotFound):
		return http.StatusNotFound
	case errs.IsCanonical(err, errs.CanonicalTerminalState):
		return http.StatusConflict
	case errs.IsCanonical(err, errs.CanonicalStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	body := map[string]string{"status": "error", "error": message}
	if code != "" && code != string(errs.CanonicalUnknown) {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

// withCORS allows any origin unless origins is set, in which case only listed origins are echoed.
func withCORS(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(origin), "/")] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin := r.Header.Get("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
