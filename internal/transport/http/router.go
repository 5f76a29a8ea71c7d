package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"msgsync/internal/authn"
	"msgsync/internal/domain"
	obsmw "msgsync/internal/observability/middleware"
	"msgsync/internal/service"
	"msgsync/pkg/envelope"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether a dependency is reachable. *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Service   *service.Service
	Ready     Pinger
	Validator authn.Validator
	// WebSocket serves /ws. It is mounted outside the request timeout.
	WebSocket http.Handler

	RateLimitPerMinute int
	CORSOrigins        []string
	RequestTimeout     time.Duration
}

type api struct {
	svc *service.Service
}

func NewRouter(opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 300
	}
	h := &api{svc: opts.Service}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsIfSet(opts.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", "X-Trace-ID", "X-Device-Key"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Trace-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(obsmw.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready.Ping(ctx); err != nil {
				slog.Warn("readiness check failed", "error", err, "request_id", obsmw.RequestIDFromContext(r.Context()))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	if opts.WebSocket != nil {
		r.Handle("/ws", opts.WebSocket)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(opts.RequestTimeout))
		r.Use(authn.Middleware(opts.Validator))
		r.Use(h.ensureUser)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.listConversations)
			r.Post("/", h.createConversation)
			r.Get("/{id}", h.getConversation)
			r.Delete("/{id}", h.deleteConversation)
			r.Post("/{id}/repair", h.repairConversation)
			r.Get("/{id}/messages", h.history)
			r.Post("/{id}/read", h.markConversationRead)
		})
		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.sendMessage)
			r.Get("/{id}", h.getMessage)
			r.Delete("/{id}", h.deleteMessage)
			r.Post("/{id}/delivered", h.markDelivered)
			r.Post("/{id}/read", h.markRead)
		})
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", h.listDevices)
			r.Post("/", h.registerDevice)
			r.Delete("/{id}", h.revokeDevice)
		})
	})

	return r
}

// ensureUser records the caller on first sight so devices and conversations
// always reference a known user.
func (h *api) ensureUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := authn.IdentityFrom(r.Context())
		if err := h.svc.EnsureUser(r.Context(), id.UserID, id.Handle); err != nil {
			writeError(w, r, "ensure user", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDuplicateRelationship), errors.Is(err, domain.ErrMirrorInconsistency):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, envelope.ErrDecryption):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	attrs := []any{
		"op", op,
		"status", status,
		"error", err,
		"user_id", authn.UserIDFrom(r.Context()),
		"request_id", obsmw.RequestIDFromContext(r.Context()),
		"trace_id", obsmw.TraceIDFromContext(r.Context()),
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", attrs...)
		msg = "internal error"
	} else {
		slog.Warn("request rejected", attrs...)
	}
	http.Error(w, msg, status)
}

func originsIfSet(in []string) []string {
	out := []string{}
	for _, o := range in {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
