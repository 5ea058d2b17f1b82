package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "agroplan/internal/runtime/supervisor"
	logx "agroplan/pkg/logx"
)

const sweepTimeout = 2 * time.Minute

// Handler builds the routes for cfg. Only /healthz is reachable without
// the token.
func (s *Service) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.Token))
		r.Get("/queue", s.getQueue)
		r.Get("/reminders", s.getReminders)
		r.Get("/deliveries", s.getDeliveries)
		r.Get("/supervisors", s.getSupervisors)
		r.Post("/sweep", s.postSweep)
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Service) getQueue(w http.ResponseWriter, _ *http.Request) {
	if s.src.Queue == nil {
		unavailable(w, "queue")
		return
	}
	writeJSON(w, http.StatusOK, s.src.Queue.Snapshot())
}

func (s *Service) getReminders(w http.ResponseWriter, _ *http.Request) {
	if s.src.Reminders == nil {
		unavailable(w, "reminders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"armed": s.src.Reminders.Armed()})
}

// getDeliveries lists recent notifications, newest first. ?limit=N trims it.
func (s *Service) getDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.src.Deliveries == nil {
		unavailable(w, "notifier")
		return
	}
	items := s.src.Deliveries.Snapshot()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 && n < len(items) {
		items = items[:n]
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) getSupervisors(w http.ResponseWriter, _ *http.Request) {
	out := map[string]rtsup.Snapshot{}
	if s.src.Supervisors != nil {
		out = s.src.Supervisors()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) postSweep(w http.ResponseWriter, r *http.Request) {
	if s.src.Sweep == nil {
		unavailable(w, "sweep")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), sweepTimeout)
	defer cancel()
	began := time.Now()
	if err := s.src.Sweep(ctx); err != nil {
		s.log.Warn("manual sweep failed", logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"took": time.Since(began).Round(time.Millisecond).String()})
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=. An empty
// token turns the check off.
func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(want) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if rest, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && got == "" {
				got = strings.TrimSpace(rest)
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " not running"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
