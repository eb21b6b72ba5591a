// Package httpapi serves the daemon's read-only status surface: metrics,
// health and the attestation journal.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"pufattest/internal/health"
	"pufattest/internal/metrics"
	"pufattest/internal/store"
)

// Journal is the subset of store.Store the API reads.
type Journal interface {
	Get(id uuid.UUID) (*store.Attestation, error)
	Recent(limit int, verdict string) ([]*store.Attestation, error)
	Stats() (*store.Stats, error)
}

// Options wires the API's collaborators. Journal may be nil when storage
// is disabled.
type Options struct {
	Journal Journal
	Metrics *metrics.AttestationMetrics
	Health  *health.Checker
	Logger  *slog.Logger
}

const maxRecent = 500

// NewRouter builds the chi router.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &handlers{journal: opts.Journal, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(middleware.Timeout(15 * time.Second))

	if opts.Health != nil {
		r.Get("/healthz", opts.Health.LivenessHandler().ServeHTTP)
		r.Get("/readyz", opts.Health.ReadinessHandler().ServeHTTP)
	}
	if opts.Metrics != nil {
		m := opts.Metrics
		r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
			m.UpdateUptime()
			m.Registry().HTTPHandler().ServeHTTP(w, req)
		})
	}

	r.Route("/attestations", func(r chi.Router) {
		r.Use(h.requireJournal)
		r.Get("/", h.recent)
		r.Get("/stats", h.stats)
		r.Get("/{id}", h.get)
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

type handlers struct {
	journal Journal
	logger  *slog.Logger
}

// attestationJSON is the wire form of a journal entry.
type attestationJSON struct {
	ID            string          `json:"id"`
	Peer          string          `json:"peer"`
	ClientSubject string          `json:"client_subject,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	DurationMs    int64           `json:"duration_ms"`
	Verdict       string          `json:"verdict"`
	State         string          `json:"state"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	ErrorPhase    string          `json:"error_phase,omitempty"`
	Error         string          `json:"error,omitempty"`
	Transcript    json.RawMessage `json:"transcript,omitempty"`
}

func toJSON(a *store.Attestation, withTranscript bool) attestationJSON {
	out := attestationJSON{
		ID:            a.ID.String(),
		Peer:          a.Peer,
		ClientSubject: a.ClientSubject,
		StartedAt:     a.StartedAt.UTC(),
		DurationMs:    a.Duration.Milliseconds(),
		Verdict:       a.Verdict,
		State:         a.State,
		ErrorKind:     a.ErrorKind,
		ErrorPhase:    a.ErrorPhase,
		Error:         a.Error,
	}
	if withTranscript && len(a.Transcript) > 0 && json.Valid(a.Transcript) {
		out.Transcript = a.Transcript
	}
	return out
}

func (h *handlers) requireJournal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.journal == nil {
			writeError(w, http.StatusNotFound, "journal disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) recent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxRecent {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	verdict := r.URL.Query().Get("verdict")
	switch verdict {
	case "", "accepted", "rejected", "error":
	default:
		writeError(w, http.StatusBadRequest, "unknown verdict")
		return
	}

	entries, err := h.journal.Recent(limit, verdict)
	if err != nil {
		h.logger.Error("list attestations", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}

	out := make([]attestationJSON, 0, len(entries))
	for _, a := range entries {
		out = append(out, toJSON(a, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"attestations": out})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid attestation id")
		return
	}

	a, err := h.journal.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "attestation not found")
		return
	}
	if err != nil {
		h.logger.Error("get attestation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toJSON(a, true))
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.journal.Stats()
	if err != nil {
		h.logger.Error("journal stats", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}

	body := map[string]any{
		"total":          st.Total,
		"accepted":       st.Accepted,
		"rejected":       st.Rejected,
		"errors":         st.Errors,
		"errors_by_kind": st.ErrorsByKind,
	}
	if !st.LastAt.IsZero() {
		body["last_at"] = st.LastAt.UTC()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
