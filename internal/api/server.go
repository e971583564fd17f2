package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"funnelbot/internal/domain"
	"funnelbot/internal/scheduler"
	"funnelbot/internal/store"
)

// Maintainer runs an on-demand housekeeping pass.
type Maintainer interface {
	RunOnce(ctx context.Context) scheduler.Result
}

type Options struct {
	Maintenance   Maintainer
	PollerRunning func() bool
	Now           func() time.Time
	Debug         bool
}

type Server struct {
	r    *chi.Mux
	repo store.Repository
	opts Options
}

func NewServer(repo store.Repository) http.Handler {
	return NewServerWithOptions(repo, Options{})
}

func NewServerWithOptions(repo store.Repository, opts Options) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, opts: opts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/recipients/{id}", s.getRecipient)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Post("/api/jobs/{id}/retry", s.retryJob)
	r.Post("/api/maintenance", s.runMaintenance)

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st, err := s.repo.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	var b strings.Builder
	b.WriteString("funnelbot_up 1\n")
	if s.opts.PollerRunning != nil {
		fmt.Fprintf(&b, "funnelbot_poller_running %d\n", boolGauge(s.opts.PollerRunning()))
	}
	for _, status := range []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobDone, domain.JobFailed} {
		fmt.Fprintf(&b, "funnelbot_jobs{status=%q} %d\n", status, st.JobsByStatus[status])
	}
	for _, stage := range domain.Stages() {
		fmt.Fprintf(&b, "funnelbot_recipients{stage=%q} %d\n", stage, st.RecipientsByStage[stage])
	}
	fmt.Fprintf(&b, "funnelbot_cached_handles %d\n", st.CachedHandles)

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}

type recipientResp struct {
	ID                int64      `json:"id"`
	Stage             string     `json:"stage"`
	Subscribed        bool       `json:"subscribed"`
	PracticeSentAt    *time.Time `json:"practice_sent_at,omitempty"`
	CheckupSentAt     *time.Time `json:"checkup_sent_at,omitempty"`
	ChooseTimeClicked bool       `json:"choose_time_clicked"`
	StartParam        *string    `json:"start_param,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (s *Server) getRecipient(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	rec, err := s.repo.GetRecipient(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, recipientResp{
		ID:                rec.ID,
		Stage:             string(rec.Stage),
		Subscribed:        rec.Subscribed,
		PracticeSentAt:    rec.PracticeSentAt,
		CheckupSentAt:     rec.CheckupSentAt,
		ChooseTimeClicked: rec.ChooseTimeClicked,
		StartParam:        rec.StartParam,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	})
}

type jobResp struct {
	ID          int64   `json:"id"`
	RecipientID int64   `json:"recipient_id"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	RunAt       string  `json:"run_at"`
	LastError   *string `json:"last_error,omitempty"`
	ClaimedBy   *string `json:"claimed_by,omitempty"`
	UpdatedAt   string  `json:"updated_at"`
}

func toJobResp(j domain.Job) jobResp {
	return jobResp{
		ID:          j.ID,
		RecipientID: j.RecipientID,
		Kind:        string(j.Kind),
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		RunAt:       j.RunAt.Format(time.RFC3339),
		LastError:   j.LastError,
		ClaimedBy:   j.ClaimedBy,
		UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var f store.JobFilter
	q := r.URL.Query()
	if v := q.Get("recipient_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid recipient_id", 400)
			return
		}
		f.RecipientID = &id
	}
	if v := q.Get("status"); v != "" {
		f.Status = domain.JobStatus(strings.ToUpper(v))
		switch f.Status {
		case domain.JobPending, domain.JobRunning, domain.JobDone, domain.JobFailed:
		default:
			http.Error(w, "invalid status", 400)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		f.Limit = n
	}

	jobs, err := s.repo.ListJobs(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]jobResp, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResp(j))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	j, err := s.repo.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toJobResp(j))
}

// retryJob re-arms a FAILED job to run now with a fresh retry budget.
func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	err := s.repo.RequeueJob(r.Context(), id, s.opts.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
		return
	case errors.Is(err, store.ErrInvalidState):
		http.Error(w, "only FAILED jobs can be retried", 409)
		return
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), 409)
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	j, err := s.repo.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResp(j))
}

func (s *Server) runMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.opts.Maintenance == nil {
		http.Error(w, "maintenance not configured", 503)
		return
	}
	res := s.opts.Maintenance.RunOnce(r.Context())
	writeJSON(w, 200, map[string]int{"recovered": res.Recovered, "pruned": res.Pruned})
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", 400)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
