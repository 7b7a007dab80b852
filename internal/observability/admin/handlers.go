package admin

import (
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"invoiced/internal/task/scheduler"
	logx "invoiced/pkg/logx"
)

type runResponse struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Trigger  scheduler.Trigger `json:"trigger"`
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration"`
	Result   any               `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func (s *Service) handler(cur Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /jobs", wrap(s.listJobs))
	mux.HandleFunc("POST /jobs/{id}/run", wrap(s.runJob))
	mux.HandleFunc("GET /runs", wrap(s.listRuns))

	if cur.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.Snapshot())
}

func (s *Service) runJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	out, ok := s.jobs.RunNow(r.Context(), id)
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}

	resp := runResponse{
		ID:       out.JobID,
		Name:     out.Name,
		Trigger:  out.Trigger,
		Started:  out.Started,
		Duration: out.Duration(),
		Result:   out.Result,
	}
	status := http.StatusOK
	if out.Err != nil {
		resp.Error = out.Err.Error()
		status = http.StatusInternalServerError
	}
	s.log.Info("job run requested over admin",
		logx.String("id", id),
		logx.String("name", out.Name),
		logx.Bool("ok", out.Err == nil),
	)
	writeJSON(w, status, resp)
}

func (s *Service) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "storage disabled", http.StatusNotFound)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		s.log.Warn("admin list runs failed", logx.Err(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
