package debug

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
)

const (
	defaultFirings = 50
	maxFirings     = 1000

	// triggerWait bounds how long /jobs/run waits for the pool to accept.
	triggerWait = 5 * time.Second
)

// ErrUnknownJob is returned by Sources.Trigger for a job that is not
// configured.
var ErrUnknownJob = errors.New("unknown job")

// Check is one component's health.
type Check struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Sources are the components the server reports on. Nil fields disable
// their endpoints.
type Sources struct {
	Scheduler interface{ Snapshot() scheduler.Snapshot }
	Engine    interface{ Snapshot() engine.Snapshot }
	Firings   storage.Store
	Gatherer  prometheus.Gatherer
	Health    func() []Check
	// Trigger queues one immediate run of a configured job.
	Trigger func(ctx context.Context, name string) error
}

type timersResponse struct {
	Time      time.Time           `json:"time"`
	Scheduler *scheduler.Snapshot `json:"scheduler,omitempty"`
	Engine    *engine.Snapshot    `json:"engine,omitempty"`
}

func newMux(token string, src Sources) *http.ServeMux {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		var checks []Check
		if src.Health != nil {
			checks = src.Health()
		}
		status := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks})
	}))

	mux.HandleFunc("/timers", wrap(func(w http.ResponseWriter, r *http.Request) {
		resp := timersResponse{Time: time.Now()}
		if src.Scheduler != nil {
			snap := src.Scheduler.Snapshot()
			resp.Scheduler = &snap
		}
		if src.Engine != nil {
			snap := src.Engine.Snapshot()
			resp.Engine = &snap
		}
		writeJSON(w, http.StatusOK, resp)
	}))

	mux.HandleFunc("/firings", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.Firings == nil {
			http.Error(w, "firing journal disabled", http.StatusNotFound)
			return
		}
		n := defaultFirings
		if raw := r.URL.Query().Get("n"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				http.Error(w, "invalid n", http.StatusBadRequest)
				return
			}
			n = min(v, maxFirings)
		}
		firings, err := src.Firings.RecentFirings(r.Context(), n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, firings)
	}))

	if src.Trigger != nil {
		mux.HandleFunc("/jobs/run", wrap(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			name := strings.TrimSpace(r.URL.Query().Get("name"))
			if name == "" {
				http.Error(w, "name is required", http.StatusBadRequest)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), triggerWait)
			defer cancel()
			err := src.Trigger(ctx, name)
			switch {
			case err == nil:
				writeJSON(w, http.StatusAccepted, map[string]any{"job": name, "queued": true})
			case errors.Is(err, ErrUnknownJob):
				http.Error(w, err.Error(), http.StatusNotFound)
			case errors.Is(err, engine.ErrDisabled):
				http.Error(w, err.Error(), http.StatusConflict)
			default:
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			}
		}))
	}

	if src.Gatherer != nil {
		mux.Handle("/metrics", wrap(promhttp.HandlerFor(src.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}

	mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
	mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			ah := r.Header.Get("Authorization")
			if p := "Bearer "; strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}
