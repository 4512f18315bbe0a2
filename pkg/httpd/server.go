// Package httpd serves the keeper's read-only diagnostic surface. Every
// handler recomputes its answer from the durable state file on each
// request: no caching, so the surface never reports stale results, and no
// route mutates anything.
package httpd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sindef/redis-keeper/pkg/auth"
	"github.com/sindef/redis-keeper/pkg/config"
	"github.com/sindef/redis-keeper/pkg/fsm"
	"github.com/sindef/redis-keeper/pkg/state"
	"k8s.io/klog/v2"
)

const homeText = `redis-keeper diagnostic API

GET /              this page
GET /health        liveness probe
GET /versions      keeper and engine version information
GET /1.0/state     current durable node state
GET /1.0/fsm/state current and assigned role, pending transition actions
GET /metrics       prometheus metrics
`

// Server is the diagnostic HTTP server.
type Server struct {
	cfg           *config.Config
	version       string
	authenticator *auth.Authenticator
	httpServer    *http.Server
}

// New creates the diagnostic server. The authenticator is the same instance
// the monitor client signs with, so a reloaded shared secret applies to the
// protected routes without a restart.
func New(cfg *config.Config, version string, authenticator *auth.Authenticator) *Server {
	s := &Server{
		cfg:           cfg,
		version:       version,
		authenticator: authenticator,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/versions", s.handleVersions)
	mux.HandleFunc("/1.0/state", s.authenticator.Middleware(s.handleState))
	mux.HandleFunc("/1.0/fsm/state", s.authenticator.Middleware(s.handleFSMState))
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		klog.InfoS("Starting diagnostic HTTP server", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Failed to shut down the diagnostic HTTP server")
	}
	return <-errCh
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprint(w, homeText)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions := map[string]interface{}{
		"keeper_version":       s.version,
		"state_format_version": state.FormatVersion,
	}

	// Engine identity comes from the durable state; the engine itself is
	// not consulted, so this route works while the engine is down.
	if st, err := state.Load(s.cfg.StatePath); err == nil {
		versions["engine_version"] = st.EngineVersion
		versions["engine_mode"] = st.ReplicationVersion
		versions["system_identifier"] = st.SystemIdentifier
	}

	writeJSON(w, versions)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := state.Load(s.cfg.StatePath)
	if err != nil {
		klog.ErrorS(err, "Failed to load node state for HTTP request")
		http.Error(w, "Failed to load node state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, st)
}

func (s *Server) handleFSMState(w http.ResponseWriter, r *http.Request) {
	st, err := state.Load(s.cfg.StatePath)
	if err != nil {
		klog.ErrorS(err, "Failed to load node state for HTTP request")
		http.Error(w, "Failed to load node state", http.StatusInternalServerError)
		return
	}

	acts, err := fsm.Between(st.CurrentRole, st.AssignedRole)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"current_role":  st.CurrentRole,
		"assigned_role": st.AssignedRole,
		"transition":    acts,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
