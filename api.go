package poolreg

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/telemetry"
	log "github.com/sirupsen/logrus"
)

// Serve runs the admin HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context) {
	srv := &http.Server{
		Addr:    s.AdminListen,
		Handler: s.Routes(),
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	log.Infof("Starting HTTP Server on %v", s.AdminListen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("Admin HTTP server failed: %v", err)
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	}).Handler)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	})

	r.Method("GET", "/ping", telemetry.Instrument("admin_ping", http.HandlerFunc(s.StatusPing)))

	r.Method("GET", "/pools", telemetry.Instrument("admin_pools", http.HandlerFunc(s.Pools)))
	r.Method("GET", "/pools/{pool}", telemetry.Instrument("admin_pool", http.HandlerFunc(s.Pool)))
	r.Method("GET", "/pools/{pool}/members", telemetry.Instrument("admin_members", http.HandlerFunc(s.PoolMembers)))
	r.Method("GET", "/pools/{pool}/locations", telemetry.Instrument("admin_locations", http.HandlerFunc(s.PoolLocations)))

	r.Method("GET", "/metrics", telemetry.MetricsHandler())

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"remote":   r.RemoteAddr,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

func (s *Server) Error(w http.ResponseWriter, err error, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{code, err.Error()})
}

func (s *Server) StatusPing(w http.ResponseWriter, r *http.Request) {
	pong := s.Ping()
	json.NewEncoder(w).Encode(pong)
}

func (s *Server) Pools(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stats") != "" {
		json.NewEncoder(w).Encode(s.Stats())
		return
	}
	json.NewEncoder(w).Encode(s.PoolNames())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*pool.Pool, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "pool"))
	if err != nil {
		s.Error(w, err, http.StatusBadRequest)
		return nil, false
	}
	p, err := s.Lookup(name)
	if err != nil {
		s.Error(w, err, http.StatusNotFound)
		return nil, false
	}
	return p, true
}

func (s *Server) Pool(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.lookup(w, r); ok {
		json.NewEncoder(w).Encode(p.Stats())
	}
}

func (s *Server) PoolMembers(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.lookup(w, r); ok {
		ids := pool.Members(p.Members()).Identities()
		if ids == nil {
			ids = []pool.Identity{}
		}
		json.NewEncoder(w).Encode(ids)
	}
}

func (s *Server) PoolLocations(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.lookup(w, r); ok {
		locations := p.Locations()
		if locations == nil {
			locations = []string{}
		}
		json.NewEncoder(w).Encode(locations)
	}
}
