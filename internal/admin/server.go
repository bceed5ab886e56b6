// Package admin implements the database provisioning API used by test
// harnesses to create and tear down databases with known credentials.
package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vwsmock/vwsmock/internal/metrics"
	"github.com/vwsmock/vwsmock/internal/store"
)

// Server handles database provisioning requests.
type Server struct {
	logger  *zap.Logger
	manager *store.TargetManager
	metrics *metrics.Metrics
}

// NewServer creates an admin API server backed by the given repository.
func NewServer(logger *zap.Logger, manager *store.TargetManager, m *metrics.Metrics) *Server {
	return &Server{
		logger:  logger.Named("admin"),
		manager: manager,
		metrics: m,
	}
}

// Handler returns the router for the admin API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMetrics)
	r.Post("/databases", s.handleCreateDatabase)
	r.Get("/databases", s.handleListDatabases)
	r.Delete("/databases/{databaseName}", s.handleDeleteDatabase)
	return r
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.metrics.RequestsTotal.WithLabelValues("admin", r.Method, strconv.Itoa(ww.Status())).Inc()
		s.metrics.RequestDuration.WithLabelValues("admin").Observe(time.Since(start).Seconds())
	})
}

type createDatabaseBody struct {
	DatabaseName    *string `json:"database_name"`
	ServerAccessKey *string `json:"server_access_key"`
	ServerSecretKey *string `json:"server_secret_key"`
	ClientAccessKey *string `json:"client_access_key"`
	ClientSecretKey *string `json:"client_secret_key"`
	StateName       *string `json:"state_name"`
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var body createDatabaseBody
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	spec := store.DatabaseSpec{}
	if body.DatabaseName != nil {
		spec.Name = *body.DatabaseName
	}
	if body.ServerAccessKey != nil {
		spec.ServerAccessKey = *body.ServerAccessKey
	}
	if body.ServerSecretKey != nil {
		spec.ServerSecretKey = *body.ServerSecretKey
	}
	if body.ClientAccessKey != nil {
		spec.ClientAccessKey = *body.ClientAccessKey
	}
	if body.ClientSecretKey != nil {
		spec.ClientSecretKey = *body.ClientSecretKey
	}
	if body.StateName != nil {
		spec.State = store.State(*body.StateName)
	}

	db := store.NewDatabase(spec)
	if err := s.manager.AddDatabase(db); err != nil {
		var dup *store.DuplicateKeyError
		if errors.As(err, &dup) {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, dup.Error())
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.metrics.DatabasesCreated.Inc()
	s.logger.Info("database created", zap.String("database", db.Name))
	s.writeJSON(w, http.StatusCreated, db.Snapshot(s.manager.Now()))
}

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	now := s.manager.Now()
	snapshots := make([]store.DatabaseSnapshot, 0)
	for _, db := range s.manager.Databases() {
		snapshots = append(snapshots, db.Snapshot(now))
	}
	s.writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "databaseName")
	if !s.manager.RemoveDatabase(name) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.logger.Info("database deleted", zap.String("database", name))
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("marshaling response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
