// Package vwq implements the image recognition query API.
package vwq

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vwsmock/vwsmock/internal/match"
	"github.com/vwsmock/vwsmock/internal/metrics"
	"github.com/vwsmock/vwsmock/internal/store"
	"github.com/vwsmock/vwsmock/internal/validate"
)

// Server handles query API requests.
type Server struct {
	logger             *zap.Logger
	manager            *store.TargetManager
	matcher            match.Matcher
	metrics            *metrics.Metrics
	pipeline           *validate.QueryPipeline
	recognizesDeletion time.Duration
	responseDelay      time.Duration
	now                func() time.Time
}

// NewServer creates a query API server backed by the given repository.
// recognizesDeletion is the window after a target deletion during which a
// matching query still surfaces the deletion.
func NewServer(
	logger *zap.Logger,
	manager *store.TargetManager,
	matcher match.Matcher,
	m *metrics.Metrics,
	recognizesDeletion time.Duration,
	responseDelay time.Duration,
) *Server {
	return &Server{
		logger:             logger.Named("vwq"),
		manager:            manager,
		matcher:            matcher,
		metrics:            m,
		pipeline:           &validate.QueryPipeline{Manager: manager, Now: manager.Now},
		recognizesDeletion: recognizesDeletion,
		responseDelay:      responseDelay,
		now:                manager.Now,
	}
}

// Handler returns the router for the query API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withDelay)
	r.Use(s.withMetrics)
	r.Post("/v1/query", s.handleQuery)
	return r
}

// withDelay holds every response for the configured duration. If the client
// gives up first the handler is skipped and the gateway timeout shape is
// returned.
func (s *Server) withDelay(next http.Handler) http.Handler {
	if s.responseDelay <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(s.responseDelay):
		case <-r.Context().Done():
			validate.ContentLengthTooLargeQuery(s.now()).Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.metrics.RequestsTotal.WithLabelValues("vwq", r.Method, strconv.Itoa(ww.Status())).Inc()
		s.metrics.RequestDuration.WithLabelValues("vwq").Observe(time.Since(start).Seconds())
		s.logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
		)
	})
}

type targetData struct {
	TargetTimestamp     int64   `json:"target_timestamp"`
	Name                string  `json:"name"`
	ApplicationMetadata *string `json:"application_metadata"`
}

type queryResult struct {
	TargetID   string      `json:"target_id"`
	TargetData *targetData `json:"target_data,omitempty"`
}

type queryResponse struct {
	ResultCode string        `json:"result_code"`
	Results    []queryResult `json:"results"`
	QueryID    string        `json:"query_id"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := validate.NewRequest(r)
	if err != nil {
		s.logger.Error("reading request body", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	db, params, errResp := s.pipeline.Run(req)
	if errResp != nil {
		errResp.Write(w)
		return
	}

	now := s.now()
	var matches []*store.Target
	for _, target := range db.AllTargets() {
		if !s.matcher.Match(target.Image, params.Image) {
			continue
		}
		if target.Deleted() {
			if target.ActiveFlag && now.Sub(*target.DeleteDate) < s.recognizesDeletion {
				s.metrics.QueriesTotal.WithLabelValues("transient_error").Inc()
				validate.MatchProcessing(now).Write(w)
				return
			}
			continue
		}
		if target.Status(now) == store.StatusProcessing {
			s.metrics.QueriesTotal.WithLabelValues("transient_error").Inc()
			validate.MatchProcessing(now).Write(w)
			return
		}
		if target.ActiveFlag && target.Status(now) == store.StatusSuccess {
			matches = append(matches, target)
		}
	}

	results := make([]queryResult, 0)
	for _, target := range matches {
		result := queryResult{TargetID: target.ID}
		includeData := params.IncludeTargetData == "all" ||
			(params.IncludeTargetData == "top" && len(results) == 0)
		if includeData {
			var metadata *string
			if target.ApplicationMetadata != nil {
				decoded, err := validate.DecodeBase64(*target.ApplicationMetadata)
				if err == nil {
					encoded := base64.StdEncoding.EncodeToString(decoded)
					metadata = &encoded
				}
			}
			result.TargetData = &targetData{
				TargetTimestamp:     target.LastModified.Unix(),
				Name:                target.Name,
				ApplicationMetadata: metadata,
			}
		}
		results = append(results, result)
	}
	if len(results) > params.MaxNumResults {
		results = results[:params.MaxNumResults]
	}

	body, err := json.Marshal(queryResponse{
		ResultCode: validate.ResultSuccess,
		Results:    results,
		QueryID:    store.NewID(),
	})
	if err != nil {
		s.logger.Error("marshaling response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.metrics.QueriesTotal.WithLabelValues("success").Inc()
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Date", now.UTC().Format(http.TimeFormat))
	h.Set("Connection", "keep-alive")
	h.Set("Server", "nginx")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
