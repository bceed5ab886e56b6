// Package vws implements the target management API: target CRUD, the
// database and target summaries, the target list and the duplicate check.
package vws

import (
	"encoding/json"
	"errors"
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

// Server handles management API requests.
type Server struct {
	logger        *zap.Logger
	manager       *store.TargetManager
	matcher       match.Matcher
	metrics       *metrics.Metrics
	pipeline      *validate.ServicesPipeline
	responseDelay time.Duration
	now           func() time.Time
}

// NewServer creates a management API server backed by the given repository.
func NewServer(
	logger *zap.Logger,
	manager *store.TargetManager,
	matcher match.Matcher,
	m *metrics.Metrics,
	responseDelay time.Duration,
) *Server {
	return &Server{
		logger:        logger.Named("vws"),
		manager:       manager,
		matcher:       matcher,
		metrics:       m,
		pipeline:      &validate.ServicesPipeline{Manager: manager, Now: manager.Now},
		responseDelay: responseDelay,
		now:           manager.Now,
	}
}

// Handler returns the router for the management API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withDelay)
	r.Use(s.withMetrics)
	r.Post("/targets", s.handleAddTarget)
	r.Get("/targets", s.handleTargetList)
	r.Get("/targets/{targetID}", s.handleGetTarget)
	r.Put("/targets/{targetID}", s.handleUpdateTarget)
	r.Delete("/targets/{targetID}", s.handleDeleteTarget)
	r.Get("/summary", s.handleDatabaseSummary)
	r.Get("/summary/{targetID}", s.handleTargetSummary)
	r.Get("/duplicates/{targetID}", s.handleDuplicates)
	return r
}

// withDelay holds every response for the configured duration. If the client
// gives up first the handler is skipped entirely and the gateway's stream
// timeout shape is returned.
func (s *Server) withDelay(next http.Handler) http.Handler {
	if s.responseDelay <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(s.responseDelay):
		case <-r.Context().Done():
			validate.ContentLengthTooLarge(s.now()).Write(w)
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
		s.metrics.RequestsTotal.WithLabelValues("vws", r.Method, strconv.Itoa(ww.Status())).Inc()
		s.metrics.RequestDuration.WithLabelValues("vws").Observe(time.Since(start).Seconds())
		s.logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
		)
	})
}

// writeSuccess writes a management API success body with the envoy-style
// header set. The lowercase header names are part of the contract; the
// Date and Content-Type entries the Go server would add itself are
// suppressed in favour of the lowercase variants.
func (s *Server) writeSuccess(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("marshaling response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h["Date"] = nil
	h["Content-Type"] = nil
	h["content-type"] = []string{"application/json"}
	h["server"] = []string{"envoy"}
	h["date"] = []string{s.now().UTC().Format(http.TimeFormat)}
	h["x-envoy-upstream-service-time"] = []string{"5"}
	h["strict-transport-security"] = []string{"max-age=31536000"}
	h["x-aws-region"] = []string{"us-east-2, us-west-2"}
	h["x-content-type-options"] = []string{"nosniff"}
	w.WriteHeader(status)
	w.Write(data)
}

// validated runs the pipeline and writes the failure response when there is
// one. It returns the resolved database otherwise.
func (s *Server) validated(w http.ResponseWriter, r *http.Request) *store.Database {
	req, err := validate.NewRequest(r)
	if err != nil {
		s.logger.Error("reading request body", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	db, errResp := s.pipeline.Run(req)
	if errResp != nil {
		errResp.Write(w)
		return nil
	}
	return db
}

type addTargetBody struct {
	Name                string  `json:"name"`
	Width               float64 `json:"width"`
	Image               string  `json:"image"`
	ActiveFlag          *bool   `json:"active_flag"`
	ApplicationMetadata *string `json:"application_metadata"`
}

type addTargetResponse struct {
	TransactionID string `json:"transaction_id"`
	ResultCode    string `json:"result_code"`
	TargetID      string `json:"target_id"`
}

func (s *Server) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	req, err := validate.NewRequest(r)
	if err != nil {
		s.logger.Error("reading request body", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	db, errResp := s.pipeline.Run(req)
	if errResp != nil {
		errResp.Write(w)
		return
	}

	var body addTargetBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		validate.Fail(s.now(), http.StatusBadRequest).Write(w)
		return
	}
	activeFlag := true
	if body.ActiveFlag != nil {
		activeFlag = *body.ActiveFlag
	}
	image, err := validate.DecodeBase64(body.Image)
	if err != nil {
		validate.Fail(s.now(), http.StatusUnprocessableEntity).Write(w)
		return
	}

	target, err := s.manager.AddTarget(db.Name, store.NewTargetParams{
		Name:                body.Name,
		Width:               body.Width,
		Image:               image,
		ActiveFlag:          activeFlag,
		ApplicationMetadata: body.ApplicationMetadata,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTargetName) {
			validate.TargetNameExist(s.now()).Write(w)
			return
		}
		s.logger.Error("adding target", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.metrics.TargetsCreated.Inc()
	s.logger.Info("target created",
		zap.String("database", db.Name),
		zap.String("target_id", target.ID),
	)
	s.writeSuccess(w, http.StatusCreated, addTargetResponse{
		TransactionID: validate.TransactionID(),
		ResultCode:    validate.ResultTargetCreated,
		TargetID:      target.ID,
	})
}

type targetRecord struct {
	TargetID       string  `json:"target_id"`
	ActiveFlag     bool    `json:"active_flag"`
	Name           string  `json:"name"`
	Width          float64 `json:"width"`
	TrackingRating int     `json:"tracking_rating"`
	RecoRating     string  `json:"reco_rating"`
}

type getTargetResponse struct {
	ResultCode    string       `json:"result_code"`
	TransactionID string       `json:"transaction_id"`
	TargetRecord  targetRecord `json:"target_record"`
	Status        string       `json:"status"`
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	db := s.validated(w, r)
	if db == nil {
		return
	}
	target := db.FindNotDeleted(chi.URLParam(r, "targetID"))
	if target == nil {
		validate.UnknownTarget(s.now()).Write(w)
		return
	}

	now := s.now()
	s.writeSuccess(w, http.StatusOK, getTargetResponse{
		ResultCode:    validate.ResultSuccess,
		TransactionID: validate.TransactionID(),
		TargetRecord: targetRecord{
			TargetID:       target.ID,
			ActiveFlag:     target.ActiveFlag,
			Name:           target.Name,
			Width:          target.Width,
			TrackingRating: target.TrackingRating(now),
			RecoRating:     "",
		},
		Status: string(target.Status(now)),
	})
}

type transactionResponse struct {
	TransactionID string `json:"transaction_id"`
	ResultCode    string `json:"result_code"`
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	db := s.validated(w, r)
	if db == nil {
		return
	}
	targetID := chi.URLParam(r, "targetID")

	err := s.manager.DeleteTarget(db.Name, targetID)
	switch {
	case errors.Is(err, store.ErrTargetProcessing):
		validate.TargetStatusProcessing(s.now()).Write(w)
		return
	case errors.Is(err, store.ErrTargetNotFound):
		validate.UnknownTarget(s.now()).Write(w)
		return
	case err != nil:
		s.logger.Error("deleting target", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.metrics.TargetsDeleted.Inc()
	s.logger.Info("target deleted",
		zap.String("database", db.Name),
		zap.String("target_id", targetID),
	)
	s.writeSuccess(w, http.StatusOK, transactionResponse{
		TransactionID: validate.TransactionID(),
		ResultCode:    validate.ResultSuccess,
	})
}

type databaseSummaryResponse struct {
	ResultCode         string `json:"result_code"`
	TransactionID      string `json:"transaction_id"`
	Name               string `json:"name"`
	ActiveImages       int    `json:"active_images"`
	InactiveImages     int    `json:"inactive_images"`
	FailedImages       int    `json:"failed_images"`
	TargetQuota        int    `json:"target_quota"`
	TotalRecos         int    `json:"total_recos"`
	CurrentMonthRecos  int    `json:"current_month_recos"`
	PreviousMonthRecos int    `json:"previous_month_recos"`
	ProcessingImages   int    `json:"processing_images"`
	RecoThreshold      int    `json:"reco_threshold"`
	RequestQuota       int    `json:"request_quota"`
	RequestUsage       int    `json:"request_usage"`
}

func (s *Server) handleDatabaseSummary(w http.ResponseWriter, r *http.Request) {
	db := s.validated(w, r)
	if db == nil {
		return
	}

	now := s.now()
	s.writeSuccess(w, http.StatusOK, databaseSummaryResponse{
		ResultCode:         validate.ResultSuccess,
		TransactionID:      validate.TransactionID(),
		Name:               db.Name,
		ActiveImages:       db.ActiveCount(now),
		InactiveImages:     db.InactiveCount(now),
		FailedImages:       db.FailedCount(now),
		TargetQuota:        1000,
		TotalRecos:         0,
		CurrentMonthRecos:  0,
		PreviousMonthRecos: 0,
		ProcessingImages:   db.ProcessingCount(now),
		RecoThreshold:      1000,
		RequestQuota:       100000,
		RequestUsage:       0,
	})
}

type targetSummaryResponse struct {
	Status             string `json:"status"`
	TransactionID      string `json:"transaction_id"`
	ResultCode         string `json:"result_code"`
	DatabaseName       string `json:"database_name"`
	TargetName         string `json:"target_name"`
	UploadDate         string `json:"upload_date"`
	ActiveFlag         bool   `json:"active_flag"`
	TrackingRating     int    `json:"tracking_rating"`
	TotalRecos         int    `json:"total_recos"`
	CurrentMonthRecos  int    `json:"current_month_recos"`
	PreviousMonthRecos int    `json:"previous_month_recos"`
}

func (s *Server) handleTargetSummary(w http.ResponseWriter, r *http.Request) {
	db := s.validated(w, r)
	if db == nil {
		return
	}
	target := db.FindNotDeleted(chi.URLParam(r, "targetID"))
	if target == nil {
		validate.UnknownTarget(s.now()).Write(w)
		return
	}

	now := s.now()
	s.writeSuccess(w, http.StatusOK, targetSummaryResponse{
		Status:             string(target.Status(now)),
		TransactionID:      validate.TransactionID(),
		ResultCode:         validate.ResultSuccess,
		DatabaseName:       db.Name,
		TargetName:         target.Name,
		UploadDate:         target.UploadDate.Format("2006-01-02"),
		ActiveFlag:         target.ActiveFlag,
		TrackingRating:     target.TrackingRating(now),
		TotalRecos:         0,
		CurrentMonthRecos:  0,
		PreviousMonthRecos: 0,
	})
}

type duplicatesResponse struct {
	TransactionID  string   `json:"transaction_id"`
	ResultCode     string   `json:"result_code"`
	SimilarTargets []string `json:"similar_targets"`
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	db := s.validated(w, r)
	if db == nil {
		return
	}
	target := db.FindNotDeleted(chi.URLParam(r, "targetID"))
	if target == nil {
		validate.UnknownTarget(s.now()).Write(w)
		return
	}

	now := s.now()
	targetStatus := target.Status(now)
	similar := make([]string, 0)
	for _, other := range db.NotDeletedTargets() {
		if other.ID == target.ID {
			continue
		}
		otherStatus := other.Status(now)
		if !s.matcher.Match(target.Image, other.Image) {
			continue
		}
		if targetStatus == store.StatusFailed || otherStatus == store.StatusFailed {
			continue
		}
		if otherStatus == store.StatusProcessing {
			continue
		}
		if !other.ActiveFlag {
			continue
		}
		similar = append(similar, other.ID)
	}

	s.writeSuccess(w, http.StatusOK, duplicatesResponse{
		TransactionID:  validate.TransactionID(),
		ResultCode:     validate.ResultSuccess,
		SimilarTargets: similar,
	})
}

type targetListResponse struct {
	TransactionID string   `json:"transaction_id"`
	ResultCode    string   `json:"result_code"`
	Results       []string `json:"results"`
}

func (s *Server) handleTargetList(w http.ResponseWriter, r *http.Request) {
	db := s.validated(w, r)
	if db == nil {
		return
	}

	results := make([]string, 0)
	for _, t := range db.NotDeletedTargets() {
		results = append(results, t.ID)
	}
	s.writeSuccess(w, http.StatusOK, targetListResponse{
		TransactionID: validate.TransactionID(),
		ResultCode:    validate.ResultSuccess,
		Results:       results,
	})
}

type updateTargetResponse struct {
	ResultCode    string `json:"result_code"`
	TransactionID string `json:"transaction_id"`
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	req, err := validate.NewRequest(r)
	if err != nil {
		s.logger.Error("reading request body", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	db, errResp := s.pipeline.Run(req)
	if errResp != nil {
		errResp.Write(w)
		return
	}
	targetID := chi.URLParam(r, "targetID")

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &fields); err != nil {
		validate.Fail(s.now(), http.StatusBadRequest).Write(w)
		return
	}

	var upd store.TargetUpdate
	if raw, ok := fields["width"]; ok {
		var width float64
		if err := json.Unmarshal(raw, &width); err != nil {
			validate.Fail(s.now(), http.StatusBadRequest).Write(w)
			return
		}
		upd.Width = &width
	}
	if raw, ok := fields["active_flag"]; ok {
		if string(raw) == "null" {
			validate.Fail(s.now(), http.StatusBadRequest).Write(w)
			return
		}
		var flag bool
		if err := json.Unmarshal(raw, &flag); err != nil {
			validate.Fail(s.now(), http.StatusBadRequest).Write(w)
			return
		}
		upd.ActiveFlag = &flag
	}
	if raw, ok := fields["application_metadata"]; ok {
		if string(raw) == "null" {
			validate.Fail(s.now(), http.StatusBadRequest).Write(w)
			return
		}
		var metadata string
		if err := json.Unmarshal(raw, &metadata); err != nil {
			validate.Fail(s.now(), http.StatusBadRequest).Write(w)
			return
		}
		upd.ApplicationMetadata = &metadata
	}
	if raw, ok := fields["name"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			validate.Fail(s.now(), http.StatusBadRequest).Write(w)
			return
		}
		upd.Name = &name
	}
	if raw, ok := fields["image"]; ok {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			validate.Fail(s.now(), http.StatusBadRequest).Write(w)
			return
		}
		image, err := validate.DecodeBase64(encoded)
		if err != nil {
			validate.Fail(s.now(), http.StatusUnprocessableEntity).Write(w)
			return
		}
		upd.Image = image
	}

	_, err = s.manager.UpdateTarget(db.Name, targetID, upd)
	switch {
	case errors.Is(err, store.ErrTargetNotSuccess):
		validate.TargetStatusNotSuccess(s.now()).Write(w)
		return
	case errors.Is(err, store.ErrDuplicateTargetName):
		validate.TargetNameExist(s.now()).Write(w)
		return
	case errors.Is(err, store.ErrTargetNotFound):
		validate.UnknownTarget(s.now()).Write(w)
		return
	case err != nil:
		s.logger.Error("updating target", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.metrics.TargetsUpdated.Inc()
	s.logger.Info("target updated",
		zap.String("database", db.Name),
		zap.String("target_id", targetID),
	)
	s.writeSuccess(w, http.StatusOK, updateTargetResponse{
		ResultCode:    validate.ResultSuccess,
		TransactionID: validate.TransactionID(),
	})
}
