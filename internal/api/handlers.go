// Package api exposes the engine's operations over a thin HTTP reference
// surface. Handlers never compute eligibility or policy themselves; they
// forward to the core and translate typed errors into status codes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/evaluation"
	"github.com/vitaliisemenov/content-quality/internal/review"
	"github.com/vitaliisemenov/content-quality/internal/rewrite"
	"github.com/vitaliisemenov/content-quality/internal/scoring/aeo"
	"github.com/vitaliisemenov/content-quality/internal/scoring/ailikeness"
)

// Server wires the core services into HTTP handlers.
type Server struct {
	store        core.Storage
	pipeline     *evaluation.Pipeline
	orchestrator *rewrite.Orchestrator
	review       *review.Service
	rewriter     core.Rewriter
	logger       *slog.Logger
	validate     *validator.Validate
	metricsPath  string
}

// NewServer creates the handler set.
func NewServer(store core.Storage, pipeline *evaluation.Pipeline, orchestrator *rewrite.Orchestrator,
	reviewSvc *review.Service, rewriter core.Rewriter, metricsPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:        store,
		pipeline:     pipeline,
		orchestrator: orchestrator,
		review:       reviewSvc,
		rewriter:     rewriter,
		logger:       logger,
		validate:     validator.New(),
		metricsPath:  metricsPath,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metricsPath != "" {
		r.Handle(s.metricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/actors", s.handleCreateActor).Methods(http.MethodPost)
	v1.HandleFunc("/actors/{id}/human", s.handleSetActorHuman).Methods(http.MethodPut)
	v1.HandleFunc("/blogs", s.handleCreateBlog).Methods(http.MethodPost)
	v1.HandleFunc("/blogs/{id}/versions", s.handleAppendVersion).Methods(http.MethodPost)
	v1.HandleFunc("/blogs/{id}/versions", s.handleListVersions).Methods(http.MethodGet)
	v1.HandleFunc("/blogs/{id}/approval", s.handleCurrentApproval).Methods(http.MethodGet)
	v1.HandleFunc("/blogs/{id}/approval/revoke", s.handleRevokeApproval).Methods(http.MethodPost)
	v1.HandleFunc("/blogs/{id}/escalations", s.handleListEscalations).Methods(http.MethodGet)
	v1.HandleFunc("/escalations/{id}/resolve", s.handleResolveEscalation).Methods(http.MethodPost)
	v1.HandleFunc("/versions/{id}", s.handleGetVersion).Methods(http.MethodGet)
	v1.HandleFunc("/versions/{id}/evaluate", s.handleStartEvaluation).Methods(http.MethodPost)
	v1.HandleFunc("/versions/{id}/rewrite", s.handleOrchestrateRewrite).Methods(http.MethodPost)
	v1.HandleFunc("/versions/{id}/review", s.handleStartReview).Methods(http.MethodPost)
	v1.HandleFunc("/versions/{id}/eligibility", s.handleEligibility).Methods(http.MethodGet)
	v1.HandleFunc("/versions/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	v1.HandleFunc("/versions/{id}/reject", s.handleReject).Methods(http.MethodPost)
	v1.HandleFunc("/versions/{id}/override", s.handleOverride).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}", s.handleGetEvaluation).Methods(http.MethodGet)
	v1.HandleFunc("/score/ailikeness", s.handleScoreAILikeness).Methods(http.MethodPost)
	v1.HandleFunc("/score/aeo", s.handleScoreAEO).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := s.store.Health(r.Context()); err != nil {
		status["status"] = "degraded"
		status["storage"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	// The rewriter being down degrades rewrites only; report, don't fail.
	if s.rewriter != nil {
		if err := s.rewriter.Health(r.Context()); err != nil {
			status["rewriter"] = err.Error()
		}
	}
	writeJSON(w, code, status)
}

type createActorRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Role    string `json:"role" validate:"required,oneof=writer reviewer admin system"`
	IsHuman bool   `json:"is_human"`
}

func (s *Server) handleCreateActor(w http.ResponseWriter, r *http.Request) {
	var req createActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	actor, err := s.store.CreateActor(r.Context(), req.Email, core.ActorRole(req.Role), req.IsHuman)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, actor)
}

type setHumanRequest struct {
	AdminID string `json:"admin_id" validate:"required"`
	IsHuman bool   `json:"is_human"`
}

func (s *Server) handleSetActorHuman(w http.ResponseWriter, r *http.Request) {
	var req setHumanRequest
	if !s.decode(w, r, &req) {
		return
	}
	actor, err := s.store.SetActorHuman(r.Context(), mux.Vars(r)["id"], req.IsHuman, req.AdminID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

type createBlogRequest struct {
	Name      string  `json:"name" validate:"required"`
	ActorID   string  `json:"actor_id" validate:"required"`
	ProjectID *string `json:"project_id,omitempty"`
}

func (s *Server) handleCreateBlog(w http.ResponseWriter, r *http.Request) {
	var req createBlogRequest
	if !s.decode(w, r, &req) {
		return
	}
	blog, err := s.store.CreateBlog(r.Context(), req.Name, req.ActorID, req.ProjectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, blog)
}

type appendVersionRequest struct {
	Content              string  `json:"content" validate:"required"`
	Source               string  `json:"source" validate:"required,oneof=human_paste ai_rewrite human_edit"`
	ActorID              string  `json:"actor_id" validate:"required"`
	ParentVersionID      *string `json:"parent_version_id,omitempty"`
	ChangeReason         *string `json:"change_reason,omitempty"`
	SourceRewriteCycleID *string `json:"source_rewrite_cycle_id,omitempty"`
}

func (s *Server) handleAppendVersion(w http.ResponseWriter, r *http.Request) {
	var req appendVersionRequest
	if !s.decode(w, r, &req) {
		return
	}
	version, err := s.store.AppendVersion(r.Context(), &core.NewVersion{
		BlogID:               mux.Vars(r)["id"],
		Content:              req.Content,
		Source:               core.VersionSource(req.Source),
		ParentVersionID:      req.ParentVersionID,
		ChangeReason:         req.ChangeReason,
		SourceRewriteCycleID: req.SourceRewriteCycleID,
		CreatedBy:            req.ActorID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListVersions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.GetVersion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

type actorRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

func (s *Server) handleStartEvaluation(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.pipeline.StartEvaluation(r.Context(), mux.Vars(r)["id"], &req.ActorID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	detectors, err := s.store.ListDetectorScores(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	aeoScores, err := s.store.ListAEOScores(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":             run,
		"detector_scores": detectors,
		"aeo_scores":      aeoScores,
	})
}

func (s *Server) handleOrchestrateRewrite(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !s.decode(w, r, &req) {
		return
	}
	cycle, err := s.orchestrator.Orchestrate(r.Context(), mux.Vars(r)["id"], &req.ActorID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cycle == nil {
		writeJSON(w, http.StatusOK, map[string]any{"decision": "no_rewrite_required"})
		return
	}
	writeJSON(w, http.StatusCreated, cycle)
}

func (s *Server) handleStartReview(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !s.decode(w, r, &req) {
		return
	}
	state, err := s.review.StartReview(r.Context(), mux.Vars(r)["id"], req.ActorID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	eligibility, err := s.review.Eligibility(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibility)
}

type decisionRequest struct {
	ActorID   string `json:"actor_id" validate:"required"`
	Rationale string `json:"rationale" validate:"required"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	approval, err := s.review.Approve(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Rationale)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, approval)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	state, err := s.review.Reject(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Rationale)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type overrideRequest struct {
	ActorID            string `json:"actor_id" validate:"required"`
	Justification      string `json:"justification" validate:"required"`
	RiskAcceptanceNote string `json:"risk_acceptance_note" validate:"required"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !s.decode(w, r, &req) {
		return
	}
	approval, err := s.review.RequestOverride(r.Context(), mux.Vars(r)["id"],
		req.ActorID, req.Justification, req.RiskAcceptanceNote)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, approval)
}

func (s *Server) handleCurrentApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := s.store.CurrentApproval(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if approval == nil {
		writeJSON(w, http.StatusOK, map[string]any{"approval": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": approval})
}

type revokeRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

func (s *Server) handleRevokeApproval(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !s.decode(w, r, &req) {
		return
	}
	revocation, err := s.store.RevokeApproval(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revocation)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	escalations, err := s.store.ListOpenEscalations(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": escalations})
}

type resolveEscalationRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	Dismiss bool   `json:"dismiss"`
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req resolveEscalationRequest
	if !s.decode(w, r, &req) {
		return
	}
	escalation, err := s.store.ResolveEscalation(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Dismiss)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escalation)
}

type scoreRequest struct {
	Text string `json:"text" validate:"required"`
}

func (s *Server) handleScoreAILikeness(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := ailikeness.Score(req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleScoreAEO(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := aeo.Score(req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decode parses and validates a JSON body, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation", "invalid JSON body"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation", err.Error()))
		return false
	}
	return true
}

// writeError maps typed core errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindConflict, core.KindCapExceeded, core.KindApprovedContent:
		status = http.StatusConflict
	case core.KindForbidden:
		status = http.StatusForbidden
	case core.KindInvalidState, core.KindInvalidVersion:
		status = http.StatusUnprocessableEntity
	case core.KindTimeout:
		status = http.StatusGatewayTimeout
	case core.KindUnavailable:
		status = http.StatusServiceUnavailable
	}

	var qe *core.QualityError
	message := err.Error()
	if errors.As(err, &qe) {
		message = qe.Reason
	}
	if status >= 500 {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, errorBody(string(kind), message))
}

func errorBody(kind, message string) map[string]any {
	return map[string]any{"error": map[string]string{"kind": kind, "message": message}}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
