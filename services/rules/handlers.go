// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRules/services/rules/clarify"
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
	"github.com/AleutianAI/AleutianRules/services/rules/store"
)

// RequestIDHeader carries the caller's request id. One is generated when
// absent.
const RequestIDHeader = "X-Request-ID"

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidInput   = "INVALID_INPUT"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "ALREADY_RESOLVED"
	CodePersistence    = "PERSISTENCE"
	CodeInternal       = "INTERNAL"
)

// Handlers serves the /v1/rules endpoints.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers for svc. A nil logger uses slog.Default().
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// =============================================================================
// Classification
// =============================================================================

// HandleClassify handles POST /v1/rules/classify.
//
// Description:
//
//	Classifies the query through the cascade. When the result should not
//	be routed without asking the user, the response carries a recorded
//	clarification request.
//
// Response:
//
//	200 OK: ClassifyResult
//	400 Bad Request: Missing or invalid query
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleClassify(c *gin.Context) {
	var req ClassifyRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Classify(c.Request.Context(), req.Query, req.History)
	if err != nil {
		h.fail(c, "HandleClassify", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleClarify handles POST /v1/rules/clarify.
//
// Response:
//
//	200 OK: ClarifyResult
//	400 Bad Request: Missing or invalid query
func (h *Handlers) HandleClarify(c *gin.Context) {
	var req ClarifyRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Clarify(c.Request.Context(), req.Query)
	if err != nil {
		h.fail(c, "HandleClarify", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleRecordClarification handles POST /v1/rules/clarifications.
//
// Response:
//
//	201 Created: RecordClarificationResponse with recorded=true
//	202 Accepted: RecordClarificationResponse with recorded=false when the
//	              store was unavailable
//	400 Bad Request: Invalid body or unknown option intent
func (h *Handlers) HandleRecordClarification(c *gin.Context) {
	var req RecordClarificationRequest
	if !h.bind(c, &req) {
		return
	}
	id, err := h.svc.RecordClarification(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "HandleRecordClarification", err)
		return
	}
	if id == "" {
		c.JSON(http.StatusAccepted, RecordClarificationResponse{})
		return
	}
	c.JSON(http.StatusCreated, RecordClarificationResponse{InteractionID: id, Recorded: true})
}

// HandleFeedback handles POST /v1/rules/clarifications/:id/feedback.
//
// Response:
//
//	200 OK: clarify.Feedback
//	400 Bad Request: Neither selection nor resolved_intent given, or
//	                 resolved_intent unknown
//	404 Not Found: Interaction was never recorded
//	409 Conflict: Interaction was already resolved
func (h *Handlers) HandleFeedback(c *gin.Context) {
	var req FeedbackRequest
	if !h.bind(c, &req) {
		return
	}
	fb, err := h.svc.Feedback(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, "HandleFeedback", err)
		return
	}
	c.JSON(http.StatusOK, fb)
}

// =============================================================================
// Stats
// =============================================================================

// HandleStats handles GET /v1/rules/stats.
//
// Query Parameters:
//
//	days: Days of daily clarification metrics, default 30 (optional)
func (h *Handlers) HandleStats(c *gin.Context) {
	var q StatsQuery
	if !h.bindQuery(c, &q) {
		return
	}
	res, err := h.svc.Stats(c.Request.Context(), q.Days)
	if err != nil {
		h.fail(c, "HandleStats", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleResetStats handles POST /v1/rules/stats/reset.
func (h *Handlers) HandleResetStats(c *gin.Context) {
	h.svc.ResetStats()
	c.Status(http.StatusNoContent)
}

// =============================================================================
// Patterns
// =============================================================================

// HandleSweep handles POST /v1/rules/patterns/sweep.
func (h *Handlers) HandleSweep(c *gin.Context) {
	res, err := h.svc.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, "HandleSweep", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleVerifyPattern handles POST /v1/rules/patterns/:id/verify.
//
// Response:
//
//	204 No Content: Pattern verified
//	404 Not Found: Unknown pattern id
func (h *Handlers) HandleVerifyPattern(c *gin.Context) {
	if err := h.svc.VerifyPattern(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "HandleVerifyPattern", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleListPatterns handles GET /v1/rules/patterns.
//
// Query Parameters:
//
//	intent: Only patterns for this intent (optional)
//	active: Only active patterns (optional)
//	verified: Only verified patterns (optional)
//	limit: Maximum patterns, default 100 (optional)
func (h *Handlers) HandleListPatterns(c *gin.Context) {
	var q PatternQuery
	if !h.bindQuery(c, &q) {
		return
	}
	ps, err := h.svc.Patterns(c.Request.Context(), store.PatternFilter{
		Intent:       q.Intent,
		ActiveOnly:   q.Active,
		VerifiedOnly: q.Verified,
		Limit:        q.Limit,
	})
	if err != nil {
		h.fail(c, "HandleListPatterns", err)
		return
	}
	if ps == nil {
		ps = []store.LearnedPattern{}
	}
	c.JSON(http.StatusOK, PatternsResponse{Patterns: ps, Count: len(ps)})
}

// =============================================================================
// Probes
// =============================================================================

// HandleHealth handles GET /v1/rules/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Version: Version, Store: "ok", Ready: h.svc.Ready()}
	if err := h.svc.Healthy(c.Request.Context()); err != nil {
		h.logger.Warn("Health check: store unreachable", slog.String("error", err.Error()))
		resp.Status = "degraded"
		resp.Store = "unreachable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleReady handles GET /v1/rules/ready. It reports 503 until the
// embedding index is warmed.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.svc.Ready() {
		c.Header("Retry-After", "10")
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "warming_up"})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ready", Ready: true})
}

// =============================================================================
// Helpers
// =============================================================================

// getOrCreateRequestID returns the caller's request id or a new one, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.New().String()
	}
	c.Header(RequestIDHeader, id)
	return id
}

// bind decodes the JSON body into req and writes a 400 on failure.
func (h *Handlers) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.badRequest(c, err)
		return false
	}
	return true
}

// bindQuery decodes query parameters into q and writes a 400 on failure.
func (h *Handlers) bindQuery(c *gin.Context, q any) bool {
	if err := c.ShouldBindQuery(q); err != nil {
		h.badRequest(c, err)
		return false
	}
	return true
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	resp := ErrorResponse{
		Error:     "invalid request",
		Code:      CodeInvalidRequest,
		RequestID: getOrCreateRequestID(c),
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Fields = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			resp.Fields[jsonFieldName(fe)] = fe.Tag()
		}
	} else {
		resp.Error = "invalid request: " + err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

// jsonFieldName lowercases the struct field path for error reporting,
// e.g. "FeedbackRequest.ResolvedIntent" becomes "resolvedintent".
func jsonFieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

// fail maps a service error to a status code and error body.
func (h *Handlers) fail(c *gin.Context, handler string, err error) {
	requestID := getOrCreateRequestID(c)
	status, code := http.StatusInternalServerError, CodeInternal
	switch {
	case errors.Is(err, routing.ErrStageInput):
		status, code = http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, clarify.ErrUnknownInteraction), errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, CodeNotFound
	case errors.Is(err, clarify.ErrAlreadyResolved):
		status, code = http.StatusConflict, CodeConflict
	case errors.Is(err, routing.ErrPersistence):
		status, code = http.StatusServiceUnavailable, CodePersistence
	}

	logger := h.logger.With(slog.String("request_id", requestID), slog.String("handler", handler))
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", slog.String("code", code), slog.String("error", err.Error()))
	} else {
		logger.Debug("Request rejected", slog.String("code", code), slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, RequestID: requestID})
}
