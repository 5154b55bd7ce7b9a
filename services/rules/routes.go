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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName identifies the HTTP server in traces.
const ServiceName = "aleutian-rules"

// RegisterRoutes registers all rules routes with the router.
//
// Description:
//
//	Registers all /v1/rules/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/rules/classify - Classify a query
//	POST /v1/rules/clarify - Build a clarification request
//	POST /v1/rules/clarifications - Record a host-presented clarification
//	POST /v1/rules/clarifications/:id/feedback - Resolve a clarification
//	GET  /v1/rules/stats - Cascade and clarification statistics
//	POST /v1/rules/stats/reset - Zero the cascade counters
//	POST /v1/rules/patterns/sweep - Deactivate poor learned patterns
//	POST /v1/rules/patterns/:id/verify - Mark a learned pattern reviewed
//	GET  /v1/rules/patterns - List learned patterns
//	GET  /v1/rules/health - Health check
//	GET  /v1/rules/ready - Readiness check
//
// Example:
//
//	svc, err := rules.NewService(ctx, rules.ServiceConfig{})
//	handlers := rules.NewHandlers(svc, nil)
//
//	v1 := router.Group("/v1")
//	rules.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	r := rg.Group("/rules")
	{
		r.POST("/classify", handlers.HandleClassify)
		r.POST("/clarify", handlers.HandleClarify)

		// Clarification lifecycle
		r.POST("/clarifications", handlers.HandleRecordClarification)
		r.POST("/clarifications/:id/feedback", handlers.HandleFeedback)

		r.GET("/stats", handlers.HandleStats)
		r.POST("/stats/reset", handlers.HandleResetStats)

		// Learned pattern review
		r.GET("/patterns", handlers.HandleListPatterns)
		r.POST("/patterns/sweep", handlers.HandleSweep)
		r.POST("/patterns/:id/verify", handlers.HandleVerifyPattern)

		// Health checks
		r.GET("/health", handlers.HandleHealth)
		r.GET("/ready", handlers.HandleReady)
	}
}

// NewRouter builds a gin engine with recovery and OpenTelemetry middleware
// and the /v1/rules routes registered. Additional middleware runs after
// tracing.
func NewRouter(handlers *Handlers, middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(middleware...)

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router
}
