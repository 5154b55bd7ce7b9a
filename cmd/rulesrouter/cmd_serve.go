// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/AleutianRules/services/rules"
)

type serveOptions struct {
	port        int
	debug       bool
	traceStdout bool
	warmTimeout time.Duration
}

func newServeCmd(g *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the /v1/rules HTTP API and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, opts, cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.port, "port", 8080, "Port to listen on")
	f.BoolVar(&opts.debug, "debug", false, "Enable gin debug mode and request logging")
	f.BoolVar(&opts.traceStdout, "trace-stdout", false, "Export OpenTelemetry spans to stdout")
	f.DurationVar(&opts.warmTimeout, "warm-timeout", 2*time.Minute, "Bound on the startup embedding warm-up")
	return cmd
}

func runServe(ctx context.Context, g *globalOptions, opts *serveOptions, logw io.Writer) error {
	logger, err := newLogger(g, logw)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(opts.traceStdout, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Trace exporter shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svc, err := buildService(ctx, g, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("Failed to close rules service", slog.String("error", err.Error()))
		}
	}()

	// Classification serves immediately; the embedding stage joins once
	// the warm-up finishes.
	wctx, cancelWarm := context.WithTimeout(ctx, opts.warmTimeout)
	var warm sync.WaitGroup
	warm.Add(1)
	go func() {
		defer warm.Done()
		if err := svc.Initialize(wctx); err != nil {
			logger.Warn("Startup warm-up incomplete", slog.String("error", err.Error()))
			return
		}
		logger.Info("Startup warm-up complete")
	}()
	defer func() {
		cancelWarm()
		warm.Wait()
	}()

	if opts.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	var mw []gin.HandlerFunc
	if opts.debug {
		mw = append(mw, gin.Logger())
	}
	router := rules.NewRouter(rules.NewHandlers(svc, logger), mw...)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting rules router", slog.String("address", srv.Addr), slog.String("version", rules.Version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down rules router")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// setupTracing installs the W3C propagator and, when enabled, an SDK tracer
// provider exporting to w.
//
// # Outputs
//
//   - func: Flushes and stops the exporter. A no-op when disabled.
//   - error: Non-nil if the exporter cannot be created.
func setupTracing(enabled bool, w io.Writer) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", rules.ServiceName),
			attribute.String("service.version", rules.Version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
