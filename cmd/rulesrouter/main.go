// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command rulesrouter runs the rules-assistant query-intent router.
//
// Usage:
//
//	rulesrouter serve --port 8080
//	rulesrouter classify "what does the Bear totem give?"
//	rulesrouter sweep
//
// With an Ollama generative fallback and embeddings (the defaults):
//
//	OLLAMA_BASE_URL=http://localhost:11434 OLLAMA_MODEL=llama3.2 \
//	EMBEDDING_SERVICE_URL=http://localhost:11434/api/embed rulesrouter serve
//
// With OpenAI for the fallback:
//
//	RULES_LLM_PROVIDER=openai OPENAI_API_KEY=... rulesrouter serve
//
// Example requests:
//
//	curl -X POST http://localhost:8080/v1/rules/classify \
//	  -H "Content-Type: application/json" \
//	  -d '{"query": "Bear"}'
//
//	curl -X POST http://localhost:8080/v1/rules/clarifications/<id>/feedback \
//	  -H "Content-Type: application/json" \
//	  -d '{"selection": "1"}'
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRules/services/llm"
	"github.com/AleutianAI/AleutianRules/services/rules"
	"github.com/AleutianAI/AleutianRules/services/rules/config"
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
	badgerstore "github.com/AleutianAI/AleutianRules/services/rules/storage/badger"
	"github.com/AleutianAI/AleutianRules/services/rules/store"
)

// CacheDirEnvVar overrides the embedding cache directory.
const CacheDirEnvVar = "ROUTING_CACHE_DIR"

// globalOptions holds the persistent flag values shared by every command.
type globalOptions struct {
	configPath  string
	dbPath      string
	cacheDir    string
	noEmbedding bool
	noLLM       bool
	logLevel    string
	logJSON     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "rulesrouter",
		Short: "Rules assistant query-intent router",
		Long: `rulesrouter classifies rules-assistant questions into intents through a
pattern, keyword, embedding and generative cascade, asks for clarification
when a question is ambiguous and learns patterns from the answers.`,
		SilenceUsage: true,
		Version:      rules.Version,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", os.Getenv(config.RoutingConfigEnvVar), "Routing rules YAML file (default: embedded rules)")
	pf.StringVar(&opts.dbPath, "db", store.DefaultPath(), "SQLite database for clarifications and learned patterns")
	pf.StringVar(&opts.cacheDir, "cache-dir", defaultCacheDir(), "BadgerDB directory for example embeddings (empty: memory only)")
	pf.BoolVar(&opts.noEmbedding, "no-embedding", false, "Disable the embedding stage")
	pf.BoolVar(&opts.noLLM, "no-llm", false, "Disable the generative fallback stage")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.BoolVar(&opts.logJSON, "log-json", false, "Log JSON instead of text")

	root.AddCommand(
		newServeCmd(opts),
		newClassifyCmd(opts),
		newSweepCmd(opts),
	)
	return root
}

func defaultCacheDir() string {
	if dir := os.Getenv(CacheDirEnvVar); dir != "" {
		return dir
	}
	return badgerstore.DefaultConfig().Path
}

// newLogger builds the process logger. Secrets are redacted from every
// string attribute.
func newLogger(opts *globalOptions, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", opts.logLevel, err)
	}
	hopts := &slog.HandlerOptions{Level: level, ReplaceAttr: llm.RedactAttr}
	if opts.logJSON {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// buildService wires a Service from the global flags and the environment.
func buildService(ctx context.Context, opts *globalOptions, logger *slog.Logger) (*rules.Service, error) {
	cfg := rules.ServiceConfig{
		DBPath:   opts.dbPath,
		CacheDir: opts.cacheDir,
		Logger:   logger,
	}

	if opts.configPath != "" {
		data, err := os.ReadFile(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("reading routing config: %w", err)
		}
		cfg.Routing, err = config.LoadRoutingConfig(ctx, data)
		if err != nil {
			return nil, err
		}
	}

	if !opts.noEmbedding {
		cfg.Embedder = routing.NewOllamaEmbedder()
	}

	if !opts.noLLM {
		client, err := llm.NewClientFromEnv()
		if err != nil {
			return nil, err
		}
		if client != nil {
			cfg.Provider = llm.AsProvider(client, llm.ClassifierParams())
			logger.Info("Generative fallback enabled", slog.String("provider", client.Name()))
		}
	}

	return rules.NewService(ctx, cfg)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
