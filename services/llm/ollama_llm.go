// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "llama3.2"
)

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// OllamaClient calls a local Ollama server's /api/generate endpoint.
//
// Thread Safety: OllamaClient is safe for concurrent use.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewOllamaClient creates a client from OLLAMA_BASE_URL and OLLAMA_MODEL,
// defaulting to http://localhost:11434 and llama3.2.
func NewOllamaClient() *OllamaClient {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		model = defaultOllamaModel
	}
	slog.Info("Initializing Ollama client", slog.String("base_url", baseURL), slog.String("model", model))
	return NewOllamaClientWithConfig(baseURL, model)
}

// NewOllamaClientWithConfig creates a client without reading the
// environment.
func NewOllamaClientWithConfig(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

// Name implements Client.
func (c *OllamaClient) Name() string { return ProviderOllama }

// Generate implements Client with a single non-streaming generation.
//
// Outputs:
//   - string: The model's response text.
//   - error: Non-nil on transport failure, a non-200 status, or an error
//     field in the response.
func (c *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	model := c.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	opts := make(map[string]any)
	if params.Temperature != nil {
		opts["temperature"] = *params.Temperature
	}
	if params.MaxTokens != nil {
		opts["num_predict"] = *params.MaxTokens
	}
	if params.TopP != nil {
		opts["top_p"] = *params.TopP
	}
	if len(params.Stop) > 0 {
		opts["stop"] = params.Stop
	}
	if len(opts) == 0 {
		opts = nil
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		System:  classifierSystemPrompt,
		Stream:  false,
		Options: opts,
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("ollama: reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, SafeLogString(string(raw)))
	}

	var out ollamaGenerateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("ollama: parsing response JSON: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", SafeLogString(out.Error))
	}

	slog.Debug("Received Ollama response",
		slog.String("model", model),
		slog.Int("response_len", len(out.Response)),
	)
	return out.Response, nil
}
