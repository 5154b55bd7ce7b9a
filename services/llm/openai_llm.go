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
	"time"
)

// =============================================================================
// OpenAI Wire Types
// =============================================================================

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel   = "gpt-4o-mini"

	// classifierSystemPrompt frames every classification request.
	classifierSystemPrompt = "You route questions for a tabletop rules assistant. Answer with exactly one line: INTENT|confidence."
)

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Temperature         *float32        `json:"temperature,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	TopP                *float32        `json:"top_p,omitempty"`
	Stop                []string        `json:"stop,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// OpenAIClient calls the OpenAI Chat Completions REST API.
//
// Thread Safety: OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewOpenAIClientWithConfig creates an OpenAIClient without reading the
// environment. Used by tests against mock servers.
func NewOpenAIClientWithConfig(apiKey, model, baseURL string) *OpenAIClient {
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// NewOpenAIClient creates an OpenAIClient from OPENAI_API_KEY and
// OPENAI_MODEL. The model defaults to gpt-4o-mini.
//
// Outputs:
//   - *OpenAIClient: The configured client.
//   - error: Non-nil if OPENAI_API_KEY is missing.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		slog.Warn("OpenAI API Key is empty. OpenAI Client will not function.")
		return nil, fmt.Errorf("openai: API key is missing (OPENAI_API_KEY)")
	}
	if model == "" {
		model = defaultOpenAIModel
		slog.Warn("OPENAI_MODEL not set, defaulting", slog.String("model", model))
	}
	slog.Info("Initializing OpenAI client", slog.String("model", model))
	return NewOpenAIClientWithConfig(apiKey, model, defaultOpenAIBaseURL), nil
}

// Name implements Client.
func (o *OpenAIClient) Name() string { return ProviderOpenAI }

// Generate implements Client. The prompt is sent as the user turn after the
// classifier system prompt.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return o.Chat(ctx, []Message{
		{Role: "system", Content: classifierSystemPrompt},
		{Role: "user", Content: prompt},
	}, params)
}

// Chat sends a chat completion request.
//
// Description:
//
//	Unknown roles are sent as "user". Error bodies are redacted with
//	SafeLogString before they reach an error message.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - messages: Conversation turns.
//   - params: Generation parameters.
//
// Outputs:
//   - string: The first choice's content.
//   - error: Non-nil if the request fails or no choice is returned.
func (o *OpenAIClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	model := o.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	oaiMessages := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		switch role {
		case "system", "user", "assistant":
		default:
			slog.Warn("OpenAI: unknown message role, mapping to user",
				slog.String("unknown_role", role),
				slog.String("model", model),
			)
			role = "user"
		}
		oaiMessages = append(oaiMessages, openaiMessage{Role: role, Content: msg.Content})
	}

	reqBody, err := json.Marshal(openaiRequest{
		Model:               model,
		Messages:            oaiMessages,
		Temperature:         params.Temperature,
		MaxCompletionTokens: params.MaxTokens,
		TopP:                params.TopP,
		Stop:                params.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("openai: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("openai: reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("openai: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("openai: API error: %s - %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("openai: returned no choices")
	}

	slog.Debug("Received OpenAI chat response",
		slog.String("model", model),
		slog.String("finish_reason", apiResp.Choices[0].FinishReason),
		slog.Int("response_len", len(apiResp.Choices[0].Message.Content)),
	)
	return apiResp.Choices[0].Message.Content, nil
}

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20
