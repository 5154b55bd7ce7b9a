// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrStageInput is returned for a malformed or empty query. Stages treat
	// it as "no match".
	ErrStageInput = errors.New("routing: malformed or empty query")

	// ErrProviderFormat is returned when a generative response is not
	// shaped as INTENT|confidence.
	ErrProviderFormat = errors.New("routing: provider response format invalid")

	// ErrProviderValidation is returned when a well-shaped generative
	// response names an unknown intent or an out-of-range confidence.
	ErrProviderValidation = errors.New("routing: provider response failed validation")

	// ErrProviderUnavailable is returned when the provider call itself
	// failed, timed out or was rate limited.
	ErrProviderUnavailable = errors.New("routing: provider unavailable")

	// ErrClassificationExhausted is returned when every stage declined or
	// was disabled.
	ErrClassificationExhausted = errors.New("routing: all classification stages exhausted")

	// ErrPersistence is returned when a pattern or interaction write fails.
	ErrPersistence = errors.New("routing: persistence failure")
)

// ErrorCode categorizes a ClassificationError.
type ErrorCode string

const (
	ErrCodeStageInput          ErrorCode = "STAGE_INPUT"
	ErrCodeProviderFormat      ErrorCode = "PROVIDER_FORMAT"
	ErrCodeProviderValidation  ErrorCode = "PROVIDER_VALIDATION"
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeExhausted           ErrorCode = "EXHAUSTED"
	ErrCodePersistence         ErrorCode = "PERSISTENCE"
)

var codeSentinels = map[ErrorCode]error{
	ErrCodeStageInput:          ErrStageInput,
	ErrCodeProviderFormat:      ErrProviderFormat,
	ErrCodeProviderValidation:  ErrProviderValidation,
	ErrCodeProviderUnavailable: ErrProviderUnavailable,
	ErrCodeExhausted:           ErrClassificationExhausted,
	ErrCodePersistence:         ErrPersistence,
}

// ClassificationError is the error type returned by the cascade's internal
// step and by the fallback stage.
//
// Description:
//
//	Carries a code, the stage that produced it and an optional cause.
//	errors.Is matches both the code's sentinel and the wrapped cause, so
//	callers can test errors.Is(err, ErrProviderFormat) or
//	errors.Is(err, context.Canceled).
//
// Thread Safety: Immutable after construction.
type ClassificationError struct {
	Code    ErrorCode
	Stage   Method
	Message string
	Err     error
}

// NewClassificationError creates a ClassificationError.
func NewClassificationError(code ErrorCode, stage Method, msg string, cause error) *ClassificationError {
	return &ClassificationError{Code: code, Stage: stage, Message: msg, Err: cause}
}

func (e *ClassificationError) Error() string {
	prefix := string(e.Code)
	if e.Stage != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.Stage)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Is matches the sentinel error for the error's code.
func (e *ClassificationError) Is(target error) bool {
	if s, ok := codeSentinels[e.Code]; ok && s == target {
		return true
	}
	return false
}

// IsRetryable reports whether a caller may reasonably retry the operation.
// Only provider availability failures are retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

func formatError(raw, msg string) *ClassificationError {
	return NewClassificationError(ErrCodeProviderFormat, MethodLLM,
		fmt.Sprintf("%s (response %q)", msg, TruncateForLog(raw, 60)), nil)
}

func validationError(raw, msg string) *ClassificationError {
	return NewClassificationError(ErrCodeProviderValidation, MethodLLM,
		fmt.Sprintf("%s (response %q)", msg, TruncateForLog(raw, 60)), nil)
}
