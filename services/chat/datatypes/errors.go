// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrStorageUnavailable is returned when a session, archive, idempotency
	// or long-term backend cannot be reached or times out.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrGenerationUnavailable is returned when a ResponseGenerator fails or
	// times out. It is absorbed by the turn pipeline, which answers with the
	// fallback text instead.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrTurnInProgress marks a submission whose idempotency key belongs to a
	// turn that is still being processed by another request.
	ErrTurnInProgress = errors.New("turn in progress")

	// ErrSessionNotFound is returned by admin reads of a missing session.
	ErrSessionNotFound = errors.New("session not found")
)

// ValidationError describes a rejected chat submission.
//
// # Description
//
// ValidationError is the only error the turn pipeline surfaces to callers as
// a hard failure. It is produced before any backend is touched.
//
// # Examples
//
//	err := req.Validate()
//	var verr *ValidationError
//	if errors.As(err, &verr) {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
//	}
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Unavailable wraps cause as an ErrStorageUnavailable for the named operation.
//
// Both the category and the cause remain matchable with errors.Is.
func Unavailable(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, cause)
}
