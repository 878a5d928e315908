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
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageRunes bounds the user message length in characters.
	MaxMessageRunes = 2000

	// MaxSessionKeyBytes bounds the session key length.
	MaxSessionKeyBytes = 128

	// MaxIdempotencyKeyBytes bounds the idempotency key length.
	MaxIdempotencyKeyBytes = 128
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// turnValidate is the validator instance for turn submissions.
// Initialized in init() with custom validators.
var turnValidate *validator.Validate

func init() {
	turnValidate = validator.New(validator.WithRequiredStructEnabled())

	// Report json field names so errors match what the client sent.
	turnValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = turnValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = turnValidate.RegisterValidation("notblank", validateNotBlank)
	_ = turnValidate.RegisterValidation("nocontrol", validateNoControl)
}

// validateMaxBytes checks byte length against the tag parameter.
//
// Byte length rather than rune count, because keys end up in storage paths
// and backend key spaces that are sized in bytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= limit
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func validateNoControl(fl validator.FieldLevel) bool {
	return !strings.ContainsFunc(fl.Field().String(), unicode.IsControl)
}

// =============================================================================
// Turn Request / Response
// =============================================================================

// TurnRequest is a chat turn submission.
//
// # Description
//
// The caller-facing contract: a session key, the user's message and an
// optional idempotency key that makes client retries safe.
//
// # Fields
//
//   - SessionKey: Required, non-empty, at most 128 bytes, no control characters.
//   - Message: Required, not blank, at most 2000 characters.
//   - IdempotencyKey: Optional, at most 128 bytes.
//   - UserID: Authenticated caller, recorded as metadata only. Set by the
//     HTTP layer from the auth context, never decoded from the body.
type TurnRequest struct {
	SessionKey     string `json:"sessionKey" validate:"required,maxbytes=128,nocontrol"`
	Message        string `json:"message" validate:"required,notblank,max=2000"`
	IdempotencyKey string `json:"idempotencyKey,omitempty" validate:"omitempty,maxbytes=128,nocontrol"`
	UserID         string `json:"-" validate:"omitempty,maxbytes=128"`
}

// Validate checks the request and returns a *ValidationError on failure.
//
// # Outputs
//
//   - error: nil if valid, otherwise a *ValidationError naming the first bad field.
func (r *TurnRequest) Validate() error {
	err := turnValidate.Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return NewValidationError(fe.Field(), describeTag(fe))
	}
	return NewValidationError("request", err.Error())
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "must not be empty"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "maxbytes":
		return fmt.Sprintf("must be at most %s bytes", fe.Param())
	case "nocontrol":
		return "must not contain control characters"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// TurnResponse is the result of a chat turn.
//
// # Fields
//
//   - ResponseText: The assistant reply, or the fallback text.
//   - SessionKey: Echo of the request's session key.
//   - TurnID: Identifier shared by the turn's two archive records.
//   - TurnTimestamp: Timestamp of the user message. Stable across duplicate
//     submissions of the same idempotency key.
//   - ArchiveStatus: confirmed, pending or failed.
//   - Degraded: True when the session update or an awaited long-term sink failed.
//   - TokenCount: Token count reported by the generator.
type TurnResponse struct {
	ResponseText  string        `json:"responseText"`
	SessionKey    string        `json:"sessionKey"`
	TurnID        string        `json:"turnId"`
	TurnTimestamp time.Time     `json:"turnTimestamp"`
	ArchiveStatus ArchiveStatus `json:"archiveStatus"`
	Degraded      bool          `json:"degraded"`
	TokenCount    int           `json:"tokenCount"`
}
