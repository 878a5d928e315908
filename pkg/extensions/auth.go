// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned when authentication or authorization fails.
//
// Implementations should wrap this error with additional context:
//
//	return nil, fmt.Errorf("token expired: %w", ErrUnauthorized)
//
// Callers can check for this error using errors.Is:
//
//	if errors.Is(err, extensions.ErrUnauthorized) {
//	    c.AbortWithStatusJSON(401, gin.H{"error": "unauthorized"})
//	}
var ErrUnauthorized = errors.New("unauthorized")

// Role names understood by RoleAuthzProvider.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// AuthInfo contains information about an authenticated caller.
//
// # Thread Safety
//
// AuthInfo is immutable after creation and safe to share across goroutines.
type AuthInfo struct {
	// UserID is the unique identifier of the caller. Never empty.
	UserID string

	// Roles contains the caller's role memberships.
	Roles []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens and returns the caller's identity.
//
// # Responsibilities
//
//   - Validate the token (API key, JWT, ...)
//   - Map the token to an AuthInfo
//   - Return ErrUnauthorized (or a wrapped form) for an invalid token
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the caller's identity.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an action a caller wants to perform.
type AuthzRequest struct {
	// User is the authenticated caller.
	User *AuthInfo

	// Action is the operation being attempted: "read", "delete", "submit".
	Action string

	// ResourceType is the category of resource: "session", "turn",
	// "history", "stats".
	ResourceType string

	// ResourceID is the specific resource, if any.
	ResourceID string
}

// AuthzProvider decides whether a caller may perform an action.
type AuthzProvider interface {
	// Authorize returns nil if permitted, ErrUnauthorized (or wrapped) if denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider accepts every request as a single local admin.
//
// Suitable for a single-user deployment behind a trusted network boundary.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{RoleAdmin},
	}, nil
}

// NopAuthzProvider permits every action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// APIKey maps one static bearer token to a caller.
type APIKey struct {
	Key    string   `mapstructure:"key" yaml:"key"`
	UserID string   `mapstructure:"user_id" yaml:"user_id"`
	Roles  []string `mapstructure:"roles" yaml:"roles"`
}

// StaticKeyAuthProvider validates tokens against a fixed set of API keys.
//
// # Description
//
// Keys are compared as SHA-256 digests in constant time, so lookup time does
// not depend on how much of a guessed key matches.
//
// # Thread Safety
//
// Immutable after construction and safe for concurrent use.
type StaticKeyAuthProvider struct {
	keys []hashedKey
}

type hashedKey struct {
	digest [sha256.Size]byte
	info   AuthInfo
}

// NewStaticKeyAuthProvider creates a provider over keys.
//
// # Outputs
//
//   - error: Non-nil if a key or user id is empty.
func NewStaticKeyAuthProvider(keys []APIKey) (*StaticKeyAuthProvider, error) {
	p := &StaticKeyAuthProvider{keys: make([]hashedKey, 0, len(keys))}
	for i, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return nil, fmt.Errorf("api key %d: key is empty", i)
		}
		if k.UserID == "" {
			return nil, fmt.Errorf("api key %d: user_id is empty", i)
		}
		roles := k.Roles
		if len(roles) == 0 {
			roles = []string{RoleUser}
		}
		p.keys = append(p.keys, hashedKey{
			digest: sha256.Sum256([]byte(k.Key)),
			info:   AuthInfo{UserID: k.UserID, Roles: append([]string(nil), roles...)},
		})
	}
	return p, nil
}

// Validate implements AuthProvider.
func (p *StaticKeyAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	digest := sha256.Sum256([]byte(token))
	var match *AuthInfo
	for i := range p.keys {
		if subtle.ConstantTimeCompare(digest[:], p.keys[i].digest[:]) == 1 {
			match = &p.keys[i].info
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown api key: %w", ErrUnauthorized)
	}
	info := *match
	info.Roles = append([]string(nil), match.Roles...)
	return &info, nil
}

// RoleAuthzProvider requires the admin role for session administration and
// service stats, lets a caller read only their own history unless admin,
// and allows every authenticated caller to submit turns.
type RoleAuthzProvider struct{}

// Authorize implements AuthzProvider.
func (p *RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("no caller: %w", ErrUnauthorized)
	}
	if req.User.HasRole(RoleAdmin) {
		return nil
	}
	switch req.ResourceType {
	case "session", "stats":
		return fmt.Errorf("%s %s requires role %q: %w", req.Action, req.ResourceType, RoleAdmin, ErrUnauthorized)
	case "history":
		if req.ResourceID != req.User.UserID {
			return fmt.Errorf("%s history of %q: %w", req.Action, req.ResourceID, ErrUnauthorized)
		}
	}
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*StaticKeyAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = (*RoleAuthzProvider)(nil)
)
