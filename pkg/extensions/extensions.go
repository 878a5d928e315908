// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions provides the pluggable identity and audit hooks of the
// chat service.
//
// # Interfaces
//
//   - AuthProvider: Validates bearer tokens.
//   - AuthzProvider: Decides whether a caller may perform an action.
//   - AuditLogger: Records administrative actions.
//
// # Default Behavior
//
// DefaultOptions returns no-op implementations: every request is accepted as
// a local admin and audit events are discarded.
package extensions

// ServiceOptions bundles the extension points of the service.
type ServiceOptions struct {
	AuthProvider  AuthProvider
	AuthzProvider AuthzProvider
	AuditLogger   AuditLogger
}

// DefaultOptions returns options with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// WithAuth returns a copy with the given auth provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy with the given authorization provider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy with the given audit logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
