// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatd runs the Aleutian chat service and its maintenance tools.
//
// # Commands
//
//	chatd serve                     start the HTTP server
//	chatd config print              show the effective configuration, secrets redacted
//	chatd archive replay            re-submit permanently lost archive records
//	chatd journal verify            check the loss journal hash chain
//
// # Configuration
//
// Built-in defaults, then the YAML file given with --config, then
// environment variables prefixed with CHAT_. Nested keys use underscores:
//
//	CHAT_PORT=12310
//	CHAT_SESSION_MAX_LEN=20
//	CHAT_STORAGE_BACKEND=redis
//	CHAT_STORAGE_REDIS_ADDR=localhost:6379
//	CHAT_ARCHIVE_BACKEND=minio
//	CHAT_TRACING_ENDPOINT=aleutian-otel-collector:4317
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
