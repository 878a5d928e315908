// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// GCSConfig configures the Google Cloud Storage backend.
//
// # Fields
//
//   - Bucket: Target bucket. Required.
//   - CredentialsFile: Service account key. Empty uses application default credentials.
//   - Endpoint: Override for emulators such as fake-gcs-server. Implies no auth
//     when CredentialsFile is empty.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
}

// GCSBackend writes archive objects to a GCS bucket.
//
// # Description
//
// Every object is created with a DoesNotExist precondition. A 412 response
// means the object was already written by an earlier attempt and is
// reported as success, which makes Put idempotent by key.
type GCSBackend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCSBackend creates a GCS client for cfg.Bucket.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs archive: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		if cfg.CredentialsFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSBackend{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
	}, nil
}

// Name implements Backend.
func (g *GCSBackend) Name() string { return "gcs" }

// Put implements Backend.
func (g *GCSBackend) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	obj := g.bucket.Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = meta

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return classifyGCSError("gcs write "+key, err)
	}
	if err := w.Close(); err != nil {
		return classifyGCSError("gcs close "+key, err)
	}
	return nil
}

// Ping implements Backend.
func (g *GCSBackend) Ping(ctx context.Context) error {
	if _, err := g.bucket.Attrs(ctx); err != nil {
		return datatypes.Unavailable("gcs ping "+g.name, err)
	}
	return nil
}

// Close releases the client.
func (g *GCSBackend) Close() error {
	return g.client.Close()
}

// classifyGCSError treats an existing object as success, client errors as
// permanent, and everything else as transient.
func classifyGCSError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusPreconditionFailed:
			return nil
		case apiErr.Code == http.StatusTooManyRequests,
			apiErr.Code == http.StatusRequestTimeout,
			apiErr.Code >= 500:
			return datatypes.Unavailable(op, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return datatypes.Unavailable(op, err)
}

var _ Backend = (*GCSBackend)(nil)
