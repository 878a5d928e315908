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
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// MinIOConfig configures an S3-compatible backend.
type MinIOConfig struct {
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	UseSSL       bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	CreateBucket bool   `mapstructure:"create_bucket" yaml:"create_bucket"`
}

// MinIOBackend writes archive objects to an S3-compatible bucket.
//
// # Description
//
// S3 has no portable create-if-absent, so Put stats the key first and skips
// the upload when it exists. A race between two writers of the same key
// uploads identical bytes twice, which leaves one visible object because
// record ids are deterministic.
type MinIOBackend struct {
	client *minio.Client
	bucket string
}

// NewMinIOBackend connects to cfg.Endpoint and optionally creates the bucket.
func NewMinIOBackend(ctx context.Context, cfg MinIOConfig) (*MinIOBackend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio archive: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	b := &MinIOBackend{client: client, bucket: cfg.Bucket}

	if cfg.CreateBucket {
		exists, err := client.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, datatypes.Unavailable("minio bucket check", err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
			}
		}
	}
	return b, nil
}

// Name implements Backend.
func (m *MinIOBackend) Name() string { return "minio" }

// Put implements Backend.
func (m *MinIOBackend) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return classifyS3Error("minio stat "+key, err)
	}

	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: meta,
		})
	if err != nil {
		return classifyS3Error("minio put "+key, err)
	}
	return nil
}

// Ping implements Backend.
func (m *MinIOBackend) Ping(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return datatypes.Unavailable("minio ping", err)
	}
	if !exists {
		return fmt.Errorf("minio ping: bucket %s does not exist", m.bucket)
	}
	return nil
}

func classifyS3Error(op string, err error) error {
	status := minio.ToErrorResponse(err).StatusCode
	switch {
	case status == 0,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return datatypes.Unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

var _ Backend = (*MinIOBackend)(nil)
