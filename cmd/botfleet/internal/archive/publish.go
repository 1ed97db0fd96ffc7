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
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrInvalidDestination is returned for destinations Publish cannot parse.
var ErrInvalidDestination = errors.New("invalid publish destination")

// Publisher copies a finished archive to remote storage.
type Publisher interface {
	// Publish uploads localPath to dest and returns the final object URL.
	Publish(ctx context.Context, localPath, dest string) (string, error)
}

// GCSPublisher uploads archives to Google Cloud Storage.
type GCSPublisher struct {
	client *storage.Client
}

// NewGCSPublisher creates a publisher. When credentialsFile is empty the
// client falls back to Application Default Credentials. extra is passed to
// the storage client after the credentials option.
func NewGCSPublisher(ctx context.Context, credentialsFile string, extra ...option.ClientOption) (*GCSPublisher, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, extra...)

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSPublisher{client: client}, nil
}

// Publish uploads localPath to a "gs://bucket/prefix" destination. The object
// name is the prefix joined with the archive's base name.
func (p *GCSPublisher) Publish(ctx context.Context, localPath, dest string) (string, error) {
	bucket, prefix, err := ParseGCSURL(dest)
	if err != nil {
		return "", err
	}
	object := path.Join(prefix, filepath.Base(localPath))

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open the local file %s: %w", localPath, err)
	}
	defer f.Close()

	w := p.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/gzip"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to copy %s to gs://%s/%s: %w", localPath, bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", bucket, object), nil
}

// Close releases the storage client.
func (p *GCSPublisher) Close() error {
	return p.client.Close()
}

// ParseGCSURL splits "gs://bucket/some/prefix" into bucket and prefix.
func ParseGCSURL(dest string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(dest, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q must start with gs://", ErrInvalidDestination, dest)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%w: %q has no bucket", ErrInvalidDestination, dest)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

var _ Publisher = (*GCSPublisher)(nil)
