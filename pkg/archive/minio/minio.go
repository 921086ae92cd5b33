// Package minio uploads snapshots to an S3-compatible bucket through
// minio-go. Objects are written under frames/: frame_<millis>.jpg and its
// JSON record.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/MrWong99/terrarover/pkg/archive"
)

const defaultPrefix = "frames/"

// Config configures the uploader.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string

	// Region skips the bucket location lookup when set.
	Region string

	// Prefix is prepended to every object key. Default "frames/".
	Prefix string
}

// Store is an archive.Store backed by object storage.
type Store struct {
	client *miniogo.Client
	bucket string
	prefix string
}

// Compile-time interface check.
var _ archive.Store = (*Store)(nil)

// New creates the client. Call EnsureBucket before the first Save.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio archive: endpoint and bucket are required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio archive: create client: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("minio archive: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("minio archive: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Save implements archive.Store and returns the image object key.
func (s *Store) Save(ctx context.Context, snap archive.Snapshot) (string, error) {
	base := s.prefix + archive.BaseName(snap.Record.AnsweredAt)
	key := base + ".jpg"

	if err := s.put(ctx, key, snap.JPEG, "image/jpeg", snap.Record); err != nil {
		return "", err
	}
	meta, err := archive.Sidecar(snap.Record)
	if err != nil {
		return key, err
	}
	if err := s.put(ctx, base+".json", meta, "application/json", snap.Record); err != nil {
		return key, err
	}
	return key, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string, r archive.Record) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), miniogo.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"request-id": r.RequestID,
			"frame":      r.FrameKey,
		},
	})
	if err != nil {
		return fmt.Errorf("minio archive: upload %s: %w", key, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
