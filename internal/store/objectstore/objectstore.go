// Package objectstore stores media blobs content-addressed in an
// S3-compatible bucket: key = two-level hex fanout of the SHA-256 of the
// blob's bytes (see spec.md §3, "MediaBlob"). The AWS SDK v2 client
// supports a custom endpoint so the same code targets AWS S3 or a
// self-hosted MinIO deployment interchangeably.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Store wraps an S3-compatible bucket for content-addressed blob storage.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// Config holds the connection parameters for a Store.
type Config struct {
	Endpoint  string // empty for real AWS S3
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// New builds a Store. When cfg.AccessKey is set, the static key pair from
// the archiver's config replaces the SDK's default credential chain;
// otherwise the default chain applies.
func New(ctx context.Context, cfg Config) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}, nil
}

// ContentHash returns the hex SHA-256 digest of data, the dedup key used
// throughout internal/media and internal/store/relstore.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyFor builds the two-level hex fanout path for a content hash, e.g.
// "ab/cd/abcd...ef.jpg". ext includes the leading dot, or is empty.
func KeyFor(contentHash, ext string) string {
	h := strings.ToLower(contentHash)
	if len(h) < 4 {
		return h + ext
	}
	return fmt.Sprintf("%s/%s/%s%s", h[0:2], h[2:4], h, ext)
}

// Exists reports whether key is already present in the bucket, used to
// skip a redundant upload when no relational row exists for the hash yet
// but the object was already stored.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("objectstore: head %s: %w", key, err)
}

// Put uploads data under key with the given content type. Uses the
// multipart manager so large media (video) does not require buffering
// the whole object in a single PutObject call.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// Get downloads the object stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	return data, nil
}

// isNotFound matches both the typed s3.NotFound (returned by GetObject)
// and HeadObject's generic 404, which the SDK surfaces as an API error
// whose code is "NotFound" without a dedicated Go type.
func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}
