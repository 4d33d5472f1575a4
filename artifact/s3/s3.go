// Package s3 provides a core.ArtifactStore backed by an S3-compatible object
// store. Objects are keyed "<prefix>/<sessionID>/<artifactID>" so per-session
// listing maps directly onto a key-prefix listing.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/chatwire/chatwire/core"
)

// Config configures an S3-compatible artifact store.
type Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint, for S3-compatible stores such as
	// MinIO. Leave empty for AWS.
	Endpoint string
	// Prefix is prepended to every object key.
	Prefix string
	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible stores.
	UsePathStyle bool
}

// Store stores artifacts in an S3-compatible bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ core.ArtifactStore = (*Store)(nil)

// New creates an S3-backed artifact store using the default AWS credential
// chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Save stores (or overwrites) the artifact bytes for the given session and id.
func (s *Store) Save(ctx context.Context, sessionID, artifactID string, data []byte) error {
	key := s.objectKey(sessionID, artifactID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// Get retrieves the artifact bytes, or core.ErrNotFound if the object does
// not exist.
func (s *Store) Get(ctx context.Context, sessionID, artifactID string) ([]byte, error) {
	key := s.objectKey(sessionID, artifactID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read object: %w", err)
	}
	return data, nil
}

// List returns the artifact ids stored for the session.
func (s *Store) List(ctx context.Context, sessionID string) ([]string, error) {
	keyPrefix := s.objectKey(sessionID, "") + "/"
	ids := []string{}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &keyPrefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			ids = append(ids, strings.TrimPrefix(*obj.Key, keyPrefix))
		}
	}
	return ids, nil
}

// Delete removes the artifact. S3 deletes are idempotent, so a missing object
// is reported as core.ErrNotFound only when it was already absent.
func (s *Store) Delete(ctx context.Context, sessionID, artifactID string) error {
	key := s.objectKey(sessionID, artifactID)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}); err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return core.ErrNotFound
		}
		return fmt.Errorf("s3 head object: %w", err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}); err != nil {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

func (s *Store) objectKey(sessionID, artifactID string) string {
	if s.prefix == "" {
		return path.Join(sessionID, artifactID)
	}
	return path.Join(s.prefix, sessionID, artifactID)
}
