package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// contentTypes maps artifact kinds to their upload content type. The
// overlay is gzip-compressed PNG, see viz.
var contentTypes = map[ArtifactKind]string{
	ArtifactOverlay: "application/gzip",
	ArtifactResult:  "application/json",
}

// S3Store is the production BlobStore backed by the photo bucket.
// Always consumed through Resilient, never directly.
type S3Store struct {
	client *s3.Client
	bucket string
}

var _ BlobStore = (*S3Store)(nil)

// NewS3Store creates an S3Store on the given bucket. The client should
// be initialized from the shared AWS config.
func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// sourceKey is where the upload service places a session's photo.
func sourceKey(sessionID string) string {
	return fmt.Sprintf("%s/source.jpg", sessionID)
}

// artifactKey is where the pipeline writes generated artifacts.
func artifactKey(sessionID string, kind ArtifactKind) string {
	ext := map[ArtifactKind]string{
		ArtifactOverlay: "png.gz",
		ArtifactResult:  "json",
	}[kind]
	return fmt.Sprintf("%s/artifacts/%s.%s", sessionID, kind, ext)
}

// Fetch downloads the session's source photo.
func (s *S3Store) Fetch(ctx context.Context, sessionID string) ([]byte, error) {
	key := sourceKey(sessionID)
	log.Debug().Str("bucket", s.bucket).Str("key", key).Msg("Downloading source photo from S3")

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket, Key: &key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read S3 object %s: %w", key, err)
	}
	return data, nil
}

// Upload writes an artifact and returns its s3:// reference.
func (s *S3Store) Upload(ctx context.Context, sessionID string, kind ArtifactKind, data []byte) (string, error) {
	key := artifactKey(sessionID, kind)
	contentType := contentTypes[kind]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	log.Info().
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Artifact uploaded to S3")

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
