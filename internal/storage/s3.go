// Package storage archives rotated, terminal session-buffer files
// (internal/sessionbuffer) to S3-compatible object storage for cold
// retention after a job can no longer be resumed.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/noncelogic/cortex-plane/internal/models"

	awsv1 "github.com/aws/aws-sdk-go/aws"
	credsv1 "github.com/aws/aws-sdk-go/aws/credentials"
	sessionv1 "github.com/aws/aws-sdk-go/aws/session"
	s3v1 "github.com/aws/aws-sdk-go/service/s3"
)

// ArchiveService uploads and fetches session-buffer archives in an
// S3-compatible bucket. It has no list or delete operation.
type ArchiveService struct {
	client *s3v1.S3
	bucket string
}

// NewArchiveService creates and configures a new ArchiveService. If the S3
// configuration is incomplete it returns a "null" service that gracefully
// no-ops archival operations, so the control plane runs without cold
// storage until an operator configures one.
func NewArchiveService(cfg models.S3Config) (*ArchiveService, error) {
	if cfg.Endpoint == "" || cfg.Region == "" || cfg.KeyID == "" || cfg.AppKey == "" || cfg.Bucket == "" {
		log.Println("[storage] S3 configuration incomplete; session-buffer archival is disabled")
		return &ArchiveService{client: nil, bucket: ""}, nil
	}

	disableSSL := strings.HasPrefix(strings.ToLower(cfg.Endpoint), "http://")

	sess, err := sessionv1.NewSession(&awsv1.Config{
		Region:           awsv1.String(cfg.Region),
		Endpoint:         awsv1.String(cfg.Endpoint),
		S3ForcePathStyle: awsv1.Bool(true),
		Credentials:      credsv1.NewStaticCredentials(cfg.KeyID, cfg.AppKey, ""),
		DisableSSL:       awsv1.Bool(disableSSL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	client := s3v1.New(sess)
	log.Printf("[storage] archival bucket %q at %q (region %q) ready", cfg.Bucket, cfg.Endpoint, cfg.Region)
	return &ArchiveService{client: client, bucket: cfg.Bucket}, nil
}

func (s *ArchiveService) isConfigured() bool {
	return s.client != nil && s.bucket != ""
}

// ArchiveSessionFile uploads a rotated session-NNN.jsonl file's bytes under
// key "<jobId>/<fileName>".
func (s *ArchiveService) ArchiveSessionFile(ctx context.Context, jobID string, fileName string, data []byte) error {
	if !s.isConfigured() {
		return nil
	}
	key := fmt.Sprintf("%s/%s", jobID, fileName)

	_, err := s.client.PutObjectWithContext(ctx, &s3v1.PutObjectInput{
		Bucket:      awsv1.String(s.bucket),
		Key:         awsv1.String(key),
		Body:        bytes.NewReader(data),
		ContentType: awsv1.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive %q to S3: %w", key, err)
	}
	log.Printf("[storage] archived %q to bucket %q", key, s.bucket)
	return nil
}

// FetchArchivedSessionFile downloads a previously archived session file.
func (s *ArchiveService) FetchArchivedSessionFile(ctx context.Context, jobID string, fileName string) ([]byte, error) {
	if !s.isConfigured() {
		return nil, fmt.Errorf("archival storage is not configured")
	}
	key := fmt.Sprintf("%s/%s", jobID, fileName)

	result, err := s.client.GetObjectWithContext(ctx, &s3v1.GetObjectInput{
		Bucket: awsv1.String(s.bucket),
		Key:    awsv1.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived object %q: %w", key, err)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived object %q: %w", key, err)
	}
	return body, nil
}
