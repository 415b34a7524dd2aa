// Package archive uploads traffic snapshots to object storage so the full
// rollback history outlives the database.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/modelfleet/modelfleet/internal/models"
)

// Archiver uploads snapshot JSON to object storage (S3).
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, snap *models.Snapshot) error
}

// S3Archiver writes snapshots to S3 paths like:
//
//	s3://<bucket>/<prefix>/snapshots/YYYY/MM/DD/<snapshotID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.); the
// prefix may be empty.
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	a := &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
	return a, nil
}

// ArchiveSnapshot uploads one snapshot as JSON. The object key is derived
// from the snapshot's capture time so listings stay date-partitioned.
func (s *S3Archiver) ArchiveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	upParams := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(snap)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		// Server-side encryption with S3-managed keys (SSE-S3).
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}

	// manager.Uploader handles multipart and retries.
	if _, err := s.uploader.Upload(ctx, upParams); err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// SnapshotKey returns the object key a snapshot is stored under; useful for
// callers that persist the S3 pointer alongside the database row.
func (s *S3Archiver) SnapshotKey(snap *models.Snapshot) string {
	if snap == nil {
		return ""
	}
	return s.objectKey(snap)
}

func (s *S3Archiver) objectKey(snap *models.Snapshot) string {
	ts := snap.CapturedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(s.prefix, "snapshots",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", snap.ID),
	)
}
