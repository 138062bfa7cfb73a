package archive

import (
	"context"
	"fmt"
	"os"
)

// Kind selects the archive backend.
type Kind string

// Supported backends.
const (
	KindFS  Kind = "fs"
	KindS3  Kind = "s3"
	KindGCS Kind = "gcs"
)

// NewStoreFromEnv builds a Store from environment variables.
//
//   - KEEL_ARCHIVE_TYPE: "fs" (default), "s3", or "gcs"
//   - KEEL_ARCHIVE_DIR: base directory for the fs backend (default "data/archive")
//
// For S3:
//   - KEEL_ARCHIVE_S3_BUCKET (required)
//   - KEEL_ARCHIVE_S3_REGION or AWS_REGION
//   - KEEL_ARCHIVE_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - KEEL_ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires a -tags gcp build):
//   - KEEL_ARCHIVE_GCS_BUCKET (required)
//   - KEEL_ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	kind := Kind(os.Getenv("KEEL_ARCHIVE_TYPE"))
	if kind == "" {
		kind = KindFS
	}
	switch kind {
	case KindFS:
		dir := os.Getenv("KEEL_ARCHIVE_DIR")
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case KindS3:
		bucket := os.Getenv("KEEL_ARCHIVE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("archive: KEEL_ARCHIVE_S3_BUCKET is required for the s3 backend")
		}
		region := os.Getenv("KEEL_ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("KEEL_ARCHIVE_S3_ENDPOINT"),
			Prefix:   os.Getenv("KEEL_ARCHIVE_S3_PREFIX"),
		})
	case KindGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", kind)
	}
}
