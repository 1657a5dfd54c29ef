package snapshot

import (
	"context"
	"fmt"
	"os"

	"tgsearch/internal/config"
)

// NewSinkFromConfig creates a Sink implementation based on the snapshot
// config type. S3 credentials come from the usual AWS sources, or from
// TGSEARCH_S3_ACCESS_KEY_ID and TGSEARCH_S3_SECRET_ACCESS_KEY when set.
func NewSinkFromConfig(ctx context.Context, cfg config.SnapshotConfig) (Sink, error) {
	switch cfg.Type {
	case "memory":
		return NewMemorySink(), nil
	case "filesystem", "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("filesystem snapshot sink requires dir to be set")
		}
		return NewFileSystemSink(cfg.Dir)
	case "s3":
		return NewS3SinkFromOptions(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     os.Getenv("TGSEARCH_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("TGSEARCH_S3_SECRET_ACCESS_KEY"),
		})
	default:
		return nil, fmt.Errorf("unknown snapshot type: %s", cfg.Type)
	}
}
