package audit

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveConfig configures the S3-compatible archive target
type ArchiveConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Archiver writes expired audit events to object storage before the
// retention sweep deletes them.
type Archiver struct {
	client *s3.Client
	bucket string
}

// NewArchiver creates an S3 archiver
func NewArchiver(ctx context.Context, cfg ArchiveConfig) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var awsConfig aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// Static credentials (MinIO or AWS with explicit keys)
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		// Default credential chain (IAM roles, env vars, etc.)
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// Archive writes the events as one NDJSON object keyed by the cutoff
// date, e.g. audit/2026/08/31/events.ndjson.
func (a *Archiver) Archive(ctx context.Context, events []*Event, cutoff time.Time) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	data, err := exportNDJSON(events)
	if err != nil {
		return "", fmt.Errorf("failed to serialize events for archive: %w", err)
	}

	key := fmt.Sprintf("audit/%s/events.ndjson", cutoff.UTC().Format("2006/01/02"))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive object: %w", err)
	}

	return key, nil
}

// HealthCheck verifies the archive bucket is reachable
func (a *Archiver) HealthCheck(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("archive health check failed: %w", err)
	}
	return nil
}

// Retention archives and then deletes events older than the configured
// retention period.
type Retention struct {
	logger   *DBLogger
	archiver *Archiver
	period   time.Duration
}

// DefaultRetentionPeriod keeps events for one year by default.
const DefaultRetentionPeriod = 365 * 24 * time.Hour

// NewRetention creates a retention sweeper. A nil archiver skips the
// archive step and only deletes.
func NewRetention(logger *DBLogger, archiver *Archiver, period time.Duration) *Retention {
	if period <= 0 {
		period = DefaultRetentionPeriod
	}
	return &Retention{logger: logger, archiver: archiver, period: period}
}

// Sweep archives then deletes events past the retention cutoff,
// returning the number deleted.
func (r *Retention) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.period)

	if r.archiver != nil {
		expired, err := r.logger.Search(ctx, Filter{EndTime: &cutoff})
		if err != nil {
			return 0, fmt.Errorf("failed to load expired events: %w", err)
		}
		if _, err := r.archiver.Archive(ctx, expired, cutoff); err != nil {
			// Never delete events we failed to archive.
			return 0, err
		}
	}

	return r.logger.DeleteOlderThan(ctx, cutoff)
}

// ParseExportFormat validates a user-supplied format string
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return ExportFormatJSON, nil
	case "csv":
		return ExportFormatCSV, nil
	case "ndjson":
		return ExportFormatNDJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format: %q", s)
	}
}
