// Package archive moves aged terminal idempotency records to S3-compatible
// object storage as JSON Lines. Archived records stay in the store, flagged,
// so deduplication keeps working.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/pkg/logger"
	"github.com/okian/meterline/pkg/metrics"
)

// Source lists and flags archivable records. dedupe.Store satisfies it.
type Source interface {
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]model.IdempotencyRecord, error)
	MarkArchived(ctx context.Context, eventIDs []string, at time.Time) error
}

// ObjectPutter writes one object. *s3.Client satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the object storage client.
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a client. A custom endpoint switches to path-style
// addressing for MinIO and similar servers. Without static keys the default
// credential chain applies.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Archiver periodically exports terminal records.
type Archiver struct {
	source    Source
	putter    ObjectPutter
	bucket    string
	prefix    string
	retention time.Duration
	batch     int
	now       func() time.Time
	log       logger.Logger
}

// New creates an Archiver writing to bucket.
func New(source Source, putter ObjectPutter, bucket string, opts ...Option) (*Archiver, error) {
	if source == nil || putter == nil {
		return nil, errors.New("archive: source and putter are required")
	}
	if bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	a := &Archiver{
		source:    source,
		putter:    putter,
		bucket:    bucket,
		prefix:    DefaultPrefix,
		retention: DefaultRetention,
		batch:     DefaultBatch,
		now:       time.Now,
		log:       logger.Get(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("archive")
	return a, nil
}

type line struct {
	EventID       string          `json:"event_id"`
	Status        model.Status    `json:"status"`
	FirstSeenAt   time.Time       `json:"first_seen_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
	AttemptCount  int             `json:"attempt_count"`
	ResultSummary string          `json:"result_summary,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Encode renders records as JSON Lines.
func Encode(recs []model.IdempotencyRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		l := line{
			EventID:       r.EventID,
			Status:        r.Status,
			FirstSeenAt:   r.FirstSeenAt,
			LastAttemptAt: r.LastAttemptAt,
			AttemptCount:  r.AttemptCount,
			ResultSummary: r.ResultSummary,
			LastError:     r.LastError,
		}
		if json.Valid(r.Payload) {
			l.Payload = json.RawMessage(r.Payload)
		}
		if err := enc.Encode(l); err != nil {
			return nil, fmt.Errorf("encode %s: %w", r.EventID, err)
		}
	}
	return buf.Bytes(), nil
}

// RunOnce archives one batch and returns how many records it moved.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	now := a.now().UTC()
	recs, err := a.source.ListArchivable(ctx, now.Add(-a.retention), a.batch)
	if err != nil {
		metrics.RecordArchiveFailure()
		return 0, fmt.Errorf("list archivable: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	body, err := Encode(recs)
	if err != nil {
		metrics.RecordArchiveFailure()
		return 0, err
	}
	key := a.objectKey(now)
	_, err = a.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		metrics.RecordArchiveFailure()
		return 0, fmt.Errorf("put %s: %w", key, err)
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.EventID
	}
	if err := a.source.MarkArchived(ctx, ids, now); err != nil {
		// The object exists; the next run writes these records again.
		metrics.RecordArchiveFailure()
		return 0, fmt.Errorf("mark archived: %w", err)
	}

	metrics.RecordArchived(len(recs))
	a.log.Info(ctx, "records archived",
		logger.Int("count", len(recs)),
		logger.String("key", key),
	)
	return len(recs), nil
}

func (a *Archiver) objectKey(now time.Time) string {
	return fmt.Sprintf("%s%s/%d.jsonl", a.prefix, now.Format("2006/01/02"), now.UnixNano())
}

// Run archives every interval until ctx ends. Full batches are followed
// immediately by another run.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := a.RunOnce(ctx)
				if err != nil {
					a.log.Error(ctx, "archive run failed", logger.Error(err))
					break
				}
				if n < a.batch || ctx.Err() != nil {
					break
				}
			}
		}
	}
}
