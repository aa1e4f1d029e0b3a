package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ollama_logger/internal/models"
	"ollama_logger/internal/utils"
)

// ObjectPutter is the subset of the S3 client used by S3Archive
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArchiveConfig configures an S3Archive
type S3ArchiveConfig struct {
	Bucket        string
	Region        string
	Prefix        string // e.g. "logs/"
	PodName       string // identifies this replica in object keys
	FlushSize     int    // upload once this many records are buffered
	FlushInterval time.Duration
}

// S3Archive buffers request logs and uploads them to S3 as JSON Lines
// objects, one object per flush.
type S3Archive struct {
	client ObjectPutter
	cfg    S3ArchiveConfig
	logger *utils.Logger

	mu      sync.Mutex
	pending []*models.RequestLog

	doneCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewS3Archive creates an archive using the default AWS credential chain
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewS3ArchiveWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewS3ArchiveWithClient creates an archive around an existing client
func NewS3ArchiveWithClient(client ObjectPutter, cfg S3ArchiveConfig) *S3Archive {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}

	a := &S3Archive{
		client: client,
		cfg:    cfg,
		logger: utils.NewLogger("s3-archive"),
		doneCh: make(chan struct{}),
	}

	a.wg.Add(1)
	go a.run()
	return a
}

func (a *S3Archive) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := a.Flush(ctx); err != nil {
				a.logger.Error("Periodic S3 flush failed", "error", err)
			}
			cancel()
		case <-a.doneCh:
			return
		}
	}
}

// Insert buffers one record, uploading when the buffer is full
func (a *S3Archive) Insert(ctx context.Context, rec *models.RequestLog) error {
	return a.InsertBatch(ctx, []*models.RequestLog{rec})
}

// InsertBatch buffers records, uploading when the buffer is full
func (a *S3Archive) InsertBatch(ctx context.Context, recs []*models.RequestLog) error {
	a.mu.Lock()
	a.pending = append(a.pending, recs...)
	full := len(a.pending) >= a.cfg.FlushSize
	a.mu.Unlock()

	if !full {
		return nil
	}
	_, err := a.Flush(ctx)
	return err
}

// Flush uploads everything buffered and returns the object key. Records
// are put back in the buffer if the upload fails.
func (a *S3Archive) Flush(ctx context.Context) (string, error) {
	a.mu.Lock()
	records := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(records) == 0 {
		return "", nil
	}

	key, err := a.writeBatch(ctx, records)
	if err != nil {
		a.mu.Lock()
		a.pending = append(records, a.pending...)
		a.mu.Unlock()
		return "", err
	}
	return key, nil
}

// writeBatch uploads records as one JSON Lines object
func (a *S3Archive) writeBatch(ctx context.Context, records []*models.RequestLog) (string, error) {
	// Format: logs/2025/11/30/ollama-logger-0-20251130-143022-123456789.jsonl
	now := time.Now().UTC()
	key := fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%d.jsonl",
		a.cfg.Prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		a.cfg.PodName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			a.logger.Error("Failed to encode record", "request_id", record.RequestID, "error", err)
			continue
		}
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	a.logger.Info("Wrote batch to S3", "key", key, "count", len(records), "bytes", buf.Len())
	return key, nil
}

// Close stops the periodic flush and uploads what is left
func (a *S3Archive) Close() error {
	var err error
	a.once.Do(func() {
		close(a.doneCh)
		a.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err = a.Flush(ctx)
	})
	return err
}
