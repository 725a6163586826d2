// Package s3store is the durable cache tier: rendered HTML stored as plain
// objects in an S3-compatible bucket, keyed by URL fingerprint.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/config"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

const htmlContentType = "text/html; charset=utf-8"

type Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

func NewStore(ctx context.Context, cfg *config.StorageConfig, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	awsConfig, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		// Custom endpoint (LocalStack, MinIO). These usually lack virtual
		// host addressing, so honor the path_style flag.
		awsConfig.BaseEndpoint = aws.String(cfg.Endpoint)
		if awsConfig.Credentials == nil {
			awsConfig.Credentials = credentials.NewStaticCredentialsProvider("test", "test", "")
		}
		client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			o.UsePathStyle = cfg.PathStyle
		})
		logger.Warn("S3 store using custom endpoint", zap.String("endpoint", cfg.Endpoint))
	} else {
		client = s3.NewFromConfig(awsConfig)
	}

	logger.Debug("S3 store initialized",
		zap.String("bucket", cfg.Bucket),
		zap.String("prefix", cfg.Prefix),
		zap.String("region", cfg.Region))

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// key builds the object key for a fingerprint: <prefix>/<fingerprint>.html
func (s *Store) key(fingerprint string) string {
	if s.prefix == "" {
		return fingerprint + ".html"
	}
	return s.prefix + "/" + fingerprint + ".html"
}

// PutHTML stores rendered HTML under the given fingerprint.
func (s *Store) PutHTML(ctx context.Context, fingerprint string, html []byte) error {
	start := time.Now()
	objKey := s.key(fingerprint)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(html),
		ContentType: aws.String(htmlContentType),
	})
	if err != nil {
		s.logger.Error("S3 PutObject failed",
			zap.String("key", objKey),
			zap.Error(err))
		return fmt.Errorf("s3 put failed: %w", err)
	}

	s.logger.Debug("Stored HTML in durable tier",
		zap.String("key", objKey),
		zap.Int("bytes", len(html)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// GetHTML fetches the HTML stored under the given fingerprint.
// Returns ErrNotFound if no object exists.
func (s *Store) GetHTML(ctx context.Context, fingerprint string) ([]byte, error) {
	objKey := s.key(fingerprint)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		s.logger.Error("S3 GetObject failed",
			zap.String("key", objKey),
			zap.Error(err))
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer out.Body.Close()

	html, err := io.ReadAll(out.Body)
	if err != nil {
		s.logger.Error("Failed to read S3 object body",
			zap.String("key", objKey),
			zap.Error(err))
		return nil, fmt.Errorf("s3 read failed: %w", err)
	}
	return html, nil
}

// PutJSON stores an arbitrary JSON document at a raw key under the prefix.
// Used for batch job snapshots.
func (s *Store) PutJSON(ctx context.Context, name string, data []byte) error {
	objKey := s.rawKey(name)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.logger.Error("S3 PutObject failed",
			zap.String("key", objKey),
			zap.Error(err))
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

// GetJSON fetches a JSON document stored with PutJSON.
// Returns ErrNotFound if no object exists.
func (s *Store) GetJSON(ctx context.Context, name string) ([]byte, error) {
	objKey := s.rawKey(name)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		s.logger.Error("S3 GetObject failed",
			zap.String("key", objKey),
			zap.Error(err))
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed: %w", err)
	}
	return data, nil
}

func (s *Store) rawKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}
