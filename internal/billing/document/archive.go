package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Archive stores rendered invoice documents in S3-compatible storage.
type Archive struct {
	client s3Client
	bucket string
	logger *slog.Logger
}

// NewArchive returns nil when the storage is not configured; a nil
// *Archive discards everything.
func NewArchive(cfg S3Config, logger *slog.Logger) *Archive {
	if !cfg.Enabled() {
		return nil
	}
	return &Archive{
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
		logger: logger.With("component", "document_archive"),
	}
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Key is the object key of an invoice document.
func Key(organizationID, contractID int64, period, fileName string) string {
	return fmt.Sprintf("invoices/%d/%d/%s/%s", organizationID, contractID, period, fileName)
}

// Put uploads a document and returns its key.
func (a *Archive) Put(ctx context.Context, key string, doc []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(doc),
		ContentLength: aws.Int64(int64(len(doc))),
		ContentType:   aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("upload invoice document: %w", err)
	}
	a.logger.Debug("invoice document archived", "key", key, "bytes", len(doc))
	return key, nil
}

func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("invoice archive not configured")
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download invoice document: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
