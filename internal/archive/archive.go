// Package archive uploads the audit trail of settled contests to
// S3-compatible object storage as zstd-compressed JSON.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"

	"github.com/lox/coinflip/internal/contest"
)

// Document is the archived form of one contest.
type Document struct {
	Contest    contest.Record  `json:"contest"`
	Rounds     []contest.Round `json:"rounds"`
	ArchivedAt time.Time       `json:"archivedAt"`
}

// Uploader is the part of the S3 client the archiver uses.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Settings struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

type S3Archiver struct {
	client Uploader
	bucket string
	prefix string
	logger *log.Logger
	now    func() time.Time
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// NewS3 builds an archiver with an S3 client from settings. Static keys are
// used when given, otherwise the default AWS credential chain.
func NewS3(ctx context.Context, s Settings, logger *log.Logger) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.Region)}
	if s.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		o.UsePathStyle = s.PathStyle
	})
	return New(client, s.Bucket, s.Prefix, logger), nil
}

// New creates an archiver around an existing client.
func New(client Uploader, bucket, prefix string, logger *log.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.WithPrefix("archive"),
		now:    time.Now,
	}
}

// Key is the object key for a contest: prefix/yyyy/mm/dd/<id>.json.zst,
// dated by the contest's creation.
func Key(prefix string, rec contest.Record) string {
	day := rec.CreatedAt.UTC().Format("2006/01/02")
	return path.Join(prefix, day, rec.ID+".json.zst")
}

// Archive uploads rec and its rounds. Re-archiving a contest overwrites the
// same key.
func (a *S3Archiver) Archive(ctx context.Context, rec contest.Record, rounds []contest.Round) error {
	body, err := Encode(Document{Contest: rec, Rounds: rounds, ArchivedAt: a.now().UTC()})
	if err != nil {
		return err
	}
	key := Key(a.prefix, rec)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("zstd"),
		Metadata: map[string]string{
			"contest-id": rec.ID,
			"winner":     rec.Winner,
			"tx-ref":     rec.TxRef,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	a.logger.Info("Archived contest", "contest", rec.ID, "key", key, "bytes", len(body))
	return nil
}

// Encode serializes and compresses a document.
func Encode(doc Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode reverses Encode.
func Decode(data []byte) (Document, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return Document{}, fmt.Errorf("decompress archive: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode archive: %w", err)
	}
	return doc, nil
}
