// Package mirror copies persisted model artifacts to S3-compatible storage.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/core"
)

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	Prefix          string
	UsePathStyle    bool
}

// ObjectAPI is the subset of the S3 client the mirror uses.
type ObjectAPI interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArtifactSource streams stored artifacts, see core.Storage.
type ArtifactSource interface {
	StreamModel(ctx context.Context, modelID string, w io.Writer) error
}

// S3Mirror uploads every published model to models/<id>/<name>.json under the
// configured prefix.
type S3Mirror struct {
	client ObjectAPI
	source ArtifactSource
	cfg    Config
	log    *zap.Logger
}

// NewS3Client builds an S3 client with static credentials and an optional
// custom endpoint (MinIO and friends).
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

func NewS3Mirror(client ObjectAPI, source ArtifactSource, cfg Config, log *zap.Logger) *S3Mirror {
	return &S3Mirror{client: client, source: source, cfg: cfg, log: log}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *S3Mirror) EnsureBucket(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(m.cfg.Bucket),
	})
	if err == nil {
		m.log.Info("Bucket already exists", zap.String("bucket", m.cfg.Bucket))
		return nil
	}

	m.log.Info("Creating bucket", zap.String("bucket", m.cfg.Bucket))
	in := &s3.CreateBucketInput{Bucket: aws.String(m.cfg.Bucket)}
	// us-east-1 rejects an explicit location constraint.
	if m.cfg.Region != "" && m.cfg.Region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(m.cfg.Region),
		}
	}
	if _, err := m.client.CreateBucket(ctx, in); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", m.cfg.Bucket, err)
	}
	return nil
}

// Key returns the object key for a model artifact.
func (m *S3Mirror) Key(meta *core.ModelMetadata) string {
	return path.Join(m.cfg.Prefix, "models", meta.ID, meta.Name+".json")
}

// ModelPublished uploads the artifact. It implements training.Listener.
func (m *S3Mirror) ModelPublished(ctx context.Context, meta *core.ModelMetadata) error {
	var buf bytes.Buffer
	if err := m.source.StreamModel(ctx, meta.ID, &buf); err != nil {
		return fmt.Errorf("read artifact %s: %w", meta.ID, err)
	}

	key := m.Key(meta)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(buf.Len())),
		Metadata: map[string]string{
			"sha256": meta.Hash,
			"format": meta.Format,
		},
	})
	if err != nil {
		m.log.Error("Failed to upload model to S3",
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	m.log.Info("Model mirrored to S3",
		zap.String("key", key),
		zap.Int64("size", meta.Size))
	return nil
}
