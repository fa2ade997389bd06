package payloadstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the subset of the AWS SDK v2 S3 client this package depends
// on, narrowed for dependency injection and testing with a mock
// implementation.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Config configures the S3-compatible payload backend. Endpoint and
// Region are optional overrides for non-AWS S3-compatible services (MinIO,
// Hetzner, LakeFS), following the teacher's multi-cloud storage pattern.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store is the production PayloadStore backend: content-addressed blobs
// under a configurable bucket/prefix, with retention state reflected by
// ordinary object lifecycle rather than by this package's own bookkeeping.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Store builds an S3 client from cfg using the AWS SDK v2 config
// loader, optionally overriding credentials and endpoint for S3-compatible
// services.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("payloadstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient wires an already-constructed client, the path used by
// tests and by callers that share a client across services.
func NewS3StoreWithClient(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return s.prefix + "/" + ref
}

// Store uploads data through manager.Uploader, which transparently switches
// to multipart upload above its part-size threshold so large payload blobs
// never need bespoke chunking here.
func (s *S3Store) Store(ctx context.Context, data []byte) (string, error) {
	ref := ContentRef(data)
	_, err := s.uploader().Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("payloadstore: put object %s: %w", ref, err)
	}
	return ref, nil
}

func (s *S3Store) uploader() *manager.Uploader {
	uploaderClient, ok := s.client.(manager.UploadAPIClient)
	if !ok {
		panic("payloadstore: S3Client does not implement manager.UploadAPIClient")
	}
	return manager.NewUploader(uploaderClient)
}

// Retrieve fetches the object for ref. A missing key is reported as
// ErrPayloadNotFound; retention-driven deletion is indistinguishable from a
// missing key at the S3 layer, so a caller needing the PURGED/NOT_FOUND
// distinction consults the audit store's row record first (see
// internal/landscape.Recorder.ExplainRow).
func (s *S3Store) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrPayloadNotFound
		}
		return nil, fmt.Errorf("payloadstore: get object %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("payloadstore: read object %s: %w", ref, err)
	}
	return data, nil
}

// Exists reports whether ref is present via HeadObject.
func (s *S3Store) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("payloadstore: head object %s: %w", ref, err)
	}
	return true, nil
}

// EnsureBucket creates the bucket if it does not already exist, following
// the teacher's lakeFsEnsureBucketExists idiom (head, then create on 404).
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("payloadstore: create bucket %s: %w", s.bucket, err)
	}
	return nil
}
