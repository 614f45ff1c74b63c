package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/forest6511/mediaq/pkg/storage"
)

// S3Backend uploads media to AWS S3 or an S3-compatible service.
//
// Config keys: bucket (required), prefix, region, profile, accessKeyId,
// secretAccessKey, sessionToken, endpoint, usePathStyle.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend creates a new S3 storage backend
func NewS3Backend() *S3Backend {
	return &S3Backend{}
}

// Init initializes the S3 backend with configuration
func (s3b *S3Backend) Init(config map[string]interface{}) error {
	bucket, ok := config["bucket"].(string)
	if !ok || bucket == "" {
		return fmt.Errorf("%w: bucket is required for S3 backend", storage.ErrInvalidConfig)
	}
	s3b.bucket = bucket

	if prefix, ok := config["prefix"].(string); ok {
		s3b.prefix = strings.Trim(prefix, "/")
	}

	if err := s3b.initClient(config); err != nil {
		return fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	return nil
}

func (s3b *S3Backend) initClient(config map[string]interface{}) error {
	ctx := context.Background()

	region, ok := config["region"].(string)
	if !ok || region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile, ok := config["profile"].(string); ok && profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	} else if accessKey, ok := config["accessKeyId"].(string); ok && accessKey != "" {
		secretKey, _ := config["secretAccessKey"].(string)
		sessionToken, _ := config["sessionToken"].(string)
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3b.client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if endpoint, ok := config["endpoint"].(string); ok && endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if usePathStyle, ok := config["usePathStyle"].(bool); ok {
			o.UsePathStyle = usePathStyle
		}
	})
	return nil
}

// Save uploads data with a content type derived from the key's extension.
func (s3b *S3Backend) Save(ctx context.Context, key string, data io.Reader) error {
	if s3b.client == nil {
		return storage.ErrBackendNotReady
	}
	fullKey := s3b.buildKey(key)

	input := &s3.PutObjectInput{
		Bucket: aws.String(s3b.bucket),
		Key:    aws.String(fullKey),
		Body:   data,
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := s3b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to save object to S3 s3://%s/%s: %w", s3b.bucket, fullKey, err)
	}
	return nil
}

// Load retrieves data from S3 for the given key
func (s3b *S3Backend) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if s3b.client == nil {
		return nil, storage.ErrBackendNotReady
	}
	fullKey := s3b.buildKey(key)

	result, err := s3b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s3b.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get object from S3 s3://%s/%s: %w", s3b.bucket, fullKey, err)
	}
	return result.Body, nil
}

// Exists checks if data exists at the given key in S3
func (s3b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	if s3b.client == nil {
		return false, storage.ErrBackendNotReady
	}
	fullKey := s3b.buildKey(key)

	_, err := s3b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s3b.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence in S3 s3://%s/%s: %w", s3b.bucket, fullKey, err)
	}
	return true, nil
}

// List returns a list of keys with the given prefix
func (s3b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if s3b.client == nil {
		return nil, storage.ErrBackendNotReady
	}

	paginator := s3.NewListObjectsV2Paginator(s3b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s3b.bucket),
		Prefix: aws.String(s3b.buildKey(prefix)),
	})

	var keys []string
	for paginator.HasMorePages() {
		result, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in S3 bucket %s: %w", s3b.bucket, err)
		}
		for _, obj := range result.Contents {
			if obj.Key != nil {
				keys = append(keys, s3b.stripPrefix(*obj.Key))
			}
		}
	}
	return keys, nil
}

// Close cleans up resources (no-op for S3)
func (s3b *S3Backend) Close() error {
	return nil
}

func (s3b *S3Backend) buildKey(key string) string {
	if s3b.prefix == "" {
		return key
	}
	return s3b.prefix + "/" + strings.TrimPrefix(key, "/")
}

func (s3b *S3Backend) stripPrefix(s3Key string) string {
	if s3b.prefix == "" {
		return s3Key
	}
	return strings.TrimPrefix(s3Key, s3b.prefix+"/")
}

func isS3NotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	// Some S3-compatible services answer HEAD with a bare 404.
	return strings.Contains(err.Error(), "StatusCode: 404")
}
