package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"locomote/internal/replica"
)

// S3Config configures the S3 transport for s3:// origin URLs.
type S3Config struct {
	Region string `toml:"region"`
	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// S3 fetches s3://bucket/key URLs. A missing object maps to a 404
// response so sync logic treats object storage like any HTTP origin.
type S3 struct {
	client *s3.Client
}

// NewS3 creates an S3 fetcher. With no access key the default AWS
// credential chain applies.
func NewS3(ctx context.Context, config S3Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client}, nil
}

func (f *S3) Fetch(ctx context.Context, url string) (*replica.Response, error) {
	bucket, key, err := splitS3URL(url)
	if err != nil {
		return nil, err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return &replica.Response{
				Status: 404,
				Body:   io.NopCloser(strings.NewReader("")),
			}, nil
		}
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	return &replica.Response{
		Status:      200,
		ContentType: aws.ToString(out.ContentType),
		Body:        out.Body,
	}, nil
}

func splitS3URL(url string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %s", url)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 url: %s", url)
	}
	return bucket, key, nil
}

var _ replica.Fetcher = (*S3)(nil)
