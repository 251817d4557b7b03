package attachment

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3Storage.
type S3Options struct {
	Bucket string
	Region string
	// Prefix is prepended to every object key, e.g. "uploads/".
	Prefix string
	// Endpoint overrides the public base URL, for S3-compatible stores.
	Endpoint string
}

// S3Storage keeps images in an S3 bucket. References are the objects'
// public URLs.
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	baseURL  string
}

// NewS3Storage loads the default AWS credential chain and returns an
// S3Storage for opts.Bucket.
func NewS3Storage(ctx context.Context, opts S3Options) (*S3Storage, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	baseURL := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", opts.Bucket, opts.Region)
	if opts.Endpoint != "" {
		baseURL = strings.TrimRight(opts.Endpoint, "/") + "/" + opts.Bucket + "/"
	}

	return &S3Storage{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		baseURL:  baseURL,
	}, nil
}

// Save implements Storage.
func (s *S3Storage) Save(ctx context.Context, name, contentType string, data []byte) (string, error) {
	key := s.prefix + name
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return s.baseURL + url.PathEscape(key), nil
}

// Delete implements Storage.
func (s *S3Storage) Delete(ctx context.Context, ref string) error {
	if !strings.HasPrefix(ref, s.baseURL) {
		return fmt.Errorf("reference %q is not in bucket %s", ref, s.bucket)
	}
	key, err := url.PathUnescape(strings.TrimPrefix(ref, s.baseURL))
	if err != nil {
		return fmt.Errorf("parse reference: %w", err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete from s3: %w", err)
	}
	return nil
}
