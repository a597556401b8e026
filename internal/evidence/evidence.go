// Package evidence checks milestone evidence references before they are accepted.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Verifier rejects evidence URIs that are malformed or point at nothing.
type Verifier interface {
	Verify(ctx context.Context, uri string) error
}

// MissingError reports an evidence object that does not exist.
type MissingError struct {
	URI string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("evidence %s does not exist", e.URI)
}

var allowedSchemes = map[string]bool{"s3": true, "https": true, "http": true}

// CheckURI validates the shape of an evidence reference: an absolute s3, https
// or http URI with a host (bucket for s3) and, for s3, an object key.
func CheckURI(uri string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, fmt.Errorf("evidence %q: %w", uri, err)
	}
	if !allowedSchemes[u.Scheme] {
		return nil, fmt.Errorf("evidence %q: scheme must be s3, https or http", uri)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("evidence %q: missing host", uri)
	}
	if u.Scheme == "s3" && strings.TrimPrefix(u.Path, "/") == "" {
		return nil, fmt.Errorf("evidence %q: missing object key", uri)
	}
	return u, nil
}

// SyntaxVerifier only checks URI shape.
type SyntaxVerifier struct{}

func (SyntaxVerifier) Verify(_ context.Context, uri string) error {
	_, err := CheckURI(uri)
	return err
}

type headObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Verifier checks shape for every URI and existence for s3:// URIs.
type S3Verifier struct {
	client headObjectAPI
}

type S3Config struct {
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

func NewS3Verifier(ctx context.Context, cfg S3Config) (*S3Verifier, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Verifier{client: client}, nil
}

func (v *S3Verifier) Verify(ctx context.Context, uri string) error {
	u, err := CheckURI(uri)
	if err != nil {
		return err
	}
	if u.Scheme != "s3" {
		return nil
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	_, err = v.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return &MissingError{URI: uri}
	}
	return fmt.Errorf("head %s: %w", uri, err)
}
