package s3compat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/retry"
)

// Settings is the part of a descriptor that locates a bucket.
type Settings struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func settingsFromDescriptor(d provider.Descriptor) (Settings, error) {
	s := Settings{
		Endpoint:  d.Setting("host", d.Setting("endpoint", "")),
		Bucket:    d.Setting("bucket", ""),
		Region:    d.Setting("region", "us-east-1"),
		AccessKey: d.Credential("access_key", ""),
		SecretKey: d.Credential("secret_key", ""),
		UseSSL:    d.Setting("use_ssl", "true") == "true",
	}
	if s.Bucket == "" {
		return Settings{}, errors.New("s3compat: bucket is required")
	}
	if s.Endpoint == "" {
		return Settings{}, errors.New("s3compat: host is required")
	}
	if s.AccessKey == "" || s.SecretKey == "" {
		return Settings{}, errors.New("s3compat: access_key and secret_key are required")
	}
	if !strings.Contains(s.Endpoint, "://") {
		scheme := "https://"
		if !s.UseSSL {
			scheme = "http://"
		}
		s.Endpoint = scheme + s.Endpoint
	}
	s.Endpoint = strings.TrimRight(s.Endpoint, "/")
	return s, nil
}

// newClient builds a path-style client with static credentials. SDK
// retries are disabled; calls go through retry.Do instead.
func newClient(ctx context.Context, s Settings) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(s.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.Endpoint)
		o.UsePathStyle = true
		o.RetryMaxAttempts = 1
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}), nil
}

// isS3Retryable: retry rules for S3 (timeouts, 5xx, 429, 408, SlowDown).
func isS3Retryable(err error) bool {
	if retry.IsTransient(err) {
		return true
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
			return true
		}
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket", "NoSuchVersion":
			return true
		}
	}
	return false
}
