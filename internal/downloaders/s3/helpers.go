package s3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tanq16/voxpull/internal/utils"
)

var ErrInvalidS3URL = errors.New("invalid s3 url")

// ObjectAPI is the subset of the S3 client used for transfers.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func newS3Client(ctx context.Context, profile, region string) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryMode(aws.RetryModeAdaptive),
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// ParseURL splits "s3://bucket/key" into its parts.
func ParseURL(rawURL string) (bucket, key string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidS3URL, err)
	}
	if parsed.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: scheme %q", ErrInvalidS3URL, parsed.Scheme)
	}
	bucket = parsed.Host
	key = strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("%w: %s must name a single object", ErrInvalidS3URL, rawURL)
	}
	return bucket, key, nil
}

// statusError turns an S3 HTTP failure into the shared status error so the
// classifier treats it like any other server response.
func statusError(rawURL string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return &utils.HTTPStatusError{
			URL:        rawURL,
			StatusCode: respErr.HTTPStatusCode(),
			Status:     fmt.Sprintf("%d", respErr.HTTPStatusCode()),
			Snippet:    utils.Snippet([]byte(respErr.Error())),
		}
	}
	return fmt.Errorf("error getting object: %w", err)
}
