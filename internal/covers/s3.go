package covers

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"biblio-integrator/internal/config"
)

// S3Publisher mirrors generated covers to an S3-compatible bucket so they
// survive catalog rebuilds.
type S3Publisher struct {
	client *s3.Client
	bucket string
}

// NewS3Publisher builds a publisher, or returns nil when no bucket is
// configured.
func NewS3Publisher(ctx context.Context, cfg config.Config) (*S3Publisher, error) {
	if cfg.CoverS3Bucket == "" {
		return nil, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.CoverS3Region),
	}
	if cfg.CoverS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.CoverS3Endpoint,
					HostnameImmutable: cfg.CoverS3PathStyle,
					SigningRegion:     cfg.CoverS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.CoverS3PathStyle
	})
	return &S3Publisher{client: client, bucket: cfg.CoverS3Bucket}, nil
}

// Publish uploads the cover file under key and returns its object location.
func (p *S3Publisher) Publish(ctx context.Context, key, filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read cover: %w", err)
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}
