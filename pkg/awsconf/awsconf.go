// Package awsconf loads AWS SDK configuration shared by queue and publisher clients.
package awsconf

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Options selects region, an optional endpoint override and optional static keys.
// Without keys the default credential chain applies.
type Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Load resolves an aws.Config for opts.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var loaders []func(*awscfg.LoadOptions) error
	if region := strings.TrimSpace(opts.Region); region != "" {
		loaders = append(loaders, awscfg.WithRegion(region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loaders = append(loaders, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}
	return cfg, nil
}
