package cos

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/provider"
)

// Tencent COS exposes an S3-compatible endpoint per region. Buckets carry
// the appid suffix, so the virtual-host URL is <bucket>.cos.<region>.myqcloud.com.
func newClientFromConfig(c config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(c.COS.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.COS.SecretID, c.COS.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("cos aws config: %w", err)
	}
	endpoint := fmt.Sprintf("https://cos.%s.myqcloud.com", c.COS.Region)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return client, nil
}

func init() {
	provider.Register(provider.COS, func(c config.Config) (provider.Provider, error) {
		client, err := newClientFromConfig(c)
		if err != nil {
			return nil, err
		}
		return &Provider{
			client: client,
			bucket: c.COS.Bucket,
			region: c.COS.Region,
			prefix: c.COS.Prefix,
		}, nil
	})
}
