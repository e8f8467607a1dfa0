package oss

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/provider"
)

// Aliyun OSS speaks the S3 wire protocol, so the client is a plain S3 client
// pointed at the region endpoint from config.
func newClientFromConfig(c config.Config) (*minio.Client, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(c.OSS.Endpoint, "https://"), "http://")
	endpoint = strings.TrimSuffix(endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("oss: empty endpoint")
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(c.OSS.AccessKeyID, c.OSS.AccessKeySecret, ""),
		Secure:       true,
		Transport:    tr,
		Region:       "auto",
		BucketLookup: minio.BucketLookupAuto,
	})
}

func init() {
	provider.Register(provider.OSS, func(c config.Config) (provider.Provider, error) {
		client, err := newClientFromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("oss client: %w", err)
		}
		endpoint := strings.TrimSuffix(c.OSS.Endpoint, "/")
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		return &Provider{
			client:   client,
			endpoint: endpoint,
			bucket:   c.OSS.Bucket,
			prefix:   c.OSS.Prefix,
		}, nil
	})
}
