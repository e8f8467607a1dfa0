// Package cos backs images with a Tencent COS bucket through its
// S3-compatible API. The list cursor is the service continuation token.
package cos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/provider"
)

const defaultPageSize = 1000

// Provider stores and retrieves images in one COS bucket.
type Provider struct {
	client *s3.Client
	bucket string
	region string
	prefix string
}

func (p *Provider) Name() string { return provider.COS.String() }

func (p *Provider) Capabilities() provider.Capability { return provider.CapAll }

// List returns one page of image objects.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (provider.ListPage, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = p.prefix
	}
	size := int32(opts.PageSize)
	if size <= 0 {
		size = defaultPageSize
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(size),
	}
	if opts.Cursor != "" {
		input.ContinuationToken = aws.String(opts.Cursor)
	}

	out, err := p.client.ListObjectsV2(ctx, input)
	if err != nil {
		return provider.ListPage{}, p.classify("list", "", err)
	}

	var page provider.ListPage
	for _, o := range out.Contents {
		key := aws.ToString(o.Key)
		if !provider.IsImageKey(key) {
			continue
		}
		page.Objects = append(page.Objects, provider.RemoteObject{
			Key:     key,
			URL:     p.objectURL(key),
			Size:    aws.ToInt64(o.Size),
			ModTime: aws.ToTime(o.LastModified),
			Hash:    strings.Trim(aws.ToString(o.ETag), `"`),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextCursor = aws.ToString(out.NextContinuationToken)
	}
	log.Debug().
		Str("provider", p.Name()).
		Str("action", "list").
		Int("objects", len(page.Objects)).
		Bool("more", page.NextCursor != "").
		Msg("listed object page")
	return page, nil
}

// Fetch streams one object body.
func (p *Provider) Fetch(ctx context.Context, obj provider.RemoteObject) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		return nil, p.classify("fetch", obj.Key, err)
	}
	return out.Body, nil
}

// Push uploads a local file under key.
func (p *Provider) Push(ctx context.Context, localPath, key string) (provider.RemoteObject, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.LocalIO, "open", err).
			WithProvider(p.Name()).WithKey(key)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("file", localPath).Msg("failed to close source file after upload")
		}
	}()
	fi, err := f.Stat()
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.LocalIO, "stat", err).
			WithProvider(p.Name()).WithKey(key)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	}
	if ct := mime.TypeByExtension(filepath.Ext(localPath)); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := p.client.PutObject(ctx, input); err != nil {
		return provider.RemoteObject{}, p.classify("push", key, err)
	}
	return provider.RemoteObject{
		Key:     key,
		URL:     p.objectURL(key),
		Size:    fi.Size(),
		ModTime: time.Now().UTC(),
	}, nil
}

// Delete removes one object.
func (p *Provider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return p.classify("delete", key, err)
	}
	return nil
}

// Describe probes the bucket with a HEAD request.
func (p *Provider) Describe(ctx context.Context) provider.Description {
	d := provider.Description{
		Name:         p.Name(),
		Enabled:      true,
		Capabilities: p.Capabilities(),
		Detail:       fmt.Sprintf("bucket %s in %s", p.bucket, p.region),
	}
	if _, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		d.Detail = p.classify("describe", "", err).Error()
		return d
	}
	d.Reachable = true
	return d
}

func (p *Provider) objectURL(key string) string {
	return fmt.Sprintf("https://%s.cos.%s.myqcloud.com/%s", p.bucket, p.region, key)
}

func (p *Provider) classify(op, key string, err error) error {
	kind := errkind.Transient
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	var notFound *types.NotFound
	var respErr *awshttp.ResponseError
	switch {
	case errors.As(err, &noKey), errors.As(err, &noBucket), errors.As(err, &notFound):
		kind = errkind.NotFound
	case errors.As(err, &respErr):
		kind = errkind.FromHTTPStatus(respErr.HTTPStatusCode())
	}
	e := errkind.New(kind, op, err).WithProvider(p.Name())
	if key != "" {
		return e.WithKey(key)
	}
	return e
}
