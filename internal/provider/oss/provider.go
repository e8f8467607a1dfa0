// Package oss backs images with an Aliyun OSS bucket through its
// S3-compatible API.
//
// The list cursor is the last object key scanned, replayed as StartAfter on
// the next call. Keys are returned in lexical order, so the cursor survives
// process restarts and concurrent writers.
package oss

import (
	"context"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog/log"

	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/provider"
)

const defaultPageSize = 1000

// Provider stores and retrieves images in one OSS bucket.
type Provider struct {
	client   *minio.Client
	endpoint string // scheme-qualified, e.g. https://oss-cn-hangzhou.aliyuncs.com
	bucket   string
	prefix   string
}

func (p *Provider) Name() string { return provider.OSS.String() }

func (p *Provider) Capabilities() provider.Capability { return provider.CapAll }

// List scans forward from the cursor and returns up to one page of image
// objects. Non-image keys are filtered out without counting against the page.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (provider.ListPage, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = p.prefix
	}
	size := opts.PageSize
	if size <= 0 {
		size = defaultPageSize
	}

	// The SDK streams the whole listing; cancel once the page is full.
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := p.client.ListObjects(listCtx, p.bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: opts.Cursor,
	})

	var page provider.ListPage
	var lastScanned string
	for info := range objects {
		if info.Err != nil {
			return provider.ListPage{}, p.classify("list", "", info.Err)
		}
		lastScanned = info.Key
		if !provider.IsImageKey(info.Key) {
			continue
		}
		page.Objects = append(page.Objects, provider.RemoteObject{
			Key:     info.Key,
			URL:     p.objectURL(info.Key),
			Size:    info.Size,
			ModTime: info.LastModified,
			Hash:    strings.Trim(info.ETag, `"`),
		})
		if len(page.Objects) >= size {
			page.NextCursor = lastScanned
			break
		}
	}
	log.Debug().
		Str("provider", p.Name()).
		Str("action", "list").
		Int("objects", len(page.Objects)).
		Bool("more", page.NextCursor != "").
		Msg("listed object page")
	return page, nil
}

// Fetch streams one object body. Stat up front so missing keys surface as
// NotFound instead of a mid-stream read error.
func (p *Provider) Fetch(ctx context.Context, obj provider.RemoteObject) (io.ReadCloser, error) {
	o, err := p.client.GetObject(ctx, p.bucket, obj.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, p.classify("fetch", obj.Key, err)
	}
	if _, err := o.Stat(); err != nil {
		_ = o.Close()
		return nil, p.classify("fetch", obj.Key, err)
	}
	return o, nil
}

// Push uploads a local file under key.
func (p *Provider) Push(ctx context.Context, localPath, key string) (provider.RemoteObject, error) {
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	info, err := p.client.FPutObject(ctx, p.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return provider.RemoteObject{}, p.classify("push", key, err)
	}
	return provider.RemoteObject{
		Key:     info.Key,
		URL:     p.objectURL(info.Key),
		Size:    info.Size,
		ModTime: time.Now().UTC(),
		Hash:    strings.Trim(info.ETag, `"`),
	}, nil
}

// Delete removes one object.
func (p *Provider) Delete(ctx context.Context, key string) error {
	if err := p.client.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return p.classify("delete", key, err)
	}
	return nil
}

// Describe probes the bucket.
func (p *Provider) Describe(ctx context.Context) provider.Description {
	d := provider.Description{
		Name:         p.Name(),
		Enabled:      true,
		Capabilities: p.Capabilities(),
		Detail:       "bucket " + p.bucket + " at " + p.endpoint,
	}
	ok, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		d.Detail = p.classify("describe", "", err).Error()
		return d
	}
	if !ok {
		d.Detail = "bucket " + p.bucket + " does not exist"
		return d
	}
	d.Reachable = true
	return d
}

func (p *Provider) objectURL(key string) string {
	return p.endpoint + "/" + p.bucket + "/" + key
}

func (p *Provider) classify(op, key string, err error) error {
	kind := errkind.Transient
	if resp := minio.ToErrorResponse(err); resp.StatusCode != 0 {
		kind = errkind.FromHTTPStatus(resp.StatusCode)
	}
	e := errkind.New(kind, op, err).WithProvider(p.Name())
	if key != "" {
		return e.WithKey(key)
	}
	return e
}
