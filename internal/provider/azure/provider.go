// Package azure backs images with an Azure Blob Storage container.
//
// Listing walks the container flat with a server-side marker as the page
// cursor, so a cursor issued by one List call can be replayed on a fresh
// instance.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/fingerprint"
	"github.com/imgbak/imgbak/internal/provider"
)

const defaultPageSize = 1000

// Provider stores and retrieves images in one blob container.
type Provider struct {
	client    *azblob.Client
	account   string
	container string
	endpoint  string // e.g. https://<account>.blob.core.windows.net/
	prefix    string
}

func (p *Provider) Name() string { return provider.Azure.String() }

func (p *Provider) Capabilities() provider.Capability { return provider.CapAll }

// List returns one page of image blobs. The cursor is the service's
// continuation marker.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (provider.ListPage, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = p.prefix
	}
	size := int32(opts.PageSize)
	if size <= 0 {
		size = defaultPageSize
	}
	lo := &azblob.ListBlobsFlatOptions{
		Prefix:     to.Ptr(prefix),
		MaxResults: to.Ptr(size),
	}
	if opts.Cursor != "" {
		lo.Marker = to.Ptr(opts.Cursor)
	}

	pager := p.client.NewListBlobsFlatPager(p.container, lo)
	if !pager.More() {
		return provider.ListPage{}, nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return provider.ListPage{}, p.classify("list", "", err)
	}

	var page provider.ListPage
	for _, item := range resp.Segment.BlobItems {
		if item.Name == nil || !provider.IsImageKey(*item.Name) {
			continue
		}
		obj := provider.RemoteObject{
			Key: *item.Name,
			URL: p.blobURL(*item.Name),
		}
		if props := item.Properties; props != nil {
			if props.ContentLength != nil {
				obj.Size = *props.ContentLength
			}
			if props.LastModified != nil {
				obj.ModTime = *props.LastModified
			}
			if props.ETag != nil {
				obj.Hash = strings.Trim(string(*props.ETag), `"`)
			}
		}
		page.Objects = append(page.Objects, obj)
	}
	if resp.NextMarker != nil && *resp.NextMarker != "" {
		page.NextCursor = *resp.NextMarker
	}
	log.Debug().
		Str("provider", p.Name()).
		Str("action", "list").
		Int("objects", len(page.Objects)).
		Bool("more", page.NextCursor != "").
		Msg("listed blob page")
	return page, nil
}

// Fetch streams one blob body.
func (p *Provider) Fetch(ctx context.Context, obj provider.RemoteObject) (io.ReadCloser, error) {
	resp, err := p.client.DownloadStream(ctx, p.container, normalizeKey(obj.Key), nil)
	if err != nil {
		return nil, p.classify("fetch", obj.Key, err)
	}
	return resp.Body, nil
}

// Push uploads a local file under key and stamps its sha256 as blob metadata.
func (p *Provider) Push(ctx context.Context, localPath, key string) (provider.RemoteObject, error) {
	key = normalizeKey(key)

	fp, err := fingerprint.File(localPath)
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.LocalIO, "fingerprint", err).
			WithProvider(p.Name()).WithKey(key)
	}

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

	_, err = p.client.UploadFile(ctx, p.container, key, f, &azblob.UploadFileOptions{
		Metadata: map[string]*string{"sha256": to.Ptr(fp.Digest)},
	})
	if err != nil {
		return provider.RemoteObject{}, p.classify("push", key, err)
	}
	return provider.RemoteObject{
		Key:     key,
		URL:     p.blobURL(key),
		Size:    fp.Size,
		ModTime: time.Now().UTC(),
	}, nil
}

// Delete removes one blob.
func (p *Provider) Delete(ctx context.Context, key string) error {
	if _, err := p.client.DeleteBlob(ctx, p.container, normalizeKey(key), nil); err != nil {
		return p.classify("delete", key, err)
	}
	return nil
}

// Describe probes the container with a single-item list.
func (p *Provider) Describe(ctx context.Context) provider.Description {
	d := provider.Description{
		Name:         p.Name(),
		Enabled:      true,
		Capabilities: p.Capabilities(),
		Detail:       fmt.Sprintf("account %s, container %s", p.account, p.container),
	}
	pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{
		MaxResults: to.Ptr(int32(1)),
	})
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			d.Detail = p.classify("describe", "", err).Error()
			return d
		}
	}
	d.Reachable = true
	return d
}

func (p *Provider) blobURL(key string) string {
	return p.endpoint + p.container + "/" + normalizeKey(key)
}

// classify maps SDK errors onto the shared error taxonomy. Storage error
// codes are more precise than HTTP status alone, so check them first.
func (p *Provider) classify(op, key string, err error) error {
	kind := errkind.Transient
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		kind = errkind.NotFound
	case bloberror.HasCode(err,
		bloberror.AuthenticationFailed,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.InvalidAuthenticationInfo,
		bloberror.InsufficientAccountPermissions):
		kind = errkind.AuthFailed
	case bloberror.HasCode(err, bloberror.ServerBusy):
		kind = errkind.RateLimited
	default:
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			kind = errkind.FromHTTPStatus(respErr.StatusCode)
		}
	}
	e := errkind.New(kind, op, err).WithProvider(p.Name())
	if key != "" {
		return e.WithKey(key)
	}
	return e
}

func normalizeKey(k string) string {
	return strings.TrimPrefix(k, "/")
}
