// Package imgur backs images with the Imgur API (v3).
//
// The image id is the object key. Capabilities depend on the configured
// credentials: an account access token unlocks everything, a bare client ID
// only allows anonymous uploads and public downloads.
package imgur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/provider"
	"github.com/imgbak/imgbak/internal/version"
)

const defaultBaseURL = "https://api.imgur.com/3"

// Provider talks to the Imgur REST API.
type Provider struct {
	clientID    string
	accessToken string
	base        string
	client      *http.Client
}

// New builds a provider from the Imgur config section.
func New(c config.ImgurConfig) *Provider {
	return &Provider{
		clientID:    c.ClientID,
		accessToken: c.AccessToken,
		base:        defaultBaseURL,
		client:      &http.Client{},
	}
}

func init() {
	provider.Register(provider.Imgur, func(c config.Config) (provider.Provider, error) {
		return New(c.Imgur), nil
	})
}

func (p *Provider) Name() string { return provider.Imgur.String() }

// Capabilities narrows to push-and-fetch when only a client ID is configured.
// Account history and deletion need the user-scoped token.
func (p *Provider) Capabilities() provider.Capability {
	if p.accessToken != "" {
		return provider.CapAll
	}
	return provider.CapFetch | provider.CapPush
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data"`
}

type imageItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Type       string `json:"type"`
	Datetime   int64  `json:"datetime"`
	Size       int64  `json:"size"`
	Link       string `json:"link"`
	Deletehash string `json:"deletehash"`
}

func (it imageItem) remoteObject() provider.RemoteObject {
	name := path.Base(it.Link)
	if name == "." || name == "/" {
		name = it.ID + extFromMIME(it.Type)
	}
	obj := provider.RemoteObject{
		Key:  it.ID,
		Name: name,
		URL:  it.Link,
		Size: it.Size,
	}
	if it.Datetime > 0 {
		obj.ModTime = time.Unix(it.Datetime, 0).UTC()
	}
	return obj
}

// List pages through the account image history. The cursor is the page
// number; the listing ends on the first empty page.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (provider.ListPage, error) {
	if p.accessToken == "" {
		return provider.ListPage{}, provider.Unsupported(p.Name(), "list")
	}
	page := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return provider.ListPage{}, errkind.Newf(errkind.Unknown, "list", "bad cursor %q", opts.Cursor).
				WithProvider(p.Name())
		}
		page = n
	}

	url := fmt.Sprintf("%s/account/me/images/%d", p.base, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return provider.ListPage{}, errkind.New(errkind.Unknown, "list", err).WithProvider(p.Name())
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.ListPage{}, errkind.New(errkind.Transient, "list", err).WithProvider(p.Name())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return provider.ListPage{}, errkind.FromHTTPResponse("list", resp).WithProvider(p.Name())
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return provider.ListPage{}, errkind.New(errkind.Unknown, "list", err).WithProvider(p.Name())
	}
	var items []imageItem
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return provider.ListPage{}, errkind.New(errkind.Unknown, "list", err).WithProvider(p.Name())
		}
	}

	var out provider.ListPage
	for _, it := range items {
		obj := it.remoteObject()
		if opts.Prefix != "" && !strings.HasPrefix(obj.Name, opts.Prefix) {
			continue
		}
		out.Objects = append(out.Objects, obj)
	}
	if len(items) > 0 {
		out.NextCursor = strconv.Itoa(page + 1)
	}
	log.Debug().
		Str("provider", p.Name()).
		Str("action", "list").
		Int("page", page).
		Int("objects", len(out.Objects)).
		Bool("more", out.NextCursor != "").
		Msg("listed image page")
	return out, nil
}

// Fetch streams the image from its public link.
func (p *Provider) Fetch(ctx context.Context, obj provider.RemoteObject) (io.ReadCloser, error) {
	url := obj.URL
	if url == "" {
		url = fmt.Sprintf("https://i.imgur.com/%s", obj.Key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errkind.New(errkind.Unknown, "fetch", err).WithProvider(p.Name()).WithKey(obj.Key)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errkind.New(errkind.Transient, "fetch", err).WithProvider(p.Name()).WithKey(obj.Key)
	}
	if resp.StatusCode != http.StatusOK {
		e := errkind.FromHTTPResponse("fetch", resp).WithProvider(p.Name()).WithKey(obj.Key)
		_ = resp.Body.Close()
		return nil, e
	}
	return resp.Body, nil
}

// Push uploads a local file. The key only suggests the image title; Imgur
// assigns the real id.
func (p *Provider) Push(ctx context.Context, localPath, key string) (provider.RemoteObject, error) {
	name := key
	if name == "" {
		name = filepath.Base(localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.LocalIO, "open", err).
			WithProvider(p.Name()).WithKey(name)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(name))
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	if _, err := io.Copy(part, f); err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.LocalIO, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	_ = mw.WriteField("name", filepath.Base(name))
	_ = mw.WriteField("title", strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	if err := mw.Close(); err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/image", &body)
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	p.authorize(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Transient, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return provider.RemoteObject{}, errkind.FromHTTPResponse("push", resp).
			WithProvider(p.Name()).WithKey(name)
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	var item imageItem
	if err := json.Unmarshal(env.Data, &item); err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	obj := item.remoteObject()
	obj.ModTime = time.Now().UTC()
	return obj, nil
}

// Delete removes an image by id. Needs the account token; anonymous uploads
// are only deletable through their deletehash, which we do not track.
func (p *Provider) Delete(ctx context.Context, key string) error {
	if p.accessToken == "" {
		return provider.Unsupported(p.Name(), "delete")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.base+"/image/"+key, nil)
	if err != nil {
		return errkind.New(errkind.Unknown, "delete", err).WithProvider(p.Name()).WithKey(key)
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return errkind.New(errkind.Transient, "delete", err).WithProvider(p.Name()).WithKey(key)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errkind.FromHTTPResponse("delete", resp).WithProvider(p.Name()).WithKey(key)
	}
	return nil
}

// Describe probes the rate-limit credits endpoint, which works with either
// credential form.
func (p *Provider) Describe(ctx context.Context) provider.Description {
	d := provider.Description{
		Name:         p.Name(),
		Enabled:      true,
		Capabilities: p.Capabilities(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/credits", nil)
	if err != nil {
		d.Detail = err.Error()
		return d
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		d.Detail = err.Error()
		return d
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		d.Detail = errkind.FromHTTPResponse("describe", resp).WithProvider(p.Name()).Error()
		return d
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		d.Detail = "credits response not usable"
		return d
	}
	var credits struct {
		ClientRemaining int `json:"ClientRemaining"`
		UserRemaining   int `json:"UserRemaining"`
	}
	d.Reachable = true
	if err := json.Unmarshal(env.Data, &credits); err == nil {
		d.Detail = fmt.Sprintf("%d client credits remaining", credits.ClientRemaining)
	}
	return d
}

// authorize prefers the account token over the anonymous client ID.
func (p *Provider) authorize(req *http.Request) {
	if p.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.accessToken)
	} else {
		req.Header.Set("Authorization", "Client-ID "+p.clientID)
	}
	req.Header.Set("User-Agent", version.UserAgent())
}

func extFromMIME(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}
