// Package smms backs images with the SM.MS image host (API v2).
//
// SM.MS addresses an image by the hash it assigns at upload time, so that
// hash is the object key. The original upload name travels as the display
// name. Listing pages through upload_history with the page number as the
// cursor; the service caps pages at 100 entries.
package smms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
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

const (
	defaultBaseURL = "https://sm.ms/api/v2"

	// Server-side page size of upload_history. A short page ends the listing.
	historyPageSize = 100
)

// Provider talks to the SM.MS REST API.
type Provider struct {
	token  string
	base   string
	client *http.Client
}

// New builds a provider from the SM.MS config section.
func New(c config.SMMSConfig) *Provider {
	return &Provider{
		token:  c.APIToken,
		base:   defaultBaseURL,
		client: &http.Client{},
	}
}

func init() {
	provider.Register(provider.SMMS, func(c config.Config) (provider.Provider, error) {
		return New(c.SMMS), nil
	})
}

func (p *Provider) Name() string { return provider.SMMS.String() }

func (p *Provider) Capabilities() provider.Capability { return provider.CapAll }

// apiEnvelope is the common SM.MS response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// historyItem is one upload_history entry. created_at arrives as either a
// formatted timestamp or epoch seconds depending on account age.
type historyItem struct {
	Filename  string          `json:"filename"`
	Storename string          `json:"storename"`
	Size      int64           `json:"size"`
	Hash      string          `json:"hash"`
	URL       string          `json:"url"`
	CreatedAt json.RawMessage `json:"created_at"`
}

func (it historyItem) remoteObject() provider.RemoteObject {
	name := it.Filename
	if name == "" {
		name = it.Storename
	}
	return provider.RemoteObject{
		Key:     it.Hash,
		Name:    name,
		URL:     it.URL,
		Size:    it.Size,
		ModTime: parseCreatedAt(it.CreatedAt),
	}
}

// List returns one page of upload history. The cursor is the page number.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (provider.ListPage, error) {
	page := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return provider.ListPage{}, errkind.Newf(errkind.Unknown, "list", "bad cursor %q", opts.Cursor).
				WithProvider(p.Name())
		}
		page = n
	}

	url := fmt.Sprintf("%s/upload_history?page=%d&format=json", p.base, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return provider.ListPage{}, errkind.New(errkind.Unknown, "list", err).WithProvider(p.Name())
	}
	p.setHeaders(req)

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
	if !env.Success {
		return provider.ListPage{}, errkind.Newf(errkind.Unknown, "list", "api error %s: %s", env.Code, env.Message).
			WithProvider(p.Name())
	}

	var items []historyItem
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
	// A full page means there may be more history behind it.
	if len(items) >= historyPageSize {
		out.NextCursor = strconv.Itoa(page + 1)
	}
	log.Debug().
		Str("provider", p.Name()).
		Str("action", "list").
		Int("page", page).
		Int("objects", len(out.Objects)).
		Bool("more", out.NextCursor != "").
		Msg("listed history page")
	return out, nil
}

// Fetch streams the image from its public URL.
func (p *Provider) Fetch(ctx context.Context, obj provider.RemoteObject) (io.ReadCloser, error) {
	if obj.URL == "" {
		return nil, errkind.Newf(errkind.NotFound, "fetch", "no download url").
			WithProvider(p.Name()).WithKey(obj.Key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, obj.URL, nil)
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

// Push uploads a local file through the smfile multipart endpoint.
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
	part, err := mw.CreateFormFile("smfile", filepath.Base(name))
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	if _, err := io.Copy(part, f); err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.LocalIO, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	if err := mw.Close(); err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/upload", &body)
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	p.setHeaders(req)
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
	if !env.Success {
		// image_repeated still reports where the image lives, but the upload
		// did not create anything we own.
		return provider.RemoteObject{}, errkind.Newf(errkind.Unknown, "push", "api error %s: %s", env.Code, env.Message).
			WithProvider(p.Name()).WithKey(name)
	}

	var item historyItem
	if err := json.Unmarshal(env.Data, &item); err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(name)
	}
	obj := item.remoteObject()
	obj.ModTime = time.Now().UTC()
	return obj, nil
}

// Delete removes an upload by its hash key.
func (p *Provider) Delete(ctx context.Context, key string) error {
	url := fmt.Sprintf("%s/delete/%s?format=json", p.base, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errkind.New(errkind.Unknown, "delete", err).WithProvider(p.Name()).WithKey(key)
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return errkind.New(errkind.Transient, "delete", err).WithProvider(p.Name()).WithKey(key)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errkind.FromHTTPResponse("delete", resp).WithProvider(p.Name()).WithKey(key)
	}
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errkind.New(errkind.Unknown, "delete", err).WithProvider(p.Name()).WithKey(key)
	}
	if !env.Success {
		return errkind.Newf(errkind.Unknown, "delete", "api error %s: %s", env.Code, env.Message).
			WithProvider(p.Name()).WithKey(key)
	}
	return nil
}

// Describe probes the account profile endpoint.
func (p *Provider) Describe(ctx context.Context) provider.Description {
	d := provider.Description{
		Name:         p.Name(),
		Enabled:      true,
		Capabilities: p.Capabilities(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/profile", nil)
	if err != nil {
		d.Detail = err.Error()
		return d
	}
	p.setHeaders(req)

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
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || !env.Success {
		d.Detail = "profile response not usable"
		return d
	}
	var profile struct {
		Username  string `json:"username"`
		DiskUsage string `json:"disk_usage"`
		DiskLimit string `json:"disk_limit"`
	}
	d.Reachable = true
	if err := json.Unmarshal(env.Data, &profile); err == nil && profile.Username != "" {
		d.Detail = fmt.Sprintf("user %s, %s of %s used", profile.Username, profile.DiskUsage, profile.DiskLimit)
	}
	return d
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", p.token)
	req.Header.Set("User-Agent", version.UserAgent())
}

// parseCreatedAt accepts both "2006-01-02 15:04:05" strings and epoch seconds.
func parseCreatedAt(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC()
	}
	return time.Time{}
}
