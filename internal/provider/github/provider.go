// Package github backs images with files committed to a GitHub repository,
// driven through the contents API.
//
// The repository tree has no native pagination, so the list cursor encodes
// the traversal itself: the queue of directories still to visit plus the
// count of image files already emitted from the directory at its head. Any
// instance can resume the walk from a cursor because directory listings come
// back in stable order.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/provider"
	"github.com/imgbak/imgbak/internal/version"
)

const (
	defaultBaseURL  = "https://api.github.com"
	defaultPageSize = 100
	acceptHeader    = "application/vnd.github.v3+json"
)

// Provider stores images as files in one repository subtree.
type Provider struct {
	owner  string
	repo   string
	root   string // subtree to mirror; empty means the whole repo
	branch string // empty means the default branch
	token  string
	base   string
	client *http.Client
}

// New builds a provider from the GitHub config section. With a token the
// HTTP client carries it on every request; without one the provider is
// read-only against public repositories.
func New(c config.GitHubConfig) *Provider {
	client := &http.Client{}
	if c.Token != "" {
		client = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: c.Token},
		))
	}
	return &Provider{
		owner:  c.Owner,
		repo:   c.Repo,
		root:   strings.Trim(c.Path, "/"),
		branch: c.Branch,
		token:  c.Token,
		base:   defaultBaseURL,
		client: client,
	}
}

func init() {
	provider.Register(provider.GitHub, func(c config.Config) (provider.Provider, error) {
		return New(c.GitHub), nil
	})
}

func (p *Provider) Name() string { return provider.GitHub.String() }

func (p *Provider) Capabilities() provider.Capability {
	if p.token != "" {
		return provider.CapAll
	}
	return provider.CapList | provider.CapFetch
}

// cursorState is the serialized traversal position.
type cursorState struct {
	// Dirs is the frontier; Dirs[0] is the directory being walked.
	Dirs []string `json:"dirs"`
	// Skip is how many image files of Dirs[0] earlier pages already emitted.
	Skip int `json:"skip"`
}

func encodeCursor(st cursorState) string {
	b, _ := json.Marshal(st)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursorState, error) {
	var st cursorState
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, err
	}
	return st, nil
}

// contentsEntry is one item of a contents API directory listing.
type contentsEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	DownloadURL string `json:"download_url"`
}

func (e contentsEntry) remoteObject() provider.RemoteObject {
	return provider.RemoteObject{
		Key:  e.Path,
		Name: path.Base(e.Path),
		URL:  e.DownloadURL,
		Size: e.Size,
		Hash: e.SHA,
	}
}

// List walks the tree depth-first and returns up to one page of image files.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (provider.ListPage, error) {
	size := opts.PageSize
	if size <= 0 {
		size = defaultPageSize
	}

	st := cursorState{Dirs: []string{p.root}}
	if opts.Cursor != "" {
		var err error
		if st, err = decodeCursor(opts.Cursor); err != nil {
			return provider.ListPage{}, errkind.Newf(errkind.Unknown, "list", "bad cursor %q", opts.Cursor).
				WithProvider(p.Name())
		}
	}

	var out provider.ListPage
	for len(st.Dirs) > 0 && len(out.Objects) < size {
		dir := st.Dirs[0]
		entries, err := p.listDir(ctx, dir)
		if err != nil {
			return provider.ListPage{}, err
		}

		var subdirs []string
		imageSeen := 0
		pageFull := false
		for _, e := range entries {
			switch e.Type {
			case "dir":
				subdirs = append(subdirs, e.Path)
			case "file":
				if !provider.IsImageKey(e.Path) {
					continue
				}
				if opts.Prefix != "" && !strings.HasPrefix(e.Path, opts.Prefix) {
					continue
				}
				if imageSeen < st.Skip {
					imageSeen++
					continue
				}
				if len(out.Objects) >= size {
					pageFull = true
					break
				}
				out.Objects = append(out.Objects, e.remoteObject())
				imageSeen++
			}
		}

		if pageFull {
			// Resume inside this directory on the next call.
			st.Skip = imageSeen
			break
		}
		// Directory exhausted; descend into its children first.
		st.Dirs = append(subdirs, st.Dirs[1:]...)
		st.Skip = 0
	}

	if len(st.Dirs) > 0 {
		out.NextCursor = encodeCursor(st)
	}
	log.Debug().
		Str("provider", p.Name()).
		Str("action", "list").
		Int("objects", len(out.Objects)).
		Bool("more", out.NextCursor != "").
		Msg("listed tree page")
	return out, nil
}

// listDir fetches one directory of the contents API.
func (p *Provider) listDir(ctx context.Context, dir string) ([]contentsEntry, error) {
	resp, err := p.doContents(ctx, http.MethodGet, dir, nil)
	if err != nil {
		return nil, errkind.New(errkind.Transient, "list", err).WithProvider(p.Name())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errkind.FromHTTPResponse("list", resp).WithProvider(p.Name()).WithKey(dir)
	}
	var entries []contentsEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, errkind.New(errkind.Unknown, "list", err).WithProvider(p.Name()).WithKey(dir)
	}
	return entries, nil
}

// Fetch streams the raw file, preferring the download URL captured at
// listing time and falling back to the contents API in raw mode.
func (p *Provider) Fetch(ctx context.Context, obj provider.RemoteObject) (io.ReadCloser, error) {
	var (
		resp *http.Response
		err  error
	)
	if obj.URL != "" {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, obj.URL, nil)
		if err != nil {
			return nil, errkind.New(errkind.Unknown, "fetch", err).WithProvider(p.Name()).WithKey(obj.Key)
		}
		req.Header.Set("User-Agent", version.UserAgent())
		resp, err = p.client.Do(req)
	} else {
		resp, err = p.doContents(ctx, http.MethodGet, obj.Key, nil, withAccept("application/vnd.github.raw"))
	}
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

// Push commits a local file under key, updating in place when the path
// already exists.
func (p *Provider) Push(ctx context.Context, localPath, key string) (provider.RemoteObject, error) {
	if p.token == "" {
		return provider.RemoteObject{}, provider.Unsupported(p.Name(), "push")
	}
	key = strings.Trim(key, "/")

	data, err := os.ReadFile(localPath)
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.LocalIO, "open", err).
			WithProvider(p.Name()).WithKey(key)
	}

	payload := map[string]string{
		"message": "imgbak: upload " + path.Base(key),
		"content": base64.StdEncoding.EncodeToString(data),
	}
	if p.branch != "" {
		payload["branch"] = p.branch
	}
	// Updating an existing path needs its blob sha.
	if sha, err := p.fileSHA(ctx, key); err == nil && sha != "" {
		payload["sha"] = sha
	}

	resp, err := p.doContents(ctx, http.MethodPut, key, payload)
	if err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Transient, "push", err).
			WithProvider(p.Name()).WithKey(key)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return provider.RemoteObject{}, errkind.FromHTTPResponse("push", resp).
			WithProvider(p.Name()).WithKey(key)
	}

	var result struct {
		Content contentsEntry `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return provider.RemoteObject{}, errkind.New(errkind.Unknown, "push", err).
			WithProvider(p.Name()).WithKey(key)
	}
	obj := result.Content.remoteObject()
	if obj.Key == "" {
		obj.Key = key
		obj.Name = path.Base(key)
	}
	return obj, nil
}

// Delete removes the file at key with a deletion commit.
func (p *Provider) Delete(ctx context.Context, key string) error {
	if p.token == "" {
		return provider.Unsupported(p.Name(), "delete")
	}
	key = strings.Trim(key, "/")

	sha, err := p.fileSHA(ctx, key)
	if err != nil {
		return err
	}

	payload := map[string]string{
		"message": "imgbak: delete " + key,
		"sha":     sha,
	}
	if p.branch != "" {
		payload["branch"] = p.branch
	}
	resp, err := p.doContents(ctx, http.MethodDelete, key, payload)
	if err != nil {
		return errkind.New(errkind.Transient, "delete", err).WithProvider(p.Name()).WithKey(key)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errkind.FromHTTPResponse("delete", resp).WithProvider(p.Name()).WithKey(key)
	}
	return nil
}

// Describe probes the repository metadata endpoint.
func (p *Provider) Describe(ctx context.Context) provider.Description {
	d := provider.Description{
		Name:         p.Name(),
		Enabled:      true,
		Capabilities: p.Capabilities(),
	}

	url := fmt.Sprintf("%s/repos/%s/%s", p.base, p.owner, p.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		d.Detail = err.Error()
		return d
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", version.UserAgent())

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

	var repo struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
		Private       bool   `json:"private"`
	}
	d.Reachable = true
	if err := json.NewDecoder(resp.Body).Decode(&repo); err == nil {
		branch := p.branch
		if branch == "" {
			branch = repo.DefaultBranch
		}
		d.Detail = fmt.Sprintf("repo %s, branch %s", repo.FullName, branch)
	}
	return d
}

// fileSHA resolves the current blob sha of a path; empty when absent.
func (p *Provider) fileSHA(ctx context.Context, key string) (string, error) {
	resp, err := p.doContents(ctx, http.MethodGet, key, nil)
	if err != nil {
		return "", errkind.New(errkind.Transient, "stat", err).WithProvider(p.Name()).WithKey(key)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", errkind.FromHTTPResponse("stat", resp).WithProvider(p.Name()).WithKey(key)
	}
	var entry contentsEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return "", errkind.New(errkind.Unknown, "stat", err).WithProvider(p.Name()).WithKey(key)
	}
	return entry.SHA, nil
}

type requestOption func(*http.Request)

func withAccept(accept string) requestOption {
	return func(req *http.Request) { req.Header.Set("Accept", accept) }
}

// doContents issues one contents API request for a repo path.
func (p *Provider) doContents(ctx context.Context, method, repoPath string, payload map[string]string, opts ...requestOption) (*http.Response, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents", p.base, p.owner, p.repo)
	if repoPath != "" {
		u += "/" + escapePath(repoPath)
	}
	if method == http.MethodGet && p.branch != "" {
		u += "?ref=" + url.QueryEscape(p.branch)
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", version.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	return p.client.Do(req)
}

// escapePath keeps path separators while escaping each segment.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
