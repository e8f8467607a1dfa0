package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/provider"
)

func newTestProvider(t *testing.T, c config.GitHubConfig, handler http.Handler) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := New(c)
	p.base = srv.URL
	return p
}

func writeEntries(w http.ResponseWriter, entries []map[string]any) {
	_ = json.NewEncoder(w).Encode(entries)
}

// repoHandler serves a two-level tree: logo.png and README.md at the root,
// a.png and b.jpg under photos/.
func repoHandler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/alice/pics/contents", func(w http.ResponseWriter, r *http.Request) {
		writeEntries(w, []map[string]any{
			{"name": "README.md", "path": "README.md", "type": "file", "size": 10},
			{"name": "logo.png", "path": "logo.png", "type": "file", "size": 100,
				"sha": "sha-logo", "download_url": "https://raw.example/logo.png"},
			{"name": "photos", "path": "photos", "type": "dir"},
		})
	})
	mux.HandleFunc("/repos/alice/pics/contents/photos", func(w http.ResponseWriter, r *http.Request) {
		writeEntries(w, []map[string]any{
			{"name": "a.png", "path": "photos/a.png", "type": "file", "size": 1,
				"sha": "sha-a", "download_url": "https://raw.example/a.png"},
			{"name": "b.jpg", "path": "photos/b.jpg", "type": "file", "size": 2,
				"sha": "sha-b", "download_url": "https://raw.example/b.jpg"},
		})
	})
	return mux
}

func TestCursorRoundtrip(t *testing.T) {
	st := cursorState{Dirs: []string{"photos", "scans/2024"}, Skip: 7}
	got, err := decodeCursor(encodeCursor(st))
	if err != nil {
		t.Fatal(err)
	}
	if got.Skip != 7 || len(got.Dirs) != 2 || got.Dirs[0] != "photos" || got.Dirs[1] != "scans/2024" {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	if _, err := decodeCursor("%%%not-base64%%%"); err == nil {
		t.Error("want error for malformed cursor")
	}
	// Valid base64, but not the expected JSON.
	s := base64.RawURLEncoding.EncodeToString([]byte("plain text"))
	if _, err := decodeCursor(s); err == nil {
		t.Error("want error for non-JSON cursor")
	}
}

func TestCapabilitiesFollowToken(t *testing.T) {
	if got := New(config.GitHubConfig{Token: "t"}).Capabilities(); got != provider.CapAll {
		t.Errorf("with token: %s", got)
	}
	want := provider.CapList | provider.CapFetch
	if got := New(config.GitHubConfig{}).Capabilities(); got != want {
		t.Errorf("tokenless: %s, want %s", got, want)
	}
}

func TestListWalksWholeTree(t *testing.T) {
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics"}, repoHandler(t))

	page, err := p.List(context.Background(), provider.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"logo.png", "photos/a.png", "photos/b.jpg"}
	if len(page.Objects) != len(want) {
		t.Fatalf("got %d objects, want %d", len(page.Objects), len(want))
	}
	for i, key := range want {
		if page.Objects[i].Key != key {
			t.Errorf("objects[%d].Key = %q, want %q", i, page.Objects[i].Key, key)
		}
	}
	if page.Objects[0].Hash != "sha-logo" || page.Objects[0].URL != "https://raw.example/logo.png" {
		t.Errorf("logo = %+v", page.Objects[0])
	}
	if page.NextCursor != "" {
		t.Errorf("exhausted walk left cursor %q", page.NextCursor)
	}
}

func TestListPagesResumeMidDirectory(t *testing.T) {
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics"}, repoHandler(t))

	first, err := p.List(context.Background(), provider.ListOptions{PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Objects) != 2 || first.Objects[0].Key != "logo.png" || first.Objects[1].Key != "photos/a.png" {
		t.Fatalf("first page = %+v", first.Objects)
	}
	if first.NextCursor == "" {
		t.Fatal("want resume cursor")
	}

	second, err := p.List(context.Background(), provider.ListOptions{PageSize: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Objects) != 1 || second.Objects[0].Key != "photos/b.jpg" {
		t.Errorf("second page = %+v", second.Objects)
	}
	if second.NextCursor != "" {
		t.Errorf("cursor = %q after final page", second.NextCursor)
	}
}

func TestListBadCursor(t *testing.T) {
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics"}, repoHandler(t))
	_, err := p.List(context.Background(), provider.ListOptions{Cursor: "***"})
	if err == nil || !strings.Contains(err.Error(), "bad cursor") {
		t.Errorf("err = %v", err)
	}
}

func TestListStartsAtConfiguredSubtree(t *testing.T) {
	var gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeEntries(w, nil)
	})
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics", Path: "/images/"}, mux)

	if _, err := p.List(context.Background(), provider.ListOptions{}); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/repos/alice/pics/contents/images" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestListSendsBranchRef(t *testing.T) {
	var gotRef string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotRef = r.URL.Query().Get("ref")
		writeEntries(w, nil)
	})
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics", Branch: "assets"}, mux)

	if _, err := p.List(context.Background(), provider.ListOptions{}); err != nil {
		t.Fatal(err)
	}
	if gotRef != "assets" {
		t.Errorf("ref = %q, want assets", gotRef)
	}
}

func TestFetchFallsBackToContentsAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/alice/pics/contents/photos/a.png", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/vnd.github.raw" {
			t.Errorf("Accept = %q", got)
		}
		_, _ = w.Write([]byte("raw png"))
	})
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics"}, mux)

	rc, err := p.Fetch(context.Background(), provider.RemoteObject{Key: "photos/a.png"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rc.Close() }()
	b, _ := io.ReadAll(rc)
	if string(b) != "raw png" {
		t.Errorf("body = %q", b)
	}
}

func TestPushCreatesNewFile(t *testing.T) {
	var putBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/alice/pics/contents/up/pic.png", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			http.NotFound(w, r)
		case http.MethodPut:
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("Authorization = %q", got)
			}
			if err := json.NewDecoder(r.Body).Decode(&putBody); err != nil {
				t.Fatal(err)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"content": map[string]any{
					"name": "pic.png", "path": "up/pic.png", "sha": "newsha", "size": 9,
					"download_url": "https://raw.example/up/pic.png",
				},
			})
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics", Token: "tok", Branch: "main"}, mux)

	src := filepath.Join(t.TempDir(), "pic.png")
	if err := os.WriteFile(src, []byte("png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	obj, err := p.Push(context.Background(), src, "up/pic.png")
	if err != nil {
		t.Fatal(err)
	}
	if obj.Key != "up/pic.png" || obj.Hash != "newsha" {
		t.Errorf("obj = %+v", obj)
	}

	if putBody["message"] != "imgbak: upload pic.png" {
		t.Errorf("message = %q", putBody["message"])
	}
	if putBody["branch"] != "main" {
		t.Errorf("branch = %q", putBody["branch"])
	}
	if _, hasSHA := putBody["sha"]; hasSHA {
		t.Error("new file must not carry a sha")
	}
	content, err := base64.StdEncoding.DecodeString(putBody["content"])
	if err != nil || string(content) != "png bytes" {
		t.Errorf("content = %q err = %v", content, err)
	}
}

func TestPushUpdatesExistingFile(t *testing.T) {
	var putBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/alice/pics/contents/pic.png", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"path": "pic.png", "sha": "oldsha", "type": "file"})
		case http.MethodPut:
			_ = json.NewDecoder(r.Body).Decode(&putBody)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"content": map[string]any{"path": "pic.png", "sha": "newsha"},
			})
		}
	})
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics", Token: "tok"}, mux)

	src := filepath.Join(t.TempDir(), "pic.png")
	if err := os.WriteFile(src, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Push(context.Background(), src, "pic.png"); err != nil {
		t.Fatal(err)
	}
	if putBody["sha"] != "oldsha" {
		t.Errorf("sha = %q, want oldsha (update in place)", putBody["sha"])
	}
}

func TestPushNeedsToken(t *testing.T) {
	p := New(config.GitHubConfig{Owner: "alice", Repo: "pics"})
	_, err := p.Push(context.Background(), "x.png", "x.png")
	if !errkind.Is(err, errkind.CapabilityUnsupported) {
		t.Errorf("kind = %v, want capability_unsupported", errkind.Of(err))
	}
}

func TestDeleteSendsBlobSHA(t *testing.T) {
	var delBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/alice/pics/contents/pic.png", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"path": "pic.png", "sha": "blobsha", "type": "file"})
		case http.MethodDelete:
			_ = json.NewDecoder(r.Body).Decode(&delBody)
			_ = json.NewEncoder(w).Encode(map[string]any{})
		}
	})
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics", Token: "tok"}, mux)

	if err := p.Delete(context.Background(), "pic.png"); err != nil {
		t.Fatal(err)
	}
	if delBody["sha"] != "blobsha" {
		t.Errorf("sha = %q", delBody["sha"])
	}
	if delBody["message"] != "imgbak: delete pic.png" {
		t.Errorf("message = %q", delBody["message"])
	}
}

func TestDescribeReportsRepo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/alice/pics", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"full_name":      "alice/pics",
			"default_branch": "main",
			"private":        true,
		})
	})
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "pics"}, mux)

	d := p.Describe(context.Background())
	if !d.Reachable {
		t.Error("want reachable")
	}
	if !strings.Contains(d.Detail, "alice/pics") || !strings.Contains(d.Detail, "main") {
		t.Errorf("detail = %q", d.Detail)
	}
}

func TestDescribeMissingRepo(t *testing.T) {
	p := newTestProvider(t, config.GitHubConfig{Owner: "alice", Repo: "gone"}, http.NewServeMux())

	d := p.Describe(context.Background())
	if d.Reachable {
		t.Error("want unreachable")
	}
	if !strings.Contains(d.Detail, "not_found") {
		t.Errorf("detail = %q", d.Detail)
	}
}

func TestEscapePath(t *testing.T) {
	if got := escapePath("a b/c#1.png"); got != "a%20b/c%231.png" {
		t.Errorf("escapePath = %q", got)
	}
}
