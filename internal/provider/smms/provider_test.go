package smms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/provider"
)

func newTestProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := New(config.SMMSConfig{APIToken: "tok-123"})
	p.base = srv.URL
	return p
}

func writeEnvelope(w http.ResponseWriter, success bool, code, message string, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"code":    code,
		"message": message,
		"data":    json.RawMessage(raw),
	})
}

func TestListParsesHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload_history", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "tok-123" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("page"); got != "0" {
			t.Errorf("page = %q, want 0", got)
		}
		writeEnvelope(w, true, "success", "", []map[string]any{
			{
				"filename":   "cat.png",
				"storename":  "AbCd.png",
				"size":       123,
				"hash":       "h-cat",
				"url":        "https://img.example/AbCd.png",
				"created_at": "2024-05-01 10:00:00",
			},
			{
				"storename":  "EfGh.jpg",
				"size":       9,
				"hash":       "h-dog",
				"url":        "https://img.example/EfGh.jpg",
				"created_at": 1714557600,
			},
		})
	})
	p := newTestProvider(t, mux)

	page, err := p.List(context.Background(), provider.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Objects) != 2 {
		t.Fatalf("got %d objects", len(page.Objects))
	}
	cat := page.Objects[0]
	if cat.Key != "h-cat" || cat.Name != "cat.png" || cat.Size != 123 {
		t.Errorf("cat = %+v", cat)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !cat.ModTime.Equal(want) {
		t.Errorf("ModTime = %v, want %v", cat.ModTime, want)
	}
	// Second item has no filename; the store name stands in.
	if page.Objects[1].Name != "EfGh.jpg" {
		t.Errorf("fallback name = %q", page.Objects[1].Name)
	}
	if page.Objects[1].ModTime.IsZero() {
		t.Error("epoch created_at not parsed")
	}
	if page.NextCursor != "" {
		t.Errorf("short page should end the listing, cursor = %q", page.NextCursor)
	}
}

func TestListFullPageContinues(t *testing.T) {
	items := make([]map[string]any, historyPageSize)
	for i := range items {
		items[i] = map[string]any{
			"filename": fmt.Sprintf("img%03d.png", i),
			"hash":     fmt.Sprintf("h%03d", i),
			"url":      "https://img.example/x.png",
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/upload_history", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, "success", "", items)
	})
	p := newTestProvider(t, mux)

	page, err := p.List(context.Background(), provider.ListOptions{Cursor: "3"})
	if err != nil {
		t.Fatal(err)
	}
	if page.NextCursor != "4" {
		t.Errorf("cursor = %q, want 4", page.NextCursor)
	}
}

func TestListPrefixFiltersOnName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload_history", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, "success", "", []map[string]any{
			{"filename": "photo-1.png", "hash": "h1", "url": "u"},
			{"filename": "scan-2.png", "hash": "h2", "url": "u"},
		})
	})
	p := newTestProvider(t, mux)

	page, err := p.List(context.Background(), provider.ListOptions{Prefix: "photo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Key != "h1" {
		t.Errorf("objects = %+v", page.Objects)
	}
}

func TestListBadCursor(t *testing.T) {
	p := newTestProvider(t, http.NewServeMux())
	_, err := p.List(context.Background(), provider.ListOptions{Cursor: "not-a-page"})
	if err == nil || !strings.Contains(err.Error(), "bad cursor") {
		t.Errorf("err = %v", err)
	}
}

func TestListAPIFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload_history", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, false, "unauthorized", "token mismatch", nil)
	})
	p := newTestProvider(t, mux)

	_, err := p.List(context.Background(), provider.ListOptions{})
	if err == nil || !strings.Contains(err.Error(), "api error unauthorized") {
		t.Errorf("err = %v", err)
	}
}

func TestListHTTPStatusClassified(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload_history", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	})
	p := newTestProvider(t, mux)

	_, err := p.List(context.Background(), provider.ListOptions{})
	if !errkind.Is(err, errkind.AuthFailed) {
		t.Errorf("kind = %v, want auth_failed", errkind.Of(err))
	}
}

func TestFetchStreamsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/img/cat.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png bytes"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	p := New(config.SMMSConfig{APIToken: "tok"})

	rc, err := p.Fetch(context.Background(), provider.RemoteObject{Key: "h1", URL: srv.URL + "/img/cat.png"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil || string(b) != "png bytes" {
		t.Errorf("body = %q err = %v", b, err)
	}
}

func TestFetchWithoutURL(t *testing.T) {
	p := New(config.SMMSConfig{})
	_, err := p.Fetch(context.Background(), provider.RemoteObject{Key: "h1"})
	if !errkind.Is(err, errkind.NotFound) {
		t.Errorf("kind = %v, want not_found", errkind.Of(err))
	}
}

func TestPushReturnsAssignedHash(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("multipart: %v", err)
		}
		f, hdr, err := r.FormFile("smfile")
		if err != nil {
			t.Fatalf("smfile part: %v", err)
		}
		defer func() { _ = f.Close() }()
		b, _ := io.ReadAll(f)
		if string(b) != "local bytes" || hdr.Filename != "pic.png" {
			t.Errorf("got %q as %q", b, hdr.Filename)
		}
		writeEnvelope(w, true, "success", "", map[string]any{
			"filename": "pic.png",
			"hash":     "srv-hash",
			"url":      "https://img.example/pic.png",
			"size":     11,
		})
	})
	p := newTestProvider(t, mux)

	src := filepath.Join(t.TempDir(), "pic.png")
	if err := os.WriteFile(src, []byte("local bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	obj, err := p.Push(context.Background(), src, "pic.png")
	if err != nil {
		t.Fatal(err)
	}
	if obj.Key != "srv-hash" || obj.URL != "https://img.example/pic.png" {
		t.Errorf("obj = %+v", obj)
	}
	if obj.ModTime.IsZero() {
		t.Error("push should stamp the object")
	}
}

func TestPushRepeatedImage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, false, "image_repeated", "Image upload repeated limit", nil)
	})
	p := newTestProvider(t, mux)

	src := filepath.Join(t.TempDir(), "pic.png")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := p.Push(context.Background(), src, "pic.png")
	if err == nil || !strings.Contains(err.Error(), "image_repeated") {
		t.Errorf("err = %v", err)
	}
}

func TestDelete(t *testing.T) {
	var gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/delete/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeEnvelope(w, true, "success", "", nil)
	})
	p := newTestProvider(t, mux)

	if err := p.Delete(context.Background(), "h-cat"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/delete/h-cat" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestDescribeReadsProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, "success", "", map[string]any{
			"username":   "alice",
			"disk_usage": "10 MB",
			"disk_limit": "5 GB",
		})
	})
	p := newTestProvider(t, mux)

	d := p.Describe(context.Background())
	if !d.Reachable {
		t.Error("want reachable")
	}
	if !strings.Contains(d.Detail, "alice") {
		t.Errorf("detail = %q", d.Detail)
	}
}

func TestDescribeUnreachable(t *testing.T) {
	p := New(config.SMMSConfig{})
	p.base = "http://127.0.0.1:0"

	d := p.Describe(context.Background())
	if d.Reachable {
		t.Error("want unreachable")
	}
	if d.Detail == "" {
		t.Error("detail should carry the probe error")
	}
}

func TestParseCreatedAt(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"formatted", `"2024-05-01 10:00:00"`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"epoch", `1714557600`, time.Unix(1714557600, 0).UTC()},
		{"null", `null`, time.Time{}},
		{"empty", ``, time.Time{}},
		{"garbage", `"last tuesday"`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCreatedAt(json.RawMessage(tt.raw))
			if !got.Equal(tt.want) {
				t.Errorf("parseCreatedAt(%s) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
