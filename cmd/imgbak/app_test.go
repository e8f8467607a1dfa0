package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/manifest"
	"github.com/imgbak/imgbak/internal/provider"
)

/* ----------------------------- test harness ----------------------------- */

type exitPanic struct{ code int }

func patchExit(t *testing.T) func() {
	t.Helper()
	prev := exit
	exit = func(code int) { panic(exitPanic{code}) }
	return func() { exit = prev }
}

func mustExitCode(t *testing.T, fn func()) (code int) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected os.Exit interception, got no panic")
		}
		if ep, ok := r.(exitPanic); ok {
			code = ep.code
			return
		}
		t.Fatalf("unexpected panic: %#v", r)
	}()
	fn()
	return 0
}

func withArgs(t *testing.T, args []string) func() {
	t.Helper()
	prev := os.Args
	os.Args = append([]string{prev[0]}, args...)
	return func() { os.Args = prev }
}

func captureStdout(t *testing.T) func() string {
	t.Helper()
	old := os.Stdout
	var buf bytes.Buffer
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	return func() string {
		_ = w.Close()
		<-done
		os.Stdout = old
		return buf.String()
	}
}

func captureStderr(t *testing.T) func() string {
	t.Helper()
	old := os.Stderr
	var buf bytes.Buffer
	r, w, _ := os.Pipe()
	os.Stderr = w

	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	return func() string {
		_ = w.Close()
		<-done
		os.Stderr = old
		return buf.String()
	}
}

func resetSeams() {
	loadConfig = config.Load
	openStore = manifest.Open
	newProvider = provider.New
}

// stubConfig returns a config whose output tree and manifest live under a
// per-test temp dir, with retry delays short enough not to slow tests down.
func stubConfig(t *testing.T) config.Config {
	t.Helper()
	tmp := t.TempDir()
	return config.Config{
		OutputDir:    filepath.Join(tmp, "out"),
		ManifestPath: filepath.Join(tmp, "manifest.db"),
		Concurrency:  2,
		TaskTimeout:  5 * time.Second,
		SkipExisting: true,

		RetryMaxAttempts:  2,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
		RetryMultiplier:   2.0,
	}
}

/* --------------------------------- tests -------------------------------- */

// 1) No args -> app help on stdout, normal exit
func TestHelpOnNoArgs(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, nil)()

	restoreOut := captureStdout(t)
	main()
	out := restoreOut()

	if !strings.Contains(out, "USAGE") {
		t.Fatalf("expected help on stdout, got: %q", out)
	}
	for _, cmd := range []string{"backup", "upload", "list", "history"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("help does not mention %q", cmd)
		}
	}
}

// 2) Unknown command -> usage error on stderr, exit code 2
func TestUnknownCommand(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"frobnicate"})()

	restoreErr := captureStderr(t)
	code := mustExitCode(t, func() { main() })
	errOut := restoreErr()

	if code != 2 {
		t.Fatalf("want exit 2, got %d", code)
	}
	if !strings.Contains(errOut, "error:") || !strings.Contains(errOut, `unknown command "frobnicate"`) {
		t.Fatalf("stderr = %q", errOut)
	}
}

// 3) Unknown flag -> usage error, exit code 2
func TestUnknownFlag(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"--nope"})()

	restoreErr := captureStderr(t)
	code := mustExitCode(t, func() { main() })
	errOut := restoreErr()

	if code != 2 {
		t.Fatalf("want exit 2, got %d", code)
	}
	if !strings.Contains(errOut, "nope") {
		t.Fatalf("stderr = %q", errOut)
	}
}

// 4) Unknown provider argument -> usage error before config is touched
func TestUnknownProviderArg(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"backup", "nosuch"})()

	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("config must not load for a bad provider")
	}

	restoreErr := captureStderr(t)
	code := mustExitCode(t, func() { main() })
	errOut := restoreErr()

	if code != 2 {
		t.Fatalf("want exit 2, got %d", code)
	}
	if !strings.Contains(errOut, `unknown provider "nosuch"`) {
		t.Fatalf("stderr = %q", errOut)
	}
}

// 5) Provider known but not enabled -> runtime error, exit code 1
func TestDisabledProvider(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"backup", "smms"})()

	cfg := stubConfig(t)
	loadConfig = func() (config.Config, error) { return cfg, nil }

	code := mustExitCode(t, func() { main() })
	if code != 1 {
		t.Fatalf("want exit 1, got %d", code)
	}
}

// 6) Full backup run: stubbed provider, real manifest, files land on disk
func TestBackupEndToEnd(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"backup", "--quiet", "smms"})()

	cfg := stubConfig(t)
	cfg.SMMS = config.SMMSConfig{Enabled: true, APIToken: "tok"}
	loadConfig = func() (config.Config, error) { return cfg, nil }

	stub := &stubProvider{
		caps: provider.CapAll,
		objects: []provider.RemoteObject{
			{Key: "cat.png", Size: 9},
			{Key: "dog.jpg", Size: 9},
		},
		content: map[string]string{
			"cat.png": "cat bytes",
			"dog.jpg": "dog bytes",
		},
	}
	var gotKind provider.Kind
	newProvider = func(k provider.Kind, _ config.Config) (provider.Provider, error) {
		gotKind = k
		return stub, nil
	}

	restoreOut := captureStdout(t)
	main()
	out := restoreOut()

	if gotKind != provider.SMMS {
		t.Errorf("provider kind = %q", gotKind)
	}
	for key, want := range stub.content {
		b, err := os.ReadFile(filepath.Join(cfg.OutputDir, "smms", key))
		if err != nil {
			t.Fatalf("read %s: %v", key, err)
		}
		if string(b) != want {
			t.Errorf("%s = %q, want %q", key, b, want)
		}
	}
	if !strings.Contains(out, "smms") || !strings.Contains(out, "ok") {
		t.Errorf("summary table missing, got: %q", out)
	}

	store, err := manifest.Open(cfg.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	recs, err := store.History("smms", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("manifest has %d records, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Outcome != manifest.OutcomeSuccess || rec.Operation != manifest.OpBackup {
			t.Errorf("record %q: outcome %s op %s", rec.Key, rec.Outcome, rec.Operation)
		}
	}
}

// 7) Upload records the key the host assigned, under the remote prefix
func TestUploadEndToEnd(t *testing.T) {
	resetSeams()
	defer patchExit(t)()

	file := filepath.Join(t.TempDir(), "pic.png")
	if err := os.WriteFile(file, []byte("png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	defer withArgs(t, []string{"upload", "--quiet", "--remote-prefix", "art", "smms", file})()

	cfg := stubConfig(t)
	cfg.SMMS = config.SMMSConfig{Enabled: true, APIToken: "tok"}
	loadConfig = func() (config.Config, error) { return cfg, nil }

	stub := &stubProvider{caps: provider.CapAll}
	newProvider = func(provider.Kind, config.Config) (provider.Provider, error) { return stub, nil }

	restoreOut := captureStdout(t)
	main()
	out := restoreOut()

	if len(stub.pushed) != 1 || stub.pushed[0] != "art/pic.png" {
		t.Fatalf("pushed = %v", stub.pushed)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("summary table missing, got: %q", out)
	}

	store, err := manifest.Open(cfg.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	recs, err := store.History("smms", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Key != "art/pic.png" || recs[0].Operation != manifest.OpUpload {
		t.Fatalf("records = %+v", recs)
	}
}

// 8) Upload rejects non-image files before anything is scheduled
func TestUploadRejectsNonImage(t *testing.T) {
	resetSeams()
	defer patchExit(t)()

	file := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(file, []byte("text"), 0o644); err != nil {
		t.Fatal(err)
	}
	defer withArgs(t, []string{"upload", "--quiet", "smms", file})()

	cfg := stubConfig(t)
	cfg.SMMS = config.SMMSConfig{Enabled: true, APIToken: "tok"}
	loadConfig = func() (config.Config, error) { return cfg, nil }

	stub := &stubProvider{caps: provider.CapAll}
	newProvider = func(provider.Kind, config.Config) (provider.Provider, error) { return stub, nil }

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	out := restoreOut()

	if code != 1 {
		t.Fatalf("want exit 1, got %d", code)
	}
	if !strings.Contains(out, "not an image file") {
		t.Errorf("summary does not name the rejected file, got: %q", out)
	}
	if len(stub.pushed) != 0 {
		t.Errorf("pushed = %v, want none", stub.pushed)
	}
}

// 9) init writes the template, refuses to clobber, overwrites with --force
func TestInitTemplate(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	path := filepath.Join(t.TempDir(), ".env")

	undo := withArgs(t, []string{"init", "--path", path})
	restoreOut := captureStdout(t)
	main()
	out := restoreOut()
	undo()

	if !strings.Contains(out, "wrote") {
		t.Errorf("stdout = %q", out)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"IMGBAK_OUTPUT", "OSS_ENABLED=false", "GITHUB_TOKEN"} {
		if !strings.Contains(string(b), want) {
			t.Errorf("template missing %q", want)
		}
	}

	// Existing file is refused without --force.
	undo = withArgs(t, []string{"init", "--path", path})
	code := mustExitCode(t, func() { main() })
	undo()
	if code != 1 {
		t.Fatalf("want exit 1 on existing file, got %d", code)
	}

	// --force overwrites whatever is there.
	if err := os.WriteFile(path, []byte("scribble"), 0o600); err != nil {
		t.Fatal(err)
	}
	undo = withArgs(t, []string{"init", "--force", "--path", path})
	restoreOut = captureStdout(t)
	main()
	_ = restoreOut()
	undo()
	b, err = os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "IMGBAK_OUTPUT") {
		t.Errorf("template not rewritten, got: %q", b)
	}
}

// 10) version prints build information
func TestVersionCommand(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"version"})()

	restoreOut := captureStdout(t)
	main()
	out := restoreOut()

	if !strings.Contains(out, "imgbak dev") {
		t.Fatalf("out = %q", out)
	}
}

// 11) list renders one row per known provider with capability detail
func TestListCommand(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"list"})()

	cfg := stubConfig(t)
	cfg.SMMS = config.SMMSConfig{Enabled: true, APIToken: "tok"}
	loadConfig = func() (config.Config, error) { return cfg, nil }

	restoreOut := captureStdout(t)
	main()
	out := restoreOut()

	for _, name := range []string{"oss", "cos", "azure", "smms", "imgur", "github"} {
		if !strings.Contains(out, name) {
			t.Errorf("list output missing %q", name)
		}
	}
	if !strings.Contains(out, "list,fetch,push,delete") {
		t.Errorf("smms capabilities missing, got: %q", out)
	}
}

// 12) test reports unreachable providers and fails the process
func TestTestCommandUnreachable(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"test"})()

	cfg := stubConfig(t)
	cfg.SMMS = config.SMMSConfig{Enabled: true, APIToken: "tok"}
	loadConfig = func() (config.Config, error) { return cfg, nil }

	stub := &stubProvider{caps: provider.CapAll, unreachable: true}
	newProvider = func(provider.Kind, config.Config) (provider.Provider, error) { return stub, nil }

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	out := restoreOut()

	if code != 1 {
		t.Fatalf("want exit 1, got %d", code)
	}
	if !strings.Contains(out, "unreachable") {
		t.Errorf("out = %q", out)
	}
}

// 13) stats runs against a fresh manifest
func TestStatsEmptyManifest(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"stats"})()

	cfg := stubConfig(t)
	loadConfig = func() (config.Config, error) { return cfg, nil }

	restoreOut := captureStdout(t)
	main()
	out := restoreOut()

	if !strings.Contains(out, "Records:    0") {
		t.Fatalf("out = %q", out)
	}
}

// 14) history on an empty manifest says so instead of rendering a table
func TestHistoryEmptyManifest(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"history"})()

	cfg := stubConfig(t)
	loadConfig = func() (config.Config, error) { return cfg, nil }

	restoreOut := captureStdout(t)
	main()
	out := restoreOut()

	if !strings.Contains(out, "no records") {
		t.Fatalf("out = %q", out)
	}
}

/* ------------------------------- test fakes ------------------------------ */

// stubProvider serves fixed objects from memory. Push appends without a
// mutex: no test schedules more than one push, and asserts run only after
// the pool settles.
type stubProvider struct {
	caps        provider.Capability
	objects     []provider.RemoteObject
	content     map[string]string
	unreachable bool
	pushed      []string
}

func (s *stubProvider) Name() string { return "smms" }

func (s *stubProvider) Capabilities() provider.Capability { return s.caps }

func (s *stubProvider) List(context.Context, provider.ListOptions) (provider.ListPage, error) {
	return provider.ListPage{Objects: s.objects}, nil
}

func (s *stubProvider) Fetch(_ context.Context, obj provider.RemoteObject) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.content[obj.Key])), nil
}

func (s *stubProvider) Push(_ context.Context, _ string, key string) (provider.RemoteObject, error) {
	s.pushed = append(s.pushed, key)
	return provider.RemoteObject{Key: key}, nil
}

func (s *stubProvider) Delete(context.Context, string) error { return nil }

func (s *stubProvider) Describe(context.Context) provider.Description {
	return provider.Description{
		Name:         s.Name(),
		Enabled:      true,
		Capabilities: s.caps,
		Reachable:    !s.unreachable,
		Detail:       "stub",
	}
}
