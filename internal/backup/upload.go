package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/manifest"
	"github.com/imgbak/imgbak/internal/provider"
	"github.com/imgbak/imgbak/internal/scheduler"
)

// UploadOptions are the per-invocation knobs for pushes.
type UploadOptions struct {
	// RemotePrefix is prepended to each file's base name to form the key.
	RemotePrefix string
	// Concurrency overrides the pool width; 0 uses config.
	Concurrency int

	OnSchedule func(provider string, total int)
	OnTaskDone func(scheduler.Result)
}

// Upload pushes local files to the provider. Files are validated before
// anything is scheduled: every path must exist and carry an image extension.
func (o *Orchestrator) Upload(ctx context.Context, p provider.Provider, files []string, opts UploadOptions) Summary {
	r := &run{provider: p.Name(), phase: phaseIdle}
	sum := Summary{Provider: p.Name(), Operation: manifest.OpUpload}
	start := time.Now()
	defer func() {
		sum.Elapsed = time.Since(start)
		r.to(phaseDone)
	}()

	if !p.Capabilities().Has(provider.CapPush) {
		sum.Err = provider.Unsupported(p.Name(), "upload")
		return sum
	}

	r.to(phaseDiffing)
	tasks := make([]scheduler.Task, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			sum.Err = errkind.New(errkind.LocalIO, "upload", err).WithProvider(p.Name()).WithKey(f)
			return sum
		}
		if !provider.IsImageKey(f) {
			sum.Err = errkind.Newf(errkind.Unknown, "upload", "not an image file: %s", f).
				WithProvider(p.Name())
			return sum
		}
		tasks = append(tasks, scheduler.Task{
			Provider:  p.Name(),
			Object:    provider.RemoteObject{Key: joinKey(opts.RemotePrefix, filepath.Base(f))},
			LocalPath: f,
			Direction: scheduler.DirUpload,
		})
	}
	sum.Attempted = len(tasks)

	results, err := o.drain(ctx, r, tasks, uploadTask(p), manifest.OpUpload, Options{
		Concurrency: opts.Concurrency,
		OnSchedule:  opts.OnSchedule,
		OnTaskDone:  opts.OnTaskDone,
	})
	if err != nil {
		sum.Err = err
	}

	r.to(phaseSummarizing)
	sum.fold(results)
	log.Info().
		Str("provider", p.Name()).
		Str("action", "upload").
		Int("attempted", sum.Attempted).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Dur("elapsed_ms", time.Since(start)).
		Msg("upload segment finished")
	return sum
}

// UploadAll expands a glob pattern under dir and uploads every matching
// image. Non-image matches are filtered out rather than rejected, since
// patterns like "*" sweep in whatever else lives there.
func (o *Orchestrator) UploadAll(ctx context.Context, p provider.Provider, dir, pattern string, limit int, opts UploadOptions) (Summary, error) {
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return Summary{}, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}

	var files []string
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || fi.IsDir() {
			continue
		}
		if !provider.IsImageKey(m) {
			continue
		}
		files = append(files, m)
		if limit > 0 && len(files) >= limit {
			break
		}
	}
	if len(files) == 0 {
		return Summary{}, fmt.Errorf("no image files match %q in %s", pattern, dir)
	}
	return o.Upload(ctx, p, files, opts), nil
}

// joinKey glues the remote prefix and name with exactly one separator.
func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}
