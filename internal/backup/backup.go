// Package backup drives whole provider runs: list the remote side, diff it
// against the manifest, schedule the transfers and fold the results into a
// summary. One run moves through the phases idle, listing, diffing,
// scheduling, draining, summarizing and done, in that order; multi-provider
// runs repeat the cycle per provider sequentially.
package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/manifest"
	"github.com/imgbak/imgbak/internal/provider"
	"github.com/imgbak/imgbak/internal/scheduler"
)

type phase string

const (
	phaseIdle        phase = "idle"
	phaseListing     phase = "listing"
	phaseDiffing     phase = "diffing"
	phaseScheduling  phase = "scheduling"
	phaseDraining    phase = "draining"
	phaseSummarizing phase = "summarizing"
	phaseDone        phase = "done"
)

// run tracks where one provider segment is in its lifecycle.
type run struct {
	provider string
	phase    phase
}

func (r *run) to(next phase) {
	log.Debug().
		Str("provider", r.provider).
		Str("from", string(r.phase)).
		Str("to", string(next)).
		Msg("phase")
	r.phase = next
}

// Options are the per-invocation knobs. Zero values fall back to config.
type Options struct {
	// OutputDir is the destination root; each provider gets a subdirectory.
	OutputDir string
	// Prefix narrows the remote listing.
	Prefix string
	// Limit caps how many objects the listing yields; 0 means all. The
	// listing stops mid-page once reached.
	Limit int
	// SkipExisting skips objects whose manifest record is current and whose
	// destination file is still on disk.
	SkipExisting bool
	// Concurrency overrides the pool width; 0 uses config.
	Concurrency int

	// OnSchedule fires once per segment with the number of scheduled tasks.
	OnSchedule func(provider string, total int)
	// OnTaskDone fires per terminal task, from worker goroutines.
	OnTaskDone func(scheduler.Result)
}

// Orchestrator wires providers, manifest and scheduler together.
type Orchestrator struct {
	cfg   config.Config
	store *manifest.Store

	// newProvider is swapped in tests.
	newProvider func(provider.Kind, config.Config) (provider.Provider, error)
}

// New builds an orchestrator on top of an open manifest store.
func New(cfg config.Config, store *manifest.Store) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: store, newProvider: provider.New}
}

// Backup mirrors one provider's remote images to the local output tree.
// Task failures are accounted in the summary; Err is set only when the
// segment itself could not run to completion.
func (o *Orchestrator) Backup(ctx context.Context, p provider.Provider, opts Options) Summary {
	r := &run{provider: p.Name(), phase: phaseIdle}
	sum := Summary{Provider: p.Name(), Operation: manifest.OpBackup}
	start := time.Now()
	defer func() {
		sum.Elapsed = time.Since(start)
		r.to(phaseDone)
	}()

	need := provider.CapList | provider.CapFetch
	if !p.Capabilities().Has(need) {
		sum.Err = provider.Unsupported(p.Name(), "backup")
		return sum
	}

	r.to(phaseListing)
	objects, err := o.listAll(ctx, p, opts)
	if err != nil {
		sum.Err = err
		return sum
	}

	r.to(phaseDiffing)
	outDir := opts.OutputDir
	if outDir == "" {
		outDir = o.cfg.OutputDir
	}
	dir := filepath.Join(outDir, p.Name())
	tasks, skipped, err := o.diff(p.Name(), dir, objects, opts)
	if err != nil {
		sum.Err = err
		return sum
	}
	sum.Skipped = skipped
	sum.Attempted = len(tasks)

	results, err := o.drain(ctx, r, tasks, backupTask(p), manifest.OpBackup, opts)
	if err != nil {
		sum.Err = err
	}

	r.to(phaseSummarizing)
	sum.fold(results)
	log.Info().
		Str("provider", p.Name()).
		Str("action", "backup").
		Int("attempted", sum.Attempted).
		Int("succeeded", sum.Succeeded).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Dur("elapsed_ms", time.Since(start)).
		Msg("backup segment finished")
	return sum
}

// BackupAll runs Backup for each kind in order. A provider that cannot be
// built or listed fails its own segment only; manifest corruption aborts
// everything behind it.
func (o *Orchestrator) BackupAll(ctx context.Context, kinds []provider.Kind, opts Options) []Summary {
	sums := make([]Summary, 0, len(kinds))
	for _, k := range kinds {
		p, err := o.newProvider(k, o.cfg)
		if err != nil {
			sums = append(sums, Summary{Provider: k.String(), Operation: manifest.OpBackup, Err: err})
			continue
		}
		sum := o.Backup(ctx, p, opts)
		sums = append(sums, sum)
		if errkind.Is(sum.Err, errkind.ManifestCorruption) {
			log.Error().Str("provider", k.String()).Msg("manifest unusable, aborting remaining providers")
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return sums
}

// listAll pages through the provider listing until exhausted or the limit
// is hit, truncating mid-page when the limit lands inside one.
func (o *Orchestrator) listAll(ctx context.Context, p provider.Provider, opts Options) ([]provider.RemoteObject, error) {
	var out []provider.RemoteObject
	cursor := ""
	for {
		page, err := p.List(ctx, provider.ListOptions{Prefix: opts.Prefix, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Objects {
			out = append(out, obj)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				log.Debug().
					Str("provider", p.Name()).
					Int("limit", opts.Limit).
					Msg("listing limit reached")
				return out, nil
			}
		}
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// diff decides per object whether to transfer or skip. Skipped objects get
// their manifest timestamp refreshed so reruns stay cheap.
func (o *Orchestrator) diff(providerName, dir string, objects []provider.RemoteObject, opts Options) ([]scheduler.Task, int, error) {
	taken := make(map[string]struct{}, len(objects))
	skipped := 0
	var tasks []scheduler.Task
	for _, obj := range objects {
		dest := destFor(dir, obj, taken)

		rec, found, err := o.store.Lookup(providerName, obj.Key)
		if err != nil {
			return nil, 0, err
		}
		if opts.SkipExisting && shouldSkip(rec, found, obj, dest) {
			skipped++
			if err := o.store.Touch(providerName, obj.Key, time.Now().UTC()); err != nil {
				return nil, 0, err
			}
			log.Debug().
				Str("provider", providerName).
				Str("key", obj.Key).
				Msg("skip: already backed up")
			continue
		}
		tasks = append(tasks, scheduler.Task{
			Provider:  providerName,
			Object:    obj,
			LocalPath: dest,
			Direction: scheduler.DirBackup,
		})
	}
	return tasks, skipped, nil
}

// shouldSkip requires a successful manifest record, the destination file
// still on disk, and a record at least as fresh as the remote modification
// time. Objects without a remote mod time skip on record presence alone.
func shouldSkip(rec manifest.Record, found bool, obj provider.RemoteObject, dest string) bool {
	if !found || rec.Outcome != manifest.OutcomeSuccess {
		return false
	}
	if _, err := os.Stat(dest); err != nil {
		return false
	}
	if obj.ModTime.IsZero() {
		return true
	}
	return !rec.UpdatedAt.Before(obj.ModTime)
}

// drain pushes tasks through the pool and records each terminal result in
// the manifest. A manifest write failure cancels the rest of the run and is
// returned after the pool settles.
func (o *Orchestrator) drain(ctx context.Context, r *run, tasks []scheduler.Task, fn scheduler.TaskFunc, op manifest.Operation, opts Options) ([]scheduler.Result, error) {
	r.to(phaseScheduling)
	width := opts.Concurrency
	if width <= 0 {
		width = o.cfg.Concurrency
	}
	pool := scheduler.NewPool(width, o.cfg.TaskTimeout, o.cfg.RetryOptions())

	if opts.OnSchedule != nil {
		opts.OnSchedule(r.provider, len(tasks))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var storeErr error
	pool.OnTaskDone(func(res scheduler.Result) {
		if err := o.recordResult(op, res); err != nil {
			mu.Lock()
			if storeErr == nil {
				storeErr = err
			}
			mu.Unlock()
			cancel()
		}
		if opts.OnTaskDone != nil {
			opts.OnTaskDone(res)
		}
	})

	r.to(phaseDraining)
	results := pool.Run(runCtx, tasks, fn)

	mu.Lock()
	defer mu.Unlock()
	return results, storeErr
}

// recordResult writes the terminal state of one task. Success refreshes the
// fingerprint; failure keeps the error text for the history command.
func (o *Orchestrator) recordResult(op manifest.Operation, res scheduler.Result) error {
	rec := manifest.Record{
		Provider:  res.Task.Provider,
		Key:       res.Task.Object.Key,
		LocalPath: res.Task.LocalPath,
		Operation: op,
		Retries:   res.Retries(),
		UpdatedAt: time.Now().UTC(),
	}
	if res.Succeeded() {
		rec.Outcome = manifest.OutcomeSuccess
		rec.Digest = res.Output.Fingerprint.Digest
		rec.Size = res.Output.Fingerprint.Size
		// Hosts that assign their own identity (imgur ids, smms hashes)
		// report it on the created object; record that, not our guess.
		if res.Output.Object.Key != "" {
			rec.Key = res.Output.Object.Key
		}
	} else {
		rec.Outcome = manifest.OutcomeFailed
		rec.Error = res.Err.Error()
		log.Warn().
			Str("provider", res.Task.Provider).
			Str("key", res.Task.Object.Key).
			Int("attempts", res.Attempts).
			Str("kind", errkind.Of(res.Err).String()).
			Err(res.Err).
			Msg("task failed")
	}
	return o.store.Record(rec)
}
