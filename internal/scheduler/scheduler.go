// Package scheduler runs transfer tasks through a bounded worker pool.
// Each task gets its own timeout and retry budget; a task exhausting its
// budget fails alone and never aborts its siblings. Cancelling the run
// context stops dispatch of queued tasks while letting in-flight attempts
// fail through their own contexts.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/fingerprint"
	"github.com/imgbak/imgbak/internal/provider"
	"github.com/imgbak/imgbak/internal/retry"
)

// Direction tells which way the bytes flow.
type Direction int

const (
	// DirBackup pulls a remote object down to a local file.
	DirBackup Direction = iota
	// DirUpload pushes a local file up to the provider.
	DirUpload
)

func (d Direction) String() string {
	if d == DirUpload {
		return "upload"
	}
	return "backup"
}

// Task is one unit of transfer work.
type Task struct {
	// Seq is the dispatch position, assigned by Run.
	Seq int
	// Provider is the backend name, for logging and records.
	Provider string
	// Object is the remote side: the listed source for backups, the
	// target key for uploads.
	Object provider.RemoteObject
	// LocalPath is the local side: destination file for backups, source
	// file for uploads.
	LocalPath string
	Direction Direction
}

// Output is what a successful attempt hands back.
type Output struct {
	// Fingerprint of the transferred content.
	Fingerprint fingerprint.Fingerprint
	// Object is the remote object created by an upload; zero for backups.
	Object provider.RemoteObject
}

// TaskFunc performs one attempt of a task under the attempt context.
type TaskFunc func(ctx context.Context, task Task) (Output, error)

// Result is the terminal state of one task.
type Result struct {
	Task     Task
	Output   Output
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Succeeded reports whether the task reached a terminal success.
func (r Result) Succeeded() bool { return r.Err == nil }

// Retries is how many attempts beyond the first the task consumed.
func (r Result) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// Pool is a fixed-width transfer executor.
type Pool struct {
	width   int
	timeout time.Duration
	retry   retry.Options
	onDone  func(Result)
}

// NewPool builds a pool with the given concurrency width, per-attempt
// timeout and retry budget. Width values below one collapse to serial.
func NewPool(width int, timeout time.Duration, ro retry.Options) *Pool {
	if width < 1 {
		width = 1
	}
	return &Pool{width: width, timeout: timeout, retry: ro}
}

// OnTaskDone registers a callback invoked from worker goroutines as each
// task reaches a terminal state. Callbacks must be safe for concurrent use.
func (p *Pool) OnTaskDone(fn func(Result)) { p.onDone = fn }

// Run dispatches tasks in slice order and blocks until every dispatched
// task is terminal. The returned slice is indexed by task sequence, one
// entry per input task. Tasks never dispatched because ctx was cancelled
// carry the context error and zero attempts.
func (p *Pool) Run(ctx context.Context, tasks []Task, fn TaskFunc) []Result {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	for i := range tasks {
		tasks[i].Seq = i
	}

	jobs := make(chan Task)
	var wg sync.WaitGroup
	for i := 0; i < p.width; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				res := p.execute(ctx, t, fn)
				results[t.Seq] = res
				if p.onDone != nil {
					p.onDone(res)
				}
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, t := range tasks {
		select {
		case jobs <- t:
			dispatched++
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	for _, t := range tasks[dispatched:] {
		res := Result{
			Task: t,
			Err: errkind.New(errkind.Unknown, "dispatch", ctx.Err()).
				WithProvider(t.Provider).WithKey(t.Object.Key),
		}
		results[t.Seq] = res
		if p.onDone != nil {
			p.onDone(res)
		}
	}
	return results
}

// execute drives one task to a terminal state through the retry policy.
// Rate-limit delay hints stretch the backoff; per-attempt timeouts classify
// as transient and feed back into the same policy.
func (p *Pool) execute(ctx context.Context, t Task, fn TaskFunc) Result {
	start := time.Now()
	attempts := 0
	var out Output

	err := retry.DoWithHint(ctx, p.retry, errkind.Retryable, errkind.DelayHint, func(ctx context.Context) error {
		attempts++
		actx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		o, ferr := fn(actx, t)
		if ferr != nil {
			log.Debug().
				Str("action", t.Direction.String()).
				Str("provider", t.Provider).
				Str("key", t.Object.Key).
				Int("attempt", attempts).
				Str("kind", errkind.Of(ferr).String()).
				Err(ferr).
				Msg("attempt failed")
			return ferr
		}
		out = o
		return nil
	})

	return Result{
		Task:     t,
		Output:   out,
		Err:      err,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}
}
