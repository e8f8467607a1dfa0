package backup

import (
	"time"

	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/manifest"
	"github.com/imgbak/imgbak/internal/scheduler"
)

// Summary is the terminal accounting of one provider segment. A summary
// with failures is a normal return value, not an exceptional one; Err is
// reserved for segment-level aborts (listing failed, manifest unusable,
// missing capability).
type Summary struct {
	Provider  string
	Operation manifest.Operation
	Attempted int // tasks handed to the scheduler
	Succeeded int
	Skipped   int
	Failed    int
	Failures  []Failure
	Elapsed   time.Duration

	Err error
}

// Failure describes one task that exhausted its budget.
type Failure struct {
	Key      string
	Kind     errkind.Kind
	Reason   string
	Attempts int
}

// OK reports whether the segment completed with nothing to repair.
func (s Summary) OK() bool { return s.Err == nil && s.Failed == 0 }

// Total is every object the segment accounted for.
func (s Summary) Total() int { return s.Attempted + s.Skipped }

// AnyFailed reports whether any segment of a multi-provider run needs
// attention.
func AnyFailed(sums []Summary) bool {
	for _, s := range sums {
		if !s.OK() {
			return true
		}
	}
	return false
}

// fold accumulates scheduler results into the summary.
func (s *Summary) fold(results []scheduler.Result) {
	for _, res := range results {
		if res.Succeeded() {
			s.Succeeded++
			continue
		}
		s.Failed++
		s.Failures = append(s.Failures, Failure{
			Key:      res.Task.Object.Key,
			Kind:     errkind.Of(res.Err),
			Reason:   res.Err.Error(),
			Attempts: res.Attempts,
		})
	}
}
