package harvest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wisdom-cli/internal/dedup"
	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
)

// PersistFunc stores items that are about to be committed to the dedup
// index. It runs before the commit so a crash in between re-fetches rather
// than loses them.
type PersistFunc func(ctx context.Context, task model.HarvestTask, items []model.RawItem) error

// Options configures an Orchestrator.
type Options struct {
	// TTL is how long a harvested fingerprint stays fresh. <= 0 always
	// harvests.
	TTL time.Duration
	// Persist, when set, stores new items before they are committed.
	Persist PersistFunc
	// Buffer is the capacity of the item channel.
	Buffer int
}

// Orchestrator runs harvest tasks across platform adapters.
type Orchestrator struct {
	adapters map[string]Adapter
	index    *dedup.Index
	policy   *resilience.Policy
	opts     Options
}

// New creates an Orchestrator. Adapters are keyed by their Platform name.
func New(index *dedup.Index, policy *resilience.Policy, opts Options, adapters ...Adapter) *Orchestrator {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Platform()] = a
	}
	return &Orchestrator{adapters: m, index: index, policy: policy, opts: opts}
}

// TaskFailure describes a task that did not complete.
type TaskFailure struct {
	Task        model.HarvestTask `json:"task"`
	Fingerprint model.Fingerprint `json:"fingerprint"`
	Class       string            `json:"class"`
	Error       string            `json:"error"`
}

// Report summarizes a harvest run.
type Report struct {
	RunID      string        `json:"run_id"`
	Tasks      int           `json:"tasks"`
	Completed  int           `json:"completed"`
	Skipped    int           `json:"skipped"`
	Partial    int           `json:"partial"`
	Cancelled  int           `json:"cancelled"`
	Fetched    int           `json:"fetched"`
	Harvested  int           `json:"harvested"`
	Duplicates int           `json:"duplicates"`
	TaskFailed int           `json:"task_failed"`
	Failures   []TaskFailure `json:"failures,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Run is an in-flight harvest. Items must be drained for the run to finish.
type Run struct {
	items chan model.RawItem
	done  chan struct{}

	mu     sync.Mutex
	report Report
}

// Items returns the stream of new raw items. It is closed when every task
// has finished.
func (r *Run) Items() <-chan model.RawItem { return r.items }

// Wait blocks until the run finishes and returns its report.
func (r *Run) Wait() Report {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

// Collect drains the item stream and returns it with the report.
func (r *Run) Collect() ([]model.RawItem, Report) {
	var out []model.RawItem
	for it := range r.items {
		out = append(out, it)
	}
	return out, r.Wait()
}

func (r *Run) update(fn func(*Report)) {
	r.mu.Lock()
	fn(&r.report)
	r.mu.Unlock()
}

// Run starts harvesting tasks. Platforms run concurrently; tasks for the
// same platform run one at a time in the given order. Cancelling ctx stops
// the run between tasks.
func (o *Orchestrator) Run(ctx context.Context, tasks []model.HarvestTask) *Run {
	run := &Run{
		items: make(chan model.RawItem, max(o.opts.Buffer, 0)),
		done:  make(chan struct{}),
		report: Report{
			RunID:     uuid.NewString(),
			Tasks:     len(tasks),
			StartedAt: time.Now().UTC(),
		},
	}

	var order []string
	byPlatform := make(map[string][]model.HarvestTask)
	for _, t := range tasks {
		if _, ok := byPlatform[t.Platform]; !ok {
			order = append(order, t.Platform)
		}
		byPlatform[t.Platform] = append(byPlatform[t.Platform], t)
	}

	log := zap.L().With(zap.String("run_id", run.report.RunID))
	log.Info("harvest: run started", zap.Int("tasks", len(tasks)), zap.Strings("platforms", order))

	go func() {
		defer close(run.done)
		defer close(run.items)

		g := new(errgroup.Group)
		for _, platform := range order {
			queue := byPlatform[platform]
			g.Go(func() error {
				o.runPlatform(ctx, run, platform, queue)
				return nil
			})
		}
		_ = g.Wait()

		var final Report
		run.update(func(r *Report) {
			r.FinishedAt = time.Now().UTC()
			final = *r
		})
		log.Info("harvest: run finished",
			zap.Int("harvested", final.Harvested),
			zap.Int("skipped", final.Skipped),
			zap.Int("duplicates", final.Duplicates),
			zap.Int("task_failed", final.TaskFailed),
			zap.Int("cancelled", final.Cancelled),
		)
	}()

	return run
}

func (o *Orchestrator) runPlatform(ctx context.Context, run *Run, platform string, tasks []model.HarvestTask) {
	for i, task := range tasks {
		if ctx.Err() != nil {
			remaining := len(tasks) - i
			run.update(func(r *Report) { r.Cancelled += remaining })
			zap.L().Info("harvest: platform cancelled",
				zap.String("platform", platform),
				zap.Int("remaining_tasks", remaining),
			)
			return
		}
		o.runTask(ctx, run, task)
	}
}

func (o *Orchestrator) runTask(ctx context.Context, run *Run, task model.HarvestTask) {
	fp := task.Fingerprint()
	log := zap.L().With(
		zap.String("platform", task.Platform),
		zap.String("task", task.String()),
		zap.String("fingerprint", string(fp)),
	)

	fail := func(err error) {
		if ctx.Err() != nil {
			log.Info("harvest: task interrupted by cancellation", zap.Error(err))
			run.update(func(r *Report) { r.Cancelled++ })
			return
		}
		class := resilience.ClassifyError(err)
		log.Warn("harvest: task failed", zap.String("class", class), zap.Error(err))
		run.update(func(r *Report) {
			r.TaskFailed++
			r.Failures = append(r.Failures, TaskFailure{Task: task, Fingerprint: fp, Class: class, Error: err.Error()})
		})
	}

	if err := task.Validate(); err != nil {
		fail(resilience.NewPermanentError(err, 0))
		return
	}
	adapter, ok := o.adapters[task.Platform]
	if !ok {
		fail(resilience.NewPermanentError(eris.Errorf("harvest: no adapter for platform %q", task.Platform), 0))
		return
	}

	if !o.index.ShouldHarvest(fp, o.opts.TTL) {
		last, _ := o.index.LastHarvested(fp)
		log.Info("harvest: task skipped, fingerprint still fresh", zap.Time("last_harvested", last))
		run.update(func(r *Report) { r.Skipped++ })
		return
	}

	call := resilience.CallVal[Page]
	if gatesRequests(adapter) {
		call = resilience.RetryVal[Page]
	}
	page, err := call(ctx, o.policy, task.Platform, "fetch", func(ctx context.Context) (Page, error) {
		p, err := adapter.Fetch(ctx, task)
		if err != nil {
			return p, err
		}
		if p.RateLimited && len(p.Items) == 0 {
			return p, &resilience.RateLimitError{
				Platform:   task.Platform,
				RetryAfter: p.RetryAfter,
				Err:        eris.New("harvest: adapter returned an empty rate-limited page"),
			}
		}
		return p, nil
	})
	if err != nil {
		fail(err)
		return
	}
	partial := page.Partial || page.RateLimited

	fresh := o.index.FilterNew(task.Platform, page.Items)
	if o.opts.Persist != nil && len(fresh) > 0 {
		if err := o.opts.Persist(ctx, task, fresh); err != nil {
			fail(eris.Wrap(err, "harvest: persist items"))
			return
		}
	}

	committed, err := o.index.CommitNew(ctx, fp, task.Platform, page.Items)
	if err != nil {
		fail(err)
		return
	}

	dups := len(page.Items) - len(committed)
	run.update(func(r *Report) {
		r.Completed++
		r.Fetched += len(page.Items)
		r.Harvested += len(committed)
		r.Duplicates += dups
		if partial {
			r.Partial++
		}
	})
	log.Info("harvest: task complete",
		zap.Int("fetched", len(page.Items)),
		zap.Int("new", len(committed)),
		zap.Int("duplicates", dups),
		zap.Bool("partial", partial),
	)

	// Committed items are never offered again, so they are emitted even
	// after cancellation. Cancellation takes effect before the next task.
	for _, it := range committed {
		run.items <- it
	}
}
