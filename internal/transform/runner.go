package transform

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
	"github.com/sells-group/wisdom-cli/internal/store"
	"github.com/sells-group/wisdom-cli/internal/tracker"
)

// Options configures a Runner.
type Options struct {
	// Platform keys the limiter budget and circuit breaker used for model
	// calls, typically the provider name.
	Platform string
	// Concurrency bounds in-flight items. Default: 1.
	Concurrency int
}

// Failure describes one item that ended in transform_failed.
type Failure struct {
	ItemKey  string `json:"item_key"`
	Attempts int    `json:"attempts"`
	Class    string `json:"class"`
	Error    string `json:"error"`
}

// Result is the accounting for one Runner pass.
type Result struct {
	Attempted   int       `json:"attempted"`
	Transformed int       `json:"transformed"`
	Rejected    int       `json:"rejected"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Failures    []Failure `json:"failures,omitempty"`
}

// Runner drives filtered items through a Transformer, recording every
// outcome in the stage tracker.
type Runner struct {
	tr      Transformer
	tracker *tracker.Tracker
	items   store.ItemStore
	policy  *resilience.Policy
	opts    Options
	now     func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(tr Transformer, trk *tracker.Tracker, items store.ItemStore, policy *resilience.Policy, opts Options) *Runner {
	if opts.Platform == "" {
		opts.Platform = "transform"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Runner{tr: tr, tracker: trk, items: items, policy: policy, opts: opts, now: time.Now}
}

// Run transforms the accepted items that are currently in the filtered
// stage. Other items are counted as skipped. Item failures never abort the
// pass; the returned error is non-nil only when ctx ends it early.
func (r *Runner) Run(ctx context.Context, items []model.FilteredItem) (Result, error) {
	return r.run(ctx, items, model.StageFiltered)
}

// RunPending loads every filtered-stage item from the store and runs it.
func (r *Runner) RunPending(ctx context.Context) (Result, error) {
	keys := r.tracker.ListByStage(model.StageFiltered)
	if len(keys) == 0 {
		return Result{}, nil
	}
	items, err := r.items.LoadFiltered(ctx, keys)
	if err != nil {
		return Result{}, eris.Wrap(err, "transform: load filtered items")
	}
	return r.run(ctx, items, model.StageFiltered)
}

// RetryFailed re-attempts every transform_failed item. Items stay in
// transform_failed while retrying and move to wisdom or rejected on a
// final verdict; they never return to filtered.
func (r *Runner) RetryFailed(ctx context.Context) (Result, error) {
	keys := r.tracker.ListByStage(model.StageTransformFailed)
	if len(keys) == 0 {
		return Result{}, nil
	}
	items, err := r.items.LoadFiltered(ctx, keys)
	if err != nil {
		return Result{}, eris.Wrap(err, "transform: load failed items")
	}
	return r.run(ctx, items, model.StageTransformFailed)
}

func (r *Runner) run(ctx context.Context, items []model.FilteredItem, from model.Stage) (Result, error) {
	var (
		mu  sync.Mutex
		res Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, item := range items {
		if !item.Decision.Accept || r.tracker.Stage(item.Key()) != from {
			res.Skipped++
			continue
		}
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			out := r.process(gctx, item, from)

			mu.Lock()
			defer mu.Unlock()
			switch out.kind {
			case outcomeTransformed:
				res.Attempted++
				res.Transformed++
			case outcomeRejected:
				res.Attempted++
				res.Rejected++
			case outcomeFailed:
				res.Attempted++
				res.Failed++
				res.Failures = append(res.Failures, out.failure)
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("transform: pass complete",
		zap.String("from", string(from)),
		zap.Int("attempted", res.Attempted),
		zap.Int("transformed", res.Transformed),
		zap.Int("rejected", res.Rejected),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	if err := ctx.Err(); err != nil {
		return res, eris.Wrap(err, "transform: cancelled")
	}
	return res, nil
}

type outcomeKind int

const (
	outcomeCancelled outcomeKind = iota
	outcomeTransformed
	outcomeRejected
	outcomeFailed
)

type outcome struct {
	kind    outcomeKind
	failure Failure
}

func (r *Runner) process(ctx context.Context, item model.FilteredItem, from model.Stage) outcome {
	key := item.Key()
	log := zap.L().With(zap.String("item_id", key), zap.String("model", r.tr.Model()))

	pol := *r.policy
	pol.Retry.OnRetry = func(attempt int, err error) {
		log.Warn("transform: retrying", zap.Int("attempt", attempt), zap.Error(err))
		if aerr := r.tracker.Advance(ctx, key, from, from, err.Error()); aerr != nil {
			log.Warn("transform: record retry", zap.Error(aerr))
		}
	}

	attempts := 0
	ins, err := resilience.CallVal(ctx, &pol, r.opts.Platform, "transform", func(ctx context.Context) (*model.WisdomInsight, error) {
		attempts++
		return r.tr.Transform(ctx, item)
	})

	switch {
	case err == nil:
		rec := model.WisdomRecord{ItemKey: key, Insight: *ins, Model: r.tr.Model(), CreatedAt: r.now().UTC()}
		if serr := r.items.SaveWisdom(ctx, []model.WisdomRecord{rec}); serr != nil {
			return r.fail(ctx, key, from, attempts, eris.Wrap(serr, "transform: save wisdom"))
		}
		if aerr := r.tracker.Advance(ctx, key, from, model.StageWisdom, "transformed"); aerr != nil {
			log.Error("transform: record wisdom stage", zap.Error(aerr))
		}
		log.Debug("transform: insight extracted", zap.Int("attempts", attempts))
		return outcome{kind: outcomeTransformed}

	case IsRejected(err):
		if aerr := r.tracker.Advance(ctx, key, from, model.StageRejected, "transform:"+RejectReason(err)); aerr != nil {
			log.Error("transform: record rejection", zap.Error(aerr))
		}
		log.Debug("transform: insight rejected", zap.String("reason", RejectReason(err)))
		return outcome{kind: outcomeRejected}

	case ctx.Err() != nil:
		// Cancelled mid-call: the item keeps its stage and is picked up
		// by the next pass.
		return outcome{kind: outcomeCancelled}

	default:
		return r.fail(ctx, key, from, attempts, err)
	}
}

func (r *Runner) fail(ctx context.Context, key string, from model.Stage, attempts int, err error) outcome {
	terr := &resilience.TransformationError{ItemKey: key, Attempts: attempts, Err: err}
	if aerr := r.tracker.Advance(ctx, key, from, model.StageTransformFailed, err.Error()); aerr != nil {
		zap.L().Error("transform: record failure", zap.String("item_id", key), zap.Error(aerr))
	}
	zap.L().Warn("transform: item failed",
		zap.String("item_id", key),
		zap.Int("attempts", attempts),
		zap.String("class", resilience.ClassifyError(err)),
		zap.Error(err),
	)
	return outcome{kind: outcomeFailed, failure: Failure{
		ItemKey:  key,
		Attempts: attempts,
		Class:    resilience.ClassifyError(err),
		Error:    terr.Error(),
	}}
}
