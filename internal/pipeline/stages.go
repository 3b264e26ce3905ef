// Package pipeline wires harvesting, filtering and transformation into the
// three persisted stages behind the CLI.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/config"
	"github.com/sells-group/wisdom-cli/internal/cost"
	"github.com/sells-group/wisdom-cli/internal/dedup"
	"github.com/sells-group/wisdom-cli/internal/filter"
	"github.com/sells-group/wisdom-cli/internal/harvest"
	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
	"github.com/sells-group/wisdom-cli/internal/scorer"
	"github.com/sells-group/wisdom-cli/internal/store"
	"github.com/sells-group/wisdom-cli/internal/taxonomy"
	"github.com/sells-group/wisdom-cli/internal/tracker"
	"github.com/sells-group/wisdom-cli/internal/transform"
)

// ErrNoInput is returned by a stage that found nothing to work on.
var ErrNoInput = eris.New("pipeline: no eligible input")

// Deps are the collaborators a Pipeline drives. Transformer may be nil
// when only harvest and filter are used.
type Deps struct {
	Store       store.Store
	Index       *dedup.Index
	Tracker     *tracker.Tracker
	Taxonomy    *taxonomy.Taxonomy
	Policy      *resilience.Policy
	Adapters    []harvest.Adapter
	Transformer transform.Transformer
	// Costs, when set, is the ledger the Transformer records usage in.
	Costs *cost.Ledger
}

// Pipeline runs the harvest, filter and transform stages.
type Pipeline struct {
	cfg  *config.Config
	deps Deps
}

// New creates a Pipeline.
func New(cfg *config.Config, deps Deps) *Pipeline {
	return &Pipeline{cfg: cfg, deps: deps}
}

// FilterReport is the accounting for one filter pass.
type FilterReport struct {
	Considered      int            `json:"considered"`
	Accepted        int            `json:"accepted"`
	Rejected        int            `json:"rejected"`
	Reasons         map[string]int `json:"reasons,omitempty"`
	TaxonomyVersion string         `json:"taxonomy_version"`
}

// Harvest plans tasks from config and runs them. New items are saved to the
// raw tier and entered into the tracker before the dedup index commits
// them.
func (p *Pipeline) Harvest(ctx context.Context) (harvest.Report, error) {
	tasks := p.plan()
	if len(tasks) == 0 {
		return harvest.Report{}, eris.Wrap(ErrNoInput, "pipeline: no harvest tasks planned")
	}

	orch := harvest.New(p.deps.Index, p.deps.Policy, harvest.Options{
		TTL:     time.Duration(p.cfg.Dedup.TTLHours) * time.Hour,
		Persist: p.persistRaw,
	}, p.deps.Adapters...)

	run := orch.Run(ctx, tasks)
	_, report := run.Collect()
	if report.Skipped > 0 && report.Completed+report.TaskFailed+report.Cancelled == 0 {
		return report, eris.Wrapf(ErrNoInput, "pipeline: all %d harvest tasks still fresh", report.Skipped)
	}
	return report, nil
}

// plan keeps only the tasks some adapter can serve.
func (p *Pipeline) plan() []model.HarvestTask {
	have := make(map[string]bool, len(p.deps.Adapters))
	for _, a := range p.deps.Adapters {
		have[a.Platform()] = true
	}
	var out []model.HarvestTask
	for _, t := range harvest.Plan(p.cfg) {
		if have[t.Platform] {
			out = append(out, t)
		}
	}
	return out
}

func (p *Pipeline) persistRaw(ctx context.Context, task model.HarvestTask, items []model.RawItem) error {
	if err := p.deps.Store.SaveRaw(ctx, items); err != nil {
		return err
	}
	return p.enterRaw(ctx, items, "harvested: "+task.String())
}

func (p *Pipeline) enterRaw(ctx context.Context, items []model.RawItem, outcome string) error {
	for _, it := range items {
		if p.deps.Tracker.Stage(it.Key()) != model.StageNone {
			continue
		}
		if err := p.deps.Tracker.Advance(ctx, it.Key(), model.StageNone, model.StageRaw, outcome); err != nil {
			return err
		}
	}
	return nil
}

// importFingerprint is the dedup key imported items are recorded under, so
// a later harvest treats them as already seen.
func importFingerprint(platform string) model.Fingerprint {
	return model.NewFingerprint(platform, "import", "", "", "")
}

// Import adds externally produced raw items, typically a raw tier CSV, so
// they can be re-filtered. Items the tracker already knows are skipped.
func (p *Pipeline) Import(ctx context.Context, items []model.RawItem) (int, error) {
	var fresh []model.RawItem
	for _, it := range items {
		if p.deps.Tracker.Stage(it.Key()) == model.StageNone {
			fresh = append(fresh, it)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := p.deps.Store.SaveRaw(ctx, fresh); err != nil {
		return 0, eris.Wrap(err, "pipeline: save imported items")
	}
	if err := p.enterRaw(ctx, fresh, "imported"); err != nil {
		return 0, err
	}

	var platforms []string
	byPlatform := make(map[string][]string)
	for _, it := range fresh {
		if _, ok := byPlatform[it.Platform]; !ok {
			platforms = append(platforms, it.Platform)
		}
		byPlatform[it.Platform] = append(byPlatform[it.Platform], it.ExternalID)
	}
	for _, pl := range platforms {
		if err := p.deps.Index.RecordHarvest(ctx, importFingerprint(pl), pl, byPlatform[pl]); err != nil {
			return 0, eris.Wrap(err, "pipeline: record imported items")
		}
	}
	return len(fresh), nil
}

// Filter scores and filters every item in the raw stage. Both accepted and
// rejected items are written to the filtered tier; the tracker moves each
// to filtered or rejected.
func (p *Pipeline) Filter(ctx context.Context) (FilterReport, error) {
	rep := FilterReport{TaxonomyVersion: p.deps.Taxonomy.Version()}
	keys := p.deps.Tracker.ListByStage(model.StageRaw)
	if len(keys) == 0 {
		return rep, eris.Wrap(ErrNoInput, "pipeline: no raw items to filter")
	}

	raw, err := p.deps.Store.LoadRaw(ctx, keys)
	if err != nil {
		return rep, eris.Wrap(err, "pipeline: load raw items")
	}
	scored := scorer.ScoreAll(raw, p.deps.Taxonomy)
	items := filter.New(filter.FromConfig(p.cfg.Filter)).Apply(scored)
	if err := p.deps.Store.SaveFiltered(ctx, items); err != nil {
		return rep, eris.Wrap(err, "pipeline: save filtered items")
	}

	for _, it := range items {
		to, outcome := model.StageFiltered, "filter: accepted"
		if !it.Decision.Accept {
			to, outcome = model.StageRejected, "filter: "+it.Decision.Reason
		}
		if err := p.deps.Tracker.Advance(ctx, it.Key(), model.StageRaw, to, outcome); err != nil {
			return rep, err
		}
	}

	rep.Considered = len(items)
	rep.Accepted, rep.Reasons = filter.Summary(items)
	rep.Rejected = rep.Considered - rep.Accepted
	zap.L().Info("pipeline: filter complete",
		zap.Int("considered", rep.Considered),
		zap.Int("accepted", rep.Accepted),
		zap.Int("rejected", rep.Rejected),
		zap.String("taxonomy_version", rep.TaxonomyVersion),
	)
	return rep, nil
}

// Transform runs the model over every filtered item, or over every
// transform_failed item when retryFailed is set.
func (p *Pipeline) Transform(ctx context.Context, retryFailed bool) (transform.Result, error) {
	if p.deps.Transformer == nil {
		return transform.Result{}, eris.New("pipeline: no transformer configured")
	}
	from := model.StageFiltered
	if retryFailed {
		from = model.StageTransformFailed
	}
	if len(p.deps.Tracker.ListByStage(from)) == 0 {
		return transform.Result{}, eris.Wrapf(ErrNoInput, "pipeline: no %s items to transform", from)
	}

	runner := transform.NewRunner(p.deps.Transformer, p.deps.Tracker, p.deps.Store,
		TransformPolicy(p.cfg, p.deps.Policy),
		transform.Options{Platform: p.cfg.Transform.Provider, Concurrency: p.cfg.Transform.Concurrency},
	)
	var (
		res transform.Result
		err error
	)
	if retryFailed {
		res, err = runner.RetryFailed(ctx)
	} else {
		res, err = runner.RunPending(ctx)
	}
	if calls, usage, usd := p.deps.Costs.Totals(); calls > 0 {
		zap.L().Info("pipeline: model spend",
			zap.String("provider", p.cfg.Transform.Provider),
			zap.String("model", p.cfg.Transform.Model),
			zap.Int("calls", calls),
			zap.Int("input_tokens", usage.Input),
			zap.Int("output_tokens", usage.Output),
			zap.Float64("estimated_cost_usd", usd),
		)
	}
	return res, err
}

// Run executes harvest, filter and transform in order. A stage with no
// input does not stop the later stages, which may have backlog from
// earlier runs.
func (p *Pipeline) Run(ctx context.Context) (model.RunSummary, error) {
	sum := model.RunSummary{RunID: uuid.NewString()}
	log := zap.L().With(zap.String("run_id", sum.RunID))
	log.Info("pipeline: run started")

	hr, err := p.Harvest(ctx)
	if err != nil && !eris.Is(err, ErrNoInput) {
		return sum, err
	}
	sum.Harvested = hr.Harvested
	sum.SkippedDup = hr.Duplicates
	sum.SkippedTasks = hr.Skipped
	sum.TaskFailed = hr.TaskFailed
	if ctx.Err() != nil {
		return sum, eris.Wrap(ctx.Err(), "pipeline: cancelled after harvest")
	}

	fr, err := p.Filter(ctx)
	if err != nil && !eris.Is(err, ErrNoInput) {
		return sum, err
	}
	sum.Rejected = fr.Rejected

	tr, err := p.Transform(ctx, false)
	if err != nil && !eris.Is(err, ErrNoInput) {
		return sum, err
	}
	sum.Transformed = tr.Transformed
	sum.TransformFailed = tr.Failed

	log.Info("pipeline: run finished",
		zap.Int("harvested", sum.Harvested),
		zap.Int("skipped_as_duplicate", sum.SkippedDup),
		zap.Int("skipped_tasks", sum.SkippedTasks),
		zap.Int("rejected", sum.Rejected),
		zap.Int("transformed", sum.Transformed),
		zap.Int("transform_failed", sum.TransformFailed),
		zap.Int("task_failed", sum.TaskFailed),
	)
	return sum, nil
}

// StageCount is one row of Status.
type StageCount struct {
	Stage model.Stage `json:"stage"`
	Count int         `json:"count"`
}

// Status reports item counts per stage in lifecycle order, plus the
// circuit state of every platform touched so far.
func (p *Pipeline) Status() ([]StageCount, []resilience.PlatformState) {
	counts := p.deps.Tracker.Counts()
	out := make([]StageCount, 0, len(model.AllStages))
	for _, s := range model.AllStages {
		out = append(out, StageCount{Stage: s, Count: counts[s]})
	}
	var circuits []resilience.PlatformState
	if p.deps.Policy != nil && p.deps.Policy.Limiters != nil {
		circuits = p.deps.Policy.Limiters.Breakers().States()
	}
	return out, circuits
}
