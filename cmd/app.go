package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/wisdom-cli/internal/cost"
	"github.com/sells-group/wisdom-cli/internal/dedup"
	"github.com/sells-group/wisdom-cli/internal/pipeline"
	"github.com/sells-group/wisdom-cli/internal/store"
	"github.com/sells-group/wisdom-cli/internal/tracker"
)

// app holds the collaborators every stage command needs.
type app struct {
	store    store.Store
	index    *dedup.Index
	pipeline *pipeline.Pipeline
}

func (a *app) Close() error { return a.store.Close() }

// openApp validates cfg for mode, then opens the store and loads the dedup
// index and tracker. Validation runs before anything touches the network.
func openApp(ctx context.Context, mode string) (*app, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	tax, err := cfg.Taxonomy()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	idx, err := dedup.Open(ctx, st)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	trk, err := tracker.Open(ctx, st)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	deps := pipeline.Deps{
		Store:    st,
		Index:    idx,
		Tracker:  trk,
		Taxonomy: tax,
		Policy:   pipeline.NewPolicy(cfg),
	}
	if mode == "harvest" || mode == "run" {
		deps.Adapters = pipeline.BuildAdapters(cfg, deps.Policy)
	}
	if mode == "transform" || mode == "run" {
		deps.Costs = cost.NewLedger(cost.NewCalculator(cost.DefaultRates()))
		tr, err := pipeline.BuildTransformer(cfg, deps.Costs)
		if err != nil {
			st.Close() //nolint:errcheck
			return nil, err
		}
		deps.Transformer = tr
	}
	return &app{store: st, index: idx, pipeline: pipeline.New(cfg, deps)}, nil
}
