// Package tracker records where each item is in the pipeline.
package tracker

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/store"
)

var (
	// ErrInvalidTransition is returned for a move the stage machine forbids.
	ErrInvalidTransition = eris.New("tracker: invalid transition")
	// ErrStageMismatch is returned when from does not match the item's
	// current stage.
	ErrStageMismatch = eris.New("tracker: stage mismatch")
)

// transitions lists the allowed forward moves. Same-stage moves listed here
// are retries and count an attempt.
var transitions = map[model.Stage][]model.Stage{
	model.StageNone:            {model.StageRaw},
	model.StageRaw:             {model.StageFiltered, model.StageRejected},
	model.StageFiltered:        {model.StageFiltered, model.StageWisdom, model.StageRejected, model.StageTransformFailed},
	model.StageTransformFailed: {model.StageTransformFailed, model.StageWisdom, model.StageRejected},
}

// Allowed reports whether the stage machine permits from -> to.
func Allowed(from, to model.Stage) bool {
	return slices.Contains(transitions[from], to)
}

// Tracker holds every item's stage record in memory and writes each change
// through to the store before applying it.
type Tracker struct {
	store store.StageStore
	now   func() time.Time

	mu      sync.RWMutex
	records map[string]*model.StageRecord
}

// Open loads all stage records from st.
func Open(ctx context.Context, st store.StageStore) (*Tracker, error) {
	recs, err := st.LoadStages(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "tracker: load")
	}
	t := &Tracker{store: st, now: time.Now, records: make(map[string]*model.StageRecord, len(recs))}
	for i := range recs {
		r := recs[i]
		t.records[r.ItemKey] = &r
	}
	return t, nil
}

// SetClock replaces the time source. Intended for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Advance moves itemKey from one stage to another and records outcome in
// its history.
//
// If the item is already in to, the call is a no-op unless from == to names
// a retryable stage, in which case an attempt is counted. An item in a
// different stage than from yields ErrStageMismatch.
func (t *Tracker) Advance(ctx context.Context, itemKey string, from, to model.Stage, outcome string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := model.StageNone
	existing, ok := t.records[itemKey]
	if ok {
		cur = existing.Stage
	}

	retry := from == to && cur == to && Allowed(to, to)
	if cur == to && !retry {
		return nil
	}
	if cur != from {
		return eris.Wrapf(ErrStageMismatch, "%s is %q, not %q", itemKey, cur, from)
	}
	if !Allowed(from, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s: %q -> %q", itemKey, from, to)
	}

	at := t.now().UTC()
	next := model.StageRecord{ItemKey: itemKey}
	if ok {
		next = *existing
		next.History = slices.Clone(existing.History)
	}
	next.Stage = to
	next.UpdatedAt = at
	next.History = append(next.History, model.StageEvent{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Outcome: outcome,
		At:      at,
	})
	switch to {
	case model.StageFiltered, model.StageTransformFailed:
		if retry || to == model.StageTransformFailed {
			next.Attempts++
			next.LastError = outcome
		}
	case model.StageWisdom:
		next.LastError = ""
	}

	if err := t.store.SaveStage(ctx, next); err != nil {
		return eris.Wrapf(err, "tracker: persist %s", itemKey)
	}
	t.records[itemKey] = &next

	zap.L().Debug("tracker: advanced",
		zap.String("item_id", itemKey),
		zap.String("from", string(from)),
		zap.String("stage", string(to)),
		zap.String("outcome", outcome),
	)
	return nil
}

// Get returns a copy of the item's record.
func (t *Tracker) Get(itemKey string) (model.StageRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[itemKey]
	if !ok {
		return model.StageRecord{}, false
	}
	cp := *r
	cp.History = slices.Clone(r.History)
	return cp, true
}

// Stage returns the item's current stage, StageNone when unknown.
func (t *Tracker) Stage(itemKey string) model.Stage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.records[itemKey]; ok {
		return r.Stage
	}
	return model.StageNone
}

// ListByStage returns the keys of items in stage, sorted.
func (t *Tracker) ListByStage(stage model.Stage) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for k, r := range t.records {
		if r.Stage == stage {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of items per stage.
func (t *Tracker) Counts() map[model.Stage]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.Stage]int, len(model.AllStages))
	for _, s := range model.AllStages {
		out[s] = 0
	}
	for _, r := range t.records {
		out[r.Stage]++
	}
	return out
}
