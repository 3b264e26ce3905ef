package transform

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
	"github.com/sells-group/wisdom-cli/internal/store"
	"github.com/sells-group/wisdom-cli/internal/tracker"
)

// scriptedTransformer replays per-item error scripts, then succeeds.
type scriptedTransformer struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   map[string]int
}

func newScripted() *scriptedTransformer {
	return &scriptedTransformer{scripts: map[string][]error{}, calls: map[string]int{}}
}

func (s *scriptedTransformer) Model() string { return "test-model" }

func (s *scriptedTransformer) Transform(_ context.Context, item model.FilteredItem) (*model.WisdomInsight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := item.Key()
	n := s.calls[key]
	s.calls[key]++
	if script := s.scripts[key]; n < len(script) && script[n] != nil {
		return nil, script[n]
	}
	return &model.WisdomInsight{
		Description:          "Get change orders signed first",
		Rationale:            goodRationale,
		UseCase:              "Scope changes",
		ImpactArea:           "Revenue",
		TransferabilityScore: 4,
		ActionabilityRating:  5,
		EvidenceStrength:     "Observed",
		Type:                 "rule-of-thumb",
		Source:               "reddit",
	}, nil
}

func (s *scriptedTransformer) callCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func testPolicy(maxAttempts int) *resilience.Policy {
	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 50, Cooldown: time.Minute})
	return &resilience.Policy{
		Limiters: resilience.NewLimiters(resilience.Budget{Requests: 1000, Per: time.Second, Burst: 100}, nil, breakers),
		Retry: resilience.RetryConfig{
			MaxAttempts:    maxAttempts,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
		AcquireTimeout: time.Second,
	}
}

type fixture struct {
	st      *store.SQLiteStore
	tracker *tracker.Tracker
}

// newFixture stores the items and advances each to filtered.
func newFixture(t *testing.T, items ...model.FilteredItem) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "wisdom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	trk, err := tracker.Open(ctx, st)
	require.NoError(t, err)
	require.NoError(t, st.SaveFiltered(ctx, items))
	for _, it := range items {
		require.NoError(t, trk.Advance(ctx, it.Key(), model.StageNone, model.StageRaw, "harvested"))
		require.NoError(t, trk.Advance(ctx, it.Key(), model.StageRaw, model.StageFiltered, "accepted"))
	}
	return &fixture{st: st, tracker: trk}
}

func transient(msg string) error {
	return resilience.NewTransientError(errors.New(msg), 503)
}

func TestRunner_FailsTwiceThenWisdom(t *testing.T) {
	item := filteredItem("a1", "Always get change orders signed.")
	fx := newFixture(t, item)
	tr := newScripted()
	tr.scripts[item.Key()] = []error{transient("timeout"), transient("overloaded")}

	r := NewRunner(tr, fx.tracker, fx.st, testPolicy(3), Options{Platform: "openai"})
	res, err := r.Run(context.Background(), []model.FilteredItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transformed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, tr.callCount(item.Key()))

	rec, ok := fx.tracker.Get(item.Key())
	require.True(t, ok)
	assert.Equal(t, model.StageWisdom, rec.Stage)
	assert.Equal(t, 2, rec.Attempts)
	var path []model.Stage
	for _, e := range rec.History {
		path = append(path, e.To)
	}
	assert.Equal(t, []model.Stage{
		model.StageRaw, model.StageFiltered, model.StageFiltered, model.StageFiltered, model.StageWisdom,
	}, path)

	wisdom, err := fx.st.LoadWisdom(context.Background())
	require.NoError(t, err)
	require.Len(t, wisdom, 1)
	assert.Equal(t, item.Key(), wisdom[0].ItemKey)
	assert.Equal(t, "test-model", wisdom[0].Model)
}

func TestRunner_ExhaustionMarksTransformFailed(t *testing.T) {
	item := filteredItem("a1", "text")
	fx := newFixture(t, item)
	tr := newScripted()
	tr.scripts[item.Key()] = []error{transient("1"), transient("2"), transient("3")}

	r := NewRunner(tr, fx.tracker, fx.st, testPolicy(3), Options{})
	res, err := r.Run(context.Background(), []model.FilteredItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 3, res.Failures[0].Attempts)
	assert.Equal(t, "transient", res.Failures[0].Class)
	assert.Contains(t, res.Failures[0].Error, "failed after 3 attempt(s)")
	assert.Equal(t, model.StageTransformFailed, fx.tracker.Stage(item.Key()))

	// The filtered item is retained for a later retry.
	kept, err := fx.st.LoadFiltered(context.Background(), []string{item.Key()})
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestRunner_PermanentErrorNotRetried(t *testing.T) {
	item := filteredItem("a1", "text")
	fx := newFixture(t, item)
	tr := newScripted()
	tr.scripts[item.Key()] = []error{resilience.NewPermanentError(errors.New("bad key"), 401)}

	res, err := NewRunner(tr, fx.tracker, fx.st, testPolicy(4), Options{}).Run(context.Background(), []model.FilteredItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "permanent", res.Failures[0].Class)
	assert.Equal(t, 1, tr.callCount(item.Key()))
	assert.Equal(t, model.StageTransformFailed, fx.tracker.Stage(item.Key()))
}

func TestRunner_RejectionIsFinal(t *testing.T) {
	item := filteredItem("a1", "Work hard.")
	fx := newFixture(t, item)
	tr := newScripted()
	tr.scripts[item.Key()] = []error{&RejectedError{Reason: ReasonDiscarded}}

	res, err := NewRunner(tr, fx.tracker, fx.st, testPolicy(4), Options{}).Run(context.Background(), []model.FilteredItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, tr.callCount(item.Key()))

	rec, _ := fx.tracker.Get(item.Key())
	assert.Equal(t, model.StageRejected, rec.Stage)
	assert.Equal(t, "transform:discarded", rec.History[len(rec.History)-1].Outcome)
}

func TestRunner_SkipsItemsOutsideFiltered(t *testing.T) {
	item := filteredItem("a1", "text")
	notAccepted := filteredItem("a2", "text")
	notAccepted.Decision = model.Decision{Accept: false, Reason: "too_short"}
	unknown := filteredItem("a3", "text")

	fx := newFixture(t, item, notAccepted)
	tr := newScripted()
	r := NewRunner(tr, fx.tracker, fx.st, testPolicy(2), Options{})

	res, err := r.Run(context.Background(), []model.FilteredItem{item, notAccepted, unknown})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transformed)
	assert.Equal(t, 2, res.Skipped)

	// A second pass finds nothing to do.
	res, err = r.Run(context.Background(), []model.FilteredItem{item})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, tr.callCount(item.Key()))
}

func TestRunner_RunPendingAndRetryFailed(t *testing.T) {
	ok := filteredItem("ok", "text")
	flaky := filteredItem("flaky", "text")
	fx := newFixture(t, ok, flaky)
	tr := newScripted()
	tr.scripts[flaky.Key()] = []error{transient("1"), transient("2")}

	r := NewRunner(tr, fx.tracker, fx.st, testPolicy(2), Options{Concurrency: 2})
	res, err := r.RunPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transformed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.StageTransformFailed, fx.tracker.Stage(flaky.Key()))

	res, err = r.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transformed)

	rec, _ := fx.tracker.Get(flaky.Key())
	assert.Equal(t, model.StageWisdom, rec.Stage)
	failedAt := -1
	for i, e := range rec.History {
		if e.To == model.StageTransformFailed && failedAt < 0 {
			failedAt = i
		}
	}
	require.GreaterOrEqual(t, failedAt, 0)
	for _, e := range rec.History[failedAt:] {
		assert.NotEqual(t, model.StageFiltered, e.To, "retry never returns to filtered")
	}

	res, err = r.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestRunner_RetryFailedRejection(t *testing.T) {
	item := filteredItem("a1", "text")
	fx := newFixture(t, item)
	tr := newScripted()
	tr.scripts[item.Key()] = []error{
		resilience.NewPermanentError(errors.New("400"), 400),
		&RejectedError{Reason: ReasonNotDirective},
	}
	r := NewRunner(tr, fx.tracker, fx.st, testPolicy(1), Options{})

	_, err := r.Run(context.Background(), []model.FilteredItem{item})
	require.NoError(t, err)
	res, err := r.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, model.StageRejected, fx.tracker.Stage(item.Key()))
}

func TestRunner_CancelledLeavesStageUntouched(t *testing.T) {
	item := filteredItem("a1", "text")
	fx := newFixture(t, item)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewRunner(newScripted(), fx.tracker, fx.st, testPolicy(2), Options{}).Run(ctx, []model.FilteredItem{item})
	require.Error(t, err)
	assert.Equal(t, 0, res.Transformed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, model.StageFiltered, fx.tracker.Stage(item.Key()))
}
