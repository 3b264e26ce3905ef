package stackexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
)

func q(id int64, score int) map[string]any {
	return map[string]any{
		"question_id":   id,
		"title":         fmt.Sprintf("How do I stop drywall cracks %d?", id),
		"body":          "<p>Tape the joints with <code>mesh</code> and wait a full day between coats.</p>",
		"link":          fmt.Sprintf("https://diy.stackexchange.com/questions/%d", id),
		"score":         score,
		"answer_count":  3,
		"tags":          []string{"drywall", "repair", "paint", "walls"},
		"creation_date": 1700000000,
		"owner":         map[string]any{"display_name": "handy &amp; co"},
	}
}

func serveJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func TestFetch_SearchParamsAndMapping(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2.3/search/advanced", r.URL.Path)
		p := r.URL.Query()
		assert.Equal(t, "diy", p.Get("site"))
		assert.Equal(t, "withbody", p.Get("filter"))
		assert.Equal(t, "relevance", p.Get("sort"))
		assert.Equal(t, "drywall", p.Get("q"))
		assert.Equal(t, "drywall;repair", p.Get("tagged"))
		assert.Equal(t, fmt.Sprint(now.Add(-30*24*time.Hour).Unix()), p.Get("fromdate"))
		assert.Equal(t, "secret", p.Get("key"))
		serveJSON(w, http.StatusOK, map[string]any{"items": []any{q(1, 10), q(2, 0)}, "has_more": false, "quota_remaining": 9000})
	}))
	defer ts.Close()

	a := New(Options{BaseURL: ts.URL, Key: "secret", Tags: []string{"drywall", "repair"}, MinScore: 1})
	a.now = func() time.Time { return now }

	page, err := a.Fetch(context.Background(), model.HarvestTask{
		Platform: "stackexchange", Target: "diy", Query: "drywall",
		Mode: model.ModeSearch, TimeWindow: model.WindowMonth,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1, "min score drops the second question")

	it := page.Items[0]
	assert.Equal(t, "diy:1", it.ExternalID)
	assert.Equal(t, "How do I stop drywall cracks 1? Tape the joints with mesh and wait a full day between coats.", it.Text)
	assert.Equal(t, "handy & co", it.Author)
	assert.Equal(t, "stackexchange/diy", it.Meta("source"))
	assert.Equal(t, "Score: 10, Answers: 3, Tags: drywall, repair, paint", it.Meta("notes"))
}

func TestFetch_SortByMode(t *testing.T) {
	for mode, sort := range map[model.Mode]string{
		model.ModeTop: "votes",
		model.ModeNew: "creation",
		model.ModeHot: "activity",
	} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, sort, r.URL.Query().Get("sort"))
			assert.Empty(t, r.URL.Query().Get("fromdate"), "all-time window has no lower bound")
			serveJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		}))
		_, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{
			Platform: "stackexchange", Target: "diy", Mode: mode, TimeWindow: model.WindowAll,
		})
		ts.Close()
		require.NoError(t, err)
	}
}

func TestFetch_Pagination(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			assert.Equal(t, "3", r.URL.Query().Get("pagesize"))
			serveJSON(w, http.StatusOK, map[string]any{"items": []any{q(1, 5), q(2, 5)}, "has_more": true})
		case "2":
			assert.Equal(t, "1", r.URL.Query().Get("pagesize"))
			serveJSON(w, http.StatusOK, map[string]any{"items": []any{q(3, 5)}, "has_more": true})
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page"))
		}
	}))
	defer ts.Close()

	page, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{
		Platform: "stackexchange", Target: "diy", Mode: model.ModeTop, Limit: 3,
	})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	assert.False(t, page.Partial)
}

func TestFetch_BackoffStopsPaging(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		serveJSON(w, http.StatusOK, map[string]any{"items": []any{q(1, 5)}, "has_more": true, "backoff": 10})
	}))
	defer ts.Close()

	page, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{
		Platform: "stackexchange", Target: "diy", Mode: model.ModeTop, Limit: 50,
	})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.True(t, page.Partial)
	assert.Equal(t, 10*time.Second, page.RetryAfter)
}

func TestFetch_ThrottleViolationIsRateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		serveJSON(w, http.StatusBadRequest, map[string]any{
			"error_id":      502,
			"error_name":    "throttle_violation",
			"error_message": "too many requests from this IP, more requests available in 42 seconds",
		})
	}))
	defer ts.Close()

	_, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{Platform: "stackexchange", Target: "diy", Mode: model.ModeTop})
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))
	assert.Equal(t, 42*time.Second, resilience.RetryAfter(err))
}

func TestFetch_BadParameterIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		serveJSON(w, http.StatusBadRequest, map[string]any{"error_id": 400, "error_name": "bad_parameter", "error_message": "site is required"})
	}))
	defer ts.Close()

	_, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{Platform: "stackexchange", Target: "nope", Mode: model.ModeTop})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestThrottleWait(t *testing.T) {
	assert.Equal(t, 7*time.Second, throttleWait("more requests available in 7 seconds"))
	assert.Equal(t, time.Duration(0), throttleWait("slow down"))
}

func TestFetch_EachPageSpendsAPermit(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		serveJSON(w, http.StatusOK, map[string]any{"items": []any{q(int64(n), 5)}, "has_more": true})
	}))
	defer ts.Close()

	policy := &resilience.Policy{
		Limiters: resilience.NewLimiters(resilience.DefaultBudget, map[string]resilience.Budget{
			Platform: {Requests: 2, Per: time.Hour, Burst: 2},
		}, nil),
		AcquireTimeout: 20 * time.Millisecond,
	}
	a := New(Options{BaseURL: ts.URL, Gate: policy.Gate(Platform)})
	require.True(t, a.GatesRequests())

	page, err := a.Fetch(context.Background(), model.HarvestTask{
		Platform: "stackexchange", Target: "diy", Mode: model.ModeTop, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())
	assert.Len(t, page.Items, 2)
	assert.True(t, page.Partial)
	assert.True(t, page.RateLimited)
}
