package reddit

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

	"github.com/sells-group/wisdom-cli/internal/harvest"
	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
)

func post(id string, score, comments int, self bool, flair string) map[string]any {
	return map[string]any{
		"kind": "t3",
		"data": map[string]any{
			"id":              id,
			"name":            "t3_" + id,
			"title":           "Lesson " + id,
			"selftext":        "Always get <b>change orders</b> signed before starting extra work.",
			"author":          "builder_" + id,
			"score":           score,
			"num_comments":    comments,
			"is_self":         self,
			"link_flair_text": flair,
			"permalink":       "/r/Construction/comments/" + id + "/lesson/",
			"subreddit":       "Construction",
			"created_utc":     1709294400.0,
		},
	}
}

func listingBody(after string, children ...map[string]any) map[string]any {
	return map[string]any{"kind": "Listing", "data": map[string]any{"after": after, "children": children}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func TestFetch_SearchURLAndMapping(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/Construction/search.json", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "change orders", q.Get("q"))
		assert.Equal(t, "1", q.Get("restrict_sr"))
		assert.Equal(t, "year", q.Get("t"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		writeJSON(w, listingBody("", post("abc", 40, 12, true, "")))
	}))
	defer ts.Close()

	a := New(Options{BaseURL: ts.URL})
	assert.Equal(t, "reddit", a.Platform())

	page, err := a.Fetch(context.Background(), model.HarvestTask{
		Platform: "reddit", Target: "Construction", Query: "change orders",
		Mode: model.ModeSearch, TimeWindow: model.WindowYear, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	it := page.Items[0]
	assert.Equal(t, "t3_abc", it.ExternalID)
	assert.Equal(t, "reddit/t3_abc", it.Key())
	assert.Equal(t, "Lesson abc Always get change orders signed before starting extra work.", it.Text)
	assert.Equal(t, "builder_abc", it.Author)
	assert.Equal(t, time.Unix(1709294400, 0).UTC(), it.Timestamp)
	assert.Equal(t, "https://www.reddit.com/r/Construction/comments/abc/lesson/", it.Meta("link"))
	assert.Equal(t, "reddit/r/Construction", it.Meta("source"))
	assert.Equal(t, "40", it.Meta("score"))
	assert.False(t, page.Partial)
}

func TestFetch_ListingModes(t *testing.T) {
	tests := []struct {
		mode   model.Mode
		path   string
		window string
	}{
		{model.ModeTop, "/r/HVAC/top.json", "month"},
		{model.ModeControversial, "/r/HVAC/controversial.json", "month"},
		{model.ModeNew, "/r/HVAC/new.json", ""},
		{model.ModeHot, "/r/HVAC/hot.json", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.path, r.URL.Path)
				assert.Equal(t, tt.window, r.URL.Query().Get("t"))
				writeJSON(w, listingBody(""))
			}))
			defer ts.Close()

			_, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{
				Platform: "reddit", Target: "HVAC", Mode: tt.mode, TimeWindow: model.WindowMonth,
			})
			require.NoError(t, err)
		})
	}
}

func TestFetch_PostFilters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, listingBody("",
			post("keep", 50, 20, true, "Advice"),
			post("lowscore", 2, 20, true, "Advice"),
			post("fewcomments", 50, 1, true, "Advice"),
			post("link", 50, 20, false, "Advice"),
			post("flair", 50, 20, true, "Meme"),
		))
	}))
	defer ts.Close()

	a := New(Options{
		BaseURL: ts.URL, MinPostScore: 10, MinComments: 5,
		RequireSelfPost: true, AllowedFlairs: []string{"advice"},
	})
	page, err := a.Fetch(context.Background(), model.HarvestTask{Platform: "reddit", Target: "r/Construction", Mode: model.ModeHot})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "t3_keep", page.Items[0].ExternalID)
}

func TestFetch_PaginatesUntilLimit(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch r.URL.Query().Get("after") {
		case "":
			assert.Equal(t, "100", r.URL.Query().Get("limit"))
			children := make([]map[string]any, 100)
			for i := range children {
				children[i] = post(fmt.Sprintf("p%d", i), 5, 0, true, "")
			}
			writeJSON(w, listingBody("t3_p99", children...))
		case "t3_p99":
			assert.Equal(t, "20", r.URL.Query().Get("limit"))
			writeJSON(w, listingBody("", post("q0", 5, 0, true, ""), post("q1", 5, 0, true, "")))
		default:
			t.Errorf("unexpected page %d", n)
		}
	}))
	defer ts.Close()

	page, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{
		Platform: "reddit", Target: "Construction", Mode: model.ModeNew, Limit: 120,
	})
	require.NoError(t, err)
	assert.Len(t, page.Items, 102)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_RateLimitedFirstPage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Ratelimit-Reset", "12.0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{Platform: "reddit", Target: "x", Mode: model.ModeHot})
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))
	assert.Equal(t, 12*time.Second, resilience.RetryAfter(err))
}

func TestFetch_RateLimitedLaterPageIsPartial(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" {
			writeJSON(w, listingBody("t3_a", post("a", 5, 0, true, "")))
			return
		}
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	page, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{
		Platform: "reddit", Target: "x", Mode: model.ModeNew, Limit: 50,
	})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.True(t, page.Partial)
	assert.True(t, page.RateLimited)
	assert.Equal(t, 3*time.Second, page.RetryAfter)
}

func TestFetch_ErrorClassification(t *testing.T) {
	for status, check := range map[int]func(error) bool{
		http.StatusServiceUnavailable: resilience.IsTransient,
		http.StatusForbidden:          resilience.IsPermanent,
		http.StatusNotFound:           resilience.IsPermanent,
	} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := New(Options{BaseURL: ts.URL}).Fetch(context.Background(), model.HarvestTask{Platform: "reddit", Target: "x", Mode: model.ModeHot})
		ts.Close()
		require.Error(t, err, status)
		assert.True(t, check(err), status)
	}
}

func TestFetch_TopComments(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/r/Construction/hot.json":
			writeJSON(w, listingBody("", post("abc", 40, 12, true, "")))
		case "/comments/abc.json":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			comment := func(id, author, body string) map[string]any {
				return map[string]any{"kind": "t1", "data": map[string]any{
					"id": id, "name": "t1_" + id, "author": author, "body": body, "score": 9,
					"permalink": "/r/Construction/comments/abc/lesson/" + id + "/",
				}}
			}
			writeJSON(w, []any{
				listingBody("", post("abc", 40, 12, true, "")),
				listingBody("",
					comment("c1", "[deleted]", "This comment was removed by the author long ago."),
					comment("c2", "pm", "too short"),
					comment("c3", "estimator", "Price the unknowns as allowances and make the client sign off on them."),
					map[string]any{"kind": "more", "data": map[string]any{"id": "m"}},
				),
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	page, err := New(Options{BaseURL: ts.URL, TopComments: 2}).Fetch(context.Background(), model.HarvestTask{
		Platform: "reddit", Target: "Construction", Mode: model.ModeHot,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	c := page.Items[1]
	assert.Equal(t, "t1_c3", c.ExternalID)
	assert.Equal(t, "comment", c.Meta("kind"))
	assert.Equal(t, "t3_abc", c.Meta("parent"))
	assert.Equal(t, "Comment on: Lesson abc", c.Meta("title"))
}

func TestFetch_OAuthToken(t *testing.T) {
	var tokenCalls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/access_token" {
			tokenCalls.Add(1)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "id", user)
			assert.Equal(t, "secret", pass)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
			writeJSON(w, map[string]any{"access_token": "tok", "expires_in": 3600})
			return
		}
		assert.Equal(t, "bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, listingBody(""))
	}))
	defer ts.Close()

	a := New(Options{BaseURL: ts.URL, TokenURL: ts.URL + "/api/v1/access_token", ClientID: "id", ClientSecret: "secret"})
	task := model.HarvestTask{Platform: "reddit", Target: "x", Mode: model.ModeHot}
	for range 3 {
		_, err := a.Fetch(context.Background(), task)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokenCalls.Load(), "token is cached")
}

func TestNew_Defaults(t *testing.T) {
	a := New(Options{})
	assert.Equal(t, defaultBaseURL, a.opts.BaseURL)
	assert.Equal(t, defaultUserAgent, a.opts.UserAgent)

	o := New(Options{ClientID: "id", ClientSecret: "s"})
	assert.Equal(t, defaultOAuthBaseURL, o.opts.BaseURL)
	assert.Equal(t, "", o.suffix())
}

// pagedServer serves two listing pages of two posts each and an empty
// comment tree, counting every request.
func pagedServer(t *testing.T, requests *atomic.Int32, commentStatus int) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch {
		case r.URL.Path == "/r/Construction/new.json" && r.URL.Query().Get("after") == "":
			writeJSON(w, listingBody("t3_b", post("a", 5, 3, true, ""), post("b", 5, 3, true, "")))
		case r.URL.Path == "/r/Construction/new.json":
			writeJSON(w, listingBody("", post("c", 5, 3, true, ""), post("d", 5, 3, true, "")))
		default:
			if commentStatus != http.StatusOK {
				w.WriteHeader(commentStatus)
				return
			}
			writeJSON(w, []any{listingBody(""), listingBody("")})
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func budgetPolicy(b resilience.Budget) *resilience.Policy {
	return &resilience.Policy{
		Limiters:       resilience.NewLimiters(resilience.DefaultBudget, map[string]resilience.Budget{Platform: b}, nil),
		Retry:          resilience.RetryConfig{MaxAttempts: 1},
		AcquireTimeout: 20 * time.Millisecond,
	}
}

func TestFetch_EveryRequestSpendsAPermit(t *testing.T) {
	var requests atomic.Int32
	ts := pagedServer(t, &requests, http.StatusOK)
	policy := budgetPolicy(resilience.Budget{Requests: 1, Per: time.Minute, Burst: 1})
	a := New(Options{BaseURL: ts.URL, TopComments: 3, Gate: policy.Gate(Platform)})
	require.True(t, a.GatesRequests())

	task := model.HarvestTask{Platform: "reddit", Target: "Construction", Mode: model.ModeNew, Limit: 4}
	page, err := resilience.RetryVal(context.Background(), policy, Platform, "fetch", func(ctx context.Context) (harvest.Page, error) {
		return a.Fetch(ctx, task)
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), requests.Load(), "one permit, one request")
	assert.Len(t, page.Items, 2)
	assert.True(t, page.Partial)
	assert.True(t, page.RateLimited)
}

func TestFetch_RequestsNeverExceedPermits(t *testing.T) {
	var requests atomic.Int32
	ts := pagedServer(t, &requests, http.StatusOK)
	policy := budgetPolicy(resilience.Budget{Requests: 6, Per: time.Hour, Burst: 6})
	a := New(Options{BaseURL: ts.URL, TopComments: 3, Gate: policy.Gate(Platform)})

	task := model.HarvestTask{Platform: "reddit", Target: "Construction", Mode: model.ModeNew, Limit: 4}
	page, err := a.Fetch(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, int32(6), requests.Load(), "two listing pages and four comment trees")
	assert.Len(t, page.Items, 4)
	assert.False(t, page.Partial)

	_, err = a.Fetch(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrAcquireTimeout)
	assert.Equal(t, int32(6), requests.Load(), "budget spent, nothing sent")
}

func TestFetch_InnerRateLimitFeedsLimiter(t *testing.T) {
	var requests atomic.Int32
	ts := pagedServer(t, &requests, http.StatusTooManyRequests)
	policy := budgetPolicy(resilience.Budget{Requests: 600, Per: time.Minute, Burst: 10})
	a := New(Options{BaseURL: ts.URL, TopComments: 3, Gate: policy.Gate(Platform)})

	page, err := a.Fetch(context.Background(), model.HarvestTask{Platform: "reddit", Target: "Construction", Mode: model.ModeNew, Limit: 2})
	require.NoError(t, err)
	assert.True(t, page.Partial)
	assert.Less(t, float64(policy.Limiters.Limit(Platform)), 10.0, "comment 429s slow the platform")
}
