// Package stackexchange harvests questions from StackExchange sites through
// the 2.3 advanced search API.
package stackexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/harvest"
	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
)

const (
	// Platform is the adapter's platform name.
	Platform = "stackexchange"

	defaultBaseURL = "https://api.stackexchange.com"
	defaultLimit   = 30
	maxPageSize    = 100

	// errThrottleViolation is the API's error_id for exceeded quotas. It
	// arrives with HTTP 400.
	errThrottleViolation = 502
)

// Options configures the adapter.
type Options struct {
	BaseURL  string
	Key      string
	Tags     []string
	MinScore int
	// Gate, when set, admits every page request.
	Gate       resilience.Gate
	HTTPClient *http.Client
}

// Adapter implements harvest.Adapter for StackExchange.
type Adapter struct {
	opts Options
	http *http.Client
	now  func() time.Time
}

// New creates a StackExchange adapter.
func New(opts Options) *Adapter {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{opts: opts, http: hc, now: time.Now}
}

// Platform implements harvest.Adapter.
func (a *Adapter) Platform() string { return Platform }

// GatesRequests implements harvest.RequestGater.
func (a *Adapter) GatesRequests() bool { return a.opts.Gate != nil }

type question struct {
	QuestionID   int64    `json:"question_id"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Link         string   `json:"link"`
	Score        int      `json:"score"`
	AnswerCount  int      `json:"answer_count"`
	Tags         []string `json:"tags"`
	CreationDate int64    `json:"creation_date"`
	Owner        struct {
		DisplayName string `json:"display_name"`
	} `json:"owner"`
}

type searchResponse struct {
	Items          []question `json:"items"`
	HasMore        bool       `json:"has_more"`
	QuotaRemaining int        `json:"quota_remaining"`
	Backoff        int        `json:"backoff"`
}

type apiError struct {
	ErrorID      int    `json:"error_id"`
	ErrorName    string `json:"error_name"`
	ErrorMessage string `json:"error_message"`
}

// Fetch implements harvest.Adapter.
func (a *Adapter) Fetch(ctx context.Context, task model.HarvestTask) (harvest.Page, error) {
	limit := task.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var (
		out  harvest.Page
		seen int
	)
	for pageNo := 1; seen < limit; pageNo++ {
		resp, err := a.search(ctx, task, pageNo, min(limit-seen, maxPageSize))
		if err != nil {
			if seen == 0 {
				return harvest.Page{}, err
			}
			out.Partial = true
			if resilience.IsRateLimited(err) {
				out.RateLimited = true
				out.RetryAfter = resilience.RetryAfter(err)
			}
			zap.L().Warn("stackexchange: pagination stopped early",
				zap.String("task", task.String()),
				zap.Int("retrieved", seen),
				zap.Error(err),
			)
			break
		}

		for _, q := range resp.Items {
			seen++
			if q.Score < a.opts.MinScore {
				continue
			}
			out.Items = append(out.Items, a.item(task.Target, q))
		}

		if resp.Backoff > 0 {
			// The API asks for a pause before the next call to this method.
			out.RetryAfter = time.Duration(resp.Backoff) * time.Second
			if resp.HasMore && seen < limit {
				out.Partial = true
			}
			break
		}
		if !resp.HasMore || len(resp.Items) == 0 {
			break
		}
	}
	return out, nil
}

func (a *Adapter) search(ctx context.Context, task model.HarvestTask, pageNo, size int) (*searchResponse, error) {
	q := url.Values{}
	q.Set("site", task.Target)
	q.Set("filter", "withbody")
	q.Set("order", "desc")
	q.Set("page", fmt.Sprint(pageNo))
	q.Set("pagesize", fmt.Sprint(size))
	switch task.Mode {
	case model.ModeSearch:
		q.Set("sort", "relevance")
		q.Set("q", task.Query)
	case model.ModeNew:
		q.Set("sort", "creation")
	case model.ModeHot:
		q.Set("sort", "activity")
	default:
		q.Set("sort", "votes")
	}
	if len(a.opts.Tags) > 0 {
		q.Set("tagged", strings.Join(a.opts.Tags, ";"))
	}
	if from := a.fromDate(task.TimeWindow); !from.IsZero() {
		q.Set("fromdate", fmt.Sprint(from.Unix()))
	}
	if a.opts.Key != "" {
		q.Set("key", a.opts.Key)
	}

	u := a.opts.BaseURL + "/2.3/search/advanced?" + q.Encode()
	var sr searchResponse
	get := func(ctx context.Context) error { return a.getJSON(ctx, u, &sr) }
	var err error
	if a.opts.Gate != nil {
		err = a.opts.Gate(ctx, get)
	} else {
		err = get(ctx)
	}
	if err != nil {
		return nil, err
	}
	if sr.QuotaRemaining > 0 && sr.QuotaRemaining < 50 {
		zap.L().Warn("stackexchange: daily quota nearly exhausted", zap.Int("quota_remaining", sr.QuotaRemaining))
	}
	return &sr, nil
}

func (a *Adapter) getJSON(ctx context.Context, u string, out *searchResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrap(err, "stackexchange: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "stackexchange: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "stackexchange: read response"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.ErrorID == errThrottleViolation {
			return &resilience.RateLimitError{
				Platform:   Platform,
				RetryAfter: throttleWait(ae.ErrorMessage),
				Err:        eris.Errorf("stackexchange: %s: %s", ae.ErrorName, ae.ErrorMessage),
			}
		}
		return resilience.FromHTTPStatus(Platform, resp.StatusCode, resp.Header.Get("Retry-After"), string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "stackexchange: decode response"), resp.StatusCode)
	}
	return nil
}

// throttleWait extracts the wait from "too many requests from this IP, more
// requests available in 123 seconds".
func throttleWait(msg string) time.Duration {
	f := strings.Fields(msg)
	for i := 1; i < len(f); i++ {
		if strings.HasPrefix(f[i], "second") {
			var n int
			if _, err := fmt.Sscan(f[i-1], &n); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return 0
}

func (a *Adapter) fromDate(w model.TimeWindow) time.Time {
	var d time.Duration
	switch model.TimeWindow(w.Bucket()) {
	case model.WindowHour:
		d = time.Hour
	case model.WindowDay:
		d = 24 * time.Hour
	case model.WindowWeek:
		d = 7 * 24 * time.Hour
	case model.WindowMonth:
		d = 30 * 24 * time.Hour
	case model.WindowYear:
		d = 365 * 24 * time.Hour
	default:
		return time.Time{}
	}
	return a.now().Add(-d)
}

func (a *Adapter) item(site string, q question) model.RawItem {
	title := harvest.CleanText(q.Title, 300)
	tags := q.Tags
	if len(tags) > 3 {
		tags = tags[:3]
	}
	author := harvest.CleanText(q.Owner.DisplayName, 100)
	if author == "" {
		author = "anonymous"
	}
	return model.RawItem{
		Platform:   Platform,
		ExternalID: fmt.Sprintf("%s:%d", site, q.QuestionID),
		Text:       harvest.CleanText(q.Title+"\n"+q.Body, harvest.MaxTextRunes),
		Author:     author,
		Timestamp:  time.Unix(q.CreationDate, 0).UTC(),
		Metadata: map[string]string{
			"title":        title,
			"link":         q.Link,
			"source":       "stackexchange/" + site,
			"site":         site,
			"score":        fmt.Sprint(q.Score),
			"answer_count": fmt.Sprint(q.AnswerCount),
			"tags":         strings.Join(q.Tags, ", "),
			"notes":        fmt.Sprintf("Score: %d, Answers: %d, Tags: %s", q.Score, q.AnswerCount, strings.Join(tags, ", ")),
		},
	}
}
