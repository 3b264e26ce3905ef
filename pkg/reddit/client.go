// Package reddit harvests posts and top comments from subreddits through
// Reddit's JSON listing and search endpoints.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/harvest"
	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
)

const (
	// Platform is the adapter's platform name.
	Platform = "reddit"

	defaultBaseURL      = "https://www.reddit.com"
	defaultOAuthBaseURL = "https://oauth.reddit.com"
	defaultTokenURL     = "https://www.reddit.com/api/v1/access_token"
	defaultUserAgent    = "wisdom-cli/1.0"

	defaultLimit = 25
	maxPageSize  = 100

	commentMinChars = 30
	commentMaxChars = 2500
)

// Options configures the adapter.
type Options struct {
	// BaseURL overrides the listing host. When OAuth credentials are set
	// and BaseURL is empty, the OAuth host is used.
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	UserAgent    string

	MinPostScore    int
	MinComments     int
	RequireSelfPost bool
	AllowedFlairs   []string
	// TopComments harvests up to this many top-level comments per kept
	// post. Zero disables comment harvesting.
	TopComments int

	// Gate, when set, admits every HTTP request the adapter sends,
	// including listing pages, comment fetches and token refreshes.
	Gate       resilience.Gate
	HTTPClient *http.Client
}

// Adapter implements harvest.Adapter for Reddit.
type Adapter struct {
	opts Options
	http *http.Client

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

// New creates a Reddit adapter.
func New(opts Options) *Adapter {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
		if opts.oauth() {
			opts.BaseURL = defaultOAuthBaseURL
		}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{opts: opts, http: hc}
}

func (o Options) oauth() bool { return o.ClientID != "" && o.ClientSecret != "" }

// Platform implements harvest.Adapter.
func (a *Adapter) Platform() string { return Platform }

// GatesRequests implements harvest.RequestGater.
func (a *Adapter) GatesRequests() bool { return a.opts.Gate != nil }

func (a *Adapter) gated(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.opts.Gate == nil {
		return fn(ctx)
	}
	return a.opts.Gate(ctx, fn)
}

type listing struct {
	Data struct {
		After    string  `json:"after"`
		Children []thing `json:"children"`
	} `json:"data"`
}

type thing struct {
	Kind string    `json:"kind"`
	Data thingData `json:"data"`
}

type thingData struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Title         string  `json:"title"`
	Selftext      string  `json:"selftext"`
	Body          string  `json:"body"`
	Author        string  `json:"author"`
	Score         int     `json:"score"`
	NumComments   int     `json:"num_comments"`
	IsSelf        bool    `json:"is_self"`
	LinkFlairText string  `json:"link_flair_text"`
	Permalink     string  `json:"permalink"`
	Subreddit     string  `json:"subreddit"`
	CreatedUTC    float64 `json:"created_utc"`
	Stickied      bool    `json:"stickied"`
}

// Fetch implements harvest.Adapter. It pages through the listing until the
// task limit is reached. A failure after the first page returns what was
// retrieved marked partial.
func (a *Adapter) Fetch(ctx context.Context, task model.HarvestTask) (harvest.Page, error) {
	limit := task.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var (
		page  harvest.Page
		after string
		seen  int
	)
	for seen < limit {
		size := min(limit-seen, maxPageSize)
		var l listing
		err := a.getJSON(ctx, a.listingURL(task, size, after), &l)
		if err != nil {
			if seen == 0 {
				return harvest.Page{}, err
			}
			if resilience.IsRateLimited(err) {
				page.RateLimited = true
				page.RetryAfter = resilience.RetryAfter(err)
			}
			page.Partial = true
			zap.L().Warn("reddit: pagination stopped early",
				zap.String("task", task.String()),
				zap.Int("retrieved", seen),
				zap.Error(err),
			)
			break
		}

		for _, c := range l.Data.Children {
			seen++
			if c.Kind != "t3" || !a.keepPost(c.Data) {
				continue
			}
			page.Items = append(page.Items, a.postItem(task.Target, c.Data))

			if a.opts.TopComments > 0 {
				comments, cerr := a.fetchComments(ctx, task.Target, c.Data)
				if cerr != nil {
					zap.L().Warn("reddit: comments unavailable",
						zap.String("post", c.Data.Name),
						zap.Error(cerr),
					)
					page.Partial = true
					continue
				}
				page.Items = append(page.Items, comments...)
			}
		}

		after = l.Data.After
		if after == "" || len(l.Data.Children) == 0 {
			break
		}
	}
	return page, nil
}

func (a *Adapter) listingURL(task model.HarvestTask, size int, after string) string {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(size))
	q.Set("raw_json", "1")
	if after != "" {
		q.Set("after", after)
	}

	sub := url.PathEscape(strings.TrimPrefix(task.Target, "r/"))
	var path string
	switch task.Mode {
	case model.ModeSearch:
		path = "/r/" + sub + "/search"
		q.Set("q", task.Query)
		q.Set("restrict_sr", "1")
		q.Set("sort", "relevance")
		q.Set("t", task.TimeWindow.Bucket())
	case model.ModeTop, model.ModeControversial:
		path = "/r/" + sub + "/" + string(task.Mode)
		q.Set("t", task.TimeWindow.Bucket())
	case model.ModeNew, model.ModeHot:
		path = "/r/" + sub + "/" + string(task.Mode)
	default:
		path = "/r/" + sub + "/hot"
	}
	return a.opts.BaseURL + path + a.suffix() + "?" + q.Encode()
}

// suffix is ".json" on the public host; the OAuth host serves JSON bare.
func (a *Adapter) suffix() string {
	if a.opts.oauth() && a.opts.BaseURL == defaultOAuthBaseURL {
		return ""
	}
	return ".json"
}

func (a *Adapter) keepPost(p thingData) bool {
	if p.Stickied {
		return false
	}
	if p.Score < a.opts.MinPostScore || p.NumComments < a.opts.MinComments {
		return false
	}
	if a.opts.RequireSelfPost && !p.IsSelf {
		return false
	}
	if len(a.opts.AllowedFlairs) > 0 {
		ok := false
		for _, f := range a.opts.AllowedFlairs {
			if strings.EqualFold(f, p.LinkFlairText) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (a *Adapter) postItem(target string, p thingData) model.RawItem {
	sub := p.Subreddit
	if sub == "" {
		sub = strings.TrimPrefix(target, "r/")
	}
	text := p.Title
	if p.Selftext != "" {
		text += "\n\n" + p.Selftext
	}
	return model.RawItem{
		Platform:   Platform,
		ExternalID: fullname(p, "t3"),
		Text:       harvest.CleanText(text, harvest.MaxTextRunes),
		Author:     author(p.Author),
		Timestamp:  unixTime(p.CreatedUTC),
		Metadata: map[string]string{
			"kind":         "post",
			"title":        harvest.CleanText(p.Title, 300),
			"link":         "https://www.reddit.com" + p.Permalink,
			"source":       "reddit/r/" + sub,
			"subreddit":    sub,
			"score":        fmt.Sprint(p.Score),
			"num_comments": fmt.Sprint(p.NumComments),
			"flair":        p.LinkFlairText,
			"notes":        fmt.Sprintf("subreddit: %s | score: %d | comments: %d", sub, p.Score, p.NumComments),
		},
	}
}

func (a *Adapter) fetchComments(ctx context.Context, target string, post thingData) ([]model.RawItem, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(a.opts.TopComments))
	q.Set("sort", "confidence")
	q.Set("depth", "1")
	q.Set("raw_json", "1")
	u := a.opts.BaseURL + "/comments/" + url.PathEscape(post.ID) + a.suffix() + "?" + q.Encode()

	var listings []listing
	if err := a.getJSON(ctx, u, &listings); err != nil {
		return nil, err
	}
	if len(listings) < 2 {
		return nil, nil
	}

	sub := post.Subreddit
	if sub == "" {
		sub = strings.TrimPrefix(target, "r/")
	}
	var out []model.RawItem
	for _, c := range listings[1].Data.Children {
		d := c.Data
		if c.Kind != "t1" || d.Author == "" || d.Author == "[deleted]" {
			continue
		}
		if n := len([]rune(d.Body)); n < commentMinChars || n > commentMaxChars {
			continue
		}
		out = append(out, model.RawItem{
			Platform:   Platform,
			ExternalID: fullname(d, "t1"),
			Text:       harvest.CleanText(d.Body, harvest.MaxTextRunes),
			Author:     d.Author,
			Timestamp:  unixTime(d.CreatedUTC),
			Metadata: map[string]string{
				"kind":      "comment",
				"title":     "Comment on: " + harvest.CleanText(post.Title, 100),
				"link":      "https://www.reddit.com" + d.Permalink,
				"source":    "reddit/r/" + sub,
				"subreddit": sub,
				"parent":    fullname(post, "t3"),
				"score":     fmt.Sprint(d.Score),
				"notes":     fmt.Sprintf("subreddit: %s | parent: %s | score: %d", sub, harvest.CleanText(post.Title, 50), d.Score),
			},
		})
		if len(out) >= a.opts.TopComments {
			break
		}
	}
	return out, nil
}

func (a *Adapter) getJSON(ctx context.Context, u string, out any) error {
	var tok string
	if a.opts.oauth() {
		var err error
		if tok, err = a.accessToken(ctx); err != nil {
			return err
		}
	}

	return a.gated(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return eris.Wrap(err, "reddit: build request")
		}
		req.Header.Set("User-Agent", a.opts.UserAgent)
		req.Header.Set("Accept", "application/json")
		if tok != "" {
			req.Header.Set("Authorization", "bearer "+tok)
		}

		resp, err := a.http.Do(req)
		if err != nil {
			return eris.Wrap(err, "reddit: request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			retryAfter := resp.Header.Get("Retry-After")
			if retryAfter == "" {
				retryAfter = strings.SplitN(resp.Header.Get("X-Ratelimit-Reset"), ".", 2)[0]
			}
			if resp.StatusCode == http.StatusUnauthorized && a.opts.oauth() {
				a.resetToken()
			}
			return resilience.FromHTTPStatus(Platform, resp.StatusCode, retryAfter, string(body))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "reddit: decode response"), resp.StatusCode)
		}
		return nil
	})
}

// accessToken returns a cached application-only OAuth token, fetching a new
// one shortly before expiry.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()
	if a.token != "" && time.Now().Before(a.tokenExp) {
		return a.token, nil
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	err := a.gated(ctx, func(ctx context.Context) error {
		form := url.Values{"grant_type": {"client_credentials"}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return eris.Wrap(err, "reddit: build token request")
		}
		req.SetBasicAuth(a.opts.ClientID, a.opts.ClientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("User-Agent", a.opts.UserAgent)

		resp, err := a.http.Do(req)
		if err != nil {
			return eris.Wrap(err, "reddit: token request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return resilience.FromHTTPStatus(Platform, resp.StatusCode, resp.Header.Get("Retry-After"), "token: "+string(body))
		}
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return eris.Wrap(err, "reddit: decode token")
		}
		if tok.AccessToken == "" {
			return resilience.NewPermanentError(eris.New("reddit: empty access token"), resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	a.token = tok.AccessToken
	a.tokenExp = time.Now().Add(ttl - time.Minute)
	return a.token, nil
}

func (a *Adapter) resetToken() {
	a.tokenMu.Lock()
	a.token = ""
	a.tokenMu.Unlock()
}

func fullname(d thingData, kind string) string {
	if d.Name != "" {
		return d.Name
	}
	return kind + "_" + d.ID
}

func author(s string) string {
	if s == "" || s == "[deleted]" {
		return "deleted"
	}
	return s
}

func unixTime(secs float64) time.Time {
	if secs <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}
