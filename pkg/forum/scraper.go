// Package forum scrapes thread listings from forum pages using configurable
// CSS selectors.
package forum

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/wisdom-cli/internal/harvest"
	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
)

const (
	// Platform is the adapter's platform name.
	Platform = "forum"

	defaultLimit      = 20
	defaultMinContent = 50
	defaultUserAgent  = "Mozilla/5.0 (compatible; wisdom-cli/1.0)"
)

// Selectors locate the parts of a thread inside a listing page.
type Selectors struct {
	Thread  string
	Title   string
	Content string
	Author  string
	Date    string
	Link    string
}

// DefaultSelectors match the common forum engines.
var DefaultSelectors = Selectors{
	Thread:  ".thread, .post, .topic",
	Title:   ".title, .subject, h1, h2, h3",
	Content: ".content, .message, .body, .text",
	Author:  ".author, .username, .user",
	Date:    ".date, .timestamp, .time, time",
	Link:    "a[href]",
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors
	if s.Thread != "" {
		d.Thread = s.Thread
	}
	if s.Title != "" {
		d.Title = s.Title
	}
	if s.Content != "" {
		d.Content = s.Content
	}
	if s.Author != "" {
		d.Author = s.Author
	}
	if s.Date != "" {
		d.Date = s.Date
	}
	if s.Link != "" {
		d.Link = s.Link
	}
	return d
}

// Target is one forum listing page.
type Target struct {
	Name      string
	URL       string
	Selectors Selectors
}

// Options configures the scraper.
type Options struct {
	Forums           []Target
	MinContentLength int
	UserAgent        string
	HTTPClient       *http.Client
}

// Adapter implements harvest.Adapter for forum pages.
type Adapter struct {
	forums    map[string]Target
	minLen    int
	userAgent string
	http      *http.Client
}

// New creates a forum adapter.
func New(opts Options) *Adapter {
	a := &Adapter{
		forums:    make(map[string]Target, len(opts.Forums)),
		minLen:    opts.MinContentLength,
		userAgent: opts.UserAgent,
		http:      opts.HTTPClient,
	}
	if a.minLen <= 0 {
		a.minLen = defaultMinContent
	}
	if a.userAgent == "" {
		a.userAgent = defaultUserAgent
	}
	if a.http == nil {
		a.http = &http.Client{Timeout: 30 * time.Second}
	}
	for _, f := range opts.Forums {
		f.Selectors = f.Selectors.withDefaults()
		a.forums[f.Name] = f
	}
	return a
}

// Platform implements harvest.Adapter.
func (a *Adapter) Platform() string { return Platform }

// Fetch implements harvest.Adapter. Threads without content or shorter
// than the minimum length are skipped.
func (a *Adapter) Fetch(ctx context.Context, task model.HarvestTask) (harvest.Page, error) {
	target, ok := a.forums[task.Target]
	if !ok {
		return harvest.Page{}, resilience.NewPermanentError(eris.Errorf("forum: unknown forum %q", task.Target), 0)
	}
	base, err := url.Parse(target.URL)
	if err != nil {
		return harvest.Page{}, resilience.NewPermanentError(eris.Wrapf(err, "forum: parse url for %s", target.Name), 0)
	}

	doc, err := a.fetchDocument(ctx, target.URL)
	if err != nil {
		return harvest.Page{}, err
	}

	limit := task.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var page harvest.Page
	sel := target.Selectors
	doc.Find(sel.Thread).EachWithBreak(func(i int, thread *goquery.Selection) bool {
		if len(page.Items) >= limit {
			return false
		}
		content := thread.Find(sel.Content).First()
		if content.Length() == 0 {
			return true
		}
		html, _ := content.Html()
		text := harvest.CleanText(html, harvest.MaxTextRunes)
		if len([]rune(text)) < a.minLen {
			return true
		}

		title := harvest.CleanText(thread.Find(sel.Title).First().Text(), 300)
		author := harvest.CleanText(thread.Find(sel.Author).First().Text(), 100)
		if author == "" {
			author = "Anonymous"
		}
		link := resolveLink(base, thread.Find(sel.Link).First())
		if link == "" {
			link = target.URL
		}
		posted := parseDate(thread.Find(sel.Date).First())

		id := link
		if link == target.URL {
			id = title + "\x00" + text
		}
		page.Items = append(page.Items, model.RawItem{
			Platform:   Platform,
			ExternalID: fmt.Sprintf("%s:%016x", target.Name, xxhash.ChecksumString64(id)),
			Text:       text,
			Author:     author,
			Timestamp:  posted,
			Metadata: map[string]string{
				"title":  title,
				"link":   link,
				"source": "forum/" + target.Name,
				"forum":  target.Name,
				"notes":  fmt.Sprintf("site: %s | author: %s", target.Name, author),
			},
		})
		return true
	})
	return page, nil
}

func (a *Adapter) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "forum: build request")
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "forum: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.FromHTTPStatus(Platform, resp.StatusCode, resp.Header.Get("Retry-After"), string(body))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "forum: parse document"), resp.StatusCode)
	}
	return doc, nil
}

func resolveLink(base *url.URL, s *goquery.Selection) string {
	href, ok := s.Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"02 Jan 2006",
	"01/02/2006",
}

// parseDate prefers a machine-readable datetime attribute over the visible
// text. Unparseable dates yield the zero time.
func parseDate(s *goquery.Selection) time.Time {
	candidates := []string{}
	for _, attr := range []string{"datetime", "data-time", "title"} {
		if v, ok := s.Attr(attr); ok {
			candidates = append(candidates, strings.TrimSpace(v))
		}
	}
	candidates = append(candidates, strings.TrimSpace(s.Text()))
	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}
