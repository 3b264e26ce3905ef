package model

import (
	"fmt"
	"strings"

	"github.com/OneOfOne/xxhash"
	"github.com/rotisserie/eris"
)

// Mode is a harvesting strategy exposed by a platform.
type Mode string

const (
	ModeSearch        Mode = "search"
	ModeTop           Mode = "top"
	ModeNew           Mode = "new"
	ModeHot           Mode = "hot"
	ModeControversial Mode = "controversial"
	ModeListing       Mode = "listing"
)

// TimeWindow is the relative window a platform query covers.
type TimeWindow string

const (
	WindowHour  TimeWindow = "hour"
	WindowDay   TimeWindow = "day"
	WindowWeek  TimeWindow = "week"
	WindowMonth TimeWindow = "month"
	WindowYear  TimeWindow = "year"
	WindowAll   TimeWindow = "all"
)

var knownWindows = map[TimeWindow]bool{
	WindowHour: true, WindowDay: true, WindowWeek: true,
	WindowMonth: true, WindowYear: true, WindowAll: true,
}

// Bucket normalizes a time window into the value used for fingerprinting.
// Unknown or empty windows collapse to "all".
func (w TimeWindow) Bucket() string {
	n := TimeWindow(strings.ToLower(strings.TrimSpace(string(w))))
	if knownWindows[n] {
		return string(n)
	}
	return string(WindowAll)
}

// HarvestTask is one unit of work submitted to a platform adapter. Target is
// the community or site (subreddit, StackExchange site, forum name) and Query
// the optional search string; together they form the query-or-subreddit key.
type HarvestTask struct {
	Platform   string     `json:"platform"`
	Target     string     `json:"target"`
	Query      string     `json:"query,omitempty"`
	Mode       Mode       `json:"mode"`
	TimeWindow TimeWindow `json:"time_window"`
	Limit      int        `json:"limit"`
}

// Validate reports whether the task is complete enough to be fetched.
func (t HarvestTask) Validate() error {
	if strings.TrimSpace(t.Platform) == "" {
		return eris.New("task: platform is required")
	}
	if strings.TrimSpace(t.Target) == "" {
		return eris.New("task: target is required")
	}
	if t.Mode == "" {
		return eris.New("task: mode is required")
	}
	if t.Mode == ModeSearch && strings.TrimSpace(t.Query) == "" {
		return eris.New("task: search mode requires a query")
	}
	return nil
}

// Fingerprint returns the dedup key for the task. Limit is deliberately
// excluded so that tasks differing only in page size are equivalent.
func (t HarvestTask) Fingerprint() Fingerprint {
	return NewFingerprint(t.Platform, t.Target, t.Query, t.Mode, t.TimeWindow)
}

func (t HarvestTask) String() string {
	if t.Query != "" {
		return fmt.Sprintf("%s/%s/%s[%q,%s]", t.Platform, t.Target, t.Mode, t.Query, t.TimeWindow.Bucket())
	}
	return fmt.Sprintf("%s/%s/%s[%s]", t.Platform, t.Target, t.Mode, t.TimeWindow.Bucket())
}

// Fingerprint is a deterministic key identifying a repeatable harvesting
// query, rendered as "<platform>:<hex xxhash64>".
type Fingerprint string

// NewFingerprint derives a fingerprint from its components. Components are
// case-folded and trimmed so cosmetic differences collapse.
func NewFingerprint(platform, target, query string, mode Mode, window TimeWindow) Fingerprint {
	p := normKey(platform)
	h := xxhash.New64()
	for _, part := range []string{p, normKey(target), normKey(query), normKey(string(mode)), window.Bucket()} {
		h.Write([]byte(part)) //nolint:errcheck
		h.Write([]byte{0})    //nolint:errcheck
	}
	return Fingerprint(fmt.Sprintf("%s:%016x", p, h.Sum64()))
}

// Platform returns the platform prefix of the fingerprint.
func (f Fingerprint) Platform() string {
	s := string(f)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return ""
}

func normKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
