// Package filter decides which scored items are good enough to transform.
package filter

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/config"
	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/taxonomy"
)

// Rejection reasons. Parametrized reasons are rendered "<reason>:<detail>".
const (
	ReasonEmptyText        = "empty_text"
	ReasonTooShort         = "too_short"
	ReasonMissingField     = "missing_field"
	ReasonBlockedPhrase    = "blocked_phrase"
	ReasonBelowThreshold   = "below_threshold"
	ReasonTooFewCategories = "too_few_categories"
	ReasonBatchCap         = "batch_cap"
)

// DefaultThreshold is the minimum score for acceptance when none is set.
const DefaultThreshold = 3.0

// Options configures a Filter.
type Options struct {
	Threshold      float64
	MinLength      int
	RequiredFields []string
	BlockedPhrases []string
	MinCategories  int
	// MaxAccepted caps acceptances per Apply call. 0 means no cap.
	MaxAccepted int
}

// FromConfig maps the `filter` configuration section to Options.
func FromConfig(c config.FilterConfig) Options {
	return Options{
		Threshold:      c.Threshold,
		MinLength:      c.MinLength,
		RequiredFields: c.RequiredFields,
		BlockedPhrases: c.BlockedPhrases,
		MinCategories:  c.MinCategories,
		MaxAccepted:    c.MaxAccepted,
	}
}

type blockedPhrase struct {
	text   string
	tokens []string
}

// Filter applies the quality rules. It is safe for concurrent use.
type Filter struct {
	opts    Options
	blocked []blockedPhrase
	now     func() time.Time
}

// New creates a Filter. Blocked phrases are matched on word boundaries,
// case-insensitively.
func New(opts Options) *Filter {
	f := &Filter{opts: opts, now: time.Now}
	for _, p := range opts.BlockedPhrases {
		toks := taxonomy.Tokens(p)
		if len(toks) == 0 {
			continue
		}
		f.blocked = append(f.blocked, blockedPhrase{text: strings.Join(toks, " "), tokens: toks})
	}
	return f
}

// Threshold returns the score threshold in force.
func (f *Filter) Threshold() float64 { return f.opts.Threshold }

// Decide evaluates a single item. Structural checks run before the score
// check, so the reason names the first rule the item failed.
func (f *Filter) Decide(item model.ScoredItem) model.Decision {
	text := strings.TrimSpace(item.Text)
	if text == "" {
		return reject(ReasonEmptyText)
	}
	if utf8.RuneCountInString(text) < f.opts.MinLength {
		return reject(ReasonTooShort)
	}
	for _, k := range f.opts.RequiredFields {
		if strings.TrimSpace(item.Meta(k)) == "" {
			return reject(ReasonMissingField + ":" + k)
		}
	}
	if len(f.blocked) > 0 {
		toks := taxonomy.Tokens(text)
		for _, p := range f.blocked {
			if containsSeq(toks, p.tokens) {
				return reject(ReasonBlockedPhrase + ":" + p.text)
			}
		}
	}
	if item.Score < f.opts.Threshold {
		return reject(ReasonBelowThreshold)
	}
	if f.opts.MinCategories > 0 && item.DistinctCategories < f.opts.MinCategories {
		return reject(ReasonTooFewCategories)
	}
	return model.Decision{Accept: true}
}

// Apply decides a batch. When more items pass than MaxAccepted allows, the
// highest-scoring ones are kept (ties keep input order) and the rest are
// rejected with batch_cap. Output order matches input order.
func (f *Filter) Apply(items []model.ScoredItem) []model.FilteredItem {
	at := f.now().UTC()
	out := make([]model.FilteredItem, len(items))
	var accepted []int
	for i, it := range items {
		d := f.Decide(it)
		out[i] = model.FilteredItem{ScoredItem: it, Decision: d, Threshold: f.opts.Threshold, FilteredAt: at}
		if d.Accept {
			accepted = append(accepted, i)
		}
	}

	if f.opts.MaxAccepted > 0 && len(accepted) > f.opts.MaxAccepted {
		sort.SliceStable(accepted, func(a, b int) bool {
			return items[accepted[a]].Score > items[accepted[b]].Score
		})
		for _, i := range accepted[f.opts.MaxAccepted:] {
			out[i].Decision = reject(ReasonBatchCap)
		}
		zap.L().Info("filter: batch cap applied",
			zap.Int("passed", len(accepted)),
			zap.Int("max_accepted", f.opts.MaxAccepted),
		)
	}
	return out
}

// Summary counts accepted items and rejections by reason family.
func Summary(items []model.FilteredItem) (accepted int, rejected map[string]int) {
	rejected = make(map[string]int)
	for _, it := range items {
		if it.Decision.Accept {
			accepted++
			continue
		}
		reason, _, _ := strings.Cut(it.Decision.Reason, ":")
		rejected[reason]++
	}
	return accepted, rejected
}

func reject(reason string) model.Decision {
	return model.Decision{Accept: false, Reason: reason}
}

func containsSeq(toks, seq []string) bool {
	if len(seq) == 0 || len(seq) > len(toks) {
		return false
	}
	for i := 0; i+len(seq) <= len(toks); i++ {
		match := true
		for j, s := range seq {
			if toks[i+j] != s {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
