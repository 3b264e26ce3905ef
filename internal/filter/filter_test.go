package filter

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/wisdom-cli/internal/config"
	"github.com/sells-group/wisdom-cli/internal/model"
)

const longText = "Pro tip: always get the change order signed before you start the extra work, or you will eat the cost."

func scored(id, text string, score float64, cats int) model.ScoredItem {
	return model.ScoredItem{
		RawItem: model.RawItem{
			Platform:   "reddit",
			ExternalID: id,
			Text:       text,
			Metadata:   map[string]string{"link": "https://reddit.com/" + id},
		},
		Score:              score,
		DistinctCategories: cats,
	}
}

func defaultOptions() Options {
	return Options{
		Threshold:      DefaultThreshold,
		MinLength:      50,
		BlockedPhrases: config.DefaultBlockedPhrases,
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		opts   func(*Options)
		item   model.ScoredItem
		accept bool
		reason string
	}{
		{"accepted", nil, scored("1", longText, 4, 2), true, ""},
		{"exactly at threshold", nil, scored("1", longText, 3, 1), true, ""},
		{"empty", nil, scored("1", "   ", 10, 3), false, ReasonEmptyText},
		{"too short", nil, scored("1", "Pro tip: check twice.", 10, 3), false, ReasonTooShort},
		{"below threshold", nil, scored("1", longText, 2.5, 1), false, ReasonBelowThreshold},
		{
			"missing field",
			func(o *Options) { o.RequiredFields = []string{"link", "subreddit"} },
			scored("1", longText, 5, 2), false, "missing_field:subreddit",
		},
		{
			"blocked phrase on word boundary",
			nil,
			scored("1", longText+" Also, Work-Life Balance matters.", 5, 2), false, "blocked_phrase:work life balance",
		},
		{
			"blocked word inside another word is ignored",
			nil,
			scored("1", longText+" The dieting clients were difficult.", 5, 2), true, "",
		},
		{
			"too few categories",
			func(o *Options) { o.MinCategories = 2 },
			scored("1", longText, 5, 1), false, ReasonTooFewCategories,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			d := New(opts).Decide(tt.item)
			assert.Equal(t, tt.accept, d.Accept)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestApply_BatchCapKeepsHighestScores(t *testing.T) {
	opts := defaultOptions()
	opts.MaxAccepted = 2
	f := New(opts)
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return at }

	out := f.Apply([]model.ScoredItem{
		scored("a", longText, 4, 1),
		scored("b", longText, 9, 1),
		scored("c", "short", 9, 1),
		scored("d", longText, 4, 1),
		scored("e", longText, 6, 1),
	})
	require.Len(t, out, 5)

	var keys []string
	for _, it := range out {
		keys = append(keys, it.ExternalID)
		assert.Equal(t, at, it.FilteredAt)
		assert.Equal(t, DefaultThreshold, it.Threshold)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys, "input order preserved")

	assert.Equal(t, ReasonBatchCap, out[0].Decision.Reason)
	assert.True(t, out[1].Decision.Accept)
	assert.Equal(t, ReasonTooShort, out[2].Decision.Reason)
	assert.Equal(t, ReasonBatchCap, out[3].Decision.Reason)
	assert.True(t, out[4].Decision.Accept)

	accepted, rejected := Summary(out)
	assert.Equal(t, 2, accepted)
	assert.Equal(t, map[string]int{ReasonBatchCap: 2, ReasonTooShort: 1}, rejected)
}

func TestFromConfig(t *testing.T) {
	opts := FromConfig(config.FilterConfig{Threshold: 5, MinLength: 80, MaxAccepted: 10, RequiredFields: []string{"link"}})
	assert.Equal(t, 5.0, opts.Threshold)
	assert.Equal(t, 80, opts.MinLength)
	assert.Equal(t, 10, opts.MaxAccepted)
	assert.Equal(t, 5.0, New(opts).Threshold())
}

func TestNew_IgnoresBlankPhrases(t *testing.T) {
	f := New(Options{BlockedPhrases: []string{"", "  ", "--"}})
	assert.Empty(t, f.blocked)
	assert.True(t, f.Decide(scored("1", strings.Repeat("x", 10), 0, 0)).Accept)
}
