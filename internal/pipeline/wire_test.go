package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/wisdom-cli/internal/config"
	"github.com/sells-group/wisdom-cli/internal/harvest"
	"github.com/sells-group/wisdom-cli/internal/resilience"
	"github.com/sells-group/wisdom-cli/internal/transform"
)

func TestBuildAdapters_EnabledOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = map[string]bool{"forum": true, "stackexchange": true, "reddit": false}
	cfg.Forum.Forums = []config.ForumTarget{{Name: "ct", URL: "https://example.com/forum"}}

	adapters := BuildAdapters(cfg, NewPolicy(cfg))
	require.Len(t, adapters, 2)
	assert.Equal(t, "stackexchange", adapters[0].Platform())
	assert.Equal(t, "forum", adapters[1].Platform())
}

func TestBuildAdapters_PagingAdaptersGateRequests(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = map[string]bool{"reddit": true, "stackexchange": true, "forum": true}
	cfg.Forum.Forums = []config.ForumTarget{{Name: "ct", URL: "https://example.com/forum"}}

	gated := map[string]bool{}
	for _, a := range BuildAdapters(cfg, NewPolicy(cfg)) {
		g, ok := a.(harvest.RequestGater)
		gated[a.Platform()] = ok && g.GatesRequests()
	}
	assert.Equal(t, map[string]bool{"reddit": true, "stackexchange": true, "forum": false}, gated)
}

func TestBuildTransformer(t *testing.T) {
	cfg := testConfig()
	tr, err := BuildTransformer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &transform.OpenAI{}, tr)
	assert.Equal(t, "test", tr.Model())

	cfg.Transform.Provider = "anthropic"
	tr, err = BuildTransformer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &transform.Anthropic{}, tr)

	cfg.Transform.Provider = "llama"
	_, err = BuildTransformer(cfg, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsConfigError(err))
}

func TestNewPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Reddit.Harvest.RateLimit.AcquireTimeout = 45
	p := NewPolicy(cfg)

	assert.Equal(t, 45*time.Second, p.AcquireTimeout)
	assert.Equal(t, 2, p.Retry.MaxAttempts)
	assert.InDelta(t, 100.0, float64(p.Limiters.Limit("reddit")), 0.001)
	assert.InDelta(t, 100.0, float64(p.Limiters.Limit("openai")), 0.001)

	cfg.Transform.MaxAttempts = 5
	tp := TransformPolicy(cfg, p)
	assert.Equal(t, 5, tp.Retry.MaxAttempts)
	assert.Equal(t, 2, p.Retry.MaxAttempts, "base policy is not modified")
	assert.Same(t, p.Limiters, tp.Limiters)
	assert.Zero(t, tp.AcquireTimeout)
}
