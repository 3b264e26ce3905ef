package pipeline

import (
	"fmt"
	"time"

	"github.com/sells-group/wisdom-cli/internal/config"
	"github.com/sells-group/wisdom-cli/internal/cost"
	"github.com/sells-group/wisdom-cli/internal/harvest"
	"github.com/sells-group/wisdom-cli/internal/resilience"
	"github.com/sells-group/wisdom-cli/internal/transform"
	"github.com/sells-group/wisdom-cli/pkg/anthropic"
	"github.com/sells-group/wisdom-cli/pkg/forum"
	"github.com/sells-group/wisdom-cli/pkg/openai"
	"github.com/sells-group/wisdom-cli/pkg/reddit"
	"github.com/sells-group/wisdom-cli/pkg/stackexchange"
)

const defaultAcquireTimeout = 30 * time.Second

// NewPolicy builds the shared call policy. Every known platform and the
// transform provider get their own budget and breaker; all share the retry
// settings from config.
func NewPolicy(cfg *config.Config) *resilience.Policy {
	budgets := make(map[string]resilience.Budget, len(config.KnownPlatforms)+1)
	acquire := time.Duration(0)
	for _, p := range config.KnownPlatforms {
		rl := cfg.HarvestFor(p).RateLimit
		budgets[p] = resilience.FromRateSettings(rl.Requests, rl.PerSeconds, rl.Burst)
		if d := time.Duration(rl.AcquireTimeout) * time.Second; d > acquire {
			acquire = d
		}
	}
	trl := cfg.Transform.RateLimit
	budgets[cfg.Transform.Provider] = resilience.FromRateSettings(trl.Requests, trl.PerSeconds, trl.Burst)
	if acquire == 0 {
		acquire = defaultAcquireTimeout
	}

	breakers := resilience.NewBreakers(resilience.FromCircuitSettings(cfg.Circuit.FailureThreshold, cfg.Circuit.CooldownSecs))
	r := cfg.Retry
	return &resilience.Policy{
		Limiters:       resilience.NewLimiters(resilience.DefaultBudget, budgets, breakers),
		Retry:          resilience.FromRetrySettings(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction),
		AcquireTimeout: acquire,
	}
}

// TransformPolicy derives the policy for model calls from base. It shares
// base's limiters and breakers but bounds attempts by transform.max_attempts.
// A zero acquire timeout waits for the throttle as long as ctx allows.
func TransformPolicy(cfg *config.Config, base *resilience.Policy) *resilience.Policy {
	p := *base
	if cfg.Transform.MaxAttempts > 0 {
		p.Retry.MaxAttempts = cfg.Transform.MaxAttempts
	}
	p.AcquireTimeout = time.Duration(cfg.Transform.RateLimit.AcquireTimeout) * time.Second
	return &p
}

// BuildAdapters creates an adapter for every enabled platform. Adapters
// that page or fan out within a task take a permit from policy for each
// request.
func BuildAdapters(cfg *config.Config, policy *resilience.Policy) []harvest.Adapter {
	creds := cfg.Credentials
	var out []harvest.Adapter
	for _, p := range cfg.EnabledPlatforms() {
		switch p {
		case config.PlatformReddit:
			r := cfg.Reddit
			out = append(out, reddit.New(reddit.Options{
				BaseURL:         r.BaseURL,
				ClientID:        creds.RedditClientID,
				ClientSecret:    creds.RedditClientSecret,
				UserAgent:       creds.RedditUserAgent,
				MinPostScore:    r.MinPostScore,
				MinComments:     r.MinComments,
				RequireSelfPost: r.RequireSelfPost,
				AllowedFlairs:   r.AllowedFlairs,
				TopComments:     r.TopComments,
				Gate:            policy.Gate(config.PlatformReddit),
			}))
		case config.PlatformStackExchange:
			s := cfg.StackExchange
			out = append(out, stackexchange.New(stackexchange.Options{
				BaseURL:  s.BaseURL,
				Key:      creds.StackExchangeKey,
				Tags:     s.Tags,
				MinScore: s.MinScore,
				Gate:     policy.Gate(config.PlatformStackExchange),
			}))
		case config.PlatformForum:
			targets := make([]forum.Target, len(cfg.Forum.Forums))
			for i, f := range cfg.Forum.Forums {
				targets[i] = forum.Target{
					Name: f.Name,
					URL:  f.URL,
					Selectors: forum.Selectors{
						Thread:  f.Selectors.Thread,
						Title:   f.Selectors.Title,
						Content: f.Selectors.Content,
						Author:  f.Selectors.Author,
						Date:    f.Selectors.Date,
						Link:    f.Selectors.Link,
					},
				}
			}
			out = append(out, forum.New(forum.Options{Forums: targets, MinContentLength: cfg.Filter.MinLength}))
		}
	}
	return out
}

// BuildTransformer creates the model backend named by transform.provider.
// Token usage is recorded in ledger, which may be nil.
func BuildTransformer(cfg *config.Config, ledger *cost.Ledger) (transform.Transformer, error) {
	t := cfg.Transform
	switch t.Provider {
	case "openai":
		client := openai.NewClient(cfg.Credentials.OpenAIKey, t.BaseURL)
		return transform.NewOpenAI(client, t.Model, t.Temperature).WithLedger(ledger), nil
	case "anthropic":
		client := anthropic.NewClient(cfg.Credentials.AnthropicKey, t.BaseURL)
		return transform.NewAnthropic(client, t.Model, t.Temperature).WithLedger(ledger), nil
	}
	return nil, &resilience.ConfigError{Problems: []string{
		fmt.Sprintf("transform.provider %q must be openai or anthropic", t.Provider),
	}}
}
