package harvest

import (
	"strings"

	"github.com/sells-group/wisdom-cli/internal/config"
	"github.com/sells-group/wisdom-cli/internal/model"
)

// windowedModes are the modes whose results depend on the time window.
// Other modes ignore it, so they are planned once under "all".
var windowedModes = map[model.Mode]bool{
	model.ModeSearch:        true,
	model.ModeTop:           true,
	model.ModeControversial: true,
}

// Plan expands the configuration into an ordered task list. Platforms follow
// config.KnownPlatforms order; within a platform tasks are ordered by target,
// mode, window and query. Tasks sharing a fingerprint are planned once.
func Plan(cfg *config.Config) []model.HarvestTask {
	var tasks []model.HarvestTask
	seen := make(map[model.Fingerprint]bool)
	add := func(t model.HarvestTask) {
		fp := t.Fingerprint()
		if seen[fp] {
			return
		}
		seen[fp] = true
		tasks = append(tasks, t)
	}

	for _, platform := range cfg.EnabledPlatforms() {
		h := cfg.HarvestFor(platform)
		switch platform {
		case config.PlatformReddit:
			queries := ExpandQueries(cfg.Reddit.Queries, cfg.IndustryModifiers)
			for _, sub := range cfg.Reddit.Subreddits {
				planTarget(platform, sub, h, queries, add)
			}
		case config.PlatformStackExchange:
			queries := ExpandQueries(cfg.StackExchange.Queries, cfg.IndustryModifiers)
			for _, site := range cfg.StackExchange.Sites {
				planTarget(platform, site, h, queries, add)
			}
		case config.PlatformForum:
			for _, f := range cfg.Forum.Forums {
				add(model.HarvestTask{
					Platform:   platform,
					Target:     f.Name,
					Mode:       model.ModeListing,
					TimeWindow: model.WindowAll,
					Limit:      h.Limit,
				})
			}
		}
	}
	return tasks
}

func planTarget(platform, target string, h config.HarvestConfig, queries []string, add func(model.HarvestTask)) {
	modes := h.Modes
	if len(modes) == 0 {
		modes = []string{string(model.ModeSearch)}
	}
	for _, m := range modes {
		mode := model.Mode(strings.ToLower(strings.TrimSpace(m)))
		windows := []model.TimeWindow{model.WindowAll}
		if windowedModes[mode] {
			windows = h.Windows()
		}
		for _, w := range windows {
			if mode != model.ModeSearch {
				add(model.HarvestTask{Platform: platform, Target: target, Mode: mode, TimeWindow: w, Limit: h.Limit})
				continue
			}
			for _, q := range queries {
				add(model.HarvestTask{Platform: platform, Target: target, Query: q, Mode: mode, TimeWindow: w, Limit: h.Limit})
			}
		}
	}
}

// ExpandQueries returns each query followed by its industry-qualified
// variants ("<query> <modifier>"). Blank entries are dropped.
func ExpandQueries(queries, modifiers []string) []string {
	var out []string
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		out = append(out, q)
		for _, m := range modifiers {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			out = append(out, q+" "+m)
		}
	}
	return out
}
