package config

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
	"github.com/sells-group/wisdom-cli/internal/taxonomy"
)

// Platform names recognized under `sources`.
const (
	PlatformReddit        = "reddit"
	PlatformStackExchange = "stackexchange"
	PlatformForum         = "forum"
)

// KnownPlatforms lists the platforms an adapter exists for.
var KnownPlatforms = []string{PlatformReddit, PlatformStackExchange, PlatformForum}

// Config holds the full application configuration.
type Config struct {
	Sources           map[string]bool     `yaml:"sources" mapstructure:"sources"`
	Keywords          []KeywordCategory   `yaml:"keywords" mapstructure:"keywords"`
	IndustryModifiers []string            `yaml:"industry_modifiers" mapstructure:"industry_modifiers"`
	Reddit            RedditConfig        `yaml:"reddit" mapstructure:"reddit"`
	StackExchange     StackExchangeConfig `yaml:"stackexchange" mapstructure:"stackexchange"`
	Forum             ForumConfig         `yaml:"forum" mapstructure:"forum"`
	Scoring           ScoringConfig       `yaml:"scoring" mapstructure:"scoring"`
	Filter            FilterConfig        `yaml:"filter" mapstructure:"filter"`
	Dedup             DedupConfig         `yaml:"dedup" mapstructure:"dedup"`
	Retry             RetryConfig         `yaml:"retry" mapstructure:"retry"`
	Circuit           CircuitConfig       `yaml:"circuit" mapstructure:"circuit"`
	Transform         TransformConfig     `yaml:"transform" mapstructure:"transform"`
	Store             StoreConfig         `yaml:"store" mapstructure:"store"`
	Log               LogConfig           `yaml:"log" mapstructure:"log"`
	Export            ExportConfig        `yaml:"export" mapstructure:"export"`

	// Credentials are read from the environment only.
	Credentials Credentials `yaml:"-" mapstructure:"-"`

	// Diagnostics lists configuration keys that were present but not
	// recognized. They are reported, never fatal.
	Diagnostics []string `yaml:"-" mapstructure:"-"`
}

// KeywordCategory is one weighted category in the `keywords` list.
type KeywordCategory struct {
	Category string   `yaml:"category" mapstructure:"category"`
	Weight   float64  `yaml:"weight" mapstructure:"weight"`
	Cap      int      `yaml:"cap" mapstructure:"cap"`
	Terms    []string `yaml:"terms" mapstructure:"terms"`
}

// RateLimitConfig is a per-platform request budget.
type RateLimitConfig struct {
	Requests       int     `yaml:"requests" mapstructure:"requests"`
	PerSeconds     float64 `yaml:"per_seconds" mapstructure:"per_seconds"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
	AcquireTimeout int     `yaml:"acquire_timeout_secs" mapstructure:"acquire_timeout_secs"`
}

// HarvestConfig holds the options shared by every platform section.
type HarvestConfig struct {
	Limit       int             `yaml:"limit" mapstructure:"limit"`
	TimeFilter  string          `yaml:"time_filter" mapstructure:"time_filter"`
	TimeFilters []string        `yaml:"time_filters" mapstructure:"time_filters"`
	Modes       []string        `yaml:"modes" mapstructure:"modes"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// Windows returns the configured time windows, TimeFilters taking
// precedence over the single TimeFilter.
func (h HarvestConfig) Windows() []model.TimeWindow {
	src := h.TimeFilters
	if len(src) == 0 && h.TimeFilter != "" {
		src = []string{h.TimeFilter}
	}
	out := make([]model.TimeWindow, 0, len(src))
	for _, w := range src {
		out = append(out, model.TimeWindow(w))
	}
	if len(out) == 0 {
		out = append(out, model.WindowAll)
	}
	return out
}

// RedditConfig configures the Reddit adapter.
type RedditConfig struct {
	Harvest         HarvestConfig `yaml:"harvest" mapstructure:"harvest"`
	Subreddits      []string      `yaml:"subreddits" mapstructure:"subreddits"`
	Queries         []string      `yaml:"queries" mapstructure:"queries"`
	BaseURL         string        `yaml:"base_url" mapstructure:"base_url"`
	MinPostScore    int           `yaml:"min_post_score" mapstructure:"min_post_score"`
	MinComments     int           `yaml:"min_comments" mapstructure:"min_comments"`
	RequireSelfPost bool          `yaml:"require_self_post" mapstructure:"require_self_post"`
	AllowedFlairs   []string      `yaml:"allowed_flairs" mapstructure:"allowed_flairs"`
	TopComments     int           `yaml:"top_comments" mapstructure:"top_comments"`
}

// StackExchangeConfig configures the StackExchange adapter.
type StackExchangeConfig struct {
	Harvest  HarvestConfig `yaml:"harvest" mapstructure:"harvest"`
	Sites    []string      `yaml:"sites" mapstructure:"sites"`
	Tags     []string      `yaml:"tags" mapstructure:"tags"`
	Queries  []string      `yaml:"queries" mapstructure:"queries"`
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	MinScore int           `yaml:"min_score" mapstructure:"min_score"`
}

// ForumConfig configures the generic forum scraper.
type ForumConfig struct {
	Harvest HarvestConfig `yaml:"harvest" mapstructure:"harvest"`
	Forums  []ForumTarget `yaml:"forums" mapstructure:"forums"`
}

// ForumTarget is one scraped forum listing page.
type ForumTarget struct {
	Name      string         `yaml:"name" mapstructure:"name"`
	URL       string         `yaml:"url" mapstructure:"url"`
	Selectors ForumSelectors `yaml:"selectors" mapstructure:"selectors"`
}

// ForumSelectors are CSS selectors for the parts of a thread listing.
type ForumSelectors struct {
	Thread  string `yaml:"thread" mapstructure:"thread"`
	Title   string `yaml:"title" mapstructure:"title"`
	Content string `yaml:"content" mapstructure:"content"`
	Author  string `yaml:"author" mapstructure:"author"`
	Date    string `yaml:"date" mapstructure:"date"`
	Link    string `yaml:"link" mapstructure:"link"`
}

// ScoringConfig configures the keyword scorer.
type ScoringConfig struct {
	Cap          int    `yaml:"cap" mapstructure:"cap"`
	TaxonomyFile string `yaml:"taxonomy_file" mapstructure:"taxonomy_file"`
}

// FilterConfig configures the quality filter.
type FilterConfig struct {
	Threshold      float64  `yaml:"threshold" mapstructure:"threshold"`
	MinLength      int      `yaml:"min_length" mapstructure:"min_length"`
	RequiredFields []string `yaml:"required_fields" mapstructure:"required_fields"`
	BlockedPhrases []string `yaml:"blocked_phrases" mapstructure:"blocked_phrases"`
	MinCategories  int      `yaml:"min_categories" mapstructure:"min_categories"`
	MaxAccepted    int      `yaml:"max_accepted" mapstructure:"max_accepted"`
}

// DedupConfig configures the deduplication index.
type DedupConfig struct {
	TTLHours int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// RetryConfig configures bounded retry with backoff.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-platform circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// TransformConfig configures the external transformation step.
type TransformConfig struct {
	Provider    string          `yaml:"provider" mapstructure:"provider"`
	Model       string          `yaml:"model" mapstructure:"model"`
	BaseURL     string          `yaml:"base_url" mapstructure:"base_url"`
	Temperature float64         `yaml:"temperature" mapstructure:"temperature"`
	MaxAttempts int             `yaml:"max_attempts" mapstructure:"max_attempts"`
	Concurrency int             `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ExportConfig configures tier file output.
type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// Credentials hold secrets taken from the process environment.
type Credentials struct {
	RedditClientID     string
	RedditClientSecret string
	RedditUserAgent    string
	StackExchangeKey   string
	OpenAIKey          string
	AnthropicKey       string
}

// LoadCredentials reads credentials from the environment.
func LoadCredentials() Credentials {
	return Credentials{
		RedditClientID:     os.Getenv("REDDIT_CLIENT_ID"),
		RedditClientSecret: os.Getenv("REDDIT_CLIENT_SECRET"),
		RedditUserAgent:    os.Getenv("REDDIT_USER_AGENT"),
		StackExchangeKey:   os.Getenv("STACKEXCHANGE_KEY"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:       os.Getenv("ANTHROPIC_API_KEY"),
	}
}

// DefaultBlockedPhrases rejects obvious or personal-life content.
var DefaultBlockedPhrases = []string{
	"work hard", "be honest", "set boundaries", "be professional",
	"be respectful", "be organized", "be prepared", "work life balance",
	"stress management", "be patient", "be persistent", "be confident",
	"be positive", "marriage", "dating", "diet", "hobby", "vacation",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("industry_modifiers", []string{})

	v.SetDefault("reddit.harvest.limit", 25)
	v.SetDefault("reddit.harvest.time_filter", "month")
	v.SetDefault("reddit.harvest.modes", []string{"search"})
	v.SetDefault("reddit.harvest.rate_limit.requests", 60)
	v.SetDefault("reddit.harvest.rate_limit.per_seconds", 60)
	v.SetDefault("reddit.harvest.rate_limit.burst", 1)
	v.SetDefault("reddit.harvest.rate_limit.acquire_timeout_secs", 30)
	v.SetDefault("reddit.min_post_score", 5)
	v.SetDefault("reddit.min_comments", 3)

	v.SetDefault("stackexchange.base_url", "https://api.stackexchange.com")
	v.SetDefault("stackexchange.harvest.limit", 30)
	v.SetDefault("stackexchange.harvest.time_filter", "year")
	v.SetDefault("stackexchange.harvest.modes", []string{"search"})
	v.SetDefault("stackexchange.harvest.rate_limit.requests", 10)
	v.SetDefault("stackexchange.harvest.rate_limit.per_seconds", 1)
	v.SetDefault("stackexchange.harvest.rate_limit.burst", 1)
	v.SetDefault("stackexchange.harvest.rate_limit.acquire_timeout_secs", 30)
	v.SetDefault("stackexchange.min_score", 1)

	v.SetDefault("forum.harvest.limit", 20)
	v.SetDefault("forum.harvest.modes", []string{"listing"})
	v.SetDefault("forum.harvest.rate_limit.requests", 1)
	v.SetDefault("forum.harvest.rate_limit.per_seconds", 2)
	v.SetDefault("forum.harvest.rate_limit.burst", 1)
	v.SetDefault("forum.harvest.rate_limit.acquire_timeout_secs", 30)

	v.SetDefault("scoring.cap", taxonomy.DefaultCap)

	v.SetDefault("filter.threshold", 3.0)
	v.SetDefault("filter.min_length", 50)
	v.SetDefault("filter.blocked_phrases", DefaultBlockedPhrases)

	v.SetDefault("dedup.ttl_hours", 24)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown_secs", 60)

	v.SetDefault("transform.provider", "openai")
	v.SetDefault("transform.model", "gpt-4o-mini")
	v.SetDefault("transform.concurrency", 1)
	v.SetDefault("transform.temperature", 0.3)
	v.SetDefault("transform.max_attempts", 3)
	v.SetDefault("transform.rate_limit.requests", 2)
	v.SetDefault("transform.rate_limit.per_seconds", 3)
	v.SetDefault("transform.rate_limit.burst", 1)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "wisdom.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("export.dir", "data")
}

// Load reads configuration from path (or ./config.yaml when path is empty)
// and the environment. Unknown keys are collected into Diagnostics.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WISDOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var md mapstructure.Metadata
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.Metadata = &md
	}); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	cfg.Diagnostics = unknownKeys(md.Unused)
	for _, k := range cfg.Diagnostics {
		zap.L().Warn("config: unrecognized key ignored", zap.String("key", k))
	}
	cfg.Credentials = LoadCredentials()
	if cfg.Credentials.RedditUserAgent == "" {
		cfg.Credentials.RedditUserAgent = "wisdom-cli/1.0 (tacit knowledge harvester)"
	}

	return &cfg, nil
}

func unknownKeys(unused []string) []string {
	out := slices.Clone(unused)
	sort.Strings(out)
	return out
}

// EnabledPlatforms returns the enabled sources in a stable order.
func (c *Config) EnabledPlatforms() []string {
	var out []string
	for _, p := range KnownPlatforms {
		if c.Sources[p] {
			out = append(out, p)
		}
	}
	return out
}

// HarvestFor returns the harvest section for platform.
func (c *Config) HarvestFor(platform string) HarvestConfig {
	switch platform {
	case PlatformReddit:
		return c.Reddit.Harvest
	case PlatformStackExchange:
		return c.StackExchange.Harvest
	case PlatformForum:
		return c.Forum.Harvest
	}
	return HarvestConfig{}
}

// Taxonomy builds the active taxonomy. A taxonomy file wins over inline
// keywords, which win over the built-in vocabulary.
func (c *Config) Taxonomy() (*taxonomy.Taxonomy, error) {
	if c.Scoring.TaxonomyFile != "" {
		return taxonomy.LoadFile(c.Scoring.TaxonomyFile)
	}
	if len(c.Keywords) == 0 {
		return taxonomy.Default(c.Scoring.Cap), nil
	}
	cats := make([]taxonomy.Category, len(c.Keywords))
	for i, k := range c.Keywords {
		cats[i] = taxonomy.Category{Name: k.Category, Weight: k.Weight, Cap: k.Cap, Terms: k.Terms}
	}
	return taxonomy.New("config", c.Scoring.Cap, cats)
}

// Validate checks the configuration needed by mode ("harvest", "filter",
// "transform", "run", or "" for everything that does not need
// credentials). Every problem is reported in a single ConfigError.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for name, on := range c.Sources {
		if on && !slices.Contains(KnownPlatforms, name) {
			add("sources.%s: unknown platform", name)
		}
	}

	if _, err := c.Taxonomy(); err != nil {
		add("keywords: %v", err)
	}
	if c.Scoring.Cap < 0 {
		add("scoring.cap must be >= 0")
	}
	if c.Filter.Threshold < 0 {
		add("filter.threshold must be >= 0")
	}
	if c.Filter.MinLength < 0 {
		add("filter.min_length must be >= 0")
	}
	if c.Filter.MinCategories < 0 {
		add("filter.min_categories must be >= 0")
	}
	if c.Filter.MaxAccepted < 0 {
		add("filter.max_accepted must be >= 0")
	}
	if c.Dedup.TTLHours < 0 {
		add("dedup.ttl_hours must be >= 0")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver %q must be sqlite or postgres", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	if mode == "harvest" || mode == "run" {
		c.validateSources(add)
	}
	if mode == "transform" || mode == "run" {
		c.validateTransform(add)
	}

	if len(problems) > 0 {
		return &resilience.ConfigError{Problems: problems}
	}
	return nil
}

func (c *Config) validateSources(add func(string, ...any)) {
	if c.Sources[PlatformReddit] {
		r := c.Reddit
		if len(r.Subreddits) == 0 {
			add("reddit.subreddits is required when reddit is enabled")
		}
		validateHarvest("reddit", r.Harvest, []model.Mode{model.ModeSearch, model.ModeTop, model.ModeNew, model.ModeHot, model.ModeControversial}, add)
		if slices.Contains(r.Harvest.Modes, string(model.ModeSearch)) && len(r.Queries) == 0 {
			add("reddit.queries is required for search mode")
		}
	}
	if c.Sources[PlatformStackExchange] {
		s := c.StackExchange
		if len(s.Sites) == 0 {
			add("stackexchange.sites is required when stackexchange is enabled")
		}
		validateHarvest("stackexchange", s.Harvest, []model.Mode{model.ModeSearch, model.ModeTop, model.ModeNew}, add)
		if slices.Contains(s.Harvest.Modes, string(model.ModeSearch)) && len(s.Queries) == 0 {
			add("stackexchange.queries is required for search mode")
		}
	}
	if c.Sources[PlatformForum] {
		f := c.Forum
		if len(f.Forums) == 0 {
			add("forum.forums is required when forum is enabled")
		}
		for i, t := range f.Forums {
			if t.Name == "" {
				add("forum.forums[%d].name is required", i)
			}
			if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
				add("forum.forums[%d].url must be an http(s) URL", i)
			}
		}
		validateHarvest("forum", f.Harvest, []model.Mode{model.ModeListing}, add)
	}
}

func validateHarvest(section string, h HarvestConfig, allowed []model.Mode, add func(string, ...any)) {
	if h.Limit <= 0 {
		add("%s.harvest.limit must be > 0", section)
	}
	if len(h.Modes) == 0 {
		add("%s.harvest.modes must not be empty", section)
	}
	for _, m := range h.Modes {
		if !slices.Contains(allowed, model.Mode(m)) {
			add("%s.harvest.modes: unsupported mode %q", section, m)
		}
	}
	for _, w := range h.Windows() {
		if strings.ToLower(strings.TrimSpace(string(w))) != w.Bucket() {
			add("%s.harvest.time_filter: unknown window %q", section, w)
		}
	}
	if h.RateLimit.Requests <= 0 || h.RateLimit.PerSeconds <= 0 {
		add("%s.harvest.rate_limit requires requests and per_seconds > 0", section)
	}
}

func (c *Config) validateTransform(add func(string, ...any)) {
	switch c.Transform.Provider {
	case "openai":
		if c.Credentials.OpenAIKey == "" {
			add("OPENAI_API_KEY is required for transform.provider openai")
		}
	case "anthropic":
		if c.Credentials.AnthropicKey == "" {
			add("ANTHROPIC_API_KEY is required for transform.provider anthropic")
		}
	default:
		add("transform.provider %q must be openai or anthropic", c.Transform.Provider)
	}
	if c.Transform.Model == "" {
		add("transform.model is required")
	}
	if c.Transform.MaxAttempts < 1 {
		add("transform.max_attempts must be >= 1")
	}
	if c.Transform.Concurrency < 1 {
		add("transform.concurrency must be >= 1")
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
