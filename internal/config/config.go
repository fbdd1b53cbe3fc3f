package config

import (
	"fmt"
	"strings"
	"time"

	llmhttp "github.com/aireview/engine/internal/adapter/llm/http"
)

// Config represents the full application configuration.
type Config struct {
	Providers     map[string]ProviderConfig `yaml:"providers"`
	HTTP          HTTPConfig                `yaml:"http"`
	Merge         MergeConfig               `yaml:"merge"`
	Planning      PlanningConfig            `yaml:"planning"`
	Git           GitConfig                 `yaml:"git"`
	Output        OutputConfig              `yaml:"output"`
	Budget        BudgetConfig              `yaml:"budget"`
	Redaction     RedactionConfig           `yaml:"redaction"`
	Determinism   DeterminismConfig         `yaml:"determinism"`
	Store         StoreConfig               `yaml:"store"`
	Observability ObservabilityConfig       `yaml:"observability"`
	Review        ReviewConfig              `yaml:"review"`
	Verification  VerificationConfig        `yaml:"verification"`
	Redis         RedisConfig               `yaml:"redis"`
	Locks         LocksConfig               `yaml:"locks"`
	Jobs          JobsConfig                `yaml:"jobs"`
	LLM           LLMRouterConfig           `yaml:"llm"`
	Chunker       ChunkerConfig             `yaml:"chunker"`
	SizeGuards    SizeGuardsConfig          `yaml:"sizeGuards"`
}

// SizeGuardsConfig bounds the prompt token budget sent to each provider,
// warning above WarnTokens and refusing above MaxTokens. Per-provider
// entries override the global values field-by-field.
type SizeGuardsConfig struct {
	Enabled    *bool                          `yaml:"enabled"`
	WarnTokens int                            `yaml:"warnTokens"`
	MaxTokens  int                            `yaml:"maxTokens"`
	Providers  map[string]ProviderSizeConfig `yaml:"providers"`
}

// ProviderSizeConfig overrides SizeGuardsConfig's global limits for one provider.
type ProviderSizeConfig struct {
	WarnTokens int `yaml:"warnTokens"`
	MaxTokens  int `yaml:"maxTokens"`
}

const (
	defaultWarnTokens = 150000
	defaultMaxTokens  = 200000
)

// IsEnabled reports whether size guards are active. Nil Enabled defaults to true.
func (c SizeGuardsConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// GetLimitsForProvider resolves the effective warn/max token thresholds
// for provider, falling back to global values and hardcoded defaults,
// and swapping warn/max if the result would otherwise be misconfigured.
func (c SizeGuardsConfig) GetLimitsForProvider(provider string) (warn, max int) {
	warn = c.WarnTokens
	if warn == 0 {
		warn = defaultWarnTokens
	}
	max = c.MaxTokens
	if max == 0 {
		max = defaultMaxTokens
	}

	if p, ok := c.Providers[provider]; ok {
		if p.WarnTokens != 0 {
			warn = p.WarnTokens
		}
		if p.MaxTokens != 0 {
			max = p.MaxTokens
		}
	}

	if warn > max {
		warn, max = max, warn
	}
	return warn, max
}

// RedisConfig configures the distributed cache/lock client.
type RedisConfig struct {
	ConnectionString string `yaml:"connectionString"`
	InstancePrefix   string `yaml:"instancePrefix"` // default "AIReview:"
}

// LocksConfig configures the idempotency/claim protocol timing.
type LocksConfig struct {
	TTLSeconds              int `yaml:"ttlSeconds"`              // default 30
	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds"` // default 5
	LivenessWindowSeconds    int `yaml:"livenessWindowSeconds"`    // default 15
	DedupWindowSeconds       int `yaml:"dedupWindowSeconds"`       // default 300
}

// JobsConfig configures job execution bounds shared across orchestrators.
type JobsConfig struct {
	ExecutionTimeoutMinutes int `yaml:"executionTimeoutMinutes"` // default 30
}

// LLMRouterConfig configures the LLM router's concurrency and retry shape.
type LLMRouterConfig struct {
	PerProviderConcurrency int         `yaml:"perProviderConcurrency"` // default 8
	Retry                  RetryTiming `yaml:"retry"`
}

// RetryTiming mirrors llmhttp.RetryConfig in config-file terms.
type RetryTiming struct {
	BaseMs      int `yaml:"baseMs"`      // default 500
	CapMs       int `yaml:"capMs"`       // default 15000
	MaxAttempts int `yaml:"maxAttempts"` // default 4
}

// ChunkerConfig configures the diff-to-chunk packer.
type ChunkerConfig struct {
	TargetTokens int `yaml:"targetTokens"` // default 3000
}

// ToRetryConfig converts the config-file retry timing into the shape
// llmrouter/llmhttp expect. MaxAttempts counts the first call, so
// MaxRetries is one less.
func (r RetryTiming) ToRetryConfig() llmhttp.RetryConfig {
	retries := r.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return llmhttp.RetryConfig{
		MaxRetries:     retries,
		InitialBackoff: time.Duration(r.BaseMs) * time.Millisecond,
		MaxBackoff:     time.Duration(r.CapMs) * time.Millisecond,
		Multiplier:     2.0,
	}
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"apiKey"`

	// HTTP overrides (optional, use global HTTP config if not set)
	Timeout        *string `yaml:"timeout,omitempty"`
	MaxRetries     *int    `yaml:"maxRetries,omitempty"`
	InitialBackoff *string `yaml:"initialBackoff,omitempty"`
	MaxBackoff     *string `yaml:"maxBackoff,omitempty"`
}

// HTTPConfig holds global HTTP client settings.
type HTTPConfig struct {
	Timeout           string  `yaml:"timeout"`
	MaxRetries        int     `yaml:"maxRetries"`
	InitialBackoff    string  `yaml:"initialBackoff"`
	MaxBackoff        string  `yaml:"maxBackoff"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
}

type MergeConfig struct {
	Enabled  bool               `yaml:"enabled"`
	Provider string             `yaml:"provider"`
	Model    string             `yaml:"model"`
	Strategy string             `yaml:"strategy"`
	Weights  map[string]float64 `yaml:"weights"`
}

// PlanningConfig configures the interactive planning agent.
// The planning agent asks clarifying questions before starting the review
// to improve context and focus. Only runs in interactive (TTY) mode.
type PlanningConfig struct {
	Enabled      bool   `yaml:"enabled"`      // Enable interactive planning
	Provider     string `yaml:"provider"`     // LLM provider for planning (e.g., "openai", "anthropic")
	Model        string `yaml:"model"`        // Model for planning (e.g., "gpt-4o-mini", "claude-3-5-haiku")
	MaxQuestions int    `yaml:"maxQuestions"` // Maximum questions to ask (default: 5)
	Timeout      string `yaml:"timeout"`      // Timeout for planning phase (default: "30s")
}

type GitConfig struct {
	RepositoryDir string `yaml:"repositoryDir"`
}

type OutputConfig struct {
	Directory string `yaml:"directory"`
}

type BudgetConfig struct {
	HardCapUSD        float64  `yaml:"hardCapUSD"`
	DegradationPolicy []string `yaml:"degradationPolicy"`
}

type RedactionConfig struct {
	Enabled    bool     `yaml:"enabled"`
	DenyGlobs  []string `yaml:"denyGlobs"`
	AllowGlobs []string `yaml:"allowGlobs"`
}

type DeterminismConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Temperature float64 `yaml:"temperature"`
	UseSeed     bool    `yaml:"useSeed"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ObservabilityConfig configures logging, metrics, and cost tracking.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures request/response logging.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Level         string `yaml:"level"`         // debug, info, error
	Format        string `yaml:"format"`        // json, human
	RedactAPIKeys bool   `yaml:"redactAPIKeys"` // Redact API keys in logs
}

// MetricsConfig configures performance and cost metrics tracking.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ReviewConfig configures the code review behavior.
type ReviewConfig struct {
	// Instructions are custom instructions included in all review prompts.
	// These guide the LLM on what to look for during code review.
	Instructions string `yaml:"instructions"`

	// Actions configures the GitHub review action based on finding severity.
	Actions ReviewActions `yaml:"actions"`

	// BotUsername is the GitHub username of the bot for auto-dismissing stale reviews.
	// When set, previous reviews from this user are dismissed AFTER the new review
	// posts successfully. This ensures the PR always maintains review signal.
	// Set to "none" to explicitly disable auto-dismiss.
	// Default: "github-actions[bot]"
	BotUsername string `yaml:"botUsername"`

	// ChunkParallelism bounds how many chunks the review orchestrator
	// dispatches to the LLM router concurrently (default 4).
	ChunkParallelism int `yaml:"chunkParallelism"`

	// BlockThreshold is shorthand for Actions: any severity at or above
	// this level maps to "request_changes", the rest to "comment".
	// Valid values: critical, high, medium, low, none. An explicit Actions
	// field always overrides the threshold-derived value for that severity.
	BlockThreshold string `yaml:"blockThreshold"`

	// AlwaysBlockCategories lists finding categories that force
	// request_changes regardless of severity or BlockThreshold.
	AlwaysBlockCategories []string `yaml:"alwaysBlockCategories"`
}

// ReviewActions maps finding severities to GitHub review actions.
// Valid action values (case-insensitive): approve, comment, request_changes.
type ReviewActions struct {
	// OnCritical is the action when any critical severity finding is present.
	OnCritical string `yaml:"onCritical"`

	// OnHigh is the action when any high severity finding is present (and no critical).
	OnHigh string `yaml:"onHigh"`

	// OnMedium is the action when any medium severity finding is present (and no higher).
	OnMedium string `yaml:"onMedium"`

	// OnLow is the action when any low severity finding is present (and no higher).
	OnLow string `yaml:"onLow"`

	// OnClean is the action when no findings are present in the diff.
	OnClean string `yaml:"onClean"`

	// OnNonBlocking is the action when findings exist but none trigger REQUEST_CHANGES.
	// This allows posting APPROVE with informational comments for low-severity issues.
	OnNonBlocking string `yaml:"onNonBlocking"`
}

// VerificationConfig configures the agent verification behavior.
// When enabled, candidate findings from discovery are verified by an agent
// before being reported.
type VerificationConfig struct {
	// Enabled toggles agent verification of findings.
	Enabled bool `yaml:"enabled"`

	// Depth controls how thoroughly the agent verifies findings.
	// Valid values: "quick" (read file only), "medium" (read + grep), "deep" (run build/tests).
	Depth string `yaml:"depth"`

	// CostCeiling is the maximum USD to spend on verification per review.
	// When reached, remaining candidates are reported as unverified with lower confidence.
	CostCeiling float64 `yaml:"costCeiling"`

	// Confidence contains per-severity confidence thresholds.
	Confidence ConfidenceThresholds `yaml:"confidence"`
}

// ConfidenceThresholds define minimum confidence levels (0-100) for reporting findings.
// Findings below the threshold for their severity level are discarded.
type ConfidenceThresholds struct {
	// Default is used when a severity-specific threshold is not set.
	Default int `yaml:"default"`

	// Critical is the threshold for critical severity findings.
	Critical int `yaml:"critical"`

	// High is the threshold for high severity findings.
	High int `yaml:"high"`

	// Medium is the threshold for medium severity findings.
	Medium int `yaml:"medium"`

	// Low is the threshold for low severity findings.
	Low int `yaml:"low"`
}

// Merge combines multiple configuration instances, prioritising the latter
// ones, then expands Review.BlockThreshold into Review.Actions. Returns an
// error if BlockThreshold is set to an unrecognised value.
func Merge(configs ...Config) (Config, error) {
	result := Config{}
	for _, cfg := range configs {
		result = merge(result, cfg)
	}
	expanded, err := expandBlockThreshold(result.Review)
	if err != nil {
		return Config{}, err
	}
	result.Review = expanded
	return result, nil
}

var severityRank = map[string]int{"critical": 4, "high": 3, "medium": 2, "low": 1}

// expandBlockThreshold fills in any empty Actions fields from
// cfg.BlockThreshold (or, with no threshold set, from the package's
// sensible defaults), leaving explicitly-configured actions untouched.
func expandBlockThreshold(cfg ReviewConfig) (ReviewConfig, error) {
	result := cfg

	thresholdRank := -1
	if cfg.BlockThreshold != "" {
		switch strings.ToLower(cfg.BlockThreshold) {
		case "critical":
			thresholdRank = 4
		case "high":
			thresholdRank = 3
		case "medium":
			thresholdRank = 2
		case "low":
			thresholdRank = 1
		case "none":
			thresholdRank = 0
		default:
			return cfg, fmt.Errorf("invalid blockThreshold: %s", cfg.BlockThreshold)
		}
	}

	fill := func(current *string, rank int) {
		if *current != "" {
			return
		}
		switch {
		case thresholdRank < 0:
			// No threshold configured: sensible defaults.
			if rank >= severityRank["high"] {
				*current = "request_changes"
			} else {
				*current = "comment"
			}
		case thresholdRank > 0 && rank >= thresholdRank:
			*current = "request_changes"
		default:
			*current = "comment"
		}
	}

	fill(&result.Actions.OnCritical, severityRank["critical"])
	fill(&result.Actions.OnHigh, severityRank["high"])
	fill(&result.Actions.OnMedium, severityRank["medium"])
	fill(&result.Actions.OnLow, severityRank["low"])
	if result.Actions.OnClean == "" {
		result.Actions.OnClean = "approve"
	}

	return result, nil
}

func merge(base, overlay Config) Config {
	result := base

	result.HTTP = chooseHTTP(base.HTTP, overlay.HTTP)
	result.Output = chooseOutput(base.Output, overlay.Output)
	result.Git = chooseGit(base.Git, overlay.Git)
	result.Budget = chooseBudget(base.Budget, overlay.Budget)
	result.Redaction = chooseRedaction(base.Redaction, overlay.Redaction)
	result.Determinism = chooseDeterminism(base.Determinism, overlay.Determinism)
	result.Merge = chooseMerge(base.Merge, overlay.Merge)
	result.Planning = choosePlanning(base.Planning, overlay.Planning)
	result.Store = chooseStore(base.Store, overlay.Store)
	result.Observability = chooseObservability(base.Observability, overlay.Observability)
	result.Review = chooseReview(base.Review, overlay.Review)
	result.Verification = chooseVerification(base.Verification, overlay.Verification)
	result.Providers = mergeProviders(base.Providers, overlay.Providers)
	result.Redis = chooseRedis(base.Redis, overlay.Redis)
	result.Locks = chooseLocks(base.Locks, overlay.Locks)
	result.Jobs = chooseJobs(base.Jobs, overlay.Jobs)
	result.LLM = chooseLLM(base.LLM, overlay.LLM)
	result.Chunker = chooseChunker(base.Chunker, overlay.Chunker)
	result.SizeGuards = chooseSizeGuards(base.SizeGuards, overlay.SizeGuards)

	return result
}

func chooseSizeGuards(base, overlay SizeGuardsConfig) SizeGuardsConfig {
	result := base
	if overlay.Enabled != nil {
		result.Enabled = overlay.Enabled
	}
	if overlay.WarnTokens != 0 {
		result.WarnTokens = overlay.WarnTokens
	}
	if overlay.MaxTokens != 0 {
		result.MaxTokens = overlay.MaxTokens
	}
	result.Providers = mergeProviderSizeConfigs(base.Providers, overlay.Providers)
	return result
}

func mergeProviderSizeConfigs(base, overlay map[string]ProviderSizeConfig) map[string]ProviderSizeConfig {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	result := make(map[string]ProviderSizeConfig, len(base)+len(overlay))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range overlay {
		result[k] = v
	}
	return result
}

func chooseRedis(base, overlay RedisConfig) RedisConfig {
	if overlay.ConnectionString != "" || overlay.InstancePrefix != "" {
		return overlay
	}
	return base
}

func chooseLocks(base, overlay LocksConfig) LocksConfig {
	if overlay.TTLSeconds != 0 || overlay.HeartbeatIntervalSeconds != 0 || overlay.LivenessWindowSeconds != 0 || overlay.DedupWindowSeconds != 0 {
		return overlay
	}
	return base
}

func chooseJobs(base, overlay JobsConfig) JobsConfig {
	if overlay.ExecutionTimeoutMinutes != 0 {
		return overlay
	}
	return base
}

func chooseLLM(base, overlay LLMRouterConfig) LLMRouterConfig {
	if overlay.PerProviderConcurrency != 0 || overlay.Retry.BaseMs != 0 || overlay.Retry.CapMs != 0 || overlay.Retry.MaxAttempts != 0 {
		return overlay
	}
	return base
}

func chooseChunker(base, overlay ChunkerConfig) ChunkerConfig {
	if overlay.TargetTokens != 0 {
		return overlay
	}
	return base
}

func mergeProviders(base, overlay map[string]ProviderConfig) map[string]ProviderConfig {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	result := make(map[string]ProviderConfig, len(base)+len(overlay))
	for key, value := range base {
		result[key] = value
	}
	for key, value := range overlay {
		result[key] = value
	}
	return result
}

func chooseOutput(base, overlay OutputConfig) OutputConfig {
	if overlay.Directory != "" {
		return overlay
	}
	return base
}

func chooseGit(base, overlay GitConfig) GitConfig {
	if overlay.RepositoryDir != "" {
		return overlay
	}
	return base
}

func chooseHTTP(base, overlay HTTPConfig) HTTPConfig {
	if overlay.Timeout != "" || overlay.MaxRetries != 0 || overlay.InitialBackoff != "" || overlay.MaxBackoff != "" || overlay.BackoffMultiplier != 0 {
		return overlay
	}
	return base
}

func chooseBudget(base, overlay BudgetConfig) BudgetConfig {
	if overlay.HardCapUSD != 0 || len(overlay.DegradationPolicy) > 0 {
		return overlay
	}
	return base
}

func chooseRedaction(base, overlay RedactionConfig) RedactionConfig {
	if overlay.Enabled || len(overlay.DenyGlobs) > 0 || len(overlay.AllowGlobs) > 0 {
		return overlay
	}
	return base
}

func chooseDeterminism(base, overlay DeterminismConfig) DeterminismConfig {
	if overlay.Enabled || overlay.Temperature != 0 || overlay.UseSeed {
		return overlay
	}
	return base
}

func chooseMerge(base, overlay MergeConfig) MergeConfig {
	if overlay.Enabled || overlay.Provider != "" || overlay.Model != "" || overlay.Strategy != "" || len(overlay.Weights) > 0 {
		return overlay
	}
	return base
}

func choosePlanning(base, overlay PlanningConfig) PlanningConfig {
	if overlay.Enabled || overlay.Provider != "" || overlay.Model != "" || overlay.MaxQuestions != 0 || overlay.Timeout != "" {
		return overlay
	}
	return base
}

func chooseStore(base, overlay StoreConfig) StoreConfig {
	if overlay.Enabled || overlay.Path != "" {
		return overlay
	}
	return base
}

func chooseObservability(base, overlay ObservabilityConfig) ObservabilityConfig {
	result := base

	// Merge logging config
	if overlay.Logging.Enabled || overlay.Logging.Level != "" || overlay.Logging.Format != "" {
		result.Logging = overlay.Logging
	}

	// Merge metrics config
	if overlay.Metrics.Enabled {
		result.Metrics = overlay.Metrics
	}

	return result
}

func chooseReview(base, overlay ReviewConfig) ReviewConfig {
	result := base

	// Instructions: overlay wins if non-empty
	if overlay.Instructions != "" {
		result.Instructions = overlay.Instructions
	}

	// Actions: overlay wins if any field is non-empty
	if overlay.Actions.hasAny() {
		result.Actions = mergeReviewActions(base.Actions, overlay.Actions)
	}

	// BotUsername: overlay wins if non-empty
	if overlay.BotUsername != "" {
		result.BotUsername = overlay.BotUsername
	}

	// ChunkParallelism: overlay wins if non-zero
	if overlay.ChunkParallelism != 0 {
		result.ChunkParallelism = overlay.ChunkParallelism
	}

	// BlockThreshold: overlay wins if non-empty
	if overlay.BlockThreshold != "" {
		result.BlockThreshold = overlay.BlockThreshold
	}

	// AlwaysBlockCategories: union, case-insensitive dedup
	result.AlwaysBlockCategories = mergeCategories(base.AlwaysBlockCategories, overlay.AlwaysBlockCategories)

	return result
}

func mergeCategories(base, overlay []string) []string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var result []string
	for _, c := range append(append([]string{}, base...), overlay...) {
		key := strings.ToLower(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, c)
	}
	return result
}

// hasAny returns true if any action field is non-empty.
func (a ReviewActions) hasAny() bool {
	return a.OnCritical != "" || a.OnHigh != "" || a.OnMedium != "" || a.OnLow != "" || a.OnClean != "" || a.OnNonBlocking != ""
}

// mergeReviewActions merges two ReviewActions, with overlay taking precedence for non-empty fields.
func mergeReviewActions(base, overlay ReviewActions) ReviewActions {
	result := base
	if overlay.OnCritical != "" {
		result.OnCritical = overlay.OnCritical
	}
	if overlay.OnHigh != "" {
		result.OnHigh = overlay.OnHigh
	}
	if overlay.OnMedium != "" {
		result.OnMedium = overlay.OnMedium
	}
	if overlay.OnLow != "" {
		result.OnLow = overlay.OnLow
	}
	if overlay.OnClean != "" {
		result.OnClean = overlay.OnClean
	}
	if overlay.OnNonBlocking != "" {
		result.OnNonBlocking = overlay.OnNonBlocking
	}
	return result
}

func chooseVerification(base, overlay VerificationConfig) VerificationConfig {
	if !(overlay.Enabled || overlay.Depth != "" || overlay.CostCeiling != 0 || hasConfidenceThresholds(overlay.Confidence)) {
		return base
	}
	result := base
	result.Enabled = overlay.Enabled
	if overlay.Depth != "" {
		result.Depth = overlay.Depth
	}
	if overlay.CostCeiling != 0 {
		result.CostCeiling = overlay.CostCeiling
	}
	if hasConfidenceThresholds(overlay.Confidence) {
		result.Confidence = overlay.Confidence
	}
	return result
}

func hasConfidenceThresholds(ct ConfidenceThresholds) bool {
	return ct.Default != 0 || ct.Critical != 0 || ct.High != 0 || ct.Medium != 0 || ct.Low != 0
}
