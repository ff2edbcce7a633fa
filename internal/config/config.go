// Package config holds the single declarative configuration object for the
// agent runtime. Every tunable has a default; a JSON5 file overrides the
// defaults and environment variables override secrets.
package config

// Config is the root configuration for the agent runtime.
type Config struct {
	IPCDir      string `json:"ipcDir,omitempty"`      // spool + status files root
	SessionRoot string `json:"sessionRoot,omitempty"` // per-session storage root
	Workspace   string `json:"workspace,omitempty"`   // tool working directory

	Context     ContextConfig     `json:"context,omitempty"`
	Output      OutputConfig      `json:"output,omitempty"`
	Tools       ToolsConfig       `json:"tools,omitempty"`
	Daemon      DaemonConfig      `json:"daemon,omitempty"`
	OpenRouter  OpenRouterConfig  `json:"openrouter,omitempty"`
	Token       TokenEstimate     `json:"tokenEstimate,omitempty"`
	PromptPacks PromptPacksConfig `json:"promptPacks,omitempty"`
	Memory      MemoryConfig      `json:"memory,omitempty"`
	Reasoning   ReasoningConfig   `json:"reasoning,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	LogLevel    string            `json:"logLevel,omitempty"` // "debug", "info", "warn", "error"

	hostPlatform string // env only, never persisted
}

// ContextConfig sizes the context budgeter.
type ContextConfig struct {
	MaxContextTokens        int                  `json:"maxContextTokens,omitempty"`        // fallback context window
	CompactionTriggerTokens int                  `json:"compactionTriggerTokens,omitempty"` // 0 = derived from window
	RecentContextTokens     int                  `json:"recentContextTokens,omitempty"`     // 0 = auto
	MaxContextMessageTokens int                  `json:"maxContextMessageTokens,omitempty"` // 0 = derived, per-message clamp
	SummaryUpdateEveryMsgs  int                  `json:"summaryUpdateEveryMessages,omitempty"`
	MemoryMaxResults        int                  `json:"memoryMaxResults,omitempty"`
	MemoryMaxTokens         int                  `json:"memoryMaxTokens,omitempty"`
	MaxHistoryTurns         int                  `json:"maxHistoryTurns,omitempty"`
	Pruning                 ContextPruningConfig `json:"contextPruning,omitempty"`
}

// ContextPruningConfig trims oversized tool results held in conversation input.
type ContextPruningConfig struct {
	SoftTrimMaxChars  int `json:"softTrimMaxChars,omitempty"`
	SoftTrimHeadChars int `json:"softTrimHeadChars,omitempty"`
	SoftTrimTailChars int `json:"softTrimTailChars,omitempty"`
}

// OutputConfig bounds model output.
type OutputConfig struct {
	MaxOutputTokens        int      `json:"maxOutputTokens,omitempty"`
	SummaryMaxOutputTokens int      `json:"summaryMaxOutputTokens,omitempty"`
	Temperature            *float64 `json:"temperature,omitempty"`
}

// ToolsConfig bounds the tool-execution loop.
type ToolsConfig struct {
	MaxToolSteps                 int              `json:"maxToolSteps,omitempty"`
	IdempotentRetryAttempts      int              `json:"idempotentRetryAttempts,omitempty"`
	IdempotentRetryBackoffMs     int              `json:"idempotentRetryBackoffMs,omitempty"`
	RepeatedSignatureThreshold   int              `json:"repeatedSignatureThreshold,omitempty"`
	RepeatedRoundThreshold       int              `json:"repeatedRoundThreshold,omitempty"`
	NonRetryableFailureThreshold int              `json:"nonRetryableFailureThreshold,omitempty"`
	ForceSynthesisAfterTools     *bool            `json:"forceSynthesisAfterTools,omitempty"`
	OutputLimitBytes             int              `json:"outputLimitBytes,omitempty"`
	Policy                       ToolPolicyConfig `json:"toolPolicy,omitempty"`
}

// ToolPolicyConfig is the config-level default tool policy; a request-level
// policy overrides it per run.
type ToolPolicyConfig struct {
	Allow            []string       `json:"allow,omitempty"`
	Deny             []string       `json:"deny,omitempty"`
	MaxPerRun        map[string]int `json:"max_per_run,omitempty"`
	DefaultMaxPerRun int            `json:"default_max_per_run,omitempty"`
}

// DaemonConfig times the spool daemon and heartbeat reporter.
type DaemonConfig struct {
	PollMs              int `json:"daemonPollMs,omitempty"`
	HeartbeatIntervalMs int `json:"daemonHeartbeatIntervalMs,omitempty"`
	ShutdownGraceSec    int `json:"shutdownGraceSec,omitempty"`
}

// OpenRouterConfig configures the LLM HTTP client.
// APIKey is never read from the config file; env only.
type OpenRouterConfig struct {
	APIKey       string `json:"-"` // from env DOTCLAW_API_KEY / OPENROUTER_API_KEY only
	BaseURL      string `json:"baseUrl,omitempty"`
	TimeoutMs    int    `json:"timeoutMs,omitempty"`
	Retry        *bool  `json:"retry,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
	SummaryModel string `json:"summaryModel,omitempty"` // model for compaction/extraction turns
	RateLimitRPM int    `json:"rateLimitRpm,omitempty"` // 0 = no pacing
}

// TokenEstimate tunes the byte-based token estimator.
type TokenEstimate struct {
	TokensPerChar    float64 `json:"tokens_per_char,omitempty"`
	TokensPerMessage int     `json:"tokens_per_message,omitempty"`
	TokensPerRequest int     `json:"tokens_per_request,omitempty"`
}

// PromptPacksConfig configures optional prompt-pack blocks in the system prompt.
type PromptPacksConfig struct {
	Enabled    bool    `json:"enabled,omitempty"`
	Dir        string  `json:"dir,omitempty"`
	MaxChars   int     `json:"maxChars,omitempty"`
	MaxDemos   int     `json:"maxDemos,omitempty"`
	CanaryRate float64 `json:"canaryRate,omitempty"`
}

// MemoryConfig configures memory extraction and the long-term archive sink.
type MemoryConfig struct {
	Extraction       MemoryExtractionConfig `json:"extraction,omitempty"`
	ArchiveSync      bool                   `json:"archiveSync,omitempty"`
	ExtractScheduled bool                   `json:"extractScheduled,omitempty"`
}

// MemoryExtractionConfig bounds the fire-and-forget extraction turn.
type MemoryExtractionConfig struct {
	Enabled         *bool `json:"enabled,omitempty"`
	MaxMessages     int   `json:"maxMessages,omitempty"`
	MaxOutputTokens int   `json:"maxOutputTokens,omitempty"`
}

// ReasoningConfig sets the default reasoning effort.
type ReasoningConfig struct {
	Effort string `json:"effort,omitempty"` // off|low|medium|high
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ForceSynthesis reports whether forced synthesis after tools is enabled
// (default true).
func (t ToolsConfig) ForceSynthesis() bool {
	return t.ForceSynthesisAfterTools == nil || *t.ForceSynthesisAfterTools
}

// RetryEnabled reports whether provider network retry is enabled (default true).
func (o OpenRouterConfig) RetryEnabled() bool {
	return o.Retry == nil || *o.Retry
}

// ExtractionEnabled reports whether memory extraction is enabled (default true).
func (m MemoryExtractionConfig) ExtractionEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}
