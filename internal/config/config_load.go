package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with every tunable at its default.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		IPCDir:      filepath.Join(home, ".dotclaw", "ipc"),
		SessionRoot: filepath.Join(home, ".dotclaw", "sessions"),
		Workspace:   filepath.Join(home, ".dotclaw", "workspace"),
		Context: ContextConfig{
			MaxContextTokens:       128000,
			SummaryUpdateEveryMsgs: 20,
			MemoryMaxResults:       6,
			MemoryMaxTokens:        2000,
			MaxHistoryTurns:        0, // unlimited
			Pruning: ContextPruningConfig{
				SoftTrimMaxChars:  4000,
				SoftTrimHeadChars: 1500,
				SoftTrimTailChars: 1500,
			},
		},
		Output: OutputConfig{
			SummaryMaxOutputTokens: 1024,
		},
		Tools: ToolsConfig{
			MaxToolSteps:                 24,
			IdempotentRetryAttempts:      2,
			IdempotentRetryBackoffMs:     500,
			RepeatedSignatureThreshold:   3,
			RepeatedRoundThreshold:       3,
			NonRetryableFailureThreshold: 3,
			OutputLimitBytes:             262144,
			Policy: ToolPolicyConfig{
				DefaultMaxPerRun: 12,
			},
		},
		Daemon: DaemonConfig{
			PollMs:              500,
			HeartbeatIntervalMs: 5000,
			ShutdownGraceSec:    30,
		},
		OpenRouter: OpenRouterConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			TimeoutMs:    120000,
			DefaultModel: "anthropic/claude-sonnet-4-5-20250929",
		},
		Token: TokenEstimate{
			TokensPerChar:    0.28,
			TokensPerMessage: 4,
			TokensPerRequest: 6,
		},
		PromptPacks: PromptPacksConfig{
			MaxChars: 6000,
			MaxDemos: 3,
		},
		Memory: MemoryConfig{
			Extraction: MemoryExtractionConfig{
				MaxMessages:     12,
				MaxOutputTokens: 512,
			},
		},
		Reasoning: ReasoningConfig{Effort: "off"},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "dotclaw-runtime",
		},
		LogLevel: "info",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets come from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("DOTCLAW_API_KEY", &c.OpenRouter.APIKey)
	if c.OpenRouter.APIKey == "" {
		envStr("OPENROUTER_API_KEY", &c.OpenRouter.APIKey)
	}
	envStr("DOTCLAW_IPC_DIR", &c.IPCDir)
	envStr("DOTCLAW_SESSION_ROOT", &c.SessionRoot)
	envStr("DOTCLAW_WORKSPACE", &c.Workspace)
	envStr("DOTCLAW_MODEL", &c.OpenRouter.DefaultModel)
	envStr("DOTCLAW_HOST_PLATFORM", &c.hostPlatform)
	envStr("DOTCLAW_LOG_LEVEL", &c.LogLevel)
}

// HostPlatform returns the env-provided platform identification
// (e.g. "telegram", "discord"), surfaced in the system prompt platform note.
func (c *Config) HostPlatform() string { return c.hostPlatform }
