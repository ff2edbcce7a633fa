// Package protocol defines the file-spool request/response envelopes exchanged
// between the outer host and the agent runtime, plus the daemon status files.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReasoningEffort levels accepted on a request.
const (
	ReasoningOff    = "off"
	ReasoningLow    = "low"
	ReasoningMedium = "medium"
	ReasoningHigh   = "high"
)

// Attachment is a file attached to a request. Images become multi-part
// content on the final user message; other types are ignored by the core.
type Attachment struct {
	Type     string `json:"type"`                // "image", "file"
	MimeType string `json:"mime_type,omitempty"` // e.g. "image/png"
	Data     string `json:"data,omitempty"`      // base64 payload
	Path     string `json:"path,omitempty"`      // alternative: host path
	Name     string `json:"name,omitempty"`
}

// ToolPolicy restricts which tools a run may execute and how often.
// Deny always wins over allow; an allow list present means everything
// not listed is denied. Matching is case-insensitive on tool name.
type ToolPolicy struct {
	Allow            []string       `json:"allow,omitempty"`
	Deny             []string       `json:"deny,omitempty"`
	MaxPerRun        map[string]int `json:"max_per_run,omitempty"`
	DefaultMaxPerRun int            `json:"default_max_per_run,omitempty"` // 0 = config default (12)
}

// ModelCapabilities carries host-declared model limits. The core never
// infers these from model names.
type ModelCapabilities struct {
	ContextLength int `json:"context_length,omitempty"`
}

// TokenEstimate tunes the byte-based token estimator.
type TokenEstimate struct {
	TokensPerChar    float64 `json:"tokens_per_char,omitempty"`
	TokensPerMessage int     `json:"tokens_per_message,omitempty"`
	TokensPerRequest int     `json:"tokens_per_request,omitempty"`
}

// BehaviorConfig carries free-form behavior overrides injected into the
// system prompt. The core treats it as opaque sections.
type BehaviorConfig struct {
	Overrides   map[string]string `json:"overrides,omitempty"`
	GroupNotes  string            `json:"group_notes,omitempty"`
	GlobalNotes string            `json:"global_notes,omitempty"`
}

// Request is the unit of work dropped into the request spool.
type Request struct {
	ID                string            `json:"id"`
	Prompt            string            `json:"prompt"`
	SessionID         string            `json:"sessionId,omitempty"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	ModelOverride     string            `json:"modelOverride,omitempty"`
	ModelFallbacks    []string          `json:"modelFallbacks,omitempty"`
	ModelCapabilities ModelCapabilities `json:"modelCapabilities,omitempty"`
	ModelMaxOutput    int               `json:"modelMaxOutputTokens,omitempty"`
	ModelTemperature  *float64          `json:"modelTemperature,omitempty"`
	ReasoningEffort   string            `json:"reasoningEffort,omitempty"` // off|low|medium|high
	MaxToolSteps      int               `json:"maxToolSteps,omitempty"`
	ToolPolicy        *ToolPolicy       `json:"toolPolicy,omitempty"`
	MemoryRecall      []string          `json:"memoryRecall,omitempty"`
	UserProfile       string            `json:"userProfile,omitempty"`
	SkillCatalog      []string          `json:"skillCatalog,omitempty"`
	AvailableGroups   []string          `json:"availableGroups,omitempty"`
	Behavior          *BehaviorConfig   `json:"behaviorConfig,omitempty"`
	StreamDir         string            `json:"streamDir,omitempty"`
	IsScheduledTask   bool              `json:"isScheduledTask,omitempty"`
	TaskID            string            `json:"taskId,omitempty"`
	Timezone          string            `json:"timezone,omitempty"`
	HostPlatform      string            `json:"hostPlatform,omitempty"`
	TokenEstimate     *TokenEstimate    `json:"tokenEstimate,omitempty"`
	DisableTools      bool              `json:"disableTools,omitempty"`
	DisableMemory     bool              `json:"disableMemoryExtraction,omitempty"`
	DisableCompaction bool              `json:"disableCompaction,omitempty"`
}

// envelope is the optional {id, input} wrapper around a Request.
type envelope struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// DecodeRequest parses a request file body. The file contains either a bare
// Request or an {id, input} envelope; an envelope id overrides the
// filename-derived id. fallbackID is the id derived from the filename.
func DecodeRequest(data []byte, fallbackID string) (*Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed request JSON: %w", err)
	}

	var req Request
	if len(env.Input) > 0 {
		if err := json.Unmarshal(env.Input, &req); err != nil {
			return nil, fmt.Errorf("protocol: malformed request input: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("protocol: malformed request JSON: %w", err)
		}
	}

	if env.ID != "" {
		req.ID = env.ID
	}
	if req.ID == "" {
		req.ID = fallbackID
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("protocol: request %s: prompt is required", req.ID)
	}
	return &req, nil
}

// ToolCallRecord is the per-call entry reported on the response.
// Args are redacted (argument names only) to avoid echoing secrets.
type ToolCallRecord struct {
	Name            string `json:"name"`
	Args            string `json:"args"`
	OK              bool   `json:"ok"`
	DurationMs      int64  `json:"duration_ms"`
	Error           string `json:"error,omitempty"`
	OutputBytes     int    `json:"output_bytes,omitempty"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`
}

// ToolResultRecord mirrors ToolCallRecord for inner output accounting.
type ToolResultRecord struct {
	Name            string `json:"name"`
	OutputBytes     int    `json:"output_bytes"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`
}

// Timings breaks down where a run spent its time.
type Timings struct {
	PlannerMs            int64 `json:"planner_ms,omitempty"`
	ResponseValidationMs int64 `json:"response_validation_ms,omitempty"`
	MemoryExtractionMs   int64 `json:"memory_extraction_ms,omitempty"`
	ToolMs               int64 `json:"tool_ms,omitempty"`
}

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is published to the response spool, one file per request.
// It always carries an explicit status; the process exit code is not
// the error channel.
type Response struct {
	Status                   string            `json:"status"` // "success" or "error"
	Result                   *string           `json:"result"`
	Error                    string            `json:"error,omitempty"`
	NewSessionID             string            `json:"newSessionId,omitempty"`
	Model                    string            `json:"model,omitempty"`
	MemorySummary            string            `json:"memory_summary,omitempty"`
	MemoryFacts              []string          `json:"memory_facts,omitempty"`
	TokensPrompt             int               `json:"tokens_prompt,omitempty"`
	TokensCompletion         int               `json:"tokens_completion,omitempty"`
	ToolCalls                []ToolCallRecord  `json:"tool_calls,omitempty"`
	ToolRetryAttempts        int               `json:"tool_retry_attempts,omitempty"`
	ToolLoopBreakerTriggered bool              `json:"tool_loop_breaker_triggered,omitempty"`
	ToolLoopBreakerReason    string            `json:"tool_loop_breaker_reason,omitempty"`
	LatencyMs                int64             `json:"latency_ms"`
	ReplyToID                string            `json:"replyToId,omitempty"`
	Timings                  *Timings          `json:"timings,omitempty"`
	PromptPackVersions       map[string]string `json:"prompt_pack_versions,omitempty"`
}

// ErrorResponse builds a structured error response.
func ErrorResponse(message string) *Response {
	return &Response{Status: StatusError, Error: message}
}

// SuccessResponse builds a success response with the given result text.
func SuccessResponse(result string) *Response {
	return &Response{Status: StatusSuccess, Result: &result}
}

// Daemon states reported in the status file.
const (
	DaemonIdle       = "idle"
	DaemonProcessing = "processing"
	DaemonShutdown   = "shutdown"
)

// DaemonStatus is the externally observable daemon state, written
// atomically by the heartbeat reporter.
type DaemonStatus struct {
	State     string `json:"state"` // "idle" or "processing"
	Ts        int64  `json:"ts"`    // epoch ms of the write
	RequestID string `json:"request_id,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"` // epoch ms processing began
	PID       int    `json:"pid"`
}

// Spool file naming.
const (
	RequestDirName  = "agent_requests"
	ResponseDirName = "agent_responses"
	HeartbeatFile   = "heartbeat"
	StatusFile      = "daemon_status.json"
	CancelSuffix    = ".cancel"
)
