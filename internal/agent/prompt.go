package agent

import (
	"fmt"
	"strings"

	"github.com/dotsetlabs/dotclaw/internal/sessions"
)

// Trim levels for the system prompt. Level 0 is the full prompt; each level
// drops or shortens sections until the prompt fits its budget.
const (
	TrimFull            = 0 // all sections
	TrimDropPacks       = 1 // drop prompt-pack blocks
	TrimDropReliability = 2 // also drop the tool-reliability table
	TrimShortenMemory   = 3 // summary to 500 chars, ≤5 facts
	TrimShortenNotes    = 4 // also notes to 1000 chars each
)

// MaxTrimLevel is the deepest trim; a prompt still over budget at this level
// is used as-is.
const MaxTrimLevel = TrimShortenNotes

// SystemPromptInput carries everything the builder composes from.
type SystemPromptInput struct {
	HostPlatform      string
	IsScheduledTask   bool
	Timezone          string
	ToolNames         []string
	MaxToolSteps      int
	GroupNotes        string
	GlobalNotes       string
	SkillCatalog      []string
	Packs             []PromptPack
	AvailableGroups   []string
	ToolReliability   map[string]string // tool name → reliability note
	BehaviorOverrides map[string]string
	State             sessions.State
	UserProfile       string
	MemoryRecall      []string
	HistoryCount      int
}

// BuildSystemPrompt composes the Markdown-sectioned instruction string at
// the given trim level.
func BuildSystemPrompt(in SystemPromptInput, trimLevel int) string {
	var b strings.Builder

	b.WriteString("You are a capable assistant running inside a sandboxed container. ")
	b.WriteString("You receive one request at a time and reply with a single final answer.\n")

	if in.HostPlatform != "" {
		fmt.Fprintf(&b, "\n## Platform\nMessages arrive via %s; format replies accordingly.\n", in.HostPlatform)
	}
	if in.IsScheduledTask {
		b.WriteString("\n## Scheduled task\nThis run was triggered by a schedule, not a live user. Do not ask questions; produce the deliverable.\n")
	}

	b.WriteString("\n## Response guidelines\nAnswer directly. Prefer plain prose. Only use tools when the task requires real actions or fresh data.\n")

	if len(in.ToolNames) > 0 {
		b.WriteString("\n## Tools\nAvailable tools: " + strings.Join(in.ToolNames, ", ") + ".\n")
		b.WriteString("Call tools with well-formed JSON arguments. Never invent tool output; read it from results.\n")
	}

	notes := func(title, text string) {
		if text == "" {
			return
		}
		if trimLevel >= TrimShortenNotes && len(text) > 1000 {
			text = text[:1000]
		}
		b.WriteString("\n## " + title + "\n" + text + "\n")
	}
	notes("Group notes", in.GroupNotes)
	notes("Global notes", in.GlobalNotes)

	if len(in.SkillCatalog) > 0 {
		b.WriteString("\n## Skills\n")
		for _, s := range in.SkillCatalog {
			b.WriteString("- " + s + "\n")
		}
	}

	if in.Timezone != "" {
		fmt.Fprintf(&b, "\n## Timezone\nThe user's timezone is %s. Resolve relative dates against it.\n", in.Timezone)
	}

	if trimLevel < TrimDropPacks {
		for _, p := range in.Packs {
			b.WriteString("\n" + p.Block() + "\n")
		}
	}

	if len(in.AvailableGroups) > 0 {
		b.WriteString("\n## Available groups\n" + strings.Join(in.AvailableGroups, ", ") + "\n")
	}

	if trimLevel < TrimDropReliability && len(in.ToolReliability) > 0 {
		b.WriteString("\n## Tool reliability\n| Tool | Note |\n|---|---|\n")
		for _, name := range in.ToolNames {
			if note, ok := in.ToolReliability[name]; ok {
				fmt.Fprintf(&b, "| %s | %s |\n", name, note)
			}
		}
	}

	if len(in.BehaviorOverrides) > 0 {
		b.WriteString("\n## Behavior overrides\n")
		for k, v := range in.BehaviorOverrides {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}

	b.WriteString(memorySection(in, trimLevel))

	if in.MaxToolSteps > 0 {
		fmt.Fprintf(&b, "\n## Budget\nYou may make at most %d tool calls this run. Plan accordingly.\n", in.MaxToolSteps)
	}

	b.WriteString("\nBe concise. Do not pad answers with restatements of the question.\n")
	return b.String()
}

func memorySection(in SystemPromptInput, trimLevel int) string {
	summary := in.State.Summary
	facts := in.State.Facts
	if trimLevel >= TrimShortenMemory {
		if len(summary) > 500 {
			summary = summary[:500]
		}
		if len(facts) > 5 {
			facts = facts[len(facts)-5:]
		}
	}

	if summary == "" && len(facts) == 0 && in.UserProfile == "" && len(in.MemoryRecall) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n## Memory\n")
	if summary != "" {
		b.WriteString("Conversation summary: " + summary + "\n")
	}
	if len(facts) > 0 {
		b.WriteString("Known facts:\n")
		for _, f := range facts {
			b.WriteString("- " + f + "\n")
		}
	}
	if in.UserProfile != "" {
		b.WriteString("User profile: " + in.UserProfile + "\n")
	}
	if len(in.MemoryRecall) > 0 {
		b.WriteString("Recalled items:\n")
		for _, r := range in.MemoryRecall {
			b.WriteString("- " + r + "\n")
		}
	}
	fmt.Fprintf(&b, "History length: %d messages.\n", in.HistoryCount)
	return b.String()
}

// BuildMinimalPrompt is the prompt for background sub-tasks (summary and
// memory-extraction turns).
func BuildMinimalPrompt(isScheduledTask bool) string {
	var b strings.Builder
	b.WriteString("You are a capable assistant running inside a sandboxed container.\n")
	if isScheduledTask {
		b.WriteString("This run was triggered by a schedule, not a live user.\n")
	}
	b.WriteString("Be concise and helpful.\n")
	return b.String()
}

// BuildFittedPrompt builds the prompt at trim level 0 and escalates the trim
// level until the estimate fits the system-prompt budget, up to MaxTrimLevel.
// Returns the prompt and the level used.
func BuildFittedPrompt(in SystemPromptInput, budget Budget) (string, int) {
	for level := TrimFull; ; level++ {
		prompt := BuildSystemPrompt(in, level)
		if budget.Estimator.Text(prompt) <= budget.SystemPromptBudget || level >= MaxTrimLevel {
			return prompt, level
		}
	}
}
