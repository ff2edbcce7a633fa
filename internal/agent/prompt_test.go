package agent

import (
	"strings"
	"testing"

	"github.com/dotsetlabs/dotclaw/internal/sessions"
)

func fullPromptInput() SystemPromptInput {
	return SystemPromptInput{
		HostPlatform: "whatsapp",
		Timezone:     "Europe/Berlin",
		ToolNames:    []string{"list_files", "read_file", "write_file"},
		MaxToolSteps: 24,
		GroupNotes:   "Prefer German.",
		GlobalNotes:  "Never share phone numbers.",
		Packs: []PromptPack{
			{Name: "style", Content: "Answer warmly.", Version: "deadbeef"},
		},
		ToolReliability: map[string]string{"read_file": "flaky on network mounts"},
		State: sessions.State{
			Summary: "User is planning a trip.",
			Facts:   []string{"lives in Berlin", "has two cats"},
		},
		UserProfile:  "Name: Alex",
		MemoryRecall: []string{"asked about trains last week"},
		HistoryCount: 14,
	}
}

func TestBuildSystemPromptSections(t *testing.T) {
	prompt := BuildSystemPrompt(fullPromptInput(), TrimFull)

	for _, want := range []string{
		"## Platform",
		"whatsapp",
		"## Response guidelines",
		"## Tools",
		"list_files, read_file, write_file",
		"## Group notes",
		"## Global notes",
		"## Timezone",
		"Europe/Berlin",
		"## Pack: style",
		"## Tool reliability",
		"flaky on network mounts",
		"## Memory",
		"User is planning a trip.",
		"has two cats",
		"Name: Alex",
		"asked about trains last week",
		"History length: 14 messages.",
		"## Budget",
		"at most 24 tool calls",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	// Section order: platform before tools before memory before budget.
	idx := func(s string) int { return strings.Index(prompt, s) }
	if !(idx("## Platform") < idx("## Tools") && idx("## Tools") < idx("## Memory") && idx("## Memory") < idx("## Budget")) {
		t.Error("sections out of order")
	}
}

func TestBuildSystemPromptTrimLevels(t *testing.T) {
	in := fullPromptInput()
	in.State.Summary = strings.Repeat("s", 2000)
	in.State.Facts = []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7"}
	in.GroupNotes = strings.Repeat("n", 3000)

	l1 := BuildSystemPrompt(in, TrimDropPacks)
	if strings.Contains(l1, "## Pack: style") {
		t.Error("level 1 must drop packs")
	}
	if !strings.Contains(l1, "## Tool reliability") {
		t.Error("level 1 keeps the reliability table")
	}

	l2 := BuildSystemPrompt(in, TrimDropReliability)
	if strings.Contains(l2, "## Tool reliability") {
		t.Error("level 2 must drop the reliability table")
	}

	l3 := BuildSystemPrompt(in, TrimShortenMemory)
	if strings.Contains(l3, in.State.Summary) {
		t.Error("level 3 must shorten the summary")
	}
	if strings.Contains(l3, "- f1\n") || !strings.Contains(l3, "- f7\n") {
		t.Error("level 3 keeps only the newest facts")
	}

	l4 := BuildSystemPrompt(in, TrimShortenNotes)
	if strings.Contains(l4, in.GroupNotes) {
		t.Error("level 4 must shorten notes")
	}

	// Deeper trims never grow the prompt.
	prev := len(BuildSystemPrompt(in, TrimFull))
	for level := TrimDropPacks; level <= MaxTrimLevel; level++ {
		cur := len(BuildSystemPrompt(in, level))
		if cur > prev {
			t.Errorf("level %d grew the prompt: %d > %d", level, cur, prev)
		}
		prev = cur
	}
}

func TestBuildSystemPromptScheduled(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptInput{IsScheduledTask: true}, TrimFull)
	if !strings.Contains(prompt, "## Scheduled task") {
		t.Error("scheduled section missing")
	}
	if !strings.Contains(prompt, "Do not ask questions") {
		t.Error("scheduled guidance missing")
	}
}

func TestBuildSystemPromptEmptyMemoryOmitted(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptInput{HistoryCount: 3}, TrimFull)
	if strings.Contains(prompt, "## Memory") {
		t.Error("memory section present without any memory")
	}
}

func TestBuildMinimalPrompt(t *testing.T) {
	p := BuildMinimalPrompt(false)
	if strings.Contains(p, "schedule") {
		t.Error("interactive minimal prompt mentions scheduling")
	}
	if !strings.Contains(BuildMinimalPrompt(true), "schedule") {
		t.Error("scheduled minimal prompt missing schedule note")
	}
	if len(p) > 300 {
		t.Errorf("minimal prompt too long: %d chars", len(p))
	}
}
