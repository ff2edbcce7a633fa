package tools

import (
	"strings"
	"testing"

	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

func TestRunPolicyDenyWins(t *testing.T) {
	p := NewRunPolicy(config.ToolPolicyConfig{}, &protocol.ToolPolicy{
		Allow: []string{"read_file"},
		Deny:  []string{"read_file"},
	})
	if err := p.Check("read_file"); err == nil {
		t.Error("deny should win over allow")
	}
}

func TestRunPolicyCaseInsensitive(t *testing.T) {
	p := NewRunPolicy(config.ToolPolicyConfig{Deny: []string{"Exec"}}, nil)
	if err := p.Check("exec"); err == nil {
		t.Error("deny match should be case-insensitive")
	}
}

func TestRunPolicyAllowListMiss(t *testing.T) {
	p := NewRunPolicy(config.ToolPolicyConfig{Allow: []string{"read_file"}}, nil)
	if err := p.Check("read_file"); err != nil {
		t.Errorf("allowed tool rejected: %v", err)
	}
	if err := p.Check("write_file"); err == nil {
		t.Error("tool outside allow list admitted")
	}
}

func TestRunPolicyQuota(t *testing.T) {
	p := NewRunPolicy(config.ToolPolicyConfig{
		MaxPerRun: map[string]int{"read_file": 2},
	}, nil)
	for i := 0; i < 2; i++ {
		if err := p.Check("read_file"); err != nil {
			t.Fatalf("call %d rejected: %v", i+1, err)
		}
	}
	err := p.Check("read_file")
	if err == nil {
		t.Fatal("quota not enforced")
	}
	if !strings.Contains(err.Error(), "per-run limit") {
		t.Errorf("error = %v", err)
	}
}

func TestRunPolicyRequestOverridesConfig(t *testing.T) {
	base := config.ToolPolicyConfig{Deny: []string{"write_file"}, DefaultMaxPerRun: 3}
	p := NewRunPolicy(base, &protocol.ToolPolicy{Deny: []string{"list_files"}})

	if err := p.Check("write_file"); err != nil {
		t.Errorf("request deny list should replace config's: %v", err)
	}
	if err := p.Check("list_files"); err == nil {
		t.Error("request-denied tool admitted")
	}
}

func TestRunPolicyDefaultQuota(t *testing.T) {
	p := NewRunPolicy(config.ToolPolicyConfig{DefaultMaxPerRun: 1}, nil)
	if err := p.Check("anything"); err != nil {
		t.Fatal(err)
	}
	if err := p.Check("anything"); err == nil {
		t.Error("default quota not enforced")
	}
}

func TestTruncateOutput(t *testing.T) {
	out, truncated := TruncateOutput(strings.Repeat("a", 100), 50)
	if !truncated {
		t.Fatal("not truncated")
	}
	if len(out) > 50 {
		t.Errorf("len = %d", len(out))
	}
	if !strings.HasSuffix(out, "[OUTPUT TRUNCATED]") {
		t.Errorf("missing suffix: %q", out)
	}

	short, truncated := TruncateOutput("tiny", 50)
	if truncated || short != "tiny" {
		t.Errorf("short output modified: %q %v", short, truncated)
	}
}

func TestTruncateOutputUTF8Boundary(t *testing.T) {
	s := strings.Repeat("é", 40)
	out, _ := TruncateOutput(s, 41)
	trimmed := strings.TrimSuffix(out, "\n[OUTPUT TRUNCATED]")
	for _, r := range trimmed {
		if r == '�' {
			t.Fatal("cut inside a rune")
		}
	}
}

func TestRedactArgs(t *testing.T) {
	got := RedactArgs(map[string]any{"path": "/secret", "content": "key=abc"})
	if got != "{content, path}" {
		t.Errorf("redacted = %q", got)
	}
	if RedactArgs(nil) != "{}" {
		t.Error("nil args")
	}
}
