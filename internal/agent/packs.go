package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dotsetlabs/dotclaw/internal/config"
)

const canarySuffix = ".canary.md"

// PromptPack is one loaded instruction block for the system prompt.
type PromptPack struct {
	Name    string
	Content string
	Version string // sha256-8 of the content actually used
	Canary  bool
}

// Block renders the pack as a system-prompt section.
func (p PromptPack) Block() string {
	return "## Pack: " + p.Name + "\n" + strings.TrimSpace(p.Content)
}

// packVersion is the first 8 hex chars of the content's sha256.
func packVersion(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:8]
}

// LoadPromptPacks reads every *.md file in the configured directory, sorted by
// name. When a <name>.canary.md sibling exists, it replaces the base pack with
// probability canaryRate. rng may be nil for the default source.
func LoadPromptPacks(cfg config.PromptPacksConfig, rng *rand.Rand) ([]PromptPack, error) {
	if !cfg.Enabled || cfg.Dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("prompt packs: read dir: %w", err)
	}

	roll := rand.Float64
	if rng != nil {
		roll = rng.Float64
	}

	var packs []PromptPack
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasSuffix(name, canarySuffix) {
			continue
		}
		base := strings.TrimSuffix(name, ".md")

		path := filepath.Join(cfg.Dir, name)
		canary := false
		canaryPath := filepath.Join(cfg.Dir, base+canarySuffix)
		if _, err := os.Stat(canaryPath); err == nil && cfg.CanaryRate > 0 && roll() < cfg.CanaryRate {
			path = canaryPath
			canary = true
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("prompt packs: read %s: %w", name, err)
		}
		content := string(data)
		if cfg.MaxChars > 0 && len(content) > cfg.MaxChars {
			content = content[:cfg.MaxChars]
		}

		packs = append(packs, PromptPack{
			Name:    base,
			Content: content,
			Version: packVersion(content),
			Canary:  canary,
		})
	}

	sort.Slice(packs, func(i, j int) bool { return packs[i].Name < packs[j].Name })
	return packs, nil
}

// PackVersions maps pack name to the version hash reported on the response.
func PackVersions(packs []PromptPack) map[string]string {
	if len(packs) == 0 {
		return nil
	}
	versions := make(map[string]string, len(packs))
	for _, p := range packs {
		versions[p.Name] = p.Version
	}
	return versions
}
