package tools

import (
	"fmt"
	"strings"

	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

// RunPolicy gates tool execution for one run: deny list, allow list, and
// per-run quotas. Matching is case-insensitive; deny always wins.
type RunPolicy struct {
	allow            map[string]bool // nil = everything allowed
	deny             map[string]bool
	maxPerRun        map[string]int
	defaultMaxPerRun int
	counts           map[string]int
}

// NewRunPolicy merges the config-level default policy with the request-level
// policy; request fields, when present, replace the config's.
func NewRunPolicy(base config.ToolPolicyConfig, req *protocol.ToolPolicy) *RunPolicy {
	allowList := base.Allow
	denyList := base.Deny
	maxPerRun := base.MaxPerRun
	defaultMax := base.DefaultMaxPerRun

	if req != nil {
		if len(req.Allow) > 0 {
			allowList = req.Allow
		}
		if len(req.Deny) > 0 {
			denyList = req.Deny
		}
		if len(req.MaxPerRun) > 0 {
			maxPerRun = req.MaxPerRun
		}
		if req.DefaultMaxPerRun > 0 {
			defaultMax = req.DefaultMaxPerRun
		}
	}
	if defaultMax <= 0 {
		defaultMax = 12
	}

	p := &RunPolicy{
		deny:             lowerSet(denyList),
		maxPerRun:        make(map[string]int, len(maxPerRun)),
		defaultMaxPerRun: defaultMax,
		counts:           make(map[string]int),
	}
	if len(allowList) > 0 {
		p.allow = lowerSet(allowList)
	}
	for name, n := range maxPerRun {
		p.maxPerRun[strings.ToLower(name)] = n
	}
	return p
}

// Check admits or rejects one call and counts it against the quota.
// A non-nil error is the structured policy violation fed back to the model;
// the executor is never invoked.
func (p *RunPolicy) Check(name string) error {
	key := strings.ToLower(name)

	if p.deny[key] {
		return fmt.Errorf("tool %q is denied by policy", name)
	}
	if p.allow != nil && !p.allow[key] {
		return fmt.Errorf("tool %q is not in the allow list", name)
	}

	limit := p.defaultMaxPerRun
	if n, ok := p.maxPerRun[key]; ok {
		limit = n
	}
	if limit > 0 && p.counts[key] >= limit {
		return fmt.Errorf("tool %q exceeded its per-run limit of %d calls", name, limit)
	}

	p.counts[key]++
	return nil
}

func lowerSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}
