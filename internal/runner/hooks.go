package runner

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/drover-org/drover/internal/core"
)

// Decision is the pre-hook's verdict on a proposed action. A refused action
// is never executed; the refusal reason lands in the plan's blocked_nodes.
type Decision struct {
	Allowed bool
	Reason  string
}

func accept() Decision {
	return Decision{Allowed: true}
}

func refuse(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// forbiddenTools are file-mutation tools the runner itself must never
// invoke; implementation work belongs to spawned workers.
var forbiddenTools = map[string]struct{}{
	"edit":        {},
	"write":       {},
	"patch":       {},
	"apply_patch": {},
	"str_replace": {},
}

// GuardRails gates every proposed action against the integrity rules.
type GuardRails struct {
	maxRetries     int
	evidenceMaxAge time.Duration
	spotCheckRate  float64
	now            func() time.Time
	rand           func() float64
}

// GuardRailsConfig carries the tunables for a GuardRails instance.
type GuardRailsConfig struct {
	MaxRetries     int
	EvidenceMaxAge time.Duration
	SpotCheckRate  float64
}

// NewGuardRails builds the rails with wall-clock time and math/rand.
func NewGuardRails(cfg GuardRailsConfig) *GuardRails {
	return &GuardRails{
		maxRetries:     cfg.MaxRetries,
		evidenceMaxAge: cfg.EvidenceMaxAge,
		spotCheckRate:  cfg.SpotCheckRate,
		now:            func() time.Time { return time.Now().UTC() },
		rand:           rand.Float64,
	}
}

// PreCheck applies the pre-hook rules, first refusal wins.
func (g *GuardRails) PreCheck(action core.Action, state *core.RunnerState) Decision {
	if d := g.checkForbiddenTool(action); !d.Allowed {
		return d
	}
	if action.Kind != core.ActionTransitionNode {
		return accept()
	}

	target, _ := action.Payload["new_status"].(string)

	if target == string(core.NodeStatusActive) {
		if n := state.RetryCounts[action.NodeID]; n >= g.maxRetries {
			return refuse("retry limit reached for node %s (%d/%d)", action.NodeID, n, g.maxRetries)
		}
	}

	if target == string(core.NodeStatusValidated) || target == string(core.NodeStatusImplComplete) {
		if d := g.checkEvidenceFreshness(action); !d.Allowed {
			return d
		}
	}

	if target == string(core.NodeStatusValidated) {
		if d := g.checkImplementerSeparation(action, state); !d.Allowed {
			return d
		}
	}

	return accept()
}

func (g *GuardRails) checkForbiddenTool(action core.Action) Decision {
	tool, _ := action.Payload["tool"].(string)
	if tool == "" {
		return accept()
	}
	if _, forbidden := forbiddenTools[tool]; forbidden {
		return refuse("forbidden tool %q: the runner never edits source files directly", tool)
	}
	return accept()
}

func (g *GuardRails) checkEvidenceFreshness(action core.Action) Decision {
	raw, present := action.Payload["evidence_timestamp"]
	if !present {
		return accept()
	}
	value, ok := raw.(string)
	if !ok {
		return refuse("evidence_timestamp for node %s is not a string", action.NodeID)
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return refuse("evidence_timestamp for node %s is not RFC 3339: %v", action.NodeID, err)
	}
	now := g.now()
	if ts.After(now) {
		return refuse("evidence for node %s is timestamped in the future", action.NodeID)
	}
	if age := now.Sub(ts); age > g.evidenceMaxAge {
		return refuse("evidence for node %s is stale (%s old, max %s)", action.NodeID, age.Round(time.Second), g.evidenceMaxAge)
	}
	return accept()
}

func (g *GuardRails) checkImplementerSeparation(action core.Action, state *core.RunnerState) Decision {
	agentID, _ := action.Payload["agent_id"].(string)
	if agentID == "" {
		return accept()
	}
	if implementer, ok := state.ImplementerMap[action.NodeID]; ok && implementer == agentID {
		return refuse("implementer-separation: agent %s implemented node %s and may not validate it", agentID, action.NodeID)
	}
	return accept()
}

// SpotCheck reports whether an advisory spot-check audit entry should be
// appended after an accepted transition.
func (g *GuardRails) SpotCheck() bool {
	return g.spotCheckRate > 0 && g.rand() < g.spotCheckRate
}
