package graph

import (
	"encoding/json"
	"strings"
)

// Plan step types.
const (
	StepTask         = "task"
	StepApprovalGate = "approval_gate"
)

// Step is one entry of a plan's "steps" metadata.
type Step struct {
	Order           int    `json:"order"`
	Action          string `json:"action"`
	ExpectedOutcome string `json:"expected_outcome,omitempty"`
	Tool            string `json:"tool,omitempty"`
	StepType        string `json:"step_type"`
}

// NormalizeSteps drops steps without an action, maps unknown step types to
// StepTask and renumbers the rest 1..n in their given order.
func NormalizeSteps(steps []Step) []Step {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		s.Action = strings.TrimSpace(s.Action)
		if s.Action == "" {
			continue
		}
		s.ExpectedOutcome = strings.TrimSpace(s.ExpectedOutcome)
		s.Tool = strings.TrimSpace(s.Tool)
		if s.StepType != StepApprovalGate {
			s.StepType = StepTask
		}
		s.Order = len(out) + 1
		out = append(out, s)
	}
	return out
}

// StepsFromMetadata decodes metadata[key] into steps. Values read back from
// the database are generic maps, values set in memory may already be []Step.
func StepsFromMetadata(metadata map[string]any, key string) []Step {
	raw, ok := metadata[key]
	if !ok || raw == nil {
		return nil
	}
	if steps, ok := raw.([]Step); ok {
		return steps
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil
	}
	return steps
}

// StepsMetadata renders steps in the generic shape stored in metadata.
func StepsMetadata(steps []Step) []any {
	out := make([]any, 0, len(steps))
	for _, s := range steps {
		m := map[string]any{
			"order":     s.Order,
			"action":    s.Action,
			"step_type": s.StepType,
		}
		if s.ExpectedOutcome != "" {
			m["expected_outcome"] = s.ExpectedOutcome
		}
		if s.Tool != "" {
			m["tool"] = s.Tool
		}
		out = append(out, m)
	}
	return out
}
