package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/llm"
)

const planSystemPrompt = `You are a planning assistant. Break the task into concrete, ordered steps that an
autonomous agent can execute one at a time. Use step_type "approval_gate" for a step where a person must
sign off before work continues; every other step is "task". Split work that deserves its own tracking
into subtasks. List the main risks.

Reply with a single JSON object:
{"steps": [{"action": string, "expected_outcome": string, "tool": string, "step_type": "task"|"approval_gate"}],
 "subtasks": [{"title": string, "description": string}],
 "rationale": string, "estimated_hours": number,
 "risks": [{"description": string, "severity": "low"|"medium"|"high", "mitigation": string}],
 "requires_approval": bool}`

// PlanResult is the outcome of GeneratePlan.
type PlanResult struct {
	Session  *Session      `json:"session"`
	Plan     *graph.Node   `json:"plan"`
	Steps    []graph.Step  `json:"steps"`
	Risks    []*graph.Node `json:"risks,omitempty"`
	Gate     *graph.Node   `json:"gate,omitempty"`
	Subtasks []*graph.Node `json:"subtasks,omitempty"`
	// Degraded is set when the default single-step plan was used.
	Degraded bool `json:"degraded"`
}

type planStepPayload struct {
	Action          string `json:"action"`
	ExpectedOutcome string `json:"expected_outcome"`
	Tool            string `json:"tool"`
	StepType        string `json:"step_type"`
	Type            string `json:"type"`
}

type planRisk struct {
	Description string `json:"description"`
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	Mitigation  string `json:"mitigation"`
}

type planSubtask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type planResponse struct {
	Steps            []planStepPayload `json:"steps"`
	Subtasks         []planSubtask     `json:"subtasks"`
	Rationale        string            `json:"rationale"`
	EstimatedHours   float64           `json:"estimated_hours"`
	Risks            []planRisk        `json:"risks"`
	RequiresApproval bool              `json:"requires_approval"`
}

// DefaultPlanSteps is the plan used when the provider cannot produce one.
func DefaultPlanSteps(taskTitle string) []graph.Step {
	return []graph.Step{{Order: 1, Action: "Complete: " + taskTitle, StepType: graph.StepTask}}
}

// GeneratePlan asks the provider for a plan and persists it with its risks,
// optional approval gate and subtasks. A provider failure or an answer with
// no usable steps falls back to DefaultPlanSteps.
func (e *Engine) GeneratePlan(ctx context.Context, sessionID string) (*PlanResult, error) {
	result := &PlanResult{}
	s, err := e.withSession(sessionID, "GeneratePlan", []Stage{StageClarify, StagePlan}, func(s *Session) error {
		task, err := e.task(ctx, s)
		if err != nil {
			return err
		}

		resp, ok := e.askPlan(ctx, s, task)
		steps := graph.NormalizeSteps(toSteps(resp.Steps))
		if !ok || len(steps) == 0 {
			result.Degraded = true
			steps = DefaultPlanSteps(task.Title)
			resp = planResponse{Rationale: "Default plan: the planner was unavailable."}
		}

		plan, err := e.graph.CreateNode(ctx, graph.NodeInput{
			NodeType: graph.NodePlan,
			Title:    "Plan: " + task.Title,
			Status:   "pending_approval",
			Metadata: map[string]any{
				"steps":             graph.StepsMetadata(steps),
				"rationale":         resp.Rationale,
				"estimated_hours":   resp.EstimatedHours,
				"requires_approval": resp.RequiresApproval,
				"session_id":        s.ID,
			},
			CreatedBy: s.CreatedBy,
		})
		if err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}
		if err := e.link(ctx, graph.EdgeHasPlan, task.ID, plan.ID, s.CreatedBy); err != nil {
			return err
		}
		result.Plan = plan
		result.Steps = steps

		for _, r := range resp.Risks {
			desc := strings.TrimSpace(r.Description)
			if desc == "" {
				desc = strings.TrimSpace(r.Title)
			}
			if desc == "" {
				continue
			}
			risk, err := e.graph.CreateNode(ctx, graph.NodeInput{
				NodeType:  graph.NodeRisk,
				Title:     desc,
				Status:    "open",
				Metadata:  map[string]any{"severity": normalizeSeverity(r.Severity), "mitigation": r.Mitigation},
				CreatedBy: s.CreatedBy,
			})
			if err != nil {
				return fmt.Errorf("failed to create risk: %w", err)
			}
			if err := e.link(ctx, graph.EdgeHasRisk, plan.ID, risk.ID, s.CreatedBy); err != nil {
				return err
			}
			result.Risks = append(result.Risks, risk)
		}

		gateID := ""
		if resp.RequiresApproval {
			gate, err := e.graph.CreateNode(ctx, graph.NodeInput{
				NodeType:  graph.NodeGate,
				Title:     "Approve plan: " + task.Title,
				Status:    "pending",
				Metadata:  map[string]any{"gate_type": "plan", "plan_id": plan.ID},
				CreatedBy: s.CreatedBy,
			})
			if err != nil {
				return fmt.Errorf("failed to create gate: %w", err)
			}
			if err := e.link(ctx, graph.EdgeGatedBy, plan.ID, gate.ID, s.CreatedBy); err != nil {
				return err
			}
			gateID = gate.ID
			result.Gate = gate
		}

		for _, st := range resp.Subtasks {
			title := strings.TrimSpace(st.Title)
			if title == "" {
				continue
			}
			sub, err := e.graph.CreateNode(ctx, graph.NodeInput{
				NodeType:    graph.NodeTask,
				Title:       title,
				Description: strings.TrimSpace(st.Description),
				Status:      "backlog",
				Metadata:    map[string]any{"parent_task": task.ID},
				CreatedBy:   s.CreatedBy,
			})
			if err != nil {
				return fmt.Errorf("failed to create subtask: %w", err)
			}
			if err := e.link(ctx, graph.EdgeParentOf, task.ID, sub.ID, s.CreatedBy); err != nil {
				return err
			}
			result.Subtasks = append(result.Subtasks, sub)
		}

		s.PlanID = plan.ID
		s.GateID = gateID
		s.NextStep = 0
		s.Stage = StageApprove

		e.emit(s, events.IntakePlanGenerated, fmt.Sprintf("Plan generated with %d steps", len(steps)), map[string]any{
			"plan_id":  plan.ID,
			"steps":    len(steps),
			"risks":    len(result.Risks),
			"subtasks": len(result.Subtasks),
			"degraded": result.Degraded,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Session = s
	return result, nil
}

func (e *Engine) askPlan(ctx context.Context, s *Session, task *graph.Node) (planResponse, bool) {
	if e.llm == nil {
		return planResponse{}, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if attrs := attributes(task.Metadata); len(attrs) > 0 {
		data, _ := json.MarshalIndent(attrs, "", "  ")
		fmt.Fprintf(&b, "Clarified attributes:\n%s\n", data)
	}
	if len(s.Messages) > 0 {
		b.WriteString("\nClarification transcript:\n")
		for _, m := range s.Messages {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}

	resp, err := e.llm.Complete(ctx, llm.Request{
		SystemPrompt: planSystemPrompt,
		UserPrompt:   b.String(),
		Temperature:  0.2,
		MaxTokens:    2048,
		JSONMode:     true,
	})
	if err != nil {
		e.logger.Warn("plan provider call failed", "session_id", s.ID, "error", err)
		return planResponse{}, false
	}

	var out planResponse
	if err := llm.ExtractJSON(resp.Content, &out); err != nil {
		e.logger.Warn("plan response was not JSON", "session_id", s.ID, "error", err)
		return planResponse{}, false
	}
	return out, true
}

func toSteps(payload []planStepPayload) []graph.Step {
	steps := make([]graph.Step, 0, len(payload))
	for _, p := range payload {
		stepType := p.StepType
		if stepType == "" {
			stepType = p.Type
		}
		steps = append(steps, graph.Step{
			Action:          p.Action,
			ExpectedOutcome: p.ExpectedOutcome,
			Tool:            p.Tool,
			StepType:        stepType,
		})
	}
	return steps
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return "low"
	case "high", "critical":
		return "high"
	default:
		return "medium"
	}
}

// attributes drops bookkeeping keys from task metadata.
func attributes(meta map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range meta {
		switch k {
		case "project_id", "is_template", "template_steps", "source_task", "source_run":
			continue
		}
		out[k] = v
	}
	return out
}

// ApproveInput is the human decision on a plan.
type ApproveInput struct {
	Approved bool
	// EditedSteps, when non-nil, replace the plan steps on approval.
	EditedSteps []graph.Step
	Feedback    string
	ApprovedBy  string
}

// ApprovePlan approves or rejects the pending plan. Approval moves to
// execute; rejection clears the plan and gate and returns to plan.
func (e *Engine) ApprovePlan(ctx context.Context, sessionID string, in ApproveInput) (*Session, error) {
	return e.withSession(sessionID, "ApprovePlan", []Stage{StageApprove}, func(s *Session) error {
		actor := in.ApprovedBy
		if actor == "" {
			actor = s.CreatedBy
		}
		if s.PlanID == "" {
			return fmt.Errorf("%w: session has no plan", ErrEmptyPlan)
		}

		if !in.Approved {
			meta := map[string]any{"rejected_by": actor}
			if in.Feedback != "" {
				meta["feedback"] = in.Feedback
			}
			if _, err := e.setStatus(ctx, s.PlanID, "rejected", actor, meta); err != nil {
				return err
			}
			if s.GateID != "" {
				if _, err := e.setStatus(ctx, s.GateID, "rejected", actor, map[string]any{"decided_by": actor}); err != nil {
					return err
				}
			}

			e.emit(s, events.IntakePlanRejected, "Plan rejected", map[string]any{
				"plan_id":  s.PlanID,
				"feedback": in.Feedback,
			})
			s.PlanID = ""
			s.GateID = ""
			s.PrecedentID = ""
			s.Stage = StagePlan
			return nil
		}

		meta := map[string]any{"approved_by": actor}
		if in.EditedSteps != nil {
			steps := graph.NormalizeSteps(in.EditedSteps)
			if len(steps) == 0 {
				return fmt.Errorf("%w: edited plan has no usable steps", ErrEmptyPlan)
			}
			meta["steps"] = graph.StepsMetadata(steps)
			meta["edited"] = true
		}
		if in.Feedback != "" {
			meta["feedback"] = in.Feedback
		}

		if _, err := e.setStatus(ctx, s.PlanID, "approved", actor, meta); err != nil {
			return err
		}
		if s.GateID != "" {
			if _, err := e.setStatus(ctx, s.GateID, "approved", actor, map[string]any{"approved_by": actor}); err != nil {
				return err
			}
		}
		if _, err := e.setStatus(ctx, s.TaskID, "ready", actor, nil); err != nil {
			return err
		}

		e.emit(s, events.IntakePlanApproved, "Plan approved", map[string]any{
			"plan_id": s.PlanID,
			"edited":  in.EditedSteps != nil,
		})
		s.Stage = StageExecute
		return nil
	})
}
