package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/llm"
)

// FallbackClarifyReply is sent when the provider fails or answers with
// something that is not the expected JSON.
const FallbackClarifyReply = "I'm sorry, I had trouble processing that. Could you rephrase or add more detail?"

const clarifySystemPrompt = `You help a project manager turn a rough request into a well-defined task
that an autonomous agent can plan and execute.

Ask at most one focused question per reply. Record any concrete facts you learn as task_updates
(use "title" and "description" to rewrite those fields; other keys become task attributes such as
"deadline", "audience" or "acceptance_criteria"). Record any choice between alternatives as a decision.
Set ready_for_plan to true once the task is clear enough to plan.

Reply with a single JSON object:
{"reply": string, "task_updates": object|null, "ready_for_plan": bool,
 "decisions": [{"question": string, "choice": string, "alternatives": [string], "rationale": string}]}`

// ClarifyResult is the outcome of one clarification round.
type ClarifyResult struct {
	Session      *Session       `json:"session"`
	Reply        string         `json:"reply"`
	ReadyForPlan bool           `json:"ready_for_plan"`
	TaskUpdates  map[string]any `json:"task_updates,omitempty"`
	DecisionIDs  []string       `json:"decision_ids,omitempty"`
	// Degraded is set when the fallback reply was used.
	Degraded bool `json:"degraded"`
}

type clarifyDecision struct {
	Question     string   `json:"question"`
	Choice       string   `json:"choice"`
	Alternatives []string `json:"alternatives"`
	Rationale    string   `json:"rationale"`
}

type clarifyResponse struct {
	Reply        string            `json:"reply"`
	TaskUpdates  map[string]any    `json:"task_updates"`
	ReadyForPlan bool              `json:"ready_for_plan"`
	Decisions    []clarifyDecision `json:"decisions"`
}

// Clarify runs one clarification round. The round counts even when the
// provider fails; after MaxClarifyRounds the session moves to plan regardless.
func (e *Engine) Clarify(ctx context.Context, sessionID, userMessage string) (*ClarifyResult, error) {
	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}

	result := &ClarifyResult{}
	s, err := e.withSession(sessionID, "Clarify", []Stage{StageClarify}, func(s *Session) error {
		task, err := e.task(ctx, s)
		if err != nil {
			return err
		}

		resp, ok := e.askClarify(ctx, s, task, userMessage)
		if !ok {
			result.Degraded = true
			resp = clarifyResponse{Reply: FallbackClarifyReply}
		}

		if len(resp.TaskUpdates) > 0 {
			applied, err := e.applyTaskUpdates(ctx, task, resp.TaskUpdates, s.CreatedBy)
			if err != nil {
				return err
			}
			result.TaskUpdates = applied
		}

		for _, d := range resp.Decisions {
			id, err := e.recordDecision(ctx, s, task, d)
			if err != nil {
				return err
			}
			if id != "" {
				result.DecisionIDs = append(result.DecisionIDs, id)
			}
		}

		now := e.now().UTC()
		s.Messages = append(s.Messages,
			Message{Role: "user", Content: userMessage, At: now},
			Message{Role: "assistant", Content: resp.Reply, At: now})
		s.ClarifyCount++

		result.Reply = resp.Reply
		result.ReadyForPlan = resp.ReadyForPlan
		if resp.ReadyForPlan || s.ClarifyCount >= MaxClarifyRounds {
			s.Stage = StagePlan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Session = s
	return result, nil
}

// askClarify returns false when the provider is missing, fails or answers
// without usable JSON.
func (e *Engine) askClarify(ctx context.Context, s *Session, task *graph.Node, userMessage string) (clarifyResponse, bool) {
	if e.llm == nil {
		return clarifyResponse{}, false
	}

	state, _ := json.MarshalIndent(map[string]any{
		"title":       task.Title,
		"description": task.Description,
		"status":      task.Status,
		"attributes":  task.Metadata,
		"round":       s.ClarifyCount + 1,
		"max_rounds":  MaxClarifyRounds,
	}, "", "  ")

	history := make([]llm.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := e.llm.Complete(ctx, llm.Request{
		SystemPrompt: clarifySystemPrompt,
		UserPrompt:   fmt.Sprintf("Current task state:\n%s\n\nUser message:\n%s", state, userMessage),
		History:      history,
		Temperature:  0.3,
		MaxTokens:    1024,
		JSONMode:     true,
	})
	if err != nil {
		e.logger.Warn("clarify provider call failed", "session_id", s.ID, "error", err)
		return clarifyResponse{}, false
	}

	var out clarifyResponse
	if err := llm.ExtractJSON(resp.Content, &out); err != nil {
		e.logger.Warn("clarify response was not JSON", "session_id", s.ID, "error", err)
		return clarifyResponse{}, false
	}
	if strings.TrimSpace(out.Reply) == "" {
		return clarifyResponse{}, false
	}
	return out, true
}

// applyTaskUpdates writes non-null updates to the task. title and description
// update the node fields, everything else lands in metadata.
func (e *Engine) applyTaskUpdates(ctx context.Context, task *graph.Node, updates map[string]any, actor string) (map[string]any, error) {
	var upd graph.NodeUpdate
	applied := map[string]any{}
	meta := map[string]any{}

	for k, v := range updates {
		if v == nil {
			continue
		}
		switch k {
		case "title", "description":
			str, ok := v.(string)
			if !ok || strings.TrimSpace(str) == "" {
				continue
			}
			str = strings.TrimSpace(str)
			if k == "title" {
				upd.Title = &str
			} else {
				upd.Description = &str
			}
		default:
			meta[k] = v
		}
		applied[k] = v
	}
	if len(applied) == 0 {
		return nil, nil
	}
	if len(meta) > 0 {
		upd.Metadata = meta
	}

	updated, err := e.graph.UpdateNode(ctx, task.ID, upd, actor)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	*task = *updated
	return applied, nil
}

func (e *Engine) recordDecision(ctx context.Context, s *Session, task *graph.Node, d clarifyDecision) (string, error) {
	title := strings.TrimSpace(d.Choice)
	if title == "" {
		title = strings.TrimSpace(d.Question)
	}
	if title == "" {
		return "", nil
	}

	node, err := e.graph.CreateNode(ctx, graph.NodeInput{
		NodeType:    graph.NodeDecision,
		Title:       title,
		Description: d.Rationale,
		Status:      "decided",
		Metadata: map[string]any{
			"question":     d.Question,
			"choice":       d.Choice,
			"alternatives": d.Alternatives,
			"rationale":    d.Rationale,
			"session_id":   s.ID,
		},
		CreatedBy: s.CreatedBy,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create decision: %w", err)
	}
	if err := e.link(ctx, graph.EdgeHasDecision, task.ID, node.ID, s.CreatedBy); err != nil {
		return "", err
	}
	return node.ID, nil
}
