package intake

import (
	"context"
	"fmt"
	"strings"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/idempotency"
)

// Verification outcomes.
const (
	VerificationPassed      = "passed"
	VerificationFailed      = "failed"
	VerificationNeedsReview = "needs_review"
)

// Deliverable is an artifact produced by the run.
type Deliverable struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URI         string `json:"uri,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// Criterion is one acceptance check and its result.
type Criterion struct {
	Description string `json:"description"`
	Status      string `json:"status"`
	Notes       string `json:"notes,omitempty"`
}

// VerifyInput is the reviewer's assessment of a finished run.
type VerifyInput struct {
	Deliverables []Deliverable
	Criteria     []Criterion
	VerifiedBy   string
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Session       *Session      `json:"session"`
	Outcome       string        `json:"outcome"`
	Deliverables  []*graph.Node `json:"deliverables,omitempty"`
	Verifications []*graph.Node `json:"verifications"`
}

// Verify records deliverables and criteria results. Only when every
// criterion passed does the session move on to learn; otherwise the task is
// blocked or sent to review and the session holds at verify.
func (e *Engine) Verify(ctx context.Context, sessionID string, in VerifyInput) (*VerifyResult, error) {
	if len(in.Criteria) == 0 {
		return nil, fmt.Errorf("%w: at least one criterion is required", ErrInvalidInput)
	}
	for i, c := range in.Criteria {
		if strings.TrimSpace(c.Description) == "" {
			return nil, fmt.Errorf("%w: criterion %d has no description", ErrInvalidInput, i+1)
		}
		switch c.Status {
		case VerificationPassed, VerificationFailed, VerificationNeedsReview:
		default:
			return nil, fmt.Errorf("%w: criterion %d has status %q, want passed, failed or needs_review", ErrInvalidInput, i+1, c.Status)
		}
	}
	for i, d := range in.Deliverables {
		if strings.TrimSpace(d.Title) == "" {
			return nil, fmt.Errorf("%w: deliverable %d has no title", ErrInvalidInput, i+1)
		}
	}

	result := &VerifyResult{}
	s, err := e.withSession(sessionID, "Verify", []Stage{StageVerify}, func(s *Session) error {
		actor := in.VerifiedBy
		if actor == "" {
			actor = s.CreatedBy
		}

		for _, d := range in.Deliverables {
			meta := map[string]any{"session_id": s.ID}
			if d.URI != "" {
				meta["uri"] = d.URI
			}
			if d.Kind != "" {
				meta["kind"] = d.Kind
			}
			node, err := e.graph.CreateNode(ctx, graph.NodeInput{
				NodeType:    graph.NodeDeliverable,
				Title:       strings.TrimSpace(d.Title),
				Description: d.Description,
				Status:      "delivered",
				Metadata:    meta,
				CreatedBy:   actor,
			})
			if err != nil {
				return fmt.Errorf("failed to create deliverable: %w", err)
			}
			source := s.RunID
			if source == "" {
				source = s.TaskID
			}
			if err := e.link(ctx, graph.EdgeProduced, source, node.ID, actor); err != nil {
				return err
			}
			result.Deliverables = append(result.Deliverables, node)
		}

		var failed, review int
		for _, c := range in.Criteria {
			node, err := e.graph.CreateNode(ctx, graph.NodeInput{
				NodeType:    graph.NodeVerification,
				Title:       strings.TrimSpace(c.Description),
				Description: c.Notes,
				Status:      c.Status,
				Metadata:    map[string]any{"session_id": s.ID, "run_id": s.RunID, "verified_by": actor},
				CreatedBy:   actor,
			})
			if err != nil {
				return fmt.Errorf("failed to create verification: %w", err)
			}
			if err := e.link(ctx, graph.EdgeVerifiedBy, s.TaskID, node.ID, actor); err != nil {
				return err
			}
			result.Verifications = append(result.Verifications, node)

			switch c.Status {
			case VerificationFailed:
				failed++
			case VerificationNeedsReview:
				review++
			}
		}

		taskStatus := "done"
		switch {
		case failed > 0:
			result.Outcome = VerificationFailed
			taskStatus = "blocked"
		case review > 0:
			result.Outcome = VerificationNeedsReview
			taskStatus = "review"
		default:
			result.Outcome = VerificationPassed
			s.Stage = StageLearn
		}
		if _, err := e.setStatus(ctx, s.TaskID, taskStatus, actor, nil); err != nil {
			return err
		}

		e.emit(s, events.IntakeVerified, fmt.Sprintf("Verification %s", result.Outcome), map[string]any{
			"outcome":      result.Outcome,
			"criteria":     len(in.Criteria),
			"failed":       failed,
			"needs_review": review,
			"deliverables": len(in.Deliverables),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Session = s
	return result, nil
}

// LearnResult is the outcome of Learn.
type LearnResult struct {
	Session   *Session    `json:"session"`
	Precedent *graph.Node `json:"precedent"`
	// Reinforced is set when an existing precedent with the same steps was
	// credited instead of creating a new one.
	Reinforced bool `json:"reinforced"`
}

// Learn stores the executed plan as a precedent, or credits an existing
// precedent with identical steps, and completes the session.
func (e *Engine) Learn(ctx context.Context, sessionID string) (*LearnResult, error) {
	result := &LearnResult{}
	s, err := e.withSession(sessionID, "Learn", []Stage{StageLearn}, func(s *Session) error {
		task, err := e.task(ctx, s)
		if err != nil {
			return err
		}
		_, steps, err := e.plan(ctx, s)
		if err != nil {
			return err
		}
		steps = graph.NormalizeSteps(steps)
		if len(steps) == 0 {
			return fmt.Errorf("%w: nothing to learn", ErrEmptyPlan)
		}

		sigs := make([]idempotency.StepSignature, 0, len(steps))
		for _, st := range steps {
			sigs = append(sigs, idempotency.StepSignature{Action: st.Action, Tool: st.Tool, StepType: st.StepType})
		}
		hash, err := idempotency.TemplateHash(sigs)
		if err != nil {
			return err
		}

		existing, err := e.graph.ListNodes(ctx, graph.NodeFilter{
			Types:    []string{graph.NodePrecedent},
			Metadata: map[string]any{"template_hash": hash},
			Limit:    1,
		})
		if err != nil {
			return fmt.Errorf("failed to look up precedent: %w", err)
		}

		var precedent *graph.Node
		if len(existing) > 0 {
			count := graph.IntMeta(existing[0].Metadata, "success_count") + 1
			precedent, err = e.graph.UpdateNode(ctx, existing[0].ID, graph.NodeUpdate{
				Metadata: map[string]any{"success_count": count, "last_run": s.RunID},
			}, s.CreatedBy)
			if err != nil {
				return fmt.Errorf("failed to update precedent: %w", err)
			}
			result.Reinforced = true
		} else {
			precedent, err = e.graph.CreateNode(ctx, graph.NodeInput{
				NodeType:    graph.NodePrecedent,
				Title:       task.Title,
				Description: task.Description,
				Status:      "active",
				Metadata: map[string]any{
					"template_steps": graph.StepsMetadata(steps),
					"success_count":  1,
					"source_run":     s.RunID,
					"source_task":    task.ID,
					"template_hash":  hash,
				},
				CreatedBy: s.CreatedBy,
			})
			if err != nil {
				return fmt.Errorf("failed to create precedent: %w", err)
			}
		}
		if s.RunID != "" {
			if err := e.link(ctx, graph.EdgeLearnedFrom, precedent.ID, s.RunID, s.CreatedBy); err != nil {
				return err
			}
		}

		result.Precedent = precedent
		s.LearnedPrecedentID = precedent.ID
		s.Completed = true

		e.logger.Info("intake complete", "session_id", s.ID, "precedent_id", precedent.ID, "reinforced", result.Reinforced)
		e.emit(s, events.IntakePrecedentSaved, "Precedent saved: "+precedent.Title, map[string]any{
			"precedent_id":  precedent.ID,
			"reinforced":    result.Reinforced,
			"success_count": graph.IntMeta(precedent.Metadata, "success_count"),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Session = s
	return result, nil
}
