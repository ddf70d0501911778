package intake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/graph"
)

// MaxPrecedentMatches caps the matches offered to the caller.
const MaxPrecedentMatches = 5

// Scorer rates how well a candidate's terms cover the query terms. Only the
// ordering matters: more shared significant words must score higher. A
// non-positive score drops the candidate.
type Scorer func(query, candidate []string) (score float64, shared []string)

// OverlapScorer counts distinct shared terms, with a small bonus for covering
// a larger share of the candidate so tighter matches win ties.
func OverlapScorer(query, candidate []string) (float64, []string) {
	cand := make(map[string]bool, len(candidate))
	for _, t := range candidate {
		cand[t] = true
	}
	var shared []string
	seen := map[string]bool{}
	for _, t := range query {
		if cand[t] && !seen[t] {
			seen[t] = true
			shared = append(shared, t)
		}
	}
	if len(shared) == 0 {
		return 0, nil
	}
	coverage := float64(len(shared)) / float64(len(cand))
	return float64(len(shared)) + coverage*0.5, shared
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "are": true, "was": true, "were": true, "will": true,
	"have": true, "has": true, "had": true, "not": true, "but": true, "all": true,
	"any": true, "can": true, "our": true, "your": true, "you": true, "its": true,
	"out": true, "about": true, "then": true, "than": true, "them": true, "they": true,
	"what": true, "when": true, "where": true, "which": true, "who": true, "how": true,
	"should": true, "would": true, "could": true, "each": true, "also": true, "more": true,
	"new": true, "use": true, "using": true, "need": true, "needs": true, "make": true,
}

// Terms lowercases text, splits it on anything that is not a letter or digit
// and drops stop words and tokens shorter than three characters.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// FindPrecedents scores precedent nodes and template tasks against the
// session's task. While the session is still at precedents the matches are
// stored on it.
func (e *Engine) FindPrecedents(ctx context.Context, sessionID string) ([]PrecedentMatch, error) {
	unlock := e.sessions.Lock(sessionID)
	defer unlock()

	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, sessionID)
	}
	task, err := e.task(ctx, s)
	if err != nil {
		return nil, err
	}
	matches, err := e.findPrecedents(ctx, task)
	if err != nil {
		return nil, err
	}

	if s.Stage == StagePrecedents {
		s.PrecedentMatches = matches
		s.UpdatedAt = e.now().UTC()
		if err := e.sessions.Put(s); err != nil {
			return nil, fmt.Errorf("failed to save session: %w", err)
		}
	}
	return matches, nil
}

func (e *Engine) findPrecedents(ctx context.Context, task *graph.Node) ([]PrecedentMatch, error) {
	query := Terms(task.Title + " " + task.Description)
	if len(query) == 0 {
		return []PrecedentMatch{}, nil
	}

	precedents, err := e.graph.ListNodes(ctx, graph.NodeFilter{Types: []string{graph.NodePrecedent}})
	if err != nil {
		return nil, fmt.Errorf("failed to list precedents: %w", err)
	}
	templates, err := e.graph.ListNodes(ctx, graph.NodeFilter{
		Types:    []string{graph.NodeTask},
		Metadata: map[string]any{"is_template": true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	matches := []PrecedentMatch{}
	for _, n := range append(precedents, templates...) {
		if n.ID == task.ID {
			continue
		}
		score, shared := e.scorer(query, Terms(n.Title+" "+n.Description))
		if score <= 0 {
			continue
		}
		matches = append(matches, PrecedentMatch{
			ID:           n.ID,
			NodeType:     n.NodeType,
			Title:        n.Title,
			Score:        score,
			SharedTerms:  shared,
			StepCount:    len(graph.StepsFromMetadata(n.Metadata, "template_steps")),
			SuccessCount: graph.IntMeta(n.Metadata, "success_count"),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Title < matches[j].Title
	})
	if len(matches) > MaxPrecedentMatches {
		matches = matches[:MaxPrecedentMatches]
	}
	return matches, nil
}

// SelectPrecedent clones the template steps of a precedent (or template task)
// into a new plan awaiting approval and jumps straight to approve.
func (e *Engine) SelectPrecedent(ctx context.Context, sessionID, precedentID string) (*Session, error) {
	return e.withSession(sessionID, "SelectPrecedent", []Stage{StagePrecedents}, func(s *Session) error {
		src, err := e.graph.GetNode(ctx, precedentID, graph.GetOptions{})
		if err != nil {
			return fmt.Errorf("failed to load precedent: %w", err)
		}
		if src.NodeType != graph.NodePrecedent && !graph.BoolMeta(src.Metadata, "is_template") {
			return fmt.Errorf("%w: node %s is not a precedent or template", ErrInvalidInput, precedentID)
		}
		steps := graph.NormalizeSteps(graph.StepsFromMetadata(src.Metadata, "template_steps"))
		if len(steps) == 0 {
			return fmt.Errorf("%w: precedent %s has no template steps", ErrEmptyPlan, precedentID)
		}

		task, err := e.task(ctx, s)
		if err != nil {
			return err
		}
		plan, err := e.graph.CreateNode(ctx, graph.NodeInput{
			NodeType: graph.NodePlan,
			Title:    "Plan: " + task.Title,
			Status:   "pending_approval",
			Metadata: map[string]any{
				"steps":             graph.StepsMetadata(steps),
				"rationale":         fmt.Sprintf("Reuses the steps of %q.", src.Title),
				"source_precedent":  src.ID,
				"requires_approval": false,
			},
			CreatedBy: s.CreatedBy,
		})
		if err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}
		if err := e.link(ctx, graph.EdgeHasPlan, task.ID, plan.ID, s.CreatedBy); err != nil {
			return err
		}
		if err := e.link(ctx, graph.EdgeDerivedFrom, plan.ID, src.ID, s.CreatedBy); err != nil {
			return err
		}

		s.PlanID = plan.ID
		s.PrecedentID = src.ID
		s.Stage = StageApprove

		e.emit(s, events.IntakePlanGenerated, fmt.Sprintf("Plan cloned from %s", src.Title), map[string]any{
			"plan_id":          plan.ID,
			"source_precedent": src.ID,
			"steps":            len(steps),
		})
		return nil
	})
}

// SkipPrecedents ignores the offered matches and moves on to clarify.
func (e *Engine) SkipPrecedents(ctx context.Context, sessionID string) (*Session, error) {
	return e.withSession(sessionID, "SkipPrecedents", []Stage{StagePrecedents}, func(s *Session) error {
		s.Stage = StageClarify
		return nil
	})
}
