// Package events is the in-process event bus. Every state transition in the
// graph, intake, dispatch and scheduler packages is emitted here and fanned out
// to listeners and long-lived subscriber connections.
package events

import "time"

// Event types emitted by the engine.
const (
	NodeCreated = "graph.node.created"
	NodeUpdated = "graph.node.updated"
	NodeDeleted = "graph.node.deleted"
	EdgeCreated = "graph.edge.created"
	EdgeDeleted = "graph.edge.deleted"

	IntakeStarted        = "intake.started"
	IntakeStageChanged   = "intake.stage_changed"
	IntakePlanGenerated  = "intake.plan_generated"
	IntakePlanApproved   = "intake.plan_approved"
	IntakePlanRejected   = "intake.plan_rejected"
	IntakeStepCompleted  = "intake.step_completed"
	IntakeGatePending    = "intake.gate_pending"
	IntakeRunCompleted   = "intake.run_completed"
	IntakeRunFailed      = "intake.run_failed"
	IntakeVerified       = "intake.verified"
	IntakePrecedentSaved = "intake.precedent_saved"

	AgentDispatched     = "agent.dispatched"
	AgentDispatchFailed = "agent.dispatch_failed"

	SchedulerJobCompleted = "scheduler.job.completed"
	SchedulerJobFailed    = "scheduler.job.failed"
	SchedulerCycle        = "scheduler.cycle"
	SchedulerGenerated    = "scheduler.generated"
)

// Event is one activity notification.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Summary    string         `json:"summary"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Emitter is the publishing side of the bus. Components accept an Emitter so
// tests can pass nil or a recorder.
type Emitter interface {
	Emit(evt Event)
}

// Emit publishes evt on e when e is non-nil.
func Emit(e Emitter, evt Event) {
	if e == nil {
		return
	}
	e.Emit(evt)
}
