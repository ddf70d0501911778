package intake

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("intake session not found")
	// ErrInvalidStage is returned when an operation is called at a stage that
	// does not allow it. The session is left unchanged.
	ErrInvalidStage = errors.New("invalid stage for operation")
	// ErrEmptyPlan is returned when a plan or template has no usable steps.
	ErrEmptyPlan = errors.New("plan has no steps")
	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoPendingGate is returned by ResumeGate when no step gate is waiting.
	ErrNoPendingGate = errors.New("no pending gate")
	// ErrGatePending is returned by Execute while a step gate awaits a decision.
	ErrGatePending = errors.New("execution is waiting on a gate")
)

// Stage is one state of the intake state machine.
type Stage string

const (
	StageStart      Stage = "start"
	StagePrecedents Stage = "precedents"
	StageClarify    Stage = "clarify"
	StagePlan       Stage = "plan"
	StageApprove    Stage = "approve"
	StageExecute    Stage = "execute"
	StageVerify     Stage = "verify"
	StageLearn      Stage = "learn"
)

// MaxClarifyRounds caps clarification before planning is forced.
const MaxClarifyRounds = 5

// Message is one turn of the clarification conversation.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// PrecedentMatch is a scored candidate template.
type PrecedentMatch struct {
	ID           string   `json:"id"`
	NodeType     string   `json:"node_type"`
	Title        string   `json:"title"`
	Score        float64  `json:"score"`
	SharedTerms  []string `json:"shared_terms"`
	StepCount    int      `json:"step_count"`
	SuccessCount int      `json:"success_count,omitempty"`
}

// StepResult is the outcome of one executed plan step.
type StepResult struct {
	Order      int    `json:"order"`
	Action     string `json:"action"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Runtime    string `json:"runtime,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	TraceID    string `json:"trace_id,omitempty"`
}

// Session is the process-local state of one intake. It references graph
// nodes by id and is never written to the graph itself.
type Session struct {
	ID               string           `json:"id"`
	Stage            Stage            `json:"stage"`
	TaskID           string           `json:"task_id"`
	PlanID           string           `json:"plan_id,omitempty"`
	GateID           string           `json:"gate_id,omitempty"`
	RunID            string           `json:"run_id,omitempty"`
	PrecedentID      string           `json:"precedent_id,omitempty"`
	AgentID          string           `json:"agent_id,omitempty"`
	ProjectID        string           `json:"project_id,omitempty"`
	CreatedBy        string           `json:"created_by"`
	ClarifyCount     int              `json:"clarify_count"`
	Messages         []Message        `json:"messages"`
	PrecedentMatches []PrecedentMatch `json:"precedent_matches,omitempty"`
	StepResults      []StepResult     `json:"step_results,omitempty"`
	// NextStep is the index into the plan steps where execution continues.
	NextStep        int      `json:"next_step"`
	PendingGateStep int      `json:"pending_gate_step,omitempty"`
	StepGateID      string   `json:"step_gate_id,omitempty"`
	DeferredJobIDs  []string `json:"deferred_job_ids,omitempty"`
	// RunRuntime and RunAgentID are the Execute overrides, reused for steps
	// dispatched after a gate.
	RunRuntime string `json:"run_runtime,omitempty"`
	RunAgentID string `json:"run_agent_id,omitempty"`
	// LearnedPrecedentID is the precedent created or reinforced by Learn.
	LearnedPrecedentID string    `json:"learned_precedent_id,omitempty"`
	Completed          bool      `json:"completed"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = slices.Clone(s.Messages)
	c.PrecedentMatches = slices.Clone(s.PrecedentMatches)
	c.StepResults = slices.Clone(s.StepResults)
	c.DeferredJobIDs = slices.Clone(s.DeferredJobIDs)
	return &c
}

// SessionStore holds intake sessions. Lock serializes stage-mutating calls for
// one session id and returns the matching unlock.
type SessionStore interface {
	Get(id string) (*Session, error)
	Put(s *Session) error
	Delete(id string) error
	List() ([]*Session, error)
	Lock(id string) (unlock func())
}

// MemorySessionStore keeps sessions in a map for the life of the process.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *MemorySessionStore) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemorySessionStore) Put(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemorySessionStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

// List returns all sessions, oldest first.
func (m *MemorySessionStore) List() ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemorySessionStore) Lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
