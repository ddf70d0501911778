// Package graph is the versioned graph store. Every domain object (task, plan,
// run, gate, ...) is a Node and every relationship an Edge. Each mutation bumps
// the entity version by one and appends an immutable history record in the same
// transaction.
//
// Metadata is a free-form map whose shape is a per-type convention:
//
//	task            is_template, template_steps, source_task, project_id, plus clarified fields
//	plan            steps ([]Step as maps), rationale, estimated_hours, requires_approval,
//	                source_precedent, feedback
//	gate            gate_type (plan|step), step_order, approved_by
//	run             plan_id, task_id, session_id, pending_gate_step, completed_steps
//	decision_trace  action, tool, success, duration_ms, output, runtime, model, caller,
//	                session_id, tool_calls, step_order
//	precedent       template_steps, success_count, source_run, source_task, template_hash
//	verification    criterion, notes
//	deliverable     kind, uri
//	decision        question, choice, alternatives, rationale
//	risk            severity, mitigation
package graph

import (
	"encoding/json"
	"time"
)

// Well-known node types.
const (
	NodeTask          = "task"
	NodePlan          = "plan"
	NodeGate          = "gate"
	NodeRun           = "run"
	NodeVerification  = "verification"
	NodeDeliverable   = "deliverable"
	NodeDecision      = "decision"
	NodeDecisionTrace = "decision_trace"
	NodePrecedent     = "precedent"
	NodeResource      = "resource"
	NodeRisk          = "risk"
	NodeProject       = "project"
)

// Well-known edge types.
const (
	EdgeParentOf    = "parent_of"
	EdgeHasPlan     = "has_plan"
	EdgeHasRun      = "has_run"
	EdgeExecutes    = "executes"
	EdgeHasTrace    = "has_trace"
	EdgeGatedBy     = "gated_by"
	EdgeHasRisk     = "has_risk"
	EdgeHasDecision = "has_decision"
	EdgeProduced    = "produced"
	EdgeVerifiedBy  = "verified_by"
	EdgeLearnedFrom = "learned_from"
	EdgeDerivedFrom = "derived_from"
	EdgeTemplatedAs = "templated_as"
	EdgeDependsOn   = "depends_on"
	EdgeBlocks      = "blocks"
	EdgeImplements  = "implements"
	EdgeAffects     = "affects"
	EdgeProduces    = "produces"
	EdgeVerifies    = "verifies"
)

// ImpactEdgeTypes are the dependency-style edges FindImpact follows.
var ImpactEdgeTypes = []string{
	EdgeDependsOn,
	EdgeBlocks,
	EdgeParentOf,
	EdgeImplements,
	EdgeAffects,
	EdgeProduces,
	EdgeVerifies,
	EdgeDerivedFrom,
}

// Edge directionality values.
const (
	Directed      = "directed"
	Bidirectional = "bidirectional"
)

// History operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Direction selects which edges a traversal follows from a node.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// Node is a typed vertex.
type Node struct {
	ID          string         `json:"id"`
	NodeType    string         `json:"node_type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	Version     int            `json:"version"`
}

// Edge is a typed relationship from SourceID to TargetID.
type Edge struct {
	ID             string         `json:"id"`
	EdgeType       string         `json:"edge_type"`
	SourceID       string         `json:"source_node_id"`
	TargetID       string         `json:"target_node_id"`
	Weight         float64        `json:"weight"`
	Directionality string         `json:"directionality"`
	Metadata       map[string]any `json:"metadata"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	Version        int            `json:"version"`
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id string) string {
	if e.SourceID == id {
		return e.TargetID
	}
	return e.SourceID
}

// HistoryRecord is one immutable entry in node_history or edge_history.
// BeforeState is null for creates.
type HistoryRecord struct {
	ID          string          `json:"id"`
	EntityID    string          `json:"entity_id"`
	Version     int             `json:"version"`
	Operation   string          `json:"operation"`
	ChangedBy   string          `json:"changed_by"`
	ChangedAt   time.Time       `json:"changed_at"`
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
}

// NodeInput describes a node to create. ID is generated when empty.
type NodeInput struct {
	ID          string
	NodeType    string
	Title       string
	Description string
	Status      string
	Metadata    map[string]any
	CreatedBy   string
}

// NodeUpdate is a partial update. Nil fields are left untouched. Metadata keys
// are merged into the existing map; a key mapped to nil is removed.
type NodeUpdate struct {
	Title       *string
	Description *string
	Status      *string
	Metadata    map[string]any
}

// EdgeInput describes an edge to create. Weight defaults to 1.0 and
// Directionality to "directed".
type EdgeInput struct {
	ID             string
	EdgeType       string
	SourceID       string
	TargetID       string
	Weight         *float64
	Directionality string
	Metadata       map[string]any
	CreatedBy      string
}

// EdgeUpdate is a partial edge update with the same merge rules as NodeUpdate.
type EdgeUpdate struct {
	Weight         *float64
	Directionality *string
	Metadata       map[string]any
}

// GetOptions controls single-entity reads.
type GetOptions struct {
	IncludeDeleted bool
}

// NodeFilter selects nodes for ListNodes. Empty fields do not filter.
type NodeFilter struct {
	Types          []string
	Statuses       []string
	CreatedBy      string
	TitleContains  string
	Metadata       map[string]any
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// EdgeFilter selects edges for ListEdges. When NodeID is set, Direction picks
// edges leaving it, entering it, or both (default both).
type EdgeFilter struct {
	NodeID         string
	Direction      Direction
	Types          []string
	IncludeDeleted bool
	Limit          int
}

// TraverseOptions configures a breadth-first traversal.
type TraverseOptions struct {
	Start        string
	Direction    Direction
	EdgeTypes    []string
	NodeTypes    []string
	MaxDepth     int
	IncludePaths bool
}

// NodePath is the chain of ids used to first reach a node.
type NodePath struct {
	NodeIDs []string `json:"node_ids"`
	EdgeIDs []string `json:"edge_ids"`
}

// Subgraph is the result of a traversal.
type Subgraph struct {
	Nodes  []*Node              `json:"nodes"`
	Edges  []*Edge              `json:"edges"`
	Depths map[string]int       `json:"depths,omitempty"`
	Paths  map[string]*NodePath `json:"paths,omitempty"`
}

// Path is a route between two nodes found by FindPath.
type Path struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Len returns the number of hops in the path.
func (p *Path) Len() int {
	return len(p.Edges)
}

// BatchImpactItem is the outcome of FindImpact for one node.
type BatchImpactItem struct {
	NodeID string    `json:"node_id"`
	Impact *Subgraph `json:"impact,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// BatchImpactResult aggregates independent FindImpact calls.
type BatchImpactResult struct {
	Results   []BatchImpactItem `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// StringMeta returns metadata[key] as a string, or "".
func StringMeta(metadata map[string]any, key string) string {
	if s, ok := metadata[key].(string); ok {
		return s
	}
	return ""
}

// BoolMeta returns metadata[key] as a bool, or false.
func BoolMeta(metadata map[string]any, key string) bool {
	b, _ := metadata[key].(bool)
	return b
}

// IntMeta returns metadata[key] as an int. JSON numbers decode as float64.
func IntMeta(metadata map[string]any, key string) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
