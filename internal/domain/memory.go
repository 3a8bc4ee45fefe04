// Package domain defines the core data model: memories, their temporal and
// lineage fields, audit records, and ingest jobs.
package domain

import (
	"time"

	appErrors "cortex-backend/pkg/errors"
)

// MemoryType selects the update strategy applied when a near-duplicate of an
// existing memory is ingested.
type MemoryType string

const (
	MemoryTypeFact    MemoryType = "fact"    // stable information, superseded on change
	MemoryTypeState   MemoryType = "state"   // current condition, latest wins
	MemoryTypeEpisode MemoryType = "episode" // past event, append only
	MemoryTypePolicy  MemoryType = "policy"  // user preference/rule, fact-like
)

// IsValid reports whether the value is a known memory type.
func (t MemoryType) IsValid() bool {
	switch t {
	case MemoryTypeFact, MemoryTypeState, MemoryTypeEpisode, MemoryTypePolicy:
		return true
	}
	return false
}

// Scope is the visibility boundary of a memory.
type Scope string

const (
	ScopeGlobal Scope = "global" // visible to all agents of the user
	ScopeAgent  Scope = "agent"  // visible to one named agent
)

// IsValid reports whether the value is a known scope.
func (s Scope) IsValid() bool {
	return s == ScopeGlobal || s == ScopeAgent
}

// InputChannel records how a memory entered the system.
type InputChannel string

const (
	ChannelChat   InputChannel = "chat"
	ChannelManual InputChannel = "manual"
	ChannelAPI    InputChannel = "api"
	ChannelImport InputChannel = "import"
)

// IsValid reports whether the value is a known input channel.
func (c InputChannel) IsValid() bool {
	switch c {
	case ChannelChat, ChannelManual, ChannelAPI, ChannelImport:
		return true
	}
	return false
}

// AuditAction is the kind of state transition recorded in the audit log.
type AuditAction string

const (
	AuditCreate  AuditAction = "create"
	AuditUpdate  AuditAction = "update"
	AuditRetire  AuditAction = "retire"
	AuditDelete  AuditAction = "delete"
	AuditRestore AuditAction = "restore"
	AuditConfirm AuditAction = "confirm"
	AuditReject  AuditAction = "reject"
)

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
	ActorAdmin  ActorType = "admin"
)

// Memory is the atomic unit of knowledge: one normalized assertion about a
// user, with a dense vector representation and temporal validity.
type Memory struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Scope           Scope          `json:"scope"`
	AgentID         *string        `json:"agent_id,omitempty"`
	Content         string         `json:"content"`
	ContentHash     string         `json:"content_hash,omitempty"`
	Embedding       []float32      `json:"-"`
	MemoryType      MemoryType     `json:"memory_type"`
	Tags            []string       `json:"tags"`
	RelatedEntities map[string]any `json:"related_entities,omitempty"`
	Importance      int            `json:"importance"`
	Confidence      float64        `json:"confidence"`
	Source          string         `json:"source,omitempty"`
	InputChannel    InputChannel   `json:"input_channel,omitempty"`
	EventTime       *time.Time     `json:"event_time,omitempty"`
	ValidFrom       time.Time      `json:"valid_from"`
	ValidTo         *time.Time     `json:"valid_to,omitempty"`
	SupersedesID    *string        `json:"supersedes_id,omitempty"`
	LastAccessed    *time.Time     `json:"last_accessed,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsCurrent reports whether the memory has not been retired.
func (m *Memory) IsCurrent() bool {
	return m.ValidTo == nil
}

// AgentIDOrEmpty returns the agent id, or "" for global scope. Matches the
// COALESCE(agent_id, '') used by the dedup uniqueness constraint.
func (m *Memory) AgentIDOrEmpty() string {
	if m.AgentID == nil {
		return ""
	}
	return *m.AgentID
}

// ValidateScope enforces the scope consistency invariant:
// scope = agent ⇔ agent_id is set and non-empty.
func ValidateScope(scope Scope, agentID *string) error {
	if !scope.IsValid() {
		return appErrors.NewInvalidArgument("unknown scope: " + string(scope))
	}
	hasAgent := agentID != nil && *agentID != ""
	if scope == ScopeAgent && !hasAgent {
		return appErrors.NewInvalidArgument("agent_id is required when scope is agent")
	}
	if scope == ScopeGlobal && hasAgent {
		return appErrors.NewInvalidArgument("agent_id must be empty when scope is global")
	}
	return nil
}

// Chunk is one atomic assertion extracted by the Analyzer from raw text.
type Chunk struct {
	Content         string         `json:"content"`
	MemoryType      MemoryType     `json:"memory_type"`
	Tags            []string       `json:"tags"`
	RelatedEntities map[string]any `json:"related_entities,omitempty"`
	Importance      int            `json:"importance"`
	Confidence      float64        `json:"confidence"`
	EventTime       *time.Time     `json:"event_time,omitempty"`
}

// ClampScores bounds importance to [1,5] and confidence to [0,1], applying
// the defaults when unset.
func (c *Chunk) ClampScores() {
	if c.Importance == 0 {
		c.Importance = 3
	}
	if c.Importance < 1 {
		c.Importance = 1
	}
	if c.Importance > 5 {
		c.Importance = 5
	}
	if c.Confidence == 0 {
		c.Confidence = 0.7
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
}

// AuditLog is one append-only record of a memory state transition.
type AuditLog struct {
	ID        string         `json:"id"`
	MemoryID  string         `json:"memory_id"`
	Action    AuditAction    `json:"action"`
	ActorType ActorType      `json:"actor_type"`
	Diff      map[string]any `json:"diff,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditDiff builds the before/after diff blob for an audit record.
func AuditDiff(before, after map[string]any) map[string]any {
	diff := make(map[string]any, 2)
	if before != nil {
		diff["before"] = before
	}
	if after != nil {
		diff["after"] = after
	}
	return diff
}
