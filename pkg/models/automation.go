package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Auto-reply trigger types
const (
	TriggerKeyword      = "keyword"
	TriggerRegex        = "regex"
	TriggerFirstMessage = "first_message"
	TriggerOutOfHours   = "out_of_hours"
	TriggerAll          = "all"
)

// Auto-reply action types
const (
	ActionTextReply     = "text_reply"
	ActionTemplateReply = "template_reply"
	ActionAssignAgent   = "assign_agent"
	ActionAddTag        = "add_tag"
)

// AutoReplyRule is a priority-ordered rule evaluated against inbound text
type AutoReplyRule struct {
	BaseTenantModel
	Name            string `gorm:"not null" json:"name" validate:"required"`
	TriggerType     string `gorm:"not null" json:"trigger_type" validate:"required,oneof=keyword regex first_message out_of_hours all"`
	TriggerValue    string `json:"trigger_value"` // comma-separated keywords or a regex pattern
	CaseSensitive   bool   `gorm:"default:false" json:"case_sensitive"`
	ActionType      string `gorm:"not null" json:"action_type" validate:"required,oneof=text_reply template_reply assign_agent add_tag"`
	ActionValue     string `json:"action_value"` // reply text, template name, agent id or tag id
	Priority        int    `gorm:"default:100;index" json:"priority"` // ascending = higher precedence
	CooldownMinutes int    `gorm:"default:0" json:"cooldown_minutes"`
	IsActive        bool   `gorm:"default:true" json:"is_active"`
	TriggerCount    int64  `gorm:"default:0" json:"trigger_count"`
}

// Flow trigger types
const (
	FlowTriggerKeyword      = "keyword"
	FlowTriggerFirstMessage = "first_message"
	FlowTriggerAllMessages  = "all_messages"
	FlowTriggerManual       = "manual"
	FlowTriggerWebhook      = "webhook"
)

// Flow status values
const (
	FlowStatusDraft    = "draft"
	FlowStatusActive   = "active"
	FlowStatusPaused   = "paused"
	FlowStatusArchived = "archived"
)

// Flow node types
const (
	NodeStart        = "start"
	NodeSendMessage  = "sendMessage"
	NodeSendTemplate = "sendTemplate"
	NodeAskQuestion  = "askQuestion"
	NodeCondition    = "condition"
	NodeDelay        = "delay"
	NodeAPICall      = "apiCall"
	NodeAssignAgent  = "assignAgent"
	NodeAddTag       = "addTag"
	NodeSetVariable  = "setVariable"
	NodeCSATSurvey   = "csatSurvey"
	NodeEnd          = "end"
)

// FlowNode is one node of a tenant-authored automation graph. Data carries
// the type-specific parameters and is decoded into a typed payload when the
// graph is compiled, so malformed configs fail at load time.
type FlowNode struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// FlowEdge connects two nodes. Handle selects the branch on condition nodes
// ("true" / "false").
type FlowEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Handle string `json:"handle,omitempty"`
}

// JSONB list types for flows
type FlowNodeList []FlowNode
type FlowEdgeList []FlowEdge

func (n FlowNodeList) Value() (driver.Value, error) {
	return json.Marshal(n)
}

func (n *FlowNodeList) Scan(value interface{}) error {
	if value == nil {
		*n = FlowNodeList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, n)
}

func (e FlowEdgeList) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *FlowEdgeList) Scan(value interface{}) error {
	if value == nil {
		*e = FlowEdgeList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, e)
}

// Flow is a directed graph of automation nodes owned by a tenant
type Flow struct {
	BaseTenantModel
	Name         string       `gorm:"not null" json:"name" validate:"required"`
	TriggerType  string       `gorm:"not null" json:"trigger_type" validate:"required,oneof=keyword first_message all_messages manual webhook"`
	TriggerValue string       `json:"trigger_value"`
	Status       string       `gorm:"default:'draft';index" json:"status"` // draft, active, paused, archived
	Priority     int          `gorm:"default:100" json:"priority"`
	Nodes        FlowNodeList `gorm:"type:jsonb;default:'[]'" json:"nodes"`
	Edges        FlowEdgeList `gorm:"type:jsonb;default:'[]'" json:"edges"`

	SessionCount   int64 `gorm:"default:0" json:"session_count"`
	CompletedCount int64 `gorm:"default:0" json:"completed_count"`
}

// Flow session status values
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionError     = "error"
	SessionCancelled = "cancelled"
)

// VariableMap holds a session's variable bindings
type VariableMap map[string]string

func (v VariableMap) Value() (driver.Value, error) {
	if v == nil {
		return json.Marshal(VariableMap{})
	}
	return json.Marshal(v)
}

func (v *VariableMap) Scan(value interface{}) error {
	if value == nil {
		*v = VariableMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, v)
}

// SessionHistoryEntry records one node execution for diagnostics
type SessionHistoryEntry struct {
	NodeID    string    `json:"node_id"`
	NodeType  string    `json:"node_type"`
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result"`
}

// SessionHistoryList is the JSONB audit trail of a session
type SessionHistoryList []SessionHistoryEntry

func (h SessionHistoryList) Value() (driver.Value, error) {
	if h == nil {
		return json.Marshal(SessionHistoryList{})
	}
	return json.Marshal(h)
}

func (h *SessionHistoryList) Scan(value interface{}) error {
	if value == nil {
		*h = SessionHistoryList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, h)
}

// FlowSession is the live execution state of one flow bound to one
// conversation. At most one active session per (tenant, conversation),
// enforced by a partial unique index.
type FlowSession struct {
	BaseTenantModel
	FlowID         uuid.UUID `gorm:"type:uuid;not null;index;constraint:OnDelete:RESTRICT" json:"flow_id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index;constraint:OnDelete:RESTRICT" json:"conversation_id"`
	ContactID      uuid.UUID `gorm:"type:uuid;not null" json:"contact_id"`

	CurrentNodeID   string      `json:"current_node_id"`
	Variables       VariableMap `gorm:"type:jsonb;default:'{}'" json:"variables"`
	WaitingForInput bool        `gorm:"default:false" json:"waiting_for_input"`
	WaitingVariable string      `json:"waiting_variable"` // variable the next inbound reply populates
	Status          string      `gorm:"default:'active';index" json:"status"`
	ErrorCount      int         `gorm:"default:0" json:"error_count"`

	History SessionHistoryList `gorm:"type:jsonb;default:'[]'" json:"history"`

	Flow *Flow `gorm:"foreignKey:FlowID" json:"flow,omitempty"`
}
