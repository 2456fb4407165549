package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Canonical topic names. These are a wire contract shared with every agent
// on the bus; renaming one breaks interoperability.
const (
	TopicTaskCreated     = "task.created"
	TopicPlanProposed    = "plan.proposed"
	TopicPlanApproved    = "plan.approved"
	TopicPlanError       = "plan.error"
	TopicTaskError       = "task.error"
	TopicActionStarted   = "action.started"
	TopicActionCompleted = "action.completed"
	TopicTaskCompleted   = "task.completed"
	TopicTaskFailed      = "task.failed"
)

// AllTopics matches every topic on the bus.
const AllTopics = "*"

// Payload is the decoded body of an event. The bus treats it as opaque;
// only agents interpret its fields. Unknown fields survive a decode/encode
// round trip so wildcard forwarders do not strip them.
type Payload = map[string]any

// Event is the envelope a published message travels in. Payload carries the
// task-level fields (task_id, session_id, data) when present.
type Event struct {
	Topic       string    `json:"topic"`
	Payload     Payload   `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// TaskPayload builds the standard task-level event body.
func TaskPayload(taskID, sessionID string, data Payload) Payload {
	return Payload{
		"task_id":    taskID,
		"session_id": sessionID,
		"data":       data,
	}
}

// TaskID extracts the task identifier from a payload, or "" when absent.
func TaskID(p Payload) string {
	s, _ := p["task_id"].(string)
	return s
}

// SessionID extracts the session identifier from a payload, or "" when absent.
func SessionID(p Payload) string {
	s, _ := p["session_id"].(string)
	return s
}

// Data returns the nested data object of a task-level payload. Returns an
// empty map when the field is absent or has the wrong shape.
func Data(p Payload) Payload {
	if d, ok := p["data"].(map[string]any); ok {
		return d
	}
	return Payload{}
}

// Goal returns the goal string from a task payload's data object.
func Goal(p Payload) string {
	s, _ := Data(p)["goal"].(string)
	return s
}

// Plan is the ordered set of steps a planner proposes for a task.
type Plan struct {
	TaskID string `json:"task_id"`
	Goal   string `json:"goal"`
	Steps  []Step `json:"steps"`
}

// Step is a single unit of work inside a plan. Exactly one of RequiresTool
// or RequiresLLM is normally set; a step with neither is a plain action.
type Step struct {
	StepID       int     `json:"step_id"`
	Description  string  `json:"description"`
	RequiresTool bool    `json:"requires_tool,omitempty"`
	RequiresLLM  bool    `json:"requires_llm,omitempty"`
	ToolName     string  `json:"tool_name,omitempty"`
	ToolParams   Payload `json:"tool_params,omitempty"`
	Dependencies []int   `json:"dependencies"`
}

// PlanFromPayload digs the plan out of a task-level payload. Producers have
// historically put it either at the top level or under data, so both
// locations are accepted.
func PlanFromPayload(p Payload) (Plan, error) {
	raw, ok := p["plan"]
	if !ok {
		raw, ok = Data(p)["plan"]
	}
	if !ok || raw == nil {
		return Plan{}, fmt.Errorf("payload has no plan")
	}

	// The plan arrives as a generic map after JSON decoding; round-trip it
	// into the typed struct.
	b, err := json.Marshal(raw)
	if err != nil {
		return Plan{}, fmt.Errorf("encode plan: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal(b, &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return plan, nil
}

// Timestamp formats t the way every agent writes timestamps on the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
