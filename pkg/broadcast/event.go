package broadcast

import (
	"time"

	"github.com/davidroman0O/netdoc/pkg/parser"
)

// EventType names an execution lifecycle notification
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionProgress  EventType = "execution_progress"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
)

// Terminal reports whether no event follows this one for the execution
func (t EventType) Terminal() bool {
	return t == EventExecutionCompleted || t == EventExecutionFailed
}

// Progress statuses carried by execution_progress events
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Event is one ordered notification about an execution. Seq increases by
// one per event of the same execution, starting at 1.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	DeviceID    string    `json:"device_id"`
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`

	// progress fields
	Command string `json:"command,omitempty"`
	Index   int    `json:"index,omitempty"`
	Status  string `json:"status,omitempty"`
	Output  string `json:"output,omitempty"`

	// Error is set on failed progress and execution_failed
	Error string `json:"error,omitempty"`
	// RawOutputs and Results are set on execution_completed
	RawOutputs map[string]string        `json:"raw_outputs,omitempty"`
	Results    map[string]parser.Result `json:"results,omitempty"`
}
