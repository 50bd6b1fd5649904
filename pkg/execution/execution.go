// Package execution runs batches of CLI commands against devices, one
// execution per device at a time, and streams progress as ordered events
package execution

import (
	"time"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/parser"
)

// Status is the lifecycle state of an execution
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CommandStatus is the outcome of one command of a batch
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandCompleted CommandStatus = "completed"
	CommandError     CommandStatus = "error"
	CommandNotRun    CommandStatus = "not_run"
)

// CommandResult records one command in submission order
type CommandResult struct {
	Command  string        `json:"command"`
	Status   CommandStatus `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Execution is one accepted request to run commands on a device
type Execution struct {
	ID       string   `json:"id"`
	DeviceID string   `json:"device_id"`
	Commands []string `json:"commands"`
	Status   Status   `json:"status"`

	// Results has one entry per submitted command, in order, and is the
	// record to use when a batch repeats a command
	Results []CommandResult `json:"results"`
	// RawOutputs maps each command that ran to its raw text. A repeated
	// command keeps the output of its last run.
	RawOutputs map[string]string `json:"raw_outputs,omitempty"`
	// ParsedOutputs holds structured output, set on completion, keyed like
	// RawOutputs
	ParsedOutputs map[string]parser.Result `json:"parsed_outputs,omitempty"`
	Error         string                   `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newExecution(id, deviceID string, commands []string, now time.Time) *Execution {
	results := make([]CommandResult, len(commands))
	for i, cmd := range commands {
		results[i] = CommandResult{Command: cmd, Status: CommandPending}
	}
	return &Execution{
		ID:        id,
		DeviceID:  deviceID,
		Commands:  append([]string(nil), commands...),
		Status:    StatusQueued,
		Results:   results,
		CreatedAt: now,
	}
}

// transition moves the execution to next, refusing anything outside
// queued -> running -> completed|failed
func (e *Execution) transition(next Status, now time.Time) error {
	if !e.Status.CanTransition(next) {
		return nderrors.Newf(nderrors.ErrInvalidInput, "execution %s cannot move from %s to %s", e.ID, e.Status, next)
	}
	e.Status = next
	switch {
	case next == StatusRunning:
		e.StartedAt = &now
	case next.Terminal():
		e.CompletedAt = &now
	}
	return nil
}

// Clone returns a deep copy safe to hand out
func (e *Execution) Clone() *Execution {
	c := *e
	c.Commands = append([]string(nil), e.Commands...)
	c.Results = append([]CommandResult(nil), e.Results...)
	if e.RawOutputs != nil {
		c.RawOutputs = make(map[string]string, len(e.RawOutputs))
		for k, v := range e.RawOutputs {
			c.RawOutputs[k] = v
		}
	}
	if e.ParsedOutputs != nil {
		c.ParsedOutputs = make(map[string]parser.Result, len(e.ParsedOutputs))
		for k, v := range e.ParsedOutputs {
			c.ParsedOutputs[k] = v
		}
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
