package execution

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/broadcast"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/parser"
	"github.com/davidroman0O/netdoc/pkg/session"
)

// Acquirer hands out exclusive device sessions
type Acquirer interface {
	Acquire(ctx context.Context, dev *device.Device, mode session.Mode) (*session.Lease, error)
	// Holder reports a lease held on the device by anyone, such as a terminal
	Holder(deviceID string) (session.Mode, bool)
}

// Publisher receives execution events
type Publisher interface {
	Publish(ev broadcast.Event)
}

// ParseFunc structures the raw output of one command
type ParseFunc func(family device.Family, command, raw string) parser.Result

// Options tunes an Engine
type Options struct {
	// CommandTimeout bounds the wait for the prompt after each command
	CommandTimeout time.Duration
	// HistoryLimit caps List results; zero means no cap
	HistoryLimit int
	// SampleLength truncates connection test output
	SampleLength int
}

// Engine accepts executions and runs each on its own goroutine. A device
// runs at most one execution or connection test at a time; a second
// request is rejected with ErrBusy rather than queued.
type Engine struct {
	inventory device.Inventory
	sessions  Acquirer
	events    Publisher
	store     Store
	parse     ParseFunc
	opts      Options

	mu   sync.Mutex
	busy map[string]string
	done map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine. A nil store defaults to a MemoryStore.
func NewEngine(inventory device.Inventory, sessions Acquirer, events Publisher, store Store, opts Options) *Engine {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 60 * time.Second
	}
	if opts.SampleLength <= 0 {
		opts.SampleLength = 200
	}
	if store == nil {
		store = NewMemoryStore(opts.HistoryLimit)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		inventory: inventory,
		sessions:  sessions,
		events:    events,
		store:     store,
		parse:     parser.Parse,
		opts:      opts,
		busy:      make(map[string]string),
		done:      make(map[string]chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetParser replaces the output parser; used by tests
func (e *Engine) SetParser(fn ParseFunc) {
	e.parse = fn
}

// reserve claims the device for owner, failing with ErrBusy if another
// execution runs or a session lease is held outside the engine
func (e *Engine) reserve(deviceID, owner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.busy[deviceID]; ok {
		return nderrors.WithContext(
			nderrors.Wrap(nderrors.ErrBusyDevice, nderrors.ErrBusy,
				fmt.Sprintf("device %s already has execution %s in progress", deviceID, current)),
			map[string]interface{}{"device_id": deviceID, "execution_id": current},
		)
	}
	if mode, held := e.sessions.Holder(deviceID); held {
		return nderrors.WithContext(
			nderrors.Wrap(nderrors.ErrBusyDevice, nderrors.ErrBusy,
				fmt.Sprintf("device %s is in %s use", deviceID, mode)),
			map[string]interface{}{"device_id": deviceID, "holder": mode.String()},
		)
	}
	e.busy[deviceID] = owner
	return nil
}

func (e *Engine) unreserve(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, deviceID)
}

// Busy reports the id of the execution holding deviceID, if any
func (e *Engine) Busy(deviceID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.busy[deviceID]
	return id, ok
}

// Submit validates and accepts an execution, returning its queued snapshot.
// It fails with ErrNotFound, ErrInvalidInput or ErrBusy before any device
// interaction.
func (e *Engine) Submit(ctx context.Context, deviceID string, commands []string) (*Execution, error) {
	var cleaned []string
	for _, cmd := range commands {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			cleaned = append(cleaned, cmd)
		}
	}
	if len(cleaned) == 0 {
		return nil, nderrors.New(nderrors.ErrInvalidInput, "at least one command is required")
	}

	dev, err := e.inventory.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if e.ctx.Err() != nil {
		return nil, nderrors.New(nderrors.ErrCancelled, "execution engine is shut down")
	}

	exec := newExecution(uuid.NewString(), dev.ID, cleaned, time.Now().UTC())
	if err := e.reserve(dev.ID, exec.ID); err != nil {
		return nil, err
	}
	if err := e.store.Save(exec); err != nil {
		e.unreserve(dev.ID)
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.done[exec.ID] = done
	e.mu.Unlock()

	log.Printf("[EXEC %s] accepted %d command(s) for device %s", exec.ID, len(cleaned), dev.ID)

	snapshot := exec.Clone()
	e.wg.Add(1)
	go e.run(exec, dev, done)
	return snapshot, nil
}

// Get returns an execution snapshot
func (e *Engine) Get(id string) (*Execution, error) {
	return e.store.Get(id)
}

// List returns a device's executions, newest first
func (e *Engine) List(deviceID string) ([]*Execution, error) {
	return e.store.List(deviceID, e.opts.HistoryLimit)
}

// Wait blocks until the execution is terminal or ctx ends
func (e *Engine) Wait(ctx context.Context, id string) (*Execution, error) {
	e.mu.Lock()
	done, ok := e.done[id]
	e.mu.Unlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, nderrors.Wrap(ctx.Err(), nderrors.ErrCancelled, "waiting for execution")
		}
	}
	return e.store.Get(id)
}

// Close stops accepting work and waits for running executions, which see
// a cancelled context and fail
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// run drives one execution to a terminal state. It is the only writer of
// exec after Submit returns.
func (e *Engine) run(exec *Execution, dev *device.Device, done chan struct{}) {
	defer e.wg.Done()

	var seq uint64
	emit := func(ev broadcast.Event) {
		seq++
		ev.Seq = seq
		ev.ExecutionID = exec.ID
		ev.DeviceID = exec.DeviceID
		ev.Timestamp = time.Now().UTC()
		e.events.Publish(ev)
	}
	save := func() {
		if err := e.store.Save(exec); err != nil {
			log.Printf("[EXEC %s] failed to save: %v", exec.ID, err)
		}
	}
	// the terminal event goes out before the device is freed and waiters
	// wake; holding mu keeps a new execution's events behind it
	finish := func(final broadcast.Event) {
		save()
		e.mu.Lock()
		emit(final)
		delete(e.busy, exec.DeviceID)
		delete(e.done, exec.ID)
		close(done)
		e.mu.Unlock()
	}
	fail := func(err error) {
		for i := range exec.Results {
			if exec.Results[i].Status == CommandPending {
				exec.Results[i].Status = CommandNotRun
			}
		}
		exec.Error = err.Error()
		if terr := exec.transition(StatusFailed, time.Now().UTC()); terr != nil {
			log.Printf("[EXEC %s] %v", exec.ID, terr)
		}
		log.Printf("[EXEC %s] failed: %v", exec.ID, err)
		finish(broadcast.Event{Type: broadcast.EventExecutionFailed, Error: exec.Error})
	}

	if err := exec.transition(StatusRunning, time.Now().UTC()); err != nil {
		log.Printf("[EXEC %s] %v", exec.ID, err)
		return
	}
	save()
	emit(broadcast.Event{Type: broadcast.EventExecutionStarted})

	lease, err := e.sessions.Acquire(e.ctx, dev, session.ModeBatch)
	if err != nil {
		fail(err)
		return
	}

	exec.RawOutputs = make(map[string]string)
	total := len(exec.Commands)
	for i, cmd := range exec.Commands {
		emit(broadcast.Event{Type: broadcast.EventExecutionProgress, Command: cmd, Index: i, Status: broadcast.StatusStarted})
		log.Printf("[EXEC %s] command %d/%d: %s", exec.ID, i+1, total, cmd)

		start := time.Now()
		out, err := lease.Run(e.ctx, cmd, e.opts.CommandTimeout)
		res := &exec.Results[i]
		res.Duration = time.Since(start)
		res.Output = out

		if err != nil && (nderrors.GetCode(err) != nderrors.ErrReadTimeout || !lease.Alive()) {
			// the session itself is gone; nothing after this command can run
			res.Status = CommandError
			res.Error = err.Error()
			emit(broadcast.Event{Type: broadcast.EventExecutionProgress, Command: cmd, Index: i,
				Status: broadcast.StatusError, Output: out, Error: res.Error})
			lease.Invalidate()
			fail(nderrors.WithOp(err, fmt.Sprintf("command %q", cmd)))
			return
		}

		exec.RawOutputs[cmd] = out
		switch {
		case err != nil:
			res.Status = CommandError
			res.Error = err.Error()
		default:
			if line, rejected := lease.Rejected(out); rejected {
				res.Status = CommandError
				res.Error = nderrors.Newf(nderrors.ErrRejected, "device rejected command: %s", line).Error()
			} else {
				res.Status = CommandCompleted
			}
		}

		status := broadcast.StatusCompleted
		if res.Status == CommandError {
			status = broadcast.StatusError
			log.Printf("[EXEC %s] command %d/%d failed: %s", exec.ID, i+1, total, res.Error)
		}
		emit(broadcast.Event{Type: broadcast.EventExecutionProgress, Command: cmd, Index: i,
			Status: status, Output: out, Error: res.Error})
		save()
	}
	lease.Release()

	exec.ParsedOutputs = make(map[string]parser.Result, len(exec.RawOutputs))
	for _, res := range exec.Results {
		if res.Status == CommandCompleted {
			exec.ParsedOutputs[res.Command] = e.parse(dev.Family, res.Command, res.Output)
		}
	}
	if err := exec.transition(StatusCompleted, time.Now().UTC()); err != nil {
		log.Printf("[EXEC %s] %v", exec.ID, err)
	}
	log.Printf("[EXEC %s] completed %d command(s)", exec.ID, total)

	raw := make(map[string]string, len(exec.RawOutputs))
	for k, v := range exec.RawOutputs {
		raw[k] = v
	}
	results := make(map[string]parser.Result, len(exec.ParsedOutputs))
	for k, v := range exec.ParsedOutputs {
		results[k] = v
	}
	finish(broadcast.Event{Type: broadcast.EventExecutionCompleted, RawOutputs: raw, Results: results})
}

// ConnectionReport is the outcome of a successful connection test
type ConnectionReport struct {
	Status       string        `json:"status"`
	DeviceType   device.Family `json:"device_type"`
	Prompt       string        `json:"prompt"`
	SampleOutput string        `json:"sample_output"`
}

// TestConnection logs into the device and runs the family check command.
// It holds the device like an execution does, so it fails with ErrBusy
// while one runs.
func (e *Engine) TestConnection(ctx context.Context, deviceID string) (*ConnectionReport, error) {
	dev, err := e.inventory.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := e.reserve(dev.ID, "connection-test"); err != nil {
		return nil, err
	}
	defer e.unreserve(dev.ID)

	lease, err := e.sessions.Acquire(ctx, dev, session.ModeBatch)
	if err != nil {
		return nil, err
	}

	check := device.ProfileFor(dev.Family).CheckCommand
	out, err := lease.Run(ctx, check, e.opts.CommandTimeout)
	if err != nil {
		if nderrors.GetCode(err) == nderrors.ErrTransport {
			lease.Invalidate()
		} else {
			lease.Release()
		}
		return nil, err
	}
	prompt := lease.Prompt()
	lease.Release()

	if len(out) > e.opts.SampleLength {
		out = out[:e.opts.SampleLength] + "..."
	}
	return &ConnectionReport{
		Status:       "success",
		DeviceType:   dev.Family,
		Prompt:       prompt,
		SampleOutput: out,
	}, nil
}
