package execution

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/parser"
)

func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusQueued, StatusRunning}:    true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestExecutionTransition(t *testing.T) {
	now := time.Now()
	e := newExecution("e1", "r1", []string{"show clock"}, now)

	err := e.transition(StatusCompleted, now)
	assert.Equal(t, nderrors.ErrInvalidInput, nderrors.GetCode(err))
	assert.Equal(t, StatusQueued, e.Status)

	require.NoError(t, e.transition(StatusRunning, now))
	assert.NotNil(t, e.StartedAt)
	require.NoError(t, e.transition(StatusFailed, now))
	assert.NotNil(t, e.CompletedAt)
	assert.Error(t, e.transition(StatusRunning, now))
}

func TestCloneIsDeep(t *testing.T) {
	e := newExecution("e1", "r1", []string{"show clock"}, time.Now())
	e.RawOutputs = map[string]string{"show clock": "10:00"}
	e.ParsedOutputs = map[string]parser.Result{"show clock": {Parser: parser.ParserNone, Raw: "10:00"}}

	c := e.Clone()
	c.Commands[0] = "changed"
	c.Results[0].Status = CommandCompleted
	c.RawOutputs["show clock"] = "changed"

	assert.Equal(t, "show clock", e.Commands[0])
	assert.Equal(t, CommandPending, e.Results[0].Status)
	assert.Equal(t, "10:00", e.RawOutputs["show clock"])
}

func TestMemoryStoreRetention(t *testing.T) {
	s := NewMemoryStore(2)
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		e := newExecution(id, "r1", []string{"x"}, base.Add(time.Duration(i)*time.Second))
		e.Status = StatusCompleted
		require.NoError(t, s.Save(e))
	}
	running := newExecution("d", "r1", []string{"x"}, base.Add(-time.Hour))
	running.Status = StatusRunning
	require.NoError(t, s.Save(running))

	list, err := s.List("r1", 0)
	require.NoError(t, err)
	var ids []string
	for _, e := range list {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"c", "b", "d"}, ids)

	_, err = s.Get("a")
	assert.True(t, nderrors.IsNotFound(err))
	assert.Error(t, s.Save(&Execution{}))
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "executions.json")

	s, err := NewFileStore(path, 0)
	require.NoError(t, err)

	done := newExecution("done", "r1", []string{"show clock"}, time.Now())
	done.Status = StatusCompleted
	done.RawOutputs = map[string]string{"show clock": "10:00"}
	done.ParsedOutputs = map[string]parser.Result{"show clock": {Parser: parser.ParserNone, Raw: "10:00"}}
	require.NoError(t, s.Save(done))

	inflight := newExecution("inflight", "r1", []string{"show clock"}, time.Now())
	inflight.Status = StatusRunning
	require.NoError(t, s.Save(inflight))

	reopened, err := NewFileStore(path, 0)
	require.NoError(t, err)

	got, err := reopened.Get("done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "10:00", got.RawOutputs["show clock"])
	assert.Equal(t, parser.ParserNone, got.ParsedOutputs["show clock"].Parser)

	got, err = reopened.Get("inflight")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, CommandNotRun, got.Results[0].Status)
}
