package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/planner"
	"github.com/davidroman0O/netdoc/pkg/terminal"
)

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "netdoc dev\n", stdout)
}

func TestTemplatesListsFamilies(t *testing.T) {
	stdout, _, err := executeCLI(t, "templates")
	require.NoError(t, err)
	assert.Contains(t, stdout, "arista_eos")
	assert.Contains(t, stdout, "cisco_ios")
}

func TestTemplatesForFamily(t *testing.T) {
	stdout, _, err := executeCLI(t, "templates", "cisco_ios")
	require.NoError(t, err)

	var groups map[string][]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &groups))
	assert.NotEmpty(t, groups)

	stdout, _, err = executeCLI(t, "templates", "bogus")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", stdout)
}

func TestSuggestByGoal(t *testing.T) {
	stdout, _, err := executeCLI(t, "suggest", "--device-type", "cisco_ios", "--goal", "document bgp peers")
	require.NoError(t, err)

	var s planner.Suggestions
	require.NoError(t, json.Unmarshal([]byte(stdout), &s))
	assert.Contains(t, s.Groups, "bgp")
	assert.Contains(t, s.Groups["bgp"], "show ip bgp summary")
}

func TestSuggestRequiresDeviceType(t *testing.T) {
	_, _, err := executeCLI(t, "suggest", "--goal", "bgp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag(s) \"device-type\" not set")
}

func TestSchemaCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, "schema", "--list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "execution_event\n")
	assert.Contains(t, stdout, "terminal_control\n")

	stdout, _, err = executeCLI(t, "schema", "plan")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(stdout)))
	assert.Contains(t, stdout, "\"steps\"")

	_, _, err = executeCLI(t, "schema", "nope")
	require.Error(t, err)
	assert.True(t, nderrors.IsNotFound(err))
}

func TestPlanFromConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := writeConfigFixture(t)

	stdout, _, err := executeCLI(t, "--config", path, "plan", "core1", "--goal", "document bgp peers", "--json")
	require.NoError(t, err)

	var plan planner.Plan
	require.NoError(t, json.Unmarshal([]byte(stdout), &plan))
	assert.Equal(t, "core1", plan.DeviceID)
	require.NotEmpty(t, plan.Steps)
	assert.Equal(t, "show ip bgp summary", plan.Steps[0].Command)
}

func TestPlanTable(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := writeConfigFixture(t)

	stdout, _, err := executeCLI(t, "--config", path, "plan", "core1", "--goal", "bgp")
	require.NoError(t, err)
	assert.Contains(t, stdout, "COMMAND")
	assert.Contains(t, stdout, "1  show ip bgp summary")
}

func TestPlanRejectsBadStepNumber(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := writeConfigFixture(t)

	_, _, err := executeCLI(t, "--config", path, "plan", "core1", "--goal", "bgp", "--run", "42")
	require.Error(t, err)
	assert.Equal(t, nderrors.ErrInvalidInput, nderrors.GetCode(err))
}

func TestPlanUnknownDevice(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := writeConfigFixture(t)

	_, _, err := executeCLI(t, "--config", path, "plan", "ghost", "--goal", "bgp")
	require.Error(t, err)
	assert.True(t, nderrors.IsNotFound(err))
}

func TestExecUnknownDevice(t *testing.T) {
	path := writeConfigFixture(t)

	_, _, err := executeCLI(t, "--config", path, "exec", "ghost", "show version")
	require.Error(t, err)
	assert.True(t, nderrors.IsNotFound(err))
}

func TestBadConfigPath(t *testing.T) {
	_, _, err := executeCLI(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "exec", "r1", "show version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestStepIDs(t *testing.T) {
	plan := &planner.Plan{Steps: []planner.Step{{ID: "a"}, {ID: "b"}, {ID: "c"}}}

	ids, err := stepIDs(plan, "3, 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids)

	for _, bad := range []string{"0", "4", "x", " , "} {
		_, err := stepIDs(plan, bad)
		assert.Error(t, err, bad)
	}
}

func TestTerminalURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"http://127.0.0.1:8001", "ws://127.0.0.1:8001/api/ws/devices/r1/terminal?cols=120&rows=40"},
		{"https://netdoc.local/base/", "wss://netdoc.local/base/api/ws/devices/r1/terminal?cols=120&rows=40"},
	}
	for _, tt := range tests {
		got, err := terminalURL(tt.server, "r1", 120, 40)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	got, err := terminalURL("http://h", "r1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "ws://h/api/ws/devices/r1/terminal", got)

	_, err = terminalURL("ftp://h", "r1", 80, 24)
	assert.Error(t, err)
}

func TestDialTerminalSurfacesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"detail":"device r1 is busy"}`)
	}))
	defer srv.Close()

	target, err := terminalURL(srv.URL, "r1", 80, 24)
	require.NoError(t, err)

	_, err = dialTerminal(context.Background(), target)
	require.Error(t, err)
	assert.Equal(t, nderrors.ErrSessionInUse, nderrors.GetCode(err))
	assert.Contains(t, err.Error(), "device r1 is busy")
}

func TestRelayTerminal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 4)
	resized := make(chan terminal.Control, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch mt {
			case websocket.BinaryMessage:
				received <- data
				_ = conn.WriteMessage(websocket.BinaryMessage, append([]byte("echo:"), data...))
			case websocket.TextMessage:
				if ctrl, err := terminal.DecodeControl(data); err == nil {
					select {
					case resized <- ctrl:
					default:
					}
				}
			}
		}
	}))
	defer srv.Close()

	target, err := terminalURL(srv.URL, "r1", 80, 24)
	require.NoError(t, err)
	conn, err := dialTerminal(context.Background(), target)
	require.NoError(t, err)
	defer conn.Close()

	var mu sync.Mutex
	cols := 80
	sizes := func() (int, int, error) {
		mu.Lock()
		defer mu.Unlock()
		return cols, 24, nil
	}

	in, stdin := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- relayTerminal(context.Background(), conn, in, out, sizes) }()

	_, err = io.WriteString(stdin, "show clock\n")
	require.NoError(t, err)
	assert.Equal(t, []byte("show clock\n"), <-received)
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "echo:show clock")
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	cols = 132
	mu.Unlock()
	select {
	case ctrl := <-resized:
		assert.Equal(t, terminal.Resize(132, 24), ctrl)
	case <-time.After(3 * time.Second):
		t.Fatal("no resize message")
	}

	_, err = stdin.Write([]byte("ex\x1d"))
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on escape key")
	}
	assert.Equal(t, []byte("ex"), <-received)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfigFixture(t *testing.T) string {
	t.Helper()

	cfg := `server:
  listen: 127.0.0.1:0
ssh:
  connect_timeout: 1s
devices:
  - id: core1
    name: Core Router
    address: 192.0.2.1
    family: cisco_ios
    vendor: cisco
    role: router
    username: admin
    password: secret
`
	path := filepath.Join(t.TempDir(), "netdoc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}
