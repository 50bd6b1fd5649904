package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/retry"
	"github.com/davidroman0O/netdoc/pkg/session"
	"github.com/davidroman0O/netdoc/pkg/session/sessiontest"
)

type frame struct {
	mt   int
	data []byte
}

// mockConn implements Conn with channels
type mockConn struct {
	in     chan frame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	out      bytes.Buffer
	frames   []frame
	controls []frame
}

func newMockConn() *mockConn {
	return &mockConn{in: make(chan frame, 16), closed: make(chan struct{})}
}

func (c *mockConn) send(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- frame{websocket.TextMessage, data}
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return f.mt, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *mockConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{mt, append([]byte(nil), data...)})
	c.out.Write(data)
	return nil
}

func (c *mockConn) WriteControl(mt int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, frame{mt, data})
	return nil
}

func (c *mockConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *mockConn) allBinary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.mt != websocket.BinaryMessage {
			return false
		}
	}
	return true
}

func (c *mockConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.controls {
		if f.mt == websocket.CloseMessage && len(f.data) >= 2 {
			return int(f.data[0])<<8 | int(f.data[1])
		}
	}
	return 0
}

type fixture struct {
	bridge  *Bridge
	manager *session.Manager
	emu     *sessiontest.Device
	dialer  *sessiontest.Dialer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	emu := sessiontest.NewDevice("leaf1").Respond("show version", "Arista vEOS-lab\nSoftware image version: 4.30.1F")
	dialer := sessiontest.NewDialer().Add("leaf1", emu)
	manager := session.NewManager(dialer, session.Options{
		ConnectTimeout: time.Second,
		Retry:          retry.Policy{MaxAttempts: 1},
	})
	inventory := device.NewMemoryInventory(&device.Device{
		ID:          "leaf1",
		Address:     "192.0.2.20",
		Family:      device.FamilyAristaEOS,
		Credentials: device.Credentials{Username: "admin", Password: "admin"},
	})
	bridge := NewBridge(inventory, manager, Options{GracePeriod: 200 * time.Millisecond})
	t.Cleanup(func() { manager.Close() })
	return &fixture{bridge: bridge, manager: manager, emu: emu, dialer: dialer}
}

func TestTerminalRelay(t *testing.T) {
	f := newFixture(t)

	term, err := f.bridge.Open(context.Background(), "leaf1", 0, 0)
	require.NoError(t, err)
	cols, rows := term.Size()
	assert.Equal(t, 80, cols)
	assert.Equal(t, 24, rows)

	conn := newMockConn()
	done := make(chan error, 1)
	go func() { done <- term.Serve(context.Background(), conn) }()

	conn.send(t, Resize(100, 30))
	conn.send(t, Input("show version\n"))

	require.Eventually(t, func() bool {
		return strings.Contains(conn.output(), "Software image version: 4.30.1F")
	}, 2*time.Second, 10*time.Millisecond)

	out := conn.output()
	assert.Contains(t, out, "show version")
	assert.NotContains(t, out, `"type"`)
	assert.True(t, conn.allBinary())
	assert.Contains(t, f.emu.Resizes(), [2]int{100, 30})
	cols, rows = term.Size()
	assert.Equal(t, 100, cols)
	assert.Equal(t, 30, rows)
	assert.Len(t, f.bridge.Active(), 1)

	close(conn.in)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after client close")
	}
	assert.True(t, term.Closed())
	assert.Empty(t, f.bridge.Active())

	// the device session is free again
	lease, err := f.manager.Acquire(context.Background(), &device.Device{ID: "leaf1", Family: device.FamilyAristaEOS}, session.ModeBatch)
	require.NoError(t, err)
	lease.Release()
}

func TestTerminalExcludesBatch(t *testing.T) {
	f := newFixture(t)

	term, err := f.bridge.Open(context.Background(), "leaf1", 80, 24)
	require.NoError(t, err)
	defer term.Close()

	_, err = f.manager.Acquire(context.Background(), &device.Device{ID: "leaf1"}, session.ModeBatch)
	assert.True(t, errors.Is(err, nderrors.ErrDeviceInUse))

	_, err = f.bridge.Open(context.Background(), "leaf1", 80, 24)
	assert.Equal(t, nderrors.ErrSessionInUse, nderrors.GetCode(err))
}

func TestMalformedControlClosesConnection(t *testing.T) {
	f := newFixture(t)

	term, err := f.bridge.Open(context.Background(), "leaf1", 80, 24)
	require.NoError(t, err)

	conn := newMockConn()
	done := make(chan error, 1)
	go func() { done <- term.Serve(context.Background(), conn) }()

	conn.in <- frame{websocket.TextMessage, []byte(`{"type":"resize","cols":0}`)}

	select {
	case err := <-done:
		assert.Equal(t, nderrors.ErrProtocol, nderrors.GetCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return on a malformed message")
	}
	assert.Equal(t, websocket.CloseProtocolError, conn.closeCode())
	assert.True(t, term.Closed())
}

func TestRemoteExitClosesClient(t *testing.T) {
	f := newFixture(t)

	term, err := f.bridge.Open(context.Background(), "leaf1", 80, 24)
	require.NoError(t, err)

	conn := newMockConn()
	done := make(chan error, 1)
	go func() { done <- term.Serve(context.Background(), conn) }()

	conn.send(t, Input("exit\n"))

	select {
	case err := <-done:
		assert.False(t, nderrors.GetCode(err) == nderrors.ErrProtocol)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the shell exited")
	}
	select {
	case <-conn.closed:
	default:
		t.Fatal("client connection left open")
	}
}

func TestServeStopsOnContext(t *testing.T) {
	f := newFixture(t)

	term, err := f.bridge.Open(context.Background(), "leaf1", 80, 24)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	conn := newMockConn()
	done := make(chan error, 1)
	go func() { done <- term.Serve(ctx, conn) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve ignored cancellation")
	}
}

func TestOpenUnknownDevice(t *testing.T) {
	f := newFixture(t)
	_, err := f.bridge.Open(context.Background(), "nope", 80, 24)
	assert.True(t, nderrors.IsNotFound(err))
}

func TestDecodeControl(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"input", `{"type":"input","data":"ls\n"}`, true},
		{"empty input", `{"type":"input","data":""}`, true},
		{"resize", `{"type":"resize","cols":132,"rows":43}`, true},
		{"input without data", `{"type":"input"}`, false},
		{"zero rows", `{"type":"resize","cols":80,"rows":0}`, false},
		{"huge", `{"type":"resize","cols":80000,"rows":24}`, false},
		{"unknown type", `{"type":"paste","data":"x"}`, false},
		{"not json", `show version`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeControl([]byte(tt.in))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, nderrors.ErrProtocol, nderrors.GetCode(err))
			}
		})
	}
}
