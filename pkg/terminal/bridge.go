// Package terminal relays bytes between a client socket and an interactive
// shell on a device
package terminal

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/session"
)

// Conn is the client side of a terminal. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Acquirer hands out exclusive device sessions
type Acquirer interface {
	Acquire(ctx context.Context, dev *device.Device, mode session.Mode) (*session.Lease, error)
}

// Options tunes a Bridge
type Options struct {
	// GracePeriod bounds how long one side may linger after the other closed
	GracePeriod time.Duration
	DefaultCols int
	DefaultRows int
}

// Bridge opens interactive terminals. A device with an open terminal
// cannot run batch executions and the other way around.
type Bridge struct {
	inventory device.Inventory
	sessions  Acquirer
	opts      Options

	mu     sync.Mutex
	active map[*Session]struct{}
}

// NewBridge creates a terminal bridge
func NewBridge(inventory device.Inventory, sessions Acquirer, opts Options) *Bridge {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Second
	}
	if opts.DefaultCols <= 0 {
		opts.DefaultCols = 80
	}
	if opts.DefaultRows <= 0 {
		opts.DefaultRows = 24
	}
	return &Bridge{
		inventory: inventory,
		sessions:  sessions,
		opts:      opts,
		active:    make(map[*Session]struct{}),
	}
}

// Open acquires the device for interactive use and starts a shell sized
// cols x rows; zero values take the defaults
func (b *Bridge) Open(ctx context.Context, deviceID string, cols, rows int) (*Session, error) {
	if cols <= 0 {
		cols = b.opts.DefaultCols
	}
	if rows <= 0 {
		rows = b.opts.DefaultRows
	}

	dev, err := b.inventory.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	lease, err := b.sessions.Acquire(ctx, dev, session.ModeInteractive)
	if err != nil {
		return nil, err
	}
	shell, err := lease.OpenTerminal(cols, rows)
	if err != nil {
		lease.Invalidate()
		return nil, err
	}

	s := &Session{
		bridge:   b,
		deviceID: dev.ID,
		lease:    lease,
		shell:    shell,
		opened:   time.Now(),
	}
	s.cols.Store(int32(cols))
	s.rows.Store(int32(rows))

	b.mu.Lock()
	b.active[s] = struct{}{}
	b.mu.Unlock()

	log.Printf("[TERMINAL %s] opened %dx%d", dev.ID, cols, rows)
	return s, nil
}

// Info describes an open terminal
type Info struct {
	DeviceID string    `json:"device_id"`
	Cols     int       `json:"cols"`
	Rows     int       `json:"rows"`
	Opened   time.Time `json:"opened"`
}

// Active lists open terminals
func (b *Bridge) Active() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Info, 0, len(b.active))
	for s := range b.active {
		cols, rows := s.Size()
		out = append(out, Info{DeviceID: s.deviceID, Cols: cols, Rows: rows, Opened: s.opened})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Session is one shell bound to at most one client connection
type Session struct {
	bridge   *Bridge
	deviceID string
	lease    *session.Lease
	shell    session.Shell
	opened   time.Time

	cols, rows atomic.Int32
	closed     atomic.Bool
	once       sync.Once
}

// DeviceID returns the device the terminal runs on
func (s *Session) DeviceID() string {
	return s.deviceID
}

// Size returns the current terminal dimensions
func (s *Session) Size() (cols, rows int) {
	return int(s.cols.Load()), int(s.rows.Load())
}

// Closed reports whether the terminal was torn down
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Resize changes the remote terminal dimensions
func (s *Session) Resize(cols, rows int) error {
	if err := s.shell.Resize(cols, rows); err != nil {
		return nderrors.Wrap(err, nderrors.ErrTransport, "resize terminal")
	}
	s.cols.Store(int32(cols))
	s.rows.Store(int32(rows))
	return nil
}

// Close tears the shell down and hands the device session back; it is
// safe to call more than once
func (s *Session) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		_ = s.shell.Close()
		if s.lease.Alive() {
			s.lease.Release()
		} else {
			s.lease.Invalidate()
		}
		s.bridge.mu.Lock()
		delete(s.bridge.active, s)
		s.bridge.mu.Unlock()
		log.Printf("[TERMINAL %s] closed", s.deviceID)
	})
}

// Serve relays between conn and the shell until either side closes or ctx
// ends, then tears both down. Shell output is sent as binary frames
// verbatim. Text frames carry control messages; a malformed one closes
// the connection with a protocol error. Binary frames from the client are
// written to the shell as is.
func (s *Session) Serve(ctx context.Context, conn Conn) error {
	defer s.Close()

	errc := make(chan error, 2)
	go func() { errc <- s.pumpOutput(conn) }()
	go func() { errc <- s.pumpInput(conn) }()

	var first error
	select {
	case first = <-errc:
	case <-ctx.Done():
		first = ctx.Err()
	}

	if nderrors.GetCode(first) == nderrors.ErrProtocol {
		log.Printf("[TERMINAL %s] closing connection: %v", s.deviceID, first)
		msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, first.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	} else {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}

	// closing both ends unblocks the goroutine still running
	_ = s.shell.Close()
	_ = conn.Close()
	select {
	case <-errc:
	case <-time.After(s.bridge.opts.GracePeriod):
		log.Printf("[TERMINAL %s] relay did not stop within %v", s.deviceID, s.bridge.opts.GracePeriod)
	}

	if isNormalClose(first) {
		return nil
	}
	return first
}

func (s *Session) pumpOutput(conn Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.shell.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return nderrors.Wrap(err, nderrors.ErrTransport, "read from shell")
		}
	}
}

func (s *Session) pumpInput(conn Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		switch mt {
		case websocket.BinaryMessage:
			if _, err := s.shell.Write(data); err != nil {
				return nderrors.Wrap(err, nderrors.ErrTransport, "write to shell")
			}
		case websocket.TextMessage:
			ctrl, err := DecodeControl(data)
			if err != nil {
				return err
			}
			switch ctrl.Type {
			case ControlInput:
				if _, err := io.WriteString(s.shell, *ctrl.Data); err != nil {
					return nderrors.Wrap(err, nderrors.ErrTransport, "write to shell")
				}
			case ControlResize:
				if err := s.Resize(ctrl.Cols, ctrl.Rows); err != nil {
					return err
				}
			}
		}
	}
}

func isNormalClose(err error) bool {
	if err == nil || err == io.EOF || err == context.Canceled {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
