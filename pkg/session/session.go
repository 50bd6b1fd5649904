// Package session owns the lifecycle of remote device sessions: connect,
// authenticate, keep alive, hand out exclusive leases and tear down.
package session

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/netdoc/pkg/device"
)

// Mode tells what a lease holder will do with the session. Holders are
// mutually exclusive whatever their mode.
type Mode int

const (
	// ModeBatch runs prompt-driven commands for an execution
	ModeBatch Mode = iota + 1
	// ModeInteractive bridges a raw terminal to a client
	ModeInteractive
	// ModeTransfer copies files off the device
	ModeTransfer
)

func (m Mode) String() string {
	switch m {
	case ModeBatch:
		return "batch"
	case ModeInteractive:
		return "interactive"
	case ModeTransfer:
		return "transfer"
	default:
		return "idle"
	}
}

// Shell is an interactive channel on a device with a pseudo terminal
type Shell interface {
	io.Reader
	io.Writer
	// Resize changes the terminal dimensions reported to the remote side
	Resize(cols, rows int) error
	Close() error
}

// Conn is an authenticated transport connection to one device
type Conn interface {
	// OpenShell starts a shell channel with a pty of the given size
	OpenShell(cols, rows int) (Shell, error)
	// KeepAlive performs a round trip proving the transport is still usable
	KeepAlive() error
	// OpenFile opens a remote file for reading
	OpenFile(path string) (io.ReadCloser, error)
	Close() error
}

// Dialer opens authenticated connections. Implementations return errors
// classified with the ErrUnreachable, ErrAuthFailed and ErrTimeout codes.
type Dialer interface {
	Dial(ctx context.Context, dev *device.Device) (Conn, error)
}

// Session is a live authenticated channel to one device. It is owned by
// the Manager and only reachable through a Lease.
type Session struct {
	device  *device.Device
	conn    Conn
	profile device.Profile

	// cli is the prompt-driven shell used in batch mode, opened on first use
	mu  sync.Mutex
	cli *cliShell

	alive        atomic.Bool
	lastActivity atomic.Int64
	stop         chan struct{}
	closeOnce    sync.Once
}

func newSession(dev *device.Device, conn Conn) *Session {
	s := &Session{
		device:  dev,
		conn:    conn,
		profile: device.ProfileFor(dev.Family),
		stop:    make(chan struct{}),
	}
	s.alive.Store(true)
	s.touch()
	return s
}

// DeviceID returns the id of the device the session is connected to
func (s *Session) DeviceID() string {
	return s.device.ID
}

// Alive reports the liveness flag; it turns false on the first transport
// failure and never turns back
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// LastActivity returns when the session was last used
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// check verifies liveness with a transport round trip
func (s *Session) check() bool {
	if !s.Alive() {
		return false
	}
	if err := s.conn.KeepAlive(); err != nil {
		log.Printf("[SESSION %s] liveness check failed: %v", s.device.ID, err)
		s.markDead()
		return false
	}
	return true
}

func (s *Session) markDead() {
	s.alive.Store(false)
}

func (s *Session) keepAliveLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.KeepAlive(); err != nil {
				log.Printf("[SESSION %s] keepalive failed: %v", s.device.ID, err)
				s.close()
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.markDead()
		close(s.stop)
		s.mu.Lock()
		if s.cli != nil {
			s.cli.close()
		}
		s.mu.Unlock()
		if err := s.conn.Close(); err != nil {
			log.Printf("[SESSION %s] close: %v", s.device.ID, err)
		}
	})
}
