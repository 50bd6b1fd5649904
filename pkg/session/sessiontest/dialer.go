package sessiontest

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/session"
)

// Dialer hands out in-memory connections to emulated devices keyed by
// device id. Failures are consumed one per dial before connecting.
type Dialer struct {
	mu       sync.Mutex
	devices  map[string]*Device
	failures map[string][]error
	dials    map[string]int
	conns    map[string][]*Conn
	// Block holds every dial until closed, when set
	Block chan struct{}
}

// NewDialer creates an empty dialer
func NewDialer() *Dialer {
	return &Dialer{
		devices:  make(map[string]*Device),
		failures: make(map[string][]error),
		dials:    make(map[string]int),
		conns:    make(map[string][]*Conn),
	}
}

// Add registers an emulated device under a device id
func (d *Dialer) Add(id string, dev *Device) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[id] = dev
	return d
}

// Fail queues errors returned by the next dials for id
func (d *Dialer) Fail(id string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[id] = append(d.failures[id], errs...)
}

// Dials returns how many times id was dialed
func (d *Dialer) Dials(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

// Conns returns the connections made to id
func (d *Dialer) Conns(id string) []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns[id]...)
}

// Dial implements session.Dialer
func (d *Dialer) Dial(ctx context.Context, dev *device.Device) (session.Conn, error) {
	d.mu.Lock()
	d.dials[dev.ID]++
	block := d.Block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if errs := d.failures[dev.ID]; len(errs) > 0 {
		d.failures[dev.ID] = errs[1:]
		return nil, errs[0]
	}
	emu, ok := d.devices[dev.ID]
	if !ok {
		return nil, errors.New("dial tcp " + dev.Address + ": connect: connection refused")
	}
	c := &Conn{device: emu}
	d.conns[dev.ID] = append(d.conns[dev.ID], c)
	return c, nil
}

// Conn is an in-memory session.Conn to an emulated device
type Conn struct {
	device *Device
	closed atomic.Bool

	mu           sync.Mutex
	shells       []*Shell
	keepAliveErr error
}

// BreakKeepAlive makes every following keepalive fail
func (c *Conn) BreakKeepAlive(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAliveErr = err
}

// Closed reports whether the connection was closed
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

func (c *Conn) OpenShell(cols, rows int) (session.Shell, error) {
	if c.closed.Load() {
		return nil, io.ErrClosedPipe
	}
	sh := &Shell{Conn: c.device.Pipe(), device: c.device}
	c.device.recordResize(cols, rows)
	c.mu.Lock()
	c.shells = append(c.shells, sh)
	c.mu.Unlock()
	return sh, nil
}

func (c *Conn) KeepAlive() error {
	if c.closed.Load() {
		return io.ErrClosedPipe
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAliveErr
}

func (c *Conn) OpenFile(path string) (io.ReadCloser, error) {
	if c.closed.Load() {
		return nil, io.ErrClosedPipe
	}
	content, err := c.device.File(path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.mu.Lock()
		for _, sh := range c.shells {
			sh.Close()
		}
		c.mu.Unlock()
	}
	return nil
}

// Shell is a pty-less shell over net.Pipe that records resizes
type Shell struct {
	net.Conn
	device *Device
}

func (s *Shell) Resize(cols, rows int) error {
	s.device.recordResize(cols, rows)
	return nil
}
