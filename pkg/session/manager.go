package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/config"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/retry"
)

// Options configures a Manager
type Options struct {
	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration
	// LoginTimeout bounds waiting for prompts while logging into the CLI
	LoginTimeout time.Duration
	// KeepAlive is the keepalive interval; zero disables keepalives
	KeepAlive time.Duration
	// IdleTimeout closes sessions left unleased for that long; zero disables
	IdleTimeout time.Duration
	// Retry applies to transient connection errors only
	Retry retry.Policy
	// TerminalCols and TerminalRows size the pty of batch shells
	TerminalCols int
	TerminalRows int
}

// OptionsFromConfig maps configuration sections onto manager options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ConnectTimeout: cfg.SSH.ConnectTimeout.Duration,
		LoginTimeout:   cfg.SSH.ConnectTimeout.Duration,
		KeepAlive:      cfg.SSH.KeepAliveInterval.Duration,
		IdleTimeout:    cfg.SSH.IdleTimeout.Duration,
		Retry: retry.Policy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay.Duration,
			MaxDelay:     cfg.Retry.MaxDelay.Duration,
			Multiplier:   cfg.Retry.Multiplier,
			MaxJitter:    100 * time.Millisecond,
		},
		TerminalCols: 511,
		TerminalRows: 24,
	}
}

// entry guards one device. lock is a one-slot semaphore rather than a mutex
// so waiters can give up when their context ends.
type entry struct {
	lock    chan struct{}
	session *Session
	holder  Mode
	// held mirrors holder for readers that must not wait on lock
	held atomic.Int32
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return nderrors.Wrap(ctx.Err(), nderrors.ErrCancelled, "waiting for device lock")
	}
}

func (e *entry) release() {
	<-e.lock
}

// Manager is the registry of device sessions. It is the only owner of
// sessions; everything else works on leases.
type Manager struct {
	dialer Dialer
	opts   Options

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager
func NewManager(dialer Dialer, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = opts.ConnectTimeout
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.TerminalCols <= 0 {
		opts.TerminalCols = 511
	}
	if opts.TerminalRows <= 0 {
		opts.TerminalRows = 24
	}
	opts.Retry.Retryable = nderrors.IsRetryable

	m := &Manager{
		dialer:  dialer,
		opts:    opts,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		go m.reapLoop(opts.IdleTimeout)
	}
	return m
}

func (m *Manager) entry(deviceID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nderrors.New(nderrors.ErrCancelled, "session manager is closed")
	}
	e, ok := m.entries[deviceID]
	if !ok {
		e = &entry{lock: make(chan struct{}, 1)}
		m.entries[deviceID] = e
	}
	return e, nil
}

// Acquire returns an exclusive lease on the device session, reusing a live
// session or connecting a new one. Concurrent callers for the same device
// wait for the connection attempt in progress instead of starting a second
// handshake. A device already leased fails with ErrSessionInUse.
func (m *Manager) Acquire(ctx context.Context, dev *device.Device, mode Mode) (*Lease, error) {
	e, err := m.entry(dev.ID)
	if err != nil {
		return nil, err
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	if e.holder != 0 {
		return nil, nderrors.WithContext(
			nderrors.Wrap(nderrors.ErrDeviceInUse, nderrors.ErrSessionInUse,
				fmt.Sprintf("device %s is in %s use", dev.ID, e.holder)),
			map[string]interface{}{"device_id": dev.ID, "holder": e.holder.String()},
		)
	}

	if e.session != nil && !e.session.check() {
		log.Printf("[SESSION %s] discarding dead session", dev.ID)
		e.session.close()
		e.session = nil
	}

	if e.session == nil {
		s, err := m.connect(ctx, dev)
		if err != nil {
			return nil, err
		}
		e.session = s
	}

	if mode == ModeBatch {
		if err := m.ensureCLI(ctx, e.session); err != nil {
			log.Printf("[SESSION %s] cli setup failed: %v", dev.ID, err)
			e.session.close()
			e.session = nil
			return nil, err
		}
	}

	e.holder = mode
	e.held.Store(int32(mode))
	e.session.touch()
	return &Lease{manager: m, entry: e, session: e.session, mode: mode}, nil
}

func (m *Manager) connect(ctx context.Context, dev *device.Device) (*Session, error) {
	var conn Conn
	policy := m.opts.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Printf("[SESSION %s] connect attempt %d/%d failed: %v (retrying in %v)",
			dev.ID, attempt, policy.MaxAttempts, err, delay.Round(time.Millisecond))
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()

		c, err := m.dialer.Dial(dctx, dev)
		if err != nil {
			return Classify(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		code := nderrors.GetCode(err)
		log.Printf("[SESSION %s] connect failed (%s): %v", dev.ID, code, err)
		return nil, nderrors.WithContext(err, map[string]interface{}{"device_id": dev.ID, "kind": code.String()})
	}

	log.Printf("[SESSION %s] connected to %s", dev.ID, dev.Address)
	s := newSession(dev, conn)
	go s.keepAliveLoop(m.opts.KeepAlive)
	return s, nil
}

func (m *Manager) ensureCLI(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cli != nil && s.cli.dead == nil {
		return nil
	}
	if s.cli != nil {
		s.cli.close()
		s.cli = nil
	}

	shell, err := s.conn.OpenShell(m.opts.TerminalCols, m.opts.TerminalRows)
	if err != nil {
		s.markDead()
		return nderrors.Wrap(err, nderrors.ErrUnreachable, "open cli shell")
	}
	cli := newCLIShell(s.device.ID, shell, s.profile)
	if err := cli.login(ctx, s.device.Credentials.EnablePassword, m.opts.LoginTimeout); err != nil {
		cli.close()
		if nderrors.GetCode(err) == nderrors.ErrReadTimeout {
			return nderrors.Wrap(err, nderrors.ErrTimeout, "cli login")
		}
		if nderrors.GetCode(err) == nderrors.ErrTransport {
			return nderrors.Wrap(err, nderrors.ErrUnreachable, "cli login")
		}
		return err
	}
	s.cli = cli
	log.Printf("[SESSION %s] cli ready at prompt %q", s.device.ID, cli.prompt)
	return nil
}

func (m *Manager) release(l *Lease, invalidate bool) {
	l.entry.lock <- struct{}{}
	defer l.entry.release()

	if l.entry.session != l.session {
		return
	}
	l.entry.holder = 0
	l.entry.held.Store(0)
	if invalidate || !l.session.Alive() {
		log.Printf("[SESSION %s] invalidated", l.session.DeviceID())
		l.session.close()
		l.entry.session = nil
		return
	}
	l.session.touch()
}

// FetchFile copies a remote file into w over a transfer lease
func (m *Manager) FetchFile(ctx context.Context, dev *device.Device, path string, w io.Writer) (int64, error) {
	lease, err := m.Acquire(ctx, dev, ModeTransfer)
	if err != nil {
		return 0, err
	}

	var n int64
	err = func() error {
		f, err := lease.session.conn.OpenFile(path)
		if err != nil {
			return nderrors.Wrap(err, nderrors.ErrNotFound, fmt.Sprintf("open %s", path))
		}
		defer f.Close()

		n, err = io.Copy(w, f)
		if err != nil {
			return nderrors.Wrap(err, nderrors.ErrTransport, fmt.Sprintf("copy %s", path))
		}
		return nil
	}()

	if nderrors.GetCode(err) == nderrors.ErrTransport {
		lease.Invalidate()
	} else {
		lease.Release()
	}
	return n, err
}

// Holder reports the mode of the lease currently held on deviceID without
// waiting for a connection attempt in progress
func (m *Manager) Holder(deviceID string) (Mode, bool) {
	m.mu.Lock()
	e, ok := m.entries[deviceID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	mode := Mode(e.held.Load())
	return mode, mode != 0
}

// Info describes one registry entry
type Info struct {
	DeviceID     string    `json:"device_id"`
	Alive        bool      `json:"alive"`
	Holder       string    `json:"holder"`
	LastActivity time.Time `json:"last_activity"`
}

// Sessions lists the sessions currently registered
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	entries := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for i, e := range entries {
		e.lock <- struct{}{}
		if e.session != nil {
			out = append(out, Info{
				DeviceID:     ids[i],
				Alive:        e.session.Alive(),
				Holder:       e.holder.String(),
				LastActivity: e.session.LastActivity(),
			})
		}
		e.release()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (m *Manager) reapLoop(idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdle(idle)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reapIdle(idle time.Duration) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		select {
		case e.lock <- struct{}{}:
		default:
			continue
		}
		if e.session != nil && e.holder == 0 && time.Since(e.session.LastActivity()) > idle {
			log.Printf("[SESSION %s] closing idle session", e.session.DeviceID())
			e.session.close()
			e.session = nil
		}
		e.release()
	}
}

// Close tears down every session. Leases still held become unusable.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.lock <- struct{}{}
		if e.session != nil {
			e.session.close()
			e.session = nil
		}
		e.release()
	}
	return nil
}

// Lease is exclusive use of a device session until Release or Invalidate
type Lease struct {
	manager *Manager
	entry   *entry
	session *Session
	mode    Mode
	done    atomic.Bool
}

// DeviceID returns the leased device id
func (l *Lease) DeviceID() string {
	return l.session.DeviceID()
}

// Mode returns what the lease was acquired for
func (l *Lease) Mode() Mode {
	return l.mode
}

// Alive reports whether the underlying session is still usable
func (l *Lease) Alive() bool {
	return !l.done.Load() && l.session.Alive()
}

// Prompt returns the CLI prompt seen last in batch mode
func (l *Lease) Prompt() string {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	if l.session.cli == nil {
		return ""
	}
	return l.session.cli.prompt
}

// Run sends a command and waits for the prompt to come back. Timeouts fail
// with ErrReadTimeout and leave the session usable; transport faults fail
// with ErrTransport and mark the session dead.
func (l *Lease) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if l.done.Load() {
		return "", nderrors.New(nderrors.ErrInvalidInput, "lease already released")
	}
	if l.mode != ModeBatch {
		return "", nderrors.Newf(nderrors.ErrInvalidInput, "cannot run commands on a %s lease", l.mode)
	}

	l.session.mu.Lock()
	cli := l.session.cli
	l.session.mu.Unlock()
	if cli == nil || !l.session.Alive() {
		return "", nderrors.Wrap(nderrors.ErrSessionDead, nderrors.ErrTransport, "session closed")
	}

	out, err := cli.run(ctx, command, timeout)
	l.session.touch()
	if nderrors.GetCode(err) == nderrors.ErrTransport {
		l.session.markDead()
	}
	return out, err
}

// Rejected reports whether output carries a CLI error marker of the device family
func (l *Lease) Rejected(output string) (string, bool) {
	return l.session.profile.Rejected(output)
}

// OpenTerminal starts an interactive shell on an interactive lease
func (l *Lease) OpenTerminal(cols, rows int) (Shell, error) {
	if l.done.Load() {
		return nil, nderrors.New(nderrors.ErrInvalidInput, "lease already released")
	}
	if l.mode != ModeInteractive {
		return nil, nderrors.Newf(nderrors.ErrInvalidInput, "cannot open a terminal on a %s lease", l.mode)
	}
	shell, err := l.session.conn.OpenShell(cols, rows)
	if err != nil {
		l.session.markDead()
		return nil, nderrors.Wrap(err, nderrors.ErrTransport, "open terminal shell")
	}
	l.session.touch()
	return &touchingShell{Shell: shell, session: l.session}, nil
}

// Release returns the session to the registry for reuse
func (l *Lease) Release() {
	if l.done.CompareAndSwap(false, true) {
		l.manager.release(l, false)
	}
}

// Invalidate tears the session down; used after transport errors
func (l *Lease) Invalidate() {
	if l.done.CompareAndSwap(false, true) {
		l.manager.release(l, true)
	}
}

// touchingShell records activity so terminal use keeps the session fresh
type touchingShell struct {
	Shell
	session *Session
}

func (t *touchingShell) Read(p []byte) (int, error) {
	n, err := t.Shell.Read(p)
	t.session.touch()
	return n, err
}

func (t *touchingShell) Write(p []byte) (int, error) {
	t.session.touch()
	return t.Shell.Write(p)
}
