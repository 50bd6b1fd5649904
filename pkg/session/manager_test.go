package session_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/retry"
	"github.com/davidroman0O/netdoc/pkg/session"
	"github.com/davidroman0O/netdoc/pkg/session/sessiontest"
)

func testDevice(id string) *device.Device {
	return &device.Device{
		ID:      id,
		Name:    id,
		Address: "10.0.0.1",
		Family:  device.FamilyCiscoIOS,
		Credentials: device.Credentials{
			Username: "admin",
			Password: "admin",
		},
	}
}

func testOptions() session.Options {
	return session.Options{
		ConnectTimeout: time.Second,
		LoginTimeout:   time.Second,
		Retry: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func newManager(t *testing.T, dialer session.Dialer) *session.Manager {
	t.Helper()
	m := session.NewManager(dialer, testOptions())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAcquireRunRelease(t *testing.T) {
	emu := sessiontest.NewDevice("r1").Respond("show clock", "*10:00:00.000 UTC Mon Jan 1 2024")
	dialer := sessiontest.NewDialer().Add("r1", emu)
	m := newManager(t, dialer)
	dev := testDevice("r1")

	lease, err := m.Acquire(context.Background(), dev, session.ModeBatch)
	require.NoError(t, err)

	out, err := lease.Run(context.Background(), "show clock", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "*10:00:00.000 UTC Mon Jan 1 2024", out)
	assert.Equal(t, "r1#", lease.Prompt())
	lease.Release()
	lease.Release()

	lease, err = m.Acquire(context.Background(), dev, session.ModeBatch)
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, 1, dialer.Dials("r1"), "live session should be reused")
	assert.Equal(t, 1, emu.Shells())
	assert.Contains(t, emu.Commands(), "terminal length 0")
}

func TestAcquireWhileLeased(t *testing.T) {
	dialer := sessiontest.NewDialer().Add("r1", sessiontest.NewDevice("r1"))
	m := newManager(t, dialer)
	dev := testDevice("r1")

	lease, err := m.Acquire(context.Background(), dev, session.ModeInteractive)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), dev, session.ModeBatch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nderrors.ErrDeviceInUse))

	lease.Release()
	lease, err = m.Acquire(context.Background(), dev, session.ModeBatch)
	require.NoError(t, err)
	lease.Release()
}

func TestAcquireRetriesTransientFailures(t *testing.T) {
	dialer := sessiontest.NewDialer().Add("r1", sessiontest.NewDevice("r1"))
	dialer.Fail("r1",
		errors.New("dial tcp 10.0.0.1:22: connect: connection refused"),
		errors.New("dial tcp 10.0.0.1:22: connect: connection refused"),
	)
	m := newManager(t, dialer)

	lease, err := m.Acquire(context.Background(), testDevice("r1"), session.ModeBatch)
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 3, dialer.Dials("r1"))
}

func TestAcquireGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := sessiontest.NewDialer()
	m := newManager(t, dialer)

	_, err := m.Acquire(context.Background(), testDevice("ghost"), session.ModeBatch)
	require.Error(t, err)
	assert.Equal(t, nderrors.ErrUnreachable, nderrors.GetCode(err))
	assert.Equal(t, 3, dialer.Dials("ghost"))
	assert.Equal(t, "ghost", nderrors.GetContext(err)["device_id"])
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	dialer := sessiontest.NewDialer().Add("r1", sessiontest.NewDevice("r1"))
	dialer.Fail("r1", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"))
	m := newManager(t, dialer)

	_, err := m.Acquire(context.Background(), testDevice("r1"), session.ModeBatch)
	require.Error(t, err)
	assert.Equal(t, nderrors.ErrAuthFailed, nderrors.GetCode(err))
	assert.Equal(t, 1, dialer.Dials("r1"))
}

func TestConcurrentAcquireSharesOneHandshake(t *testing.T) {
	dialer := sessiontest.NewDialer().Add("r1", sessiontest.NewDevice("r1"))
	dialer.Block = make(chan struct{})
	m := newManager(t, dialer)
	dev := testDevice("r1")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(context.Background(), dev, session.ModeBatch)
			if err == nil {
				lease.Release()
			}
			results <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(dialer.Block)
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			assert.True(t, errors.Is(err, nderrors.ErrDeviceInUse), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, dialer.Dials("r1"))
}

func TestAcquireWaitHonoursContext(t *testing.T) {
	dialer := sessiontest.NewDialer().Add("r1", sessiontest.NewDevice("r1"))
	dialer.Block = make(chan struct{})
	m := newManager(t, dialer)
	dev := testDevice("r1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		lease, err := m.Acquire(context.Background(), dev, session.ModeBatch)
		if err == nil {
			lease.Release()
		}
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, dev, session.ModeBatch)
	require.Error(t, err)
	assert.Equal(t, nderrors.ErrCancelled, nderrors.GetCode(err))

	close(dialer.Block)
	<-done
}

func TestDeadSessionIsReplaced(t *testing.T) {
	dialer := sessiontest.NewDialer().Add("r1", sessiontest.NewDevice("r1"))
	m := newManager(t, dialer)
	dev := testDevice("r1")

	lease, err := m.Acquire(context.Background(), dev, session.ModeBatch)
	require.NoError(t, err)
	lease.Release()

	first := dialer.Conns("r1")[0]
	first.BreakKeepAlive(io.EOF)

	lease, err = m.Acquire(context.Background(), dev, session.ModeBatch)
	require.NoError(t, err)
	lease.Release()

	assert.Equal(t, 2, dialer.Dials("r1"))
	assert.True(t, first.Closed())
}

func TestRunTimeoutKeepsSession(t *testing.T) {
	emu := sessiontest.NewDevice("r1").
		Respond("show tech-support", "lots of output").
		Respond("show clock", "10:00")
	emu.Delays["show tech-support"] = 150 * time.Millisecond
	dialer := sessiontest.NewDialer().Add("r1", emu)
	m := newManager(t, dialer)

	lease, err := m.Acquire(context.Background(), testDevice("r1"), session.ModeBatch)
	require.NoError(t, err)
	defer lease.Release()

	_, err = lease.Run(context.Background(), "show tech-support", 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, nderrors.ErrReadTimeout, nderrors.GetCode(err))
	assert.True(t, nderrors.IsTimeout(err))
	assert.True(t, lease.Alive())

	// let the late output arrive so it is drained before the next command
	time.Sleep(200 * time.Millisecond)
	out, err := lease.Run(context.Background(), "show clock", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10:00", out)
}

func TestTransportFailureMarksSessionDead(t *testing.T) {
	emu := sessiontest.NewDevice("r1")
	emu.DropOn["reload"] = true
	dialer := sessiontest.NewDialer().Add("r1", emu)
	m := newManager(t, dialer)
	dev := testDevice("r1")

	lease, err := m.Acquire(context.Background(), dev, session.ModeBatch)
	require.NoError(t, err)

	_, err = lease.Run(context.Background(), "reload", time.Second)
	require.Error(t, err)
	assert.Equal(t, nderrors.ErrTransport, nderrors.GetCode(err))
	assert.False(t, lease.Alive())
	lease.Release()

	lease, err = m.Acquire(context.Background(), dev, session.ModeBatch)
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 2, dialer.Dials("r1"))
}

func TestRejectedCommandOutput(t *testing.T) {
	dialer := sessiontest.NewDialer().Add("r1", sessiontest.NewDevice("r1"))
	m := newManager(t, dialer)

	lease, err := m.Acquire(context.Background(), testDevice("r1"), session.ModeBatch)
	require.NoError(t, err)
	defer lease.Release()

	out, err := lease.Run(context.Background(), "show nonsense", time.Second)
	require.NoError(t, err)
	line, rejected := lease.Rejected(out)
	assert.True(t, rejected)
	assert.Equal(t, "% Invalid input detected at '^' marker.", line)
}

func TestEnableMode(t *testing.T) {
	emu := sessiontest.NewDevice("r1")
	emu.EnableSecret = "s3cret"
	dialer := sessiontest.NewDialer().Add("r1", emu)
	m := newManager(t, dialer)

	dev := testDevice("r1")
	dev.Credentials.EnablePassword = "s3cret"
	lease, err := m.Acquire(context.Background(), dev, session.ModeBatch)
	require.NoError(t, err)
	assert.Equal(t, "r1#", lease.Prompt())
	lease.Release()

	other := testDevice("r2")
	other.Credentials.EnablePassword = "wrong"
	emu2 := sessiontest.NewDevice("r2")
	emu2.EnableSecret = "s3cret"
	dialer.Add("r2", emu2)

	_, err = m.Acquire(context.Background(), other, session.ModeBatch)
	require.Error(t, err)
	assert.Equal(t, nderrors.ErrAuthFailed, nderrors.GetCode(err))
}

func TestLeaseModeRestrictions(t *testing.T) {
	dialer := sessiontest.NewDialer().Add("r1", sessiontest.NewDevice("r1"))
	m := newManager(t, dialer)

	lease, err := m.Acquire(context.Background(), testDevice("r1"), session.ModeInteractive)
	require.NoError(t, err)

	_, err = lease.Run(context.Background(), "show clock", time.Second)
	assert.Equal(t, nderrors.ErrInvalidInput, nderrors.GetCode(err))

	lease.Release()
	_, err = lease.OpenTerminal(80, 24)
	assert.Equal(t, nderrors.ErrInvalidInput, nderrors.GetCode(err))
}

func TestOpenTerminal(t *testing.T) {
	emu := sessiontest.NewDevice("r1").Respond("show clock", "10:00")
	dialer := sessiontest.NewDialer().Add("r1", emu)
	m := newManager(t, dialer)

	lease, err := m.Acquire(context.Background(), testDevice("r1"), session.ModeInteractive)
	require.NoError(t, err)
	defer lease.Release()

	shell, err := lease.OpenTerminal(120, 40)
	require.NoError(t, err)
	defer shell.Close()

	// the emulator writes its prompt first and blocks until someone reads
	output := make(chan string, 16)
	go func() {
		defer close(output)
		buf := make([]byte, 256)
		for {
			n, err := shell.Read(buf)
			if n > 0 {
				output <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	require.NoError(t, shell.Resize(100, 30))
	_, err = shell.Write([]byte("show clock\n"))
	require.NoError(t, err)

	var got strings.Builder
	timeout := time.After(2 * time.Second)
	for !strings.Contains(got.String(), "10:00") {
		select {
		case chunk, ok := <-output:
			if !ok {
				t.Fatalf("shell closed before output, got %q", got.String())
			}
			got.WriteString(chunk)
		case <-timeout:
			t.Fatalf("no command output, got %q", got.String())
		}
	}
	assert.Contains(t, got.String(), "10:00")
	assert.Equal(t, [][2]int{{120, 40}, {100, 30}}, emu.Resizes())
}

func TestFetchFile(t *testing.T) {
	emu := sessiontest.NewDevice("r1")
	emu.Files["/flash/startup-config"] = "hostname r1\n"
	dialer := sessiontest.NewDialer().Add("r1", emu)
	m := newManager(t, dialer)

	var buf bytes.Buffer
	n, err := m.FetchFile(context.Background(), testDevice("r1"), "/flash/startup-config", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.Equal(t, "hostname r1\n", buf.String())

	_, err = m.FetchFile(context.Background(), testDevice("r1"), "/flash/missing", &buf)
	assert.True(t, nderrors.IsNotFound(err))
}

func TestSessionsAndClose(t *testing.T) {
	dialer := sessiontest.NewDialer().
		Add("r1", sessiontest.NewDevice("r1")).
		Add("r2", sessiontest.NewDevice("r2"))
	m := session.NewManager(dialer, testOptions())

	l1, err := m.Acquire(context.Background(), testDevice("r1"), session.ModeBatch)
	require.NoError(t, err)
	l2, err := m.Acquire(context.Background(), testDevice("r2"), session.ModeBatch)
	require.NoError(t, err)
	l2.Release()

	infos := m.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "r1", infos[0].DeviceID)
	assert.Equal(t, "batch", infos[0].Holder)
	assert.Equal(t, "idle", infos[1].Holder)

	require.NoError(t, m.Close())
	assert.False(t, l1.Alive())
	assert.True(t, dialer.Conns("r1")[0].Closed())

	_, err = m.Acquire(context.Background(), testDevice("r1"), session.ModeBatch)
	assert.Error(t, err)
	l1.Release()
}

func TestIdleSessionsAreReaped(t *testing.T) {
	dialer := sessiontest.NewDialer().Add("r1", sessiontest.NewDevice("r1"))
	opts := testOptions()
	opts.IdleTimeout = 40 * time.Millisecond
	m := session.NewManager(dialer, opts)
	defer m.Close()

	lease, err := m.Acquire(context.Background(), testDevice("r1"), session.ModeBatch)
	require.NoError(t, err)
	lease.Release()

	assert.Eventually(t, func() bool { return len(m.Sessions()) == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, dialer.Conns("r1")[0].Closed())
}

func TestRunAfterTimeoutSkipsLateOutput(t *testing.T) {
	emu := sessiontest.NewDevice("r1").
		Respond("show slow", "late output").
		Respond("show clock", "10:00")
	emu.Delays["show slow"] = 80 * time.Millisecond
	dialer := sessiontest.NewDialer().Add("r1", emu)
	m := newManager(t, dialer)

	lease, err := m.Acquire(context.Background(), testDevice("r1"), session.ModeBatch)
	require.NoError(t, err)
	defer lease.Release()

	_, err = lease.Run(context.Background(), "show slow", 20*time.Millisecond)
	require.Error(t, err)

	out, err := lease.Run(context.Background(), "show clock", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10:00", out)
}
