package session

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/device"
)

var (
	ansiEscape     = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b[()][A-Z0-9]`)
	passwordPrompt = regexp.MustCompile(`(?i)password:\s*$`)
)

type readResult struct {
	data []byte
	err  error
}

// cliShell drives a device CLI over a shell channel: write a command, then
// read until the device prompt comes back. Reads happen on a dedicated
// goroutine so every wait can be bounded by a timeout.
type cliShell struct {
	deviceID string
	shell    Shell
	profile  device.Profile
	// hostname is learned from the first prompt and anchors later matches
	hostname string
	prompt   string

	results chan readResult
	done    chan struct{}
	once    sync.Once

	buf  bytes.Buffer
	dead error
	// stale is set after a timeout: late output of that command may still
	// arrive, so the next command waits for its own echo
	stale bool
}

func newCLIShell(deviceID string, shell Shell, profile device.Profile) *cliShell {
	c := &cliShell{
		deviceID: deviceID,
		shell:    shell,
		profile:  profile,
		results:  make(chan readResult, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *cliShell) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.shell.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.results <- readResult{data: chunk}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case c.results <- readResult{err: err}:
			case <-c.done:
			}
			return
		}
	}
}

// login waits for the first prompt, elevates when an enable secret is
// configured and runs the family setup commands
func (c *cliShell) login(ctx context.Context, enableSecret string, timeout time.Duration) error {
	if _, err := c.readUntil(ctx, timeout, c.atPrompt); err != nil {
		return fmt.Errorf("waiting for initial prompt: %w", err)
	}
	c.learnPrompt()

	if enableSecret != "" && c.profile.EnableCommand != "" && !c.privileged() {
		if err := c.enable(ctx, enableSecret, timeout); err != nil {
			return err
		}
	}

	for _, cmd := range c.profile.SetupCommands {
		if _, err := c.run(ctx, cmd, timeout); err != nil && c.dead != nil {
			return fmt.Errorf("setup command %q: %w", cmd, err)
		}
	}
	return nil
}

func (c *cliShell) enable(ctx context.Context, secret string, timeout time.Duration) error {
	c.buf.Reset()
	if err := c.write(c.profile.EnableCommand + "\n"); err != nil {
		return err
	}
	out, err := c.readUntil(ctx, timeout, func() bool {
		return passwordPrompt.MatchString(c.lastLine()) || c.atPrompt()
	})
	if err != nil {
		return fmt.Errorf("waiting for enable password prompt: %w", err)
	}
	if passwordPrompt.MatchString(lastLineOf(out)) {
		c.buf.Reset()
		if err := c.write(secret + "\n"); err != nil {
			return err
		}
		if _, err := c.readUntil(ctx, timeout, c.atPrompt); err != nil {
			return fmt.Errorf("waiting for privileged prompt: %w", err)
		}
	}
	c.learnPrompt()
	if !c.privileged() {
		return nderrors.New(nderrors.ErrAuthFailed, "enable authentication failed")
	}
	return nil
}

// run sends one command and returns its output without the echoed command
// line and the trailing prompt
func (c *cliShell) run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if c.dead != nil {
		return "", nderrors.Wrap(c.dead, nderrors.ErrTransport, "shell is closed")
	}

	c.drain()
	c.buf.Reset()
	if err := c.write(command + "\n"); err != nil {
		return "", err
	}

	requireEcho := c.stale
	raw, err := c.readUntil(ctx, timeout, func() bool {
		return c.atPrompt() && (!requireEcho || strings.Contains(c.buf.String(), command))
	})
	if requireEcho {
		raw = fromEcho(raw, command)
	}
	out := cleanOutput(raw, command, c.atPromptLine)
	if err == nil {
		c.learnPrompt()
	}
	c.stale = nderrors.GetCode(err) == nderrors.ErrReadTimeout
	c.buf.Reset()
	return out, err
}

// fromEcho drops whatever precedes the line echoing command
func fromEcho(raw, command string) string {
	i := strings.Index(raw, command)
	if i < 0 {
		return raw
	}
	return raw[strings.LastIndexAny(raw[:i], "\r\n")+1:]
}

func (c *cliShell) write(s string) error {
	if _, err := c.shell.Write([]byte(s)); err != nil {
		c.dead = err
		return nderrors.Wrap(err, nderrors.ErrTransport, "write to device")
	}
	return nil
}

// readUntil accumulates output until done reports true, the timeout
// elapses, the shell fails or ctx is cancelled
func (c *cliShell) readUntil(ctx context.Context, timeout time.Duration, done func() bool) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if c.buf.Len() > 0 && done() {
			return c.buf.String(), nil
		}
		select {
		case r := <-c.results:
			if r.err != nil {
				c.dead = r.err
				return c.buf.String(), nderrors.Wrap(r.err, nderrors.ErrTransport, "read from device")
			}
			c.buf.Write(r.data)
		case <-timer.C:
			return c.buf.String(), nderrors.Wrap(nderrors.ErrCommandTimedOut, nderrors.ErrReadTimeout,
				fmt.Sprintf("no prompt after %s", timeout))
		case <-ctx.Done():
			return c.buf.String(), nderrors.Wrap(ctx.Err(), nderrors.ErrCancelled, "read cancelled")
		}
	}
}

// drain discards output left over from a command that timed out
func (c *cliShell) drain() {
	for {
		select {
		case r := <-c.results:
			if r.err != nil {
				c.dead = r.err
				return
			}
		default:
			return
		}
	}
}

func (c *cliShell) lastLine() string {
	return ansiEscape.ReplaceAllString(lastLineOf(c.buf.String()), "")
}

func (c *cliShell) atPrompt() bool {
	return c.atPromptLine(c.lastLine())
}

func (c *cliShell) atPromptLine(line string) bool {
	line = strings.TrimRight(line, " \t")
	if line == "" || !c.profile.Prompt.MatchString(line) {
		return false
	}
	if c.hostname != "" && !strings.HasPrefix(line, c.hostname) {
		return false
	}
	return true
}

func (c *cliShell) privileged() bool {
	if c.profile.Privileged == nil {
		return true
	}
	return c.profile.Privileged.MatchString(strings.TrimSpace(c.prompt))
}

// learnPrompt records the current prompt; for network operating systems the
// hostname part also anchors later matches so output lines ending in '#'
// or '>' are not mistaken for the prompt
func (c *cliShell) learnPrompt() {
	line := strings.TrimSpace(c.lastLine())
	if line == "" {
		return
	}
	c.prompt = line
	if c.profile.AnchorPrompt && c.hostname == "" {
		host := strings.TrimRight(line, ">#%")
		if i := strings.IndexByte(host, '('); i > 0 {
			host = host[:i]
		}
		c.hostname = host
	}
}

func (c *cliShell) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.shell.Close()
	})
}

// lastLineOf returns the unterminated tail of s; a prompt is never
// followed by a line break
func lastLineOf(s string) string {
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// cleanOutput normalizes line endings, strips terminal escapes, the echoed
// command and the trailing prompt
func cleanOutput(raw, command string, isPrompt func(string) bool) string {
	s := ansiEscape.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")

	lines := strings.Split(s, "\n")
	if len(lines) > 0 && strings.Contains(lines[0], strings.TrimSpace(command)) {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 && isPrompt(lines[n-1]) {
		lines = lines[:n-1]
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n ")
}
