package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/config"
	"github.com/davidroman0O/netdoc/pkg/device"
)

// SSHDialer connects to devices over SSH with password, keyboard-interactive
// or public key authentication
type SSHDialer struct {
	defaultPort     int
	hostKeyCallback ssh.HostKeyCallback
}

// NewSSHDialer builds a dialer from the ssh configuration section. Host keys
// are verified against KnownHostsFile when one is configured.
func NewSSHDialer(cfg config.SSHConfig) (*SSHDialer, error) {
	d := &SSHDialer{
		defaultPort:     cfg.Port,
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if d.defaultPort == 0 {
		d.defaultPort = 22
	}
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		d.hostKeyCallback = cb
	}
	return d, nil
}

func (d *SSHDialer) clientConfig(dev *device.Device) (*ssh.ClientConfig, error) {
	creds := dev.Credentials
	var auth []ssh.AuthMethod

	if creds.KeyFile != "" {
		key, err := os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, nderrors.Wrap(err, nderrors.ErrAuthFailed, "read private key")
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nderrors.Wrap(err, nderrors.ErrAuthFailed, "parse private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		password := creds.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	return &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeyCallback,
	}, nil
}

// Dial opens and authenticates an SSH connection bounded by ctx
func (d *SSHDialer) Dial(ctx context.Context, dev *device.Device) (Conn, error) {
	cfg, err := d.clientConfig(dev)
	if err != nil {
		return nil, err
	}
	addr := dev.Addr(d.defaultPort)

	var nd net.Dialer
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Classify(fmt.Errorf("dial %s: %w", addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}

	// the handshake does not watch ctx, so closing the socket unblocks it
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, nderrors.Wrap(ctx.Err(), nderrors.ErrTimeout, fmt.Sprintf("ssh handshake with %s", addr))
	}
	if err != nil {
		raw.Close()
		return nil, Classify(fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	_ = raw.SetDeadline(time.Time{})

	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

// Classify maps transport errors onto the connection error kinds. Errors
// that already carry a code are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *nderrors.Error
	if nderrors.As(err, &e) {
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"):
		return nderrors.Wrap(err, nderrors.ErrAuthFailed, "authentication failed")
	case isTimeout(err):
		return nderrors.Wrap(err, nderrors.ErrTimeout, "connection timed out")
	default:
		return nderrors.Wrap(err, nderrors.ErrUnreachable, "device unreachable")
	}
}

func isTimeout(err error) bool {
	if nderrors.Is(err, context.DeadlineExceeded) || nderrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return nderrors.As(err, &ne) && ne.Timeout()
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) OpenShell(cols, rows int) (Shell, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request for pseudo terminal failed: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	return &sshShell{session: sess, stdin: stdin, stdout: stdout}, nil
}

func (c *sshConn) KeepAlive() error {
	// any reply, including a refusal, proves the transport round trip
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *sshConn) OpenFile(path string) (io.ReadCloser, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	f, err := client.Open(path)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open remote file %s: %w", path, err)
	}
	return &sftpFile{File: f, client: client}, nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

type sftpFile struct {
	*sftp.File
	client *sftp.Client
}

func (f *sftpFile) Close() error {
	err := f.File.Close()
	f.client.Close()
	return err
}

type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	once    sync.Once
}

func (s *sshShell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *sshShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *sshShell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stdin.Close()
		err = s.session.Close()
		if err == io.EOF {
			err = nil
		}
	})
	return err
}
