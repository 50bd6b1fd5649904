package sessiontest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHServer is an in-process SSH server fronting an emulated device. The
// shell runs the device CLI and the sftp subsystem serves the local
// filesystem.
type SSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	device   *Device

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

// NewSSHServer starts a server on a loopback port accepting user/password
func NewSSHServer(dev *Device, user, password string) (*SSHServer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &SSHServer{listener: l, config: cfg, device: dev}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Host returns the listening address
func (s *SSHServer) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port
func (s *SSHServer) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Close stops the listener and drops every connection
func (s *SSHServer) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *SSHServer) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go s.handle(c)
	}
}

func (s *SSHServer) handle(c net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if err != nil {
		c.Close()
		return
	}
	defer sc.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}()

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type subsystemRequest struct {
	Name string
}

func (s *SSHServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		ok := false
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if ssh.Unmarshal(req.Payload, &p) == nil {
				s.device.recordResize(int(p.Columns), int(p.Rows))
				ok = true
			}
		case "window-change":
			var w windowChange
			if ssh.Unmarshal(req.Payload, &w) == nil {
				s.device.recordResize(int(w.Columns), int(w.Rows))
				ok = true
			}
		case "shell":
			ok = true
			go s.device.Serve(ch)
		case "subsystem":
			var sub subsystemRequest
			if ssh.Unmarshal(req.Payload, &sub) == nil && sub.Name == "sftp" {
				ok = true
				go serveSFTP(ch)
			}
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

func serveSFTP(ch io.ReadWriteCloser) {
	defer ch.Close()
	srv, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	_ = srv.Serve()
}
