// Package sessiontest provides an emulated network device CLI and in-memory
// transports for tests of the session layer and its consumers
package sessiontest

import (
	"bufio"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Device emulates a Cisco-style CLI: it echoes input, prints canned
// responses and shows a hostname prompt ending in '>' or '#'
type Device struct {
	Hostname string
	// EnableSecret makes "enable" ask for a password; empty means the
	// session starts privileged
	EnableSecret string
	// Responses maps a full command line to its output
	Responses map[string]string
	// Delays holds output back for the given commands
	Delays map[string]time.Duration
	// DropOn closes the connection instead of answering these commands
	DropOn map[string]bool
	// Files are served through OpenFile
	Files map[string]string
	// Banner is printed before the first prompt
	Banner string

	mu       sync.Mutex
	commands []string
	resizes  [][2]int
	shells   int
}

// NewDevice returns a device with a hostname and no canned responses
func NewDevice(hostname string) *Device {
	return &Device{
		Hostname:  hostname,
		Responses: make(map[string]string),
		Delays:    make(map[string]time.Duration),
		DropOn:    make(map[string]bool),
		Files:     make(map[string]string),
	}
}

// Respond registers output for a command and returns the device for chaining
func (d *Device) Respond(command, output string) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Responses[command] = output
	return d
}

// Commands returns every line the device received, in order
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Resizes returns every pty size requested, as (cols, rows), including
// the size given when a shell is opened
func (d *Device) Resizes() [][2]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][2]int(nil), d.resizes...)
}

// Shells returns how many shells were opened on the device
func (d *Device) Shells() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shells
}

func (d *Device) recordResize(cols, rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resizes = append(d.resizes, [2]int{cols, rows})
}

func (d *Device) lookup(cmd string) (string, time.Duration, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
	out, ok := d.Responses[cmd]
	return out, d.Delays[cmd], d.DropOn[cmd], ok
}

// File returns the content of a served file
func (d *Device) File(path string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.Files[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return content, nil
}

// Serve runs the CLI on rw until the peer goes away or a drop is triggered
func (d *Device) Serve(rw io.ReadWriteCloser) {
	defer rw.Close()

	d.mu.Lock()
	d.shells++
	d.mu.Unlock()

	privileged := d.EnableSecret == ""
	prompt := func() string {
		if privileged {
			return d.Hostname + "#"
		}
		return d.Hostname + ">"
	}
	write := func(s string) bool {
		_, err := io.WriteString(rw, s)
		return err == nil
	}

	if d.Banner != "" && !write(d.Banner+"\r\n") {
		return
	}
	if !write(prompt()) {
		return
	}

	r := bufio.NewReader(rw)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		if !write(cmd + "\r\n") {
			return
		}

		out, delay, drop, known := d.lookup(cmd)
		if drop {
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		switch {
		case known:
		case cmd == "":
		case cmd == "enable":
			if privileged {
				break
			}
			if !write("Password: ") {
				return
			}
			secret, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(secret, "\r\n") == d.EnableSecret {
				privileged = true
			} else {
				out = "% Access denied"
			}
		case strings.HasPrefix(cmd, "terminal "):
		case cmd == "exit":
			return
		default:
			out = "                ^\n% Invalid input detected at '^' marker."
		}

		if out != "" {
			out = strings.ReplaceAll(strings.TrimRight(out, "\n"), "\n", "\r\n") + "\r\n"
			if !write(out) {
				return
			}
		}
		if !write(prompt()) {
			return
		}
	}
}

// Pipe starts the CLI on one end of an in-memory connection and returns the other
func (d *Device) Pipe() net.Conn {
	client, server := net.Pipe()
	go d.Serve(server)
	return client
}
