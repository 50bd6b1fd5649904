package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/terminal"
)

// escapeKey ends an attached session (Ctrl-])
const escapeKey = 0x1d

func newAttachCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <device-id>",
		Short: "Open an interactive shell on a device through the API server",
		Long: `Connects to the terminal websocket of a running netdoc server and binds
it to this terminal. Press Ctrl-] to detach.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return nderrors.New(nderrors.ErrInvalidInput, "attach needs an interactive terminal")
			}
			cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
			if err != nil {
				cols, rows = 0, 0
			}

			target, err := terminalURL(opts.settings.GetString("server"), args[0], cols, rows)
			if err != nil {
				return err
			}
			conn, err := dialTerminal(cmd.Context(), target)
			if err != nil {
				return err
			}
			defer conn.Close()

			state, err := term.MakeRaw(fd)
			if err != nil {
				return fmt.Errorf("failed to set raw terminal: %w", err)
			}
			defer func() { _ = term.Restore(fd, state) }()

			sizes := func() (int, int, error) { return term.GetSize(int(os.Stdout.Fd())) }
			err = relayTerminal(cmd.Context(), conn, os.Stdin, os.Stdout, sizes)
			fmt.Fprint(os.Stdout, "\r\n")
			return err
		},
	}
}

// terminalURL turns the API base URL into the terminal websocket URL
func terminalURL(server, deviceID string, cols, rows int) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", nderrors.Wrap(err, nderrors.ErrInvalidInput, "invalid server url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", nderrors.Newf(nderrors.ErrInvalidInput, "unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws/devices/" + url.PathEscape(deviceID) + "/terminal"

	q := url.Values{}
	if cols > 0 && rows > 0 {
		q.Set("cols", strconv.Itoa(cols))
		q.Set("rows", strconv.Itoa(rows))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialTerminal connects and, on a refused handshake, surfaces the API's
// error detail
func dialTerminal(ctx context.Context, target string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err == nil {
		return conn, nil
	}
	if resp == nil {
		return nil, nderrors.Wrap(err, nderrors.ErrUnreachable, "failed to reach server")
	}
	defer resp.Body.Close()

	var body struct {
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)
	if body.Detail == "" {
		body.Detail = resp.Status
	}

	code := nderrors.ErrUnknown
	switch resp.StatusCode {
	case http.StatusNotFound:
		code = nderrors.ErrNotFound
	case http.StatusConflict:
		code = nderrors.ErrSessionInUse
	case http.StatusGatewayTimeout:
		code = nderrors.ErrUnreachable
	case http.StatusUnauthorized:
		code = nderrors.ErrAuthFailed
	}
	return nil, nderrors.New(code, body.Detail)
}

// relayTerminal copies in to the websocket as binary frames and server
// output to out until either side ends. The escape key detaches. Size
// changes are polled and sent as resize messages.
func relayTerminal(ctx context.Context, conn *websocket.Conn, in io.Reader, out io.Writer, sizes func() (int, int, error)) error {
	var wmu sync.Mutex
	write := func(mt int, data []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(mt, data)
	}

	done := make(chan struct{})
	defer close(done)
	errc := make(chan error, 2)

	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				}
				errc <- err
				return
			}
			if mt == websocket.BinaryMessage {
				if _, err := out.Write(data); err != nil {
					errc <- err
					return
				}
			}
		}
	}()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, escapeKey); i >= 0 {
					if i > 0 {
						_ = write(websocket.BinaryMessage, chunk[:i])
					}
					errc <- nil
					return
				}
				if werr := write(websocket.BinaryMessage, chunk); werr != nil {
					errc <- werr
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					err = nil
				}
				errc <- err
				return
			}
		}
	}()

	if sizes != nil {
		go func() {
			lastCols, lastRows, _ := sizes()
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					cols, rows, err := sizes()
					if err != nil || (cols == lastCols && rows == lastRows) || cols < 1 || rows < 1 {
						continue
					}
					lastCols, lastRows = cols, rows
					msg, _ := json.Marshal(terminal.Resize(cols, rows))
					if err := write(websocket.TextMessage, msg); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()
	}

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
	}

	wmu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	wmu.Unlock()
	return err
}
