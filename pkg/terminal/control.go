package terminal

import (
	"encoding/json"

	nderrors "github.com/davidroman0O/netdoc/errors"
)

// Control message types sent by terminal clients
const (
	ControlInput  = "input"
	ControlResize = "resize"
)

// Control is a client to server terminal message
type Control struct {
	Type string  `json:"type" jsonschema:"enum=input,enum=resize"`
	Data *string `json:"data,omitempty" jsonschema:"description=keystrokes for input messages"`
	Cols int     `json:"cols,omitempty" jsonschema:"minimum=1"`
	Rows int     `json:"rows,omitempty" jsonschema:"minimum=1"`
}

// Input builds an input message
func Input(data string) Control {
	return Control{Type: ControlInput, Data: &data}
}

// Resize builds a resize message
func Resize(cols, rows int) Control {
	return Control{Type: ControlResize, Cols: cols, Rows: rows}
}

const maxDimension = 10000

// DecodeControl parses and validates one control message. Anything
// malformed fails with ErrProtocol.
func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, nderrors.Wrap(err, nderrors.ErrProtocol, "malformed control message")
	}

	switch c.Type {
	case ControlInput:
		if c.Data == nil {
			return Control{}, nderrors.New(nderrors.ErrProtocol, "input message without data")
		}
	case ControlResize:
		if c.Cols < 1 || c.Rows < 1 || c.Cols > maxDimension || c.Rows > maxDimension {
			return Control{}, nderrors.Newf(nderrors.ErrProtocol, "invalid terminal size %dx%d", c.Cols, c.Rows)
		}
	default:
		return Control{}, nderrors.Newf(nderrors.ErrProtocol, "unknown control message type %q", c.Type)
	}
	return c, nil
}
