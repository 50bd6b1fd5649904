package parser

import (
	"embed"
	"fmt"
	"strings"

	"github.com/sirikothe/gotextfsm"
)

//go:embed textfsm/*.textfsm
var fsmFiles embed.FS

// fsmTemplate names an embedded TextFSM template. Single templates yield
// one record that is returned as a map instead of a list.
type fsmTemplate struct {
	file   string
	single bool
}

// compile builds a fresh state machine; gotextfsm keeps record state
// inside the machine so one cannot be shared between parses
func (ft fsmTemplate) compile() (gotextfsm.TextFSM, error) {
	data, err := fsmFiles.ReadFile("textfsm/" + ft.file)
	if err != nil {
		return gotextfsm.TextFSM{}, err
	}
	fsm := gotextfsm.TextFSM{}
	if err := fsm.ParseString(string(data)); err != nil {
		return gotextfsm.TextFSM{}, fmt.Errorf("template %s: %w", ft.file, err)
	}
	return fsm, nil
}

// parse runs raw through the template. It reports false when the template
// cannot be built, raises an error state or records nothing.
func (ft fsmTemplate) parse(raw string) (interface{}, bool) {
	if ft.file == "" {
		return nil, false
	}
	fsm, err := ft.compile()
	if err != nil {
		return nil, false
	}
	out := gotextfsm.ParserOutput{}
	if err := out.ParseTextString(raw, fsm, true); err != nil {
		return nil, false
	}

	var records []map[string]string
	for _, rec := range out.Dict {
		row := make(map[string]string, len(rec))
		for name, v := range rec {
			row[strings.ToLower(name)] = fsmValue(v)
		}
		records = append(records, row)
	}
	if len(records) == 0 {
		return nil, false
	}
	if !ft.single {
		return records, true
	}

	// fields the output did not carry are left out, like the regex parsers do
	first := make(map[string]string)
	for name, v := range records[0] {
		if v != "" {
			first[name] = v
		}
	}
	return first, len(first) > 0
}

func fsmValue(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, " ")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
