// Package parser turns raw CLI output into structured records using
// templates keyed by device family and command shape. A shape may carry a
// TextFSM template, tried first, and always has a regex parser behind it.
// Parsing never fails: output with no matching template is returned raw.
package parser

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/davidroman0O/netdoc/pkg/device"
)

// Parser names which strategy produced a result
const (
	ParserTextFSM  = "textfsm"
	ParserTemplate = "template"
	ParserNone     = "none"
)

// Result is the structured form of one command's output
type Result struct {
	Parsed interface{}
	Parser string
	Raw    string
	// Error is set for output that carries nothing to parse
	Error string
}

// MarshalJSON renders {parsed, parser, raw}, or {error, raw} for empty output
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
			Raw   string `json:"raw"`
		}{r.Error, r.Raw})
	}
	return json.Marshal(struct {
		Parsed interface{} `json:"parsed"`
		Parser string      `json:"parser"`
		Raw    string      `json:"raw"`
	}{r.Parsed, r.Parser, r.Raw})
}

// UnmarshalJSON accepts both shapes written by MarshalJSON
func (r *Result) UnmarshalJSON(data []byte) error {
	var v struct {
		Parsed interface{} `json:"parsed"`
		Parser string      `json:"parser"`
		Raw    string      `json:"raw"`
		Error  string      `json:"error"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Result{Parsed: v.Parsed, Parser: v.Parser, Raw: v.Raw, Error: v.Error}
	return nil
}

// Matched reports whether a template produced the result
func (r Result) Matched() bool {
	return r.Parser == ParserTextFSM || r.Parser == ParserTemplate
}

type parseFunc func(raw string) (interface{}, bool)

type template struct {
	shape    []string
	families []device.Family
	parse    parseFunc
	fsm      fsmTemplate
}

// run tries the TextFSM template and falls back to the regex parser
func (t template) run(raw string) (interface{}, string, bool) {
	if parsed, ok := t.fsm.parse(raw); ok {
		return parsed, ParserTextFSM, true
	}
	if parsed, ok := t.parse(raw); ok {
		return parsed, ParserTemplate, true
	}
	return nil, "", false
}

// templates is the closed table of built-in templates. Order matters only
// for listing; shapes never overlap.
var templates = []template{
	{words("show version"), []device.Family{device.FamilyCiscoIOS, device.FamilyCiscoXE}, parseCiscoVersion, fsmTemplate{"cisco_ios_show_version.textfsm", true}},
	{words("show version"), []device.Family{device.FamilyCiscoNXOS}, parseNXOSVersion, fsmTemplate{}},
	{words("show version"), []device.Family{device.FamilyAristaEOS}, parseAristaVersion, fsmTemplate{"arista_eos_show_version.textfsm", true}},
	{words("show version"), []device.Family{device.FamilyJuniperJunOS}, parseJunosVersion, fsmTemplate{"juniper_junos_show_version.textfsm", true}},
	{words("show ip interface brief"), []device.Family{device.FamilyCiscoIOS, device.FamilyCiscoXE}, parseCiscoIPInterfaceBrief, fsmTemplate{"cisco_ios_show_ip_interface_brief.textfsm", false}},
	{words("show ip interface brief"), []device.Family{device.FamilyAristaEOS}, parseAristaIPInterfaceBrief, fsmTemplate{}},
	{words("show interfaces status"), []device.Family{device.FamilyAristaEOS, device.FamilyCiscoIOS}, parseInterfacesStatus, fsmTemplate{}},
	{words("show ip bgp summary"), []device.Family{device.FamilyCiscoIOS, device.FamilyAristaEOS}, parseBGPSummary, fsmTemplate{}},
	{words("show cdp neighbors"), []device.Family{device.FamilyCiscoIOS}, parseCDPNeighbors, fsmTemplate{}},
	{words("show lldp neighbors"), []device.Family{device.FamilyAristaEOS}, parseLLDPNeighbors, fsmTemplate{"arista_eos_show_lldp_neighbors.textfsm", false}},
}

// byFamily indexes templates per family; built once and never mutated
var byFamily = func() map[device.Family][]template {
	m := make(map[device.Family][]template)
	for _, t := range templates {
		for _, f := range t.families {
			m[f] = append(m[f], t)
		}
	}
	return m
}()

// Parse structures raw output of command run on a device of the given
// family. It is pure and safe for concurrent use.
func Parse(family device.Family, command, raw string) Result {
	if strings.TrimSpace(raw) == "" {
		return Result{Error: "Empty output", Raw: raw}
	}

	if t, ok := lookup(family, command); ok {
		if parsed, name, ok := t.run(normalize(raw)); ok {
			return Result{Parsed: parsed, Parser: name, Raw: raw}
		}
	}
	return Result{Parser: ParserNone, Raw: raw}
}

// Shape returns the canonical command a template is registered under for
// the family, or "" when no template matches
func Shape(family device.Family, command string) string {
	if t, ok := lookup(family, command); ok {
		return strings.Join(t.shape, " ")
	}
	return ""
}

// Supported lists the canonical commands with a template for family
func Supported(family device.Family) []string {
	var out []string
	for _, t := range byFamily[family] {
		out = append(out, strings.Join(t.shape, " "))
	}
	sort.Strings(out)
	return out
}

func lookup(family device.Family, command string) (template, bool) {
	tokens := words(command)
	if len(tokens) == 0 {
		return template{}, false
	}
	// filtered output no longer has the shape the template expects
	for _, tok := range tokens {
		if strings.ContainsAny(tok, "|>") {
			return template{}, false
		}
	}
	for _, t := range byFamily[family] {
		if matchShape(tokens, t.shape) {
			return t, true
		}
	}
	return template{}, false
}

// matchShape accepts CLI abbreviations: every token must be a prefix of
// the template word at the same position, at least two letters long unless
// the word itself is shorter
func matchShape(tokens, shape []string) bool {
	if len(tokens) != len(shape) {
		return false
	}
	for i, tok := range tokens {
		word := shape[i]
		if !strings.HasPrefix(word, tok) {
			return false
		}
		if len(tok) < 2 && len(word) >= 2 {
			return false
		}
	}
	return true
}

func words(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func normalize(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.ReplaceAll(raw, "\r", "")
}
