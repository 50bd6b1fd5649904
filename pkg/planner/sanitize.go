package planner

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/davidroman0O/netdoc/pkg/device"
)

// candidate is one command proposed by a generator, before validation
type candidate struct {
	Description string
	Command     string
}

// shellMeta are stripped from every command. Pipes survive only on network
// CLIs, where they filter output ("| include") instead of spawning processes.
const shellMeta = ";&`$<>"

// Sanitize strips injection characters and control bytes from a command
// and collapses whitespace. The result may be empty.
func Sanitize(family device.Family, command string) string {
	blocked := shellMeta
	if !family.IsNetworkOS() {
		blocked += "|"
	}

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		if strings.ContainsRune(blocked, r) {
			return -1
		}
		return r
	}, command)

	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return strings.Trim(cleaned, "|")
}

var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(reload|reboot|shutdown|shut|halt|poweroff|init\s+[06])\b`),
	regexp.MustCompile(`(?i)^(erase|format|delete|del|rmdir|rm|mkfs\S*|dd|fdisk|wipefs|kill|killall|pkill)\b`),
	regexp.MustCompile(`(?i)^(conf|config|configure)\b`),
	regexp.MustCompile(`(?i)^(write|wr|copy|commit|rollback|set|load|clear|debug|undebug|no)\b`),
	regexp.MustCompile(`(?i)^request\s+system\s+(reboot|halt|power-off|zeroize|snapshot)\b`),
	regexp.MustCompile(`(?i)^systemctl\s+(stop|restart|disable|mask|poweroff|reboot)\b`),
	regexp.MustCompile(`(?i)^(ip|ifconfig)\s+(link|addr|route)\s+(set|add|del|delete|flush)\b`),
}

// Destructive reports whether command matches a known state-changing pattern
func Destructive(command string) bool {
	cmd := strings.TrimSpace(command)
	cmd = strings.TrimSpace(strings.TrimPrefix(cmd, "sudo "))
	for _, re := range destructivePatterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

var (
	bulletPrefix = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s+`)
	backticked   = regexp.MustCompile("`([^`]+)`")
)

// extractCandidates pulls commands from generator output. JSON answers are
// preferred; anything else is read one command per line.
func extractCandidates(text string) []candidate {
	if cands, ok := extractJSON(text); ok {
		return cands
	}
	return extractLines(text)
}

type jsonStep struct {
	Command     string `json:"command"`
	Cmd         string `json:"cmd"`
	Description string `json:"description"`
}

func extractJSON(text string) ([]candidate, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, false
	}
	end := strings.LastIndexAny(text, "}]")
	if end < start {
		return nil, false
	}
	body := []byte(text[start : end+1])

	var items []json.RawMessage
	var wrapper struct {
		Steps    []json.RawMessage `json:"steps"`
		Commands []json.RawMessage `json:"commands"`
	}
	switch {
	case json.Unmarshal(body, &items) == nil:
	case json.Unmarshal(body, &wrapper) == nil:
		items = wrapper.Steps
		if len(items) == 0 {
			items = wrapper.Commands
		}
	default:
		return nil, false
	}

	cands := make([]candidate, 0, len(items))
	for _, raw := range items {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			cands = append(cands, candidate{Command: s})
			continue
		}
		var step jsonStep
		if json.Unmarshal(raw, &step) != nil {
			continue
		}
		cmd := step.Command
		if cmd == "" {
			cmd = step.Cmd
		}
		cands = append(cands, candidate{Command: cmd, Description: step.Description})
	}
	return cands, true
}

func extractLines(text string) []candidate {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") || strings.HasSuffix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}

	// When the answer marks commands with backticks, the other lines are prose.
	quoted := backticked.MatchString(strings.Join(lines, "\n"))

	var cands []candidate
	for _, line := range lines {
		line = bulletPrefix.ReplaceAllString(line, "")
		if m := backticked.FindStringSubmatchIndex(line); m != nil {
			desc := strings.TrimSpace(line[:m[0]] + " " + line[m[1]:])
			cands = append(cands, candidate{
				Command:     line[m[2]:m[3]],
				Description: strings.Trim(desc, " -:–"),
			})
			continue
		}
		if quoted {
			continue
		}
		cmd, desc, _ := strings.Cut(line, " - ")
		cands = append(cands, candidate{Command: cmd, Description: strings.TrimSpace(desc)})
	}
	return cands
}
