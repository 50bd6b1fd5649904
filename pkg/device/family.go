package device

import (
	"regexp"
	"strings"
)

// Family tags the CLI dialect a device speaks. The set is closed: anything
// not listed resolves to FamilyUnknown.
type Family string

const (
	FamilyCiscoIOS     Family = "cisco_ios"
	FamilyCiscoXE      Family = "cisco_xe"
	FamilyCiscoNXOS    Family = "cisco_nxos"
	FamilyAristaEOS    Family = "arista_eos"
	FamilyJuniperJunOS Family = "juniper_junos"
	FamilyLinux        Family = "linux"
	FamilyUnknown      Family = "unknown"
)

// Families lists every supported family in a stable order
var Families = []Family{
	FamilyCiscoIOS,
	FamilyCiscoXE,
	FamilyCiscoNXOS,
	FamilyAristaEOS,
	FamilyJuniperJunOS,
	FamilyLinux,
}

// ParseFamily maps a device-type tag onto the closed family set
func ParseFamily(s string) Family {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	if f.Known() {
		return f
	}
	return FamilyUnknown
}

// Known reports whether f is one of the supported families
func (f Family) Known() bool {
	_, ok := profiles[f]
	return ok && f != FamilyUnknown
}

// IsNetworkOS reports whether the family is a network operating system CLI
// (as opposed to a general purpose shell)
func (f Family) IsNetworkOS() bool {
	return f.Known() && f != FamilyLinux
}

// Profile describes how to drive a family's CLI over a prompt-driven shell
type Profile struct {
	// Prompt matches the device prompt at the end of the output buffer
	Prompt *regexp.Regexp
	// Privileged matches the prompt once elevated; nil when the family has no enable mode
	Privileged *regexp.Regexp
	// SetupCommands run once right after login, typically to disable paging
	SetupCommands []string
	// EnableCommand elevates the session when an enable secret is configured
	EnableCommand string
	// ErrorMarkers are substrings the CLI prints when it rejects a command
	ErrorMarkers []string
	// CheckCommand is used by connection tests
	CheckCommand string
	// AnchorPrompt pins prompt matches to the hostname seen at login
	AnchorPrompt bool
}

var (
	ciscoPrompt      = regexp.MustCompile(`(?m)^[\w.\-@()/:]+[>#]\s*$`)
	ciscoPrivileged  = regexp.MustCompile(`(?m)^[\w.\-@()/:]+#\s*$`)
	junosPrompt      = regexp.MustCompile(`(?m)^[\w.\-@]+[>#%]\s*$`)
	shellPrompt      = regexp.MustCompile(`(?m)^[^\r\n]*[$#>]\s*$`)
	ciscoErrorMarker = []string{
		"% Invalid input",
		"% Incomplete command",
		"% Ambiguous command",
		"% Unknown command",
		"% Invalid command",
	}
)

var profiles = map[Family]Profile{
	FamilyCiscoIOS: {
		AnchorPrompt:  true,
		Prompt:        ciscoPrompt,
		Privileged:    ciscoPrivileged,
		SetupCommands: []string{"terminal length 0", "terminal width 511"},
		EnableCommand: "enable",
		ErrorMarkers:  ciscoErrorMarker,
		CheckCommand:  "show version",
	},
	FamilyCiscoXE: {
		AnchorPrompt:  true,
		Prompt:        ciscoPrompt,
		Privileged:    ciscoPrivileged,
		SetupCommands: []string{"terminal length 0", "terminal width 511"},
		EnableCommand: "enable",
		ErrorMarkers:  ciscoErrorMarker,
		CheckCommand:  "show version",
	},
	FamilyCiscoNXOS: {
		AnchorPrompt:  true,
		Prompt:        ciscoPrompt,
		Privileged:    ciscoPrivileged,
		SetupCommands: []string{"terminal length 0", "terminal width 511"},
		ErrorMarkers:  ciscoErrorMarker,
		CheckCommand:  "show version",
	},
	FamilyAristaEOS: {
		AnchorPrompt:  true,
		Prompt:        ciscoPrompt,
		Privileged:    ciscoPrivileged,
		SetupCommands: []string{"terminal length 0", "terminal width 32767"},
		EnableCommand: "enable",
		ErrorMarkers:  ciscoErrorMarker,
		CheckCommand:  "show version",
	},
	FamilyJuniperJunOS: {
		AnchorPrompt:  true,
		Prompt:        junosPrompt,
		SetupCommands: []string{"set cli screen-length 0", "set cli screen-width 0"},
		ErrorMarkers:  []string{"unknown command.", "syntax error", "error: "},
		CheckCommand:  "show version",
	},
	FamilyLinux: {
		Prompt:        shellPrompt,
		SetupCommands: []string{"export TERM=dumb PAGER=cat"},
		ErrorMarkers:  []string{": command not found", ": No such file or directory"},
		CheckCommand:  "uname -a",
	},
	FamilyUnknown: {
		Prompt:       shellPrompt,
		CheckCommand: "show version",
	},
}

// ProfileFor returns the CLI profile of a family, falling back to the
// generic profile for unknown families
func ProfileFor(f Family) Profile {
	if p, ok := profiles[f]; ok {
		return p
	}
	return profiles[FamilyUnknown]
}

// Rejected reports whether output contains one of the family's error markers
func (p Profile) Rejected(output string) (string, bool) {
	for _, marker := range p.ErrorMarkers {
		if idx := strings.Index(output, marker); idx >= 0 {
			line := output[idx:]
			if nl := strings.IndexAny(line, "\r\n"); nl >= 0 {
				line = line[:nl]
			}
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}
