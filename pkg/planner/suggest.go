package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidroman0O/netdoc/pkg/device"
)

// SuggestRequest asks for command ideas for a kind of device
type SuggestRequest struct {
	DeviceType string `json:"device_type"`
	Vendor     string `json:"vendor,omitempty"`
	Role       string `json:"role,omitempty"`
	Goal       string `json:"goal"`
}

// Suggestions groups commands by category
type Suggestions struct {
	Groups map[string][]string `json:"groups"`
	Notes  string              `json:"notes"`
}

var vendorFamilies = map[string]device.Family{
	"cisco":   device.FamilyCiscoIOS,
	"arista":  device.FamilyAristaEOS,
	"juniper": device.FamilyJuniperJunOS,
	"linux":   device.FamilyLinux,
}

// Suggest proposes grouped commands from the built-in catalog. Goal keywords
// select topics; with no match the role, then the device type catalog, is used.
func Suggest(ctx context.Context, req SuggestRequest) (*Suggestions, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	family := device.ParseFamily(req.DeviceType)
	var notes []string
	if family == device.FamilyUnknown {
		if f, ok := vendorFamilies[strings.ToLower(strings.TrimSpace(req.Vendor))]; ok {
			family = f
			notes = append(notes, fmt.Sprintf("device type %q is not supported, using %s commands for vendor %s", req.DeviceType, f, req.Vendor))
		} else {
			return &Suggestions{
				Groups: map[string][]string{},
				Notes:  fmt.Sprintf("no commands known for device type %q", req.DeviceType),
			}, nil
		}
	}

	groups := make(map[string][]string)
	var matched []string
	for _, t := range matchTopics(req.Goal, req.Role) {
		cmds := t.commandsFor(family)
		if len(cmds) == 0 {
			continue
		}
		groups[t.name] = append([]string(nil), cmds...)
		matched = append(matched, t.name)
	}

	if len(groups) == 0 {
		groups = Templates(family)
		notes = append(notes, "no topic matched the goal, showing the standard catalog")
	} else {
		notes = append(notes, "matched topics: "+strings.Join(matched, ", "))
	}
	notes = append(notes, "review every command before running it")

	return &Suggestions{Groups: groups, Notes: strings.Join(notes, "; ")}, nil
}
