package planner

import (
	"sort"
	"strings"

	"github.com/davidroman0O/netdoc/pkg/device"
)

// topic groups the commands that document one aspect of a device
type topic struct {
	name     string
	title    string
	keywords []string
	roles    []string
	commands map[device.Family][]string
}

func (t *topic) commandsFor(f device.Family) []string {
	if cmds, ok := t.commands[f]; ok {
		return cmds
	}
	if f == device.FamilyCiscoXE {
		return t.commands[device.FamilyCiscoIOS]
	}
	return nil
}

// topics are scanned in this order, which is also the order of plan steps
var topics = []*topic{
	{
		name:     "system",
		title:    "Platform and software inventory",
		keywords: []string{"version", "inventory", "hardware", "model", "serial", "software", "uptime", "health", "cpu", "memory", "environment", "system"},
		roles:    []string{"server"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show version", "show inventory", "show processes cpu sorted", "show memory statistics"},
			device.FamilyCiscoNXOS:    {"show version", "show inventory", "show system resources", "show environment"},
			device.FamilyAristaEOS:    {"show version", "show inventory", "show processes top once", "show system environment all"},
			device.FamilyJuniperJunOS: {"show version", "show chassis hardware", "show system uptime", "show chassis environment"},
			device.FamilyLinux:        {"uname -a", "uptime", "free -m", "df -h", "lscpu"},
		},
	},
	{
		name:     "interfaces",
		title:    "Interface state and addressing",
		keywords: []string{"interface", "interfaces", "port", "ports", "link", "links", "address", "addressing", "ip"},
		roles:    []string{"switch", "router", "access", "distribution", "core"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show ip interface brief", "show interfaces status", "show interfaces"},
			device.FamilyCiscoNXOS:    {"show interface brief", "show interface status"},
			device.FamilyAristaEOS:    {"show ip interface brief", "show interfaces status", "show interfaces"},
			device.FamilyJuniperJunOS: {"show interfaces terse", "show interfaces descriptions"},
			device.FamilyLinux:        {"ip -br addr", "ip -s link"},
		},
	},
	{
		name:     "routing",
		title:    "Routing table",
		keywords: []string{"route", "routes", "routing", "prefix", "prefixes", "gateway", "arp"},
		roles:    []string{"router", "core", "edge", "border"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show ip route summary", "show ip route", "show arp"},
			device.FamilyCiscoNXOS:    {"show ip route summary", "show ip route", "show ip arp"},
			device.FamilyAristaEOS:    {"show ip route summary", "show ip route", "show arp"},
			device.FamilyJuniperJunOS: {"show route summary", "show route", "show arp"},
			device.FamilyLinux:        {"ip route", "ip neigh"},
		},
	},
	{
		name:     "bgp",
		title:    "BGP neighbor state",
		keywords: []string{"bgp", "peer", "peers", "peering", "neighbor", "neighbors", "neighbour", "neighbours"},
		roles:    []string{"router", "edge", "border"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show ip bgp summary", "show ip bgp neighbors"},
			device.FamilyCiscoNXOS:    {"show bgp ipv4 unicast summary", "show bgp ipv4 unicast neighbors"},
			device.FamilyAristaEOS:    {"show ip bgp summary", "show ip bgp neighbors"},
			device.FamilyJuniperJunOS: {"show bgp summary", "show bgp neighbor"},
		},
	},
	{
		name:     "ospf",
		title:    "OSPF adjacencies",
		keywords: []string{"ospf", "adjacency", "adjacencies", "igp"},
		roles:    []string{"router", "core"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show ip ospf neighbor", "show ip ospf interface brief"},
			device.FamilyCiscoNXOS:    {"show ip ospf neighbors", "show ip ospf interface brief"},
			device.FamilyAristaEOS:    {"show ip ospf neighbor", "show ip ospf interface brief"},
			device.FamilyJuniperJunOS: {"show ospf neighbor", "show ospf interface"},
		},
	},
	{
		name:     "discovery",
		title:    "Directly connected neighbors",
		keywords: []string{"cdp", "lldp", "topology", "discovery", "connected", "cabling", "neighbor", "neighbors"},
		roles:    []string{"switch", "access", "distribution"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show cdp neighbors", "show lldp neighbors"},
			device.FamilyCiscoNXOS:    {"show cdp neighbors", "show lldp neighbors"},
			device.FamilyAristaEOS:    {"show lldp neighbors"},
			device.FamilyJuniperJunOS: {"show lldp neighbors"},
		},
	},
	{
		name:     "switching",
		title:    "VLANs and layer 2 tables",
		keywords: []string{"vlan", "vlans", "switching", "mac", "spanning", "stp", "trunk", "trunks"},
		roles:    []string{"switch", "access", "distribution"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show vlan brief", "show interfaces trunk", "show mac address-table", "show spanning-tree summary"},
			device.FamilyCiscoNXOS:    {"show vlan brief", "show interface trunk", "show mac address-table"},
			device.FamilyAristaEOS:    {"show vlan", "show interfaces trunk", "show mac address-table"},
			device.FamilyJuniperJunOS: {"show vlans", "show ethernet-switching table"},
			device.FamilyLinux:        {"bridge vlan show", "bridge fdb show"},
		},
	},
	{
		name:     "logging",
		title:    "Recent log messages",
		keywords: []string{"log", "logs", "logging", "syslog", "events", "alarms"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show logging"},
			device.FamilyCiscoNXOS:    {"show logging last 100"},
			device.FamilyAristaEOS:    {"show logging last 100"},
			device.FamilyJuniperJunOS: {"show log messages", "show system alarms"},
			device.FamilyLinux:        {"journalctl -n 100 --no-pager"},
		},
	},
	{
		name:     "configuration",
		title:    "Configuration",
		keywords: []string{"config", "configuration", "running", "startup", "backup"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show running-config", "show startup-config"},
			device.FamilyCiscoNXOS:    {"show running-config"},
			device.FamilyAristaEOS:    {"show running-config"},
			device.FamilyJuniperJunOS: {"show configuration"},
		},
	},
	{
		name:     "security",
		title:    "Access control and sessions",
		keywords: []string{"acl", "acls", "access-list", "filter", "firewall", "users", "security", "listening"},
		roles:    []string{"firewall", "edge"},
		commands: map[device.Family][]string{
			device.FamilyCiscoIOS:     {"show access-lists", "show users"},
			device.FamilyCiscoNXOS:    {"show ip access-lists", "show users"},
			device.FamilyAristaEOS:    {"show ip access-lists", "show users"},
			device.FamilyJuniperJunOS: {"show firewall", "show system users"},
			device.FamilyLinux:        {"who", "ss -tuln"},
		},
	},
}

func topicByName(name string) *topic {
	for _, t := range topics {
		if t.name == name {
			return t
		}
	}
	return nil
}

// matchTopics returns the topics whose keywords appear in goal, in catalog
// order. Role only contributes when the goal matches nothing.
func matchTopics(goal, role string) []*topic {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		words[w] = true
	}

	var matched []*topic
	for _, t := range topics {
		for _, k := range t.keywords {
			if words[k] {
				matched = append(matched, t)
				break
			}
		}
	}
	if len(matched) > 0 {
		return matched
	}

	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return nil
	}
	for _, t := range topics {
		for _, r := range t.roles {
			if r == role {
				matched = append(matched, t)
				break
			}
		}
	}
	return matched
}

var commandTemplates = map[device.Family]map[string][]string{
	device.FamilyAristaEOS: {
		"basic_info": {"show version", "show hostname", "show running-config"},
		"interfaces": {"show interfaces", "show interfaces status", "show ip interface brief"},
		"routing":    {"show ip route", "show ip route summary", "show arp"},
		"system":     {"show processes top", "show system environment all", "show logging"},
	},
	device.FamilyCiscoIOS: {
		"basic_info": {"show version", "show running-config", "show startup-config"},
		"interfaces": {"show interfaces", "show ip interface brief", "show interfaces status"},
		"routing":    {"show ip route", "show arp", "show cdp neighbors"},
	},
	device.FamilyCiscoXE: {
		"basic_info": {"show version", "show running-config", "show startup-config"},
		"interfaces": {"show interfaces", "show ip interface brief", "show interfaces status"},
		"routing":    {"show ip route", "show arp", "show cdp neighbors"},
	},
	device.FamilyCiscoNXOS: {
		"basic_info": {"show version", "show hostname", "show running-config"},
		"interfaces": {"show interface brief", "show interface status"},
		"routing":    {"show ip route", "show ip arp", "show cdp neighbors"},
		"system":     {"show system resources", "show environment", "show logging last 100"},
	},
	device.FamilyJuniperJunOS: {
		"basic_info": {"show version", "show configuration"},
		"interfaces": {"show interfaces terse", "show interfaces descriptions"},
		"routing":    {"show route summary", "show route", "show arp"},
		"system":     {"show chassis hardware", "show system uptime", "show log messages"},
	},
	device.FamilyLinux: {
		"basic_info": {"uname -a", "hostname", "cat /etc/os-release"},
		"interfaces": {"ip -br addr", "ip -s link"},
		"routing":    {"ip route", "ip neigh"},
		"system":     {"uptime", "free -m", "df -h"},
	},
}

// Templates returns the grouped command catalog of a device type. Unknown
// types yield an empty map.
func Templates(family device.Family) map[string][]string {
	groups := commandTemplates[family]
	out := make(map[string][]string, len(groups))
	for name, cmds := range groups {
		out[name] = append([]string(nil), cmds...)
	}
	return out
}

// TemplateFamilies lists the device types that have a catalog
func TemplateFamilies() []device.Family {
	out := make([]device.Family, 0, len(commandTemplates))
	for f := range commandTemplates {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
