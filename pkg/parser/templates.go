package parser

import (
	"regexp"
	"strconv"
	"strings"
)

type field struct {
	name string
	re   *regexp.Regexp
}

// extract applies each pattern and keeps the first capture group of those
// that match
func extract(raw string, fields []field) (interface{}, bool) {
	out := make(map[string]string)
	for _, f := range fields {
		if _, seen := out[f.name]; seen {
			continue
		}
		if m := f.re.FindStringSubmatch(raw); m != nil {
			if v := strings.TrimSpace(strings.TrimRight(m[1], ",")); v != "" {
				out[f.name] = v
			}
		}
	}
	return out, len(out) > 0
}

var ciscoVersionFields = []field{
	{"software_version", regexp.MustCompile(`Cisco IOS.*?Version\s+([^\s,]+)`)},
	{"hostname", regexp.MustCompile(`(?m)^(\S+)\s+uptime is`)},
	{"uptime", regexp.MustCompile(`uptime is\s+(.+)`)},
	{"hardware_model", regexp.MustCompile(`(?i)cisco\s+(\S+)\s+\(.*\)\s+processor`)},
	{"hardware_model", regexp.MustCompile(`(?m)^[Cc]isco\s+(\S+)\s+\(`)},
	{"serial_number", regexp.MustCompile(`Processor board ID\s+(\S+)`)},
	{"image", regexp.MustCompile(`System image file is "([^"]+)"`)},
	{"config_register", regexp.MustCompile(`Configuration register is\s+(\S+)`)},
}

func parseCiscoVersion(raw string) (interface{}, bool) {
	return extract(raw, ciscoVersionFields)
}

var nxosVersionFields = []field{
	{"software_version", regexp.MustCompile(`NXOS:\s+version\s+(\S+)`)},
	{"software_version", regexp.MustCompile(`system:\s+version\s+(\S+)`)},
	{"hostname", regexp.MustCompile(`Device name:\s+(\S+)`)},
	{"uptime", regexp.MustCompile(`Kernel uptime is\s+(.+)`)},
	{"hardware_model", regexp.MustCompile(`cisco\s+(Nexus\s*\S+)`)},
	{"serial_number", regexp.MustCompile(`Processor Board ID\s+(\S+)`)},
}

func parseNXOSVersion(raw string) (interface{}, bool) {
	return extract(raw, nxosVersionFields)
}

var aristaVersionFields = []field{
	{"software_version", regexp.MustCompile(`Software image version:\s+(\S+)`)},
	{"software_version", regexp.MustCompile(`running EOS version\s+([\d.]+\w*)`)},
	{"hardware_model", regexp.MustCompile(`Arista\s+(DCS-[\w-]+|vEOS\S*|cEOS\S*)`)},
	{"hardware_version", regexp.MustCompile(`Hardware version:\s+(\S+)`)},
	{"serial_number", regexp.MustCompile(`Serial number:\s+(\S+)`)},
	{"system_mac", regexp.MustCompile(`System MAC address:\s+([0-9a-fA-F:.]+)`)},
	{"uptime", regexp.MustCompile(`Uptime:\s+(.+)`)},
}

func parseAristaVersion(raw string) (interface{}, bool) {
	return extract(raw, aristaVersionFields)
}

var junosVersionFields = []field{
	{"hostname", regexp.MustCompile(`Hostname:\s+(\S+)`)},
	{"hardware_model", regexp.MustCompile(`Model:\s+(\S+)`)},
	{"software_version", regexp.MustCompile(`Junos:\s+(\S+)`)},
	{"software_version", regexp.MustCompile(`JUNOS .*\[([^\]]+)\]`)},
}

func parseJunosVersion(raw string) (interface{}, bool) {
	return extract(raw, junosVersionFields)
}

// rowsAfter returns the non-blank lines following the first line accepted
// by isHeader
func rowsAfter(raw string, isHeader func(string) bool) (string, []string) {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if isHeader(line) {
			var rows []string
			for _, row := range lines[i+1:] {
				if strings.TrimSpace(row) != "" {
					rows = append(rows, row)
				}
			}
			return line, rows
		}
	}
	return "", nil
}

func hasWords(line string, ws ...string) bool {
	for _, w := range ws {
		if !strings.Contains(line, w) {
			return false
		}
	}
	return true
}

func parseCiscoIPInterfaceBrief(raw string) (interface{}, bool) {
	_, rows := rowsAfter(raw, func(l string) bool { return hasWords(l, "Interface", "IP-Address", "Protocol") })
	var out []map[string]string
	for _, row := range rows {
		parts := strings.Fields(row)
		if len(parts) < 6 {
			continue
		}
		n := len(parts)
		ip := parts[1]
		if ip == "unassigned" {
			ip = ""
		}
		out = append(out, map[string]string{
			"interface":  parts[0],
			"ip_address": ip,
			"ok":         parts[2],
			"method":     parts[3],
			"status":     strings.Join(parts[4:n-1], " "),
			"protocol":   parts[n-1],
		})
	}
	return out, len(out) > 0
}

func parseAristaIPInterfaceBrief(raw string) (interface{}, bool) {
	header, rows := rowsAfter(raw, func(l string) bool { return hasWords(l, "Interface", "Status", "Protocol") })
	if header == "" {
		return nil, false
	}
	cols := columns(header, "Interface", "IP Address", "Status", "Protocol", "MTU")
	var out []map[string]string
	for _, row := range rows {
		if strings.HasPrefix(strings.TrimSpace(row), "---") {
			continue
		}
		rec := cols.slice(row)
		if rec["Interface"] == "" {
			continue
		}
		ip := rec["IP Address"]
		if ip == "unassigned" {
			ip = ""
		}
		out = append(out, map[string]string{
			"interface":  rec["Interface"],
			"ip_address": ip,
			"status":     rec["Status"],
			"protocol":   rec["Protocol"],
			"mtu":        rec["MTU"],
		})
	}
	return out, len(out) > 0
}

func parseInterfacesStatus(raw string) (interface{}, bool) {
	header, rows := rowsAfter(raw, func(l string) bool { return hasWords(l, "Port", "Status", "Vlan") })
	if header == "" {
		return nil, false
	}
	cols := columns(header, "Port", "Name", "Status", "Vlan", "Duplex", "Speed", "Type")
	var out []map[string]string
	for _, row := range rows {
		rec := cols.slice(row)
		if rec["Port"] == "" {
			continue
		}
		out = append(out, map[string]string{
			"port":   rec["Port"],
			"name":   rec["Name"],
			"status": rec["Status"],
			"vlan":   rec["Vlan"],
			"duplex": rec["Duplex"],
			"speed":  rec["Speed"],
			"type":   rec["Type"],
		})
	}
	return out, len(out) > 0
}

var bgpRouterID = regexp.MustCompile(`(?i)router identifier\s+([\d.]+),\s+local AS number\s+(\d+)`)

// parseBGPSummary reads the neighbor table by token position, which holds
// for both the IOS and EOS layouts since no column contains spaces
func parseBGPSummary(raw string) (interface{}, bool) {
	out := map[string]interface{}{}
	if m := bgpRouterID.FindStringSubmatch(raw); m != nil {
		out["router_id"] = m[1]
		out["local_as"] = m[2]
	}

	header, rows := rowsAfter(raw, func(l string) bool {
		return strings.HasPrefix(strings.TrimSpace(l), "Neighbor") && strings.Contains(l, "AS")
	})
	index := make(map[string]int)
	for i, name := range strings.Fields(header) {
		index[name] = i
	}

	neighbors := []map[string]string{}
	for _, row := range rows {
		parts := strings.Fields(row)
		isAddr := strings.Count(parts[0], ".") == 3 || strings.Contains(parts[0], ":")
		if len(parts) != len(index) || !isAddr {
			continue
		}
		n := map[string]string{
			"neighbor":  parts[0],
			"remote_as": at(parts, index, "AS"),
			"up_down":   at(parts, index, "Up/Down"),
		}
		if v := at(parts, index, "State/PfxRcd"); v != "" {
			if _, err := strconv.Atoi(v); err == nil {
				n["state"] = "Established"
				n["prefixes_received"] = v
			} else {
				n["state"] = v
			}
		} else {
			n["state"] = at(parts, index, "State")
			n["prefixes_received"] = at(parts, index, "PfxRcd")
		}
		neighbors = append(neighbors, n)
	}
	if len(neighbors) > 0 {
		out["neighbors"] = neighbors
	}
	return out, len(out) > 0
}

func at(parts []string, index map[string]int, name string) string {
	if i, ok := index[name]; ok && i < len(parts) {
		return parts[i]
	}
	return ""
}

var cdpCapability = regexp.MustCompile(`^[RTBSHIrPDCMsV]$`)

func parseCDPNeighbors(raw string) (interface{}, bool) {
	_, rows := rowsAfter(raw, func(l string) bool { return hasWords(l, "Device ID", "Local Intrfce") })
	var out []map[string]string
	pending := ""
	for _, row := range rows {
		parts := strings.Fields(row)
		if strings.HasPrefix(row, "Total cdp entries") {
			break
		}
		// long device ids are printed alone with the rest on the next line
		if len(parts) == 1 {
			pending = parts[0]
			continue
		}
		if pending != "" {
			parts = append([]string{pending}, parts...)
			pending = ""
		}
		if len(parts) < 6 {
			continue
		}
		n := len(parts)
		rest := parts[4 : n-2]
		var caps []string
		for len(rest) > 0 && cdpCapability.MatchString(rest[0]) {
			caps = append(caps, rest[0])
			rest = rest[1:]
		}
		out = append(out, map[string]string{
			"device_id":       parts[0],
			"local_interface": parts[1] + " " + parts[2],
			"holdtime":        parts[3],
			"capability":      strings.Join(caps, " "),
			"platform":        strings.Join(rest, " "),
			"port_id":         parts[n-2] + " " + parts[n-1],
		})
	}
	return out, len(out) > 0
}

func parseLLDPNeighbors(raw string) (interface{}, bool) {
	_, rows := rowsAfter(raw, func(l string) bool { return hasWords(l, "Port", "Neighbor Device ID", "TTL") })
	var out []map[string]string
	for _, row := range rows {
		parts := strings.Fields(row)
		if len(parts) != 4 || strings.HasPrefix(parts[0], "-") {
			continue
		}
		out = append(out, map[string]string{
			"port":            parts[0],
			"neighbor_device": parts[1],
			"neighbor_port":   parts[2],
			"ttl":             parts[3],
		})
	}
	return out, len(out) > 0
}

// columnSet slices fixed-width rows at the offsets of header titles
type columnSet struct {
	names  []string
	starts []int
}

func columns(header string, names ...string) columnSet {
	var cs columnSet
	from := 0
	for _, name := range names {
		i := strings.Index(header[from:], name)
		if i < 0 {
			continue
		}
		cs.names = append(cs.names, name)
		cs.starts = append(cs.starts, from+i)
		from += i + len(name)
	}
	return cs
}

func (cs columnSet) slice(row string) map[string]string {
	rec := make(map[string]string, len(cs.names))
	for i, name := range cs.names {
		start := cs.starts[i]
		if start >= len(row) {
			rec[name] = ""
			continue
		}
		end := len(row)
		if i+1 < len(cs.starts) && cs.starts[i+1] < end {
			end = cs.starts[i+1]
		}
		rec[name] = strings.TrimSpace(row[start:end])
	}
	return rec
}
