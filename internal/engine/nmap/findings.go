package nmap

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/model"
)

const (
	engineName    = string(model.KindNetwork)
	scriptExcerpt = 200
)

// HostFindings converts one scanned host into findings: one per open port,
// one per script output on an open port and one for a detected OS.
// Locations use targetHost, the name the job was submitted with.
func HostFindings(targetHost string, host nmap.Host) []finding.Finding {
	var out []finding.Finding
	addrs := addresses(host)
	for _, port := range host.Ports {
		if !strings.EqualFold(port.State.State, "open") {
			continue
		}
		out = append(out, portFinding(targetHost, addrs, port))
		for _, s := range port.Scripts {
			if f, ok := scriptFinding(targetHost, port, s); ok {
				out = append(out, f)
			}
		}
	}
	if len(host.OS.Matches) > 0 {
		out = append(out, osFinding(targetHost, host.OS.Matches[0]))
	}
	return out
}

func portFinding(targetHost string, addrs []string, port nmap.Port) finding.Finding {
	num := int(port.ID)
	proto := strings.ToLower(port.Protocol)
	if proto == "" {
		proto = "tcp"
	}
	svc := port.Service

	title := fmt.Sprintf("Open Port %d/%s", num, strings.ToUpper(proto))
	desc := fmt.Sprintf("Port %d is open on %s", num, targetHost)
	if svc.Name != "" {
		title += " - " + svc.Name
		desc += " running " + svc.Name
		if svc.Product != "" {
			desc += " (" + strings.TrimSpace(svc.Product+" "+svc.Version) + ")"
		}
	}

	sev := PortSeverity(num, svc.Name)
	evidence := map[string]any{
		"port":     num,
		"protocol": proto,
		"state":    port.State.State,
	}
	if len(addrs) > 0 {
		evidence["addresses"] = addrs
	}
	if svc.Name != "" {
		evidence["service"] = map[string]string{
			"name":      svc.Name,
			"product":   svc.Product,
			"version":   svc.Version,
			"extrainfo": svc.ExtraInfo,
		}
	}
	return finding.Finding{
		ID:          finding.StableID(engineName, "port", targetHost, proto, strconv.Itoa(num)),
		Engine:      engineName,
		Title:       title,
		Description: desc,
		Severity:    sev,
		Score:       finding.DefaultScore(sev),
		Location:    net.JoinHostPort(targetHost, strconv.Itoa(num)),
		Remediation: PortRemediation(num, svc.Name),
		Evidence:    evidence,
		Tags:        finding.NormalizeTags("port-scan", "network", proto),
	}
}

func scriptFinding(targetHost string, port nmap.Port, s nmap.Script) (finding.Finding, bool) {
	if strings.TrimSpace(s.Output) == "" {
		return finding.Finding{}, false
	}
	num := strconv.Itoa(int(port.ID))
	sev := ScriptSeverity(s.ID, s.Output)
	excerpt := s.Output
	if r := []rune(excerpt); len(r) > scriptExcerpt {
		excerpt = string(r[:scriptExcerpt]) + "..."
	}
	return finding.Finding{
		ID:          finding.StableID(engineName, "script", targetHost, num, s.ID),
		Engine:      engineName,
		Title:       "Script Detection: " + s.ID,
		Description: fmt.Sprintf("Nmap script %s found: %s", s.ID, strings.TrimSpace(excerpt)),
		Severity:    sev,
		Score:       finding.DefaultScore(sev),
		Location:    net.JoinHostPort(targetHost, num),
		Remediation: fmt.Sprintf("Review and remediate issues identified by Nmap script %s", s.ID),
		Evidence:    map[string]any{"script_id": s.ID, "script_output": s.Output},
		Tags:        finding.NormalizeTags("script-scan", "nmap", s.ID),
		Confidence:  "Medium",
	}, true
}

func osFinding(targetHost string, m nmap.OSMatch) finding.Finding {
	name := m.Name
	if name == "" {
		name = "Unknown"
	}
	accuracy := fmt.Sprint(m.Accuracy)
	return finding.Finding{
		ID:          finding.StableID(engineName, "os", targetHost),
		Engine:      engineName,
		Title:       "OS Detection: " + name,
		Description: fmt.Sprintf("Operating system detected as: %s (Accuracy: %s%%)", name, accuracy),
		Severity:    finding.SeverityInfo,
		Score:       finding.DefaultScore(finding.SeverityInfo),
		Location:    targetHost,
		Remediation: "This is informational only. Review system configuration if OS disclosure is a concern.",
		Evidence:    map[string]any{"name": name, "accuracy": accuracy},
		Tags:        finding.NormalizeTags("os-detection", "fingerprinting"),
	}
}

func openPorts(host nmap.Host) int {
	var n int
	for _, p := range host.Ports {
		if strings.EqualFold(p.State.State, "open") {
			n++
		}
	}
	return n
}

func addresses(host nmap.Host) []string {
	out := make([]string, 0, len(host.Addresses))
	for _, a := range host.Addresses {
		out = append(out, a.Addr)
	}
	return out
}
