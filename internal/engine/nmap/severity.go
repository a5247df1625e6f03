package nmap

import (
	"fmt"
	"strings"

	"github.com/scania/scanhub/internal/finding"
)

var (
	highRiskPorts = map[int]struct{}{
		21: {}, 23: {}, 25: {}, 53: {}, 135: {}, 139: {}, 445: {},
		1433: {}, 1521: {}, 3306: {}, 3389: {}, 5432: {},
	}
	mediumRiskPorts = map[int]struct{}{
		22: {}, 80: {}, 110: {}, 143: {}, 443: {}, 993: {}, 995: {},
	}
	dangerousServices = []string{"telnet", "ftp", "rsh", "rlogin", "netbios", "smb"}
)

// PortSeverity rates an open port from its number and detected service name.
func PortSeverity(port int, service string) finding.Severity {
	service = strings.ToLower(service)
	if _, ok := highRiskPorts[port]; ok {
		return finding.SeverityHigh
	}
	for _, s := range dangerousServices {
		if strings.Contains(service, s) {
			return finding.SeverityHigh
		}
	}
	if _, ok := mediumRiskPorts[port]; ok {
		return finding.SeverityMedium
	}
	return finding.SeverityLow
}

var portRemediation = map[int]string{
	21:   "Replace FTP with SFTP or FTPS for secure file transfer",
	22:   "SSH is relatively secure, ensure strong authentication and latest version",
	23:   "Replace Telnet with SSH for secure remote access",
	25:   "Secure SMTP configuration and prevent open relay",
	53:   "Secure DNS server configuration and restrict zone transfers",
	80:   "Consider using HTTPS instead of HTTP for web traffic",
	110:  "Use secure POP3S or IMAP over TLS instead of plain POP3",
	135:  "Windows RPC: restrict access and apply latest security patches",
	139:  "NetBIOS: disable if not needed, restrict network access",
	143:  "Use IMAP over TLS instead of plain IMAP",
	443:  "HTTPS is secure, ensure proper TLS configuration",
	445:  "SMB: ensure latest patches and restrict network access",
	993:  "IMAPS is secure, verify TLS configuration",
	995:  "POP3S is secure, verify TLS configuration",
	1433: "MSSQL: restrict network access and use SQL authentication",
	1521: "Oracle DB: restrict network access and secure configuration",
	3306: "MySQL: restrict network access and secure configuration",
	3389: "RDP: use strong authentication and restrict network access",
	5432: "PostgreSQL: restrict network access and secure configuration",
}

// PortRemediation returns advice for an open port.
func PortRemediation(port int, service string) string {
	if r, ok := portRemediation[port]; ok {
		return r
	}
	service = strings.ToLower(service)
	switch {
	case strings.Contains(service, "telnet"):
		return portRemediation[23]
	case strings.Contains(service, "ftp"):
		return portRemediation[21]
	case strings.Contains(service, "mysql"),
		strings.Contains(service, "postgres"),
		strings.Contains(service, "oracle"),
		strings.Contains(service, "mssql"):
		return "Restrict database access to authorized networks only"
	case service == "":
		return "Review necessity of the service and restrict network access if possible"
	}
	return fmt.Sprintf("Review necessity of %s service and restrict network access if possible", service)
}

var scriptSeverity = map[string]finding.Severity{
	"http-sql-injection":   finding.SeverityHigh,
	"http-xssed":           finding.SeverityHigh,
	"http-csrf":            finding.SeverityMedium,
	"http-slowloris-check": finding.SeverityMedium,
	"smb-vuln-ms17-010":    finding.SeverityCritical,
	"smb-vuln-ms08-067":    finding.SeverityCritical,
	"ssl-poodle":           finding.SeverityMedium,
	"ssl-heartbleed":       finding.SeverityHigh,
}

var issueKeywords = []string{"vulnerable", "found", "detected", "exposed"}

// ScriptSeverity rates an NSE script result. Output that does not mention an
// issue is informational whatever the script; otherwise known vulnerability
// scripts keep their rating and everything else is Medium.
func ScriptSeverity(id, output string) finding.Severity {
	output = strings.ToLower(output)
	for _, k := range issueKeywords {
		if strings.Contains(output, k) {
			if s, ok := scriptSeverity[id]; ok {
				return s
			}
			return finding.SeverityMedium
		}
	}
	return finding.SeverityInfo
}
