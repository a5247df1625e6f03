package zap

import (
	"maps"
	"slices"
	"strings"

	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/model"
)

const engineName = string(model.KindWebApp)

// Alert is one entry of /JSON/core/view/alerts/.
type Alert struct {
	ID          string            `json:"id"`
	PluginID    string            `json:"pluginId"`
	AlertRef    string            `json:"alertRef"`
	Name        string            `json:"name"`
	Alert       string            `json:"alert"`
	Risk        string            `json:"risk"`
	Confidence  string            `json:"confidence"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Param       string            `json:"param"`
	Attack      string            `json:"attack"`
	Evidence    string            `json:"evidence"`
	Other       string            `json:"other"`
	Description string            `json:"description"`
	Solution    string            `json:"solution"`
	Reference   string            `json:"reference"`
	CWEID       string            `json:"cweid"`
	WASCID      string            `json:"wascid"`
	Tags        map[string]string `json:"tags"`
}

// RiskMapping converts ZAP risk names. Unknown risks are Low.
var RiskMapping = finding.Mapping{
	Table: map[string]finding.Severity{
		"High":          finding.SeverityHigh,
		"Medium":        finding.SeverityMedium,
		"Low":           finding.SeverityLow,
		"Informational": finding.SeverityInfo,
	},
	Default: finding.SeverityLow,
}

// Finding normalizes an alert. The id is derived from the plugin, url,
// parameter and method, so repeated instances of one alert collapse.
func (a Alert) Finding(jobID string) finding.Finding {
	sev := RiskMapping.Severity(a.Risk)
	title := a.Name
	if title == "" {
		title = a.Alert
	}
	if title == "" {
		title = "Unknown Vulnerability"
	}

	evidence := map[string]any{}
	for k, v := range map[string]string{
		"evidence":  a.Evidence,
		"param":     a.Param,
		"attack":    a.Attack,
		"method":    a.Method,
		"other":     a.Other,
		"plugin_id": a.PluginID,
		"wasc_id":   a.WASCID,
	} {
		if v != "" {
			evidence[k] = v
		}
	}
	if len(evidence) == 0 {
		evidence = nil
	}

	tags := append(slices.Collect(maps.Keys(a.Tags)), "zap")

	return finding.Finding{
		JobID:       jobID,
		ID:          finding.StableID(engineName, a.PluginID, a.URL, a.Param, a.Method),
		Engine:      engineName,
		Title:       title,
		Description: a.Description,
		Severity:    sev,
		Score:       finding.DefaultScore(sev),
		Location:    a.URL,
		Remediation: a.Solution,
		Evidence:    evidence,
		Tags:        finding.NormalizeTags(tags...),
		Confidence:  a.Confidence,
		References:  references(a.Reference),
		CWE:         max(atoi(a.CWEID), 0),
	}
}

func references(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
