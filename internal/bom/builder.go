// Package bom renders job findings as a CycloneDX 1.6 document with one
// vulnerability per finding, all affecting the scanned target component.
package bom

import (
	"fmt"
	"io"
	"runtime/debug"
	"slices"
	"strconv"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"

	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/model"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Version is the module version of the running binary.
func Version() string { return version }

var severities = map[finding.Severity]cdx.Severity{
	finding.SeverityCritical: cdx.SeverityCritical,
	finding.SeverityHigh:     cdx.SeverityHigh,
	finding.SeverityMedium:   cdx.SeverityMedium,
	finding.SeverityLow:      cdx.SeverityLow,
	finding.SeverityInfo:     cdx.SeverityInfo,
}

// Builder is a builder pattern for a CycloneDX BOM structure
type Builder struct {
	now             func() time.Time
	components      []cdx.Component
	vulnerabilities []cdx.Vulnerability
	properties      []cdx.Property
}

func NewBuilder() *Builder {
	return &Builder{
		now: time.Now,
		// those MUST be initialized as cyclone-dx JSON schema do not allow items to be null
		components:      []cdx.Component{},
		vulnerabilities: []cdx.Vulnerability{},
		properties:      []cdx.Property{},
	}
}

// ForJob describes the job target as a component and its findings as
// vulnerabilities affecting it.
func ForJob(job model.Job, findings []finding.Finding) *Builder {
	ref := "target:" + job.ID
	b := NewBuilder().
		AppendComponents(cdx.Component{
			BOMRef: ref,
			Type:   cdx.ComponentTypeApplication,
			Name:   job.Target,
		}).
		AppendProperties(
			cdx.Property{Name: "scanhub:job:id", Value: job.ID},
			cdx.Property{Name: "scanhub:job:status", Value: string(job.Status)},
			cdx.Property{Name: "scanhub:job:findings", Value: strconv.Itoa(len(findings))},
		)
	for _, k := range job.Kinds {
		b.AppendProperties(cdx.Property{Name: "scanhub:job:kind", Value: string(k)})
	}
	for _, w := range job.Warnings {
		b.AppendProperties(cdx.Property{Name: "scanhub:job:warning", Value: w})
	}
	for _, f := range findings {
		b.AppendVulnerabilities(Vulnerability(f, ref))
	}
	return b
}

// Vulnerability converts a finding. affects is the bom-ref of the target.
func Vulnerability(f finding.Finding, affects string) cdx.Vulnerability {
	score := f.Score
	v := cdx.Vulnerability{
		BOMRef:         f.ID,
		ID:             f.ID,
		Source:         &cdx.Source{Name: f.Engine},
		Description:    f.Title,
		Detail:         f.Description,
		Recommendation: f.Remediation,
		Ratings: &[]cdx.VulnerabilityRating{{
			Source:   &cdx.Source{Name: "scanhub"},
			Score:    &score,
			Severity: severities[f.Severity],
			Method:   cdx.ScoringMethodOther,
		}},
		Affects: &[]cdx.Affects{{Ref: affects}},
	}
	if f.CWE > 0 {
		v.CWEs = &[]int{f.CWE}
	}
	if len(f.References) > 0 {
		advisories := make([]cdx.Advisory, 0, len(f.References))
		for _, r := range f.References {
			advisories = append(advisories, cdx.Advisory{URL: r})
		}
		v.Advisories = &advisories
	}
	props := []cdx.Property{{Name: "scanhub:location", Value: f.Location}}
	if f.Confidence != "" {
		props = append(props, cdx.Property{Name: "scanhub:confidence", Value: f.Confidence})
	}
	for _, t := range f.Tags {
		props = append(props, cdx.Property{Name: "scanhub:tag", Value: t})
	}
	keys := make([]string, 0, len(f.Evidence))
	for k := range f.Evidence {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		props = append(props, cdx.Property{Name: "scanhub:evidence:" + k, Value: fmt.Sprint(f.Evidence[k])})
	}
	v.Properties = &props
	return v
}

func (b *Builder) AppendComponents(components ...cdx.Component) *Builder {
	b.components = append(b.components, components...)
	return b
}

func (b *Builder) AppendVulnerabilities(vulns ...cdx.Vulnerability) *Builder {
	b.vulnerabilities = append(b.vulnerabilities, vulns...)
	return b
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

// BOM returns a cdx.BOM based on a data inside the Builder
func (b *Builder) BOM() cdx.BOM {
	return cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: b.now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{Phase: cdx.LifecyclePhaseOperations},
			},
			// This can't be not nil otherwise this error will happen
			// json: error calling MarshalJSON for type *cyclonedx.ToolsChoice: unexpected end of JSON input
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "scanhub",
				Version: version,
			},
		},
		Components:      &b.components,
		Vulnerabilities: &b.vulnerabilities,
		Properties:      &b.properties,
	}
}

// AsJSON encode the BOM into JSON format
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}
