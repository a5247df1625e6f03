package model

import (
	"context"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	AuthTypeNone        = "none"
	AuthTypeStaticToken = "static_token"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"`
	Service Service `json:"service" yaml:"service"`
	Engines Engines `json:"engines" yaml:"engines"`
}

type Service struct {
	Listen   string   `json:"listen" yaml:"listen"`
	Verbose  bool     `json:"verbose" yaml:"verbose"`
	Log      string   `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Database string   `json:"database" yaml:"database"`
	Auth     Auth     `json:"auth" yaml:"auth"`
	Tracing  *Tracing `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Progress Progress `json:"progress" yaml:"progress"`
	Jobs     Jobs     `json:"jobs" yaml:"jobs"`
	Export   *Export  `json:"export,omitempty" yaml:"export,omitempty"`
}

// Export sends the CycloneDX document of every finished job to the
// configured destinations.
type Export struct {
	Stdout     bool        `json:"stdout" yaml:"stdout"`
	Dir        string      `json:"dir,omitempty" yaml:"dir,omitempty"`
	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// Repository is a CycloneDX BOM repository accepting POST /v1/bom.
type Repository struct {
	URL string `json:"url" yaml:"url"`
}

// Auth is a tagged union: Type "none" or "static_token".
type Auth struct {
	Type   string            `json:"type" yaml:"type"`
	Tokens map[string]string `json:"tokens,omitempty" yaml:"tokens,omitempty"` // token -> caller
}

type Tracing struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"` // OTLP/gRPC collector, host:port
	Insecure bool   `json:"insecure" yaml:"insecure"`
}

type Progress struct {
	Grace     string `json:"grace" yaml:"grace"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
	Heartbeat string `json:"heartbeat" yaml:"heartbeat"`
}

type Jobs struct {
	Headroom   int    `json:"headroom" yaml:"headroom"`
	CancelWait string `json:"cancel_wait" yaml:"cancel_wait"`
	Janitor    string `json:"janitor" yaml:"janitor"` // duration or cron expression
}

type Engines struct {
	ZAP  *ZAP  `json:"zap,omitempty" yaml:"zap,omitempty"`
	Nmap *Nmap `json:"nmap,omitempty" yaml:"nmap,omitempty"`
}

type ZAP struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	URL       string         `json:"url" yaml:"url"`
	APIKey    string         `json:"api_key" yaml:"api_key"`
	RateLimit float64        `json:"rate_limit" yaml:"rate_limit"`
	Timeout   string         `json:"timeout" yaml:"timeout"`
	Daemon    *ZAPDaemon     `json:"daemon,omitempty" yaml:"daemon,omitempty"`
	Options   map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// ZAPDaemon makes the service start ZAP itself when the API is not reachable.
type ZAPDaemon struct {
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
}

type Nmap struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Binary  string         `json:"binary" yaml:"binary"`
	Timeout string         `json:"timeout" yaml:"timeout"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

func (p Progress) GraceDuration() time.Duration { return DurationOr(p.Grace, 30*time.Second) }

func (p Progress) HeartbeatDuration() time.Duration {
	return DurationOr(p.Heartbeat, 30*time.Second)
}

func (j Jobs) CancelWaitDuration() time.Duration { return DurationOr(j.CancelWait, 5*time.Second) }

func (z ZAP) TimeoutDuration() time.Duration  { return DurationOr(z.Timeout, 45*time.Minute) }
func (n Nmap) TimeoutDuration() time.Duration { return DurationOr(n.Timeout, 15*time.Minute) }

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig is written to the user config directory when no config exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Listen: ":8080",
			Log:    LogStderr,
			Auth:   Auth{Type: AuthTypeNone},
			Progress: Progress{
				Grace:     "30s",
				QueueSize: 64,
				Heartbeat: "30s",
			},
			Jobs: Jobs{
				Headroom:   90,
				CancelWait: "5s",
				Janitor:    "1m",
			},
		},
		Engines: Engines{
			ZAP: &ZAP{
				Enabled:   true,
				URL:       "http://127.0.0.1:8090",
				RateLimit: 20,
				Timeout:   "45m",
			},
			Nmap: &Nmap{
				Enabled: true,
				Binary:  "nmap",
				Timeout: "15m",
			},
		},
	}
}
