package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models harvestline.yml.
type Config struct {
	Store struct {
		// Namespace is the URI prefix every persisted resource must live under.
		Namespace string `yaml:"namespace"`
		Timeout   string `yaml:"timeout"`
		Retries   int    `yaml:"retries"`
		Backoff   string `yaml:"backoff"`
		Redirects int    `yaml:"redirects"`
	} `yaml:"store"`
	Activity struct {
		BaseURI string `yaml:"base_uri"`
	} `yaml:"activity"`
	Database struct {
		Driver    string `yaml:"driver"`
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
	} `yaml:"database"`
	Lineage struct {
		Backend        string `yaml:"backend"`
		SPARQLEndpoint string `yaml:"sparql_endpoint"`
	} `yaml:"lineage"`
	Queue struct {
		Backend      string `yaml:"backend"`
		Default      string `yaml:"default"`
		Workers      int    `yaml:"workers"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"queue"`
	Harvest struct {
		Timeout string `yaml:"timeout"`
		Retries int    `yaml:"retries"`
	} `yaml:"harvest"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// Token, when set, must be presented as a bearer token or X-Api-Key.
		Token string `yaml:"token"`
	} `yaml:"server"`
	Pipeline struct {
		IndexPath string `yaml:"index_path"`
		Vocab     string `yaml:"vocab"`
	} `yaml:"pipeline"`
	Metrics struct {
		Export   string `yaml:"export"`
		Interval string `yaml:"interval"`
	} `yaml:"metrics"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := requireAbsolute("store.namespace", c.Store.Namespace); err != nil {
		return err
	}
	if err := requireAbsolute("activity.base_uri", c.Activity.BaseURI); err != nil {
		return err
	}
	if strings.TrimRight(c.Activity.BaseURI, "/") == strings.TrimRight(c.Store.Namespace, "/") {
		return fmt.Errorf("activity.base_uri must differ from store.namespace")
	}
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres', got %q", c.Database.Driver)
	}
	switch c.Lineage.Backend {
	case "local":
	case "sparql":
		if err := requireAbsolute("lineage.sparql_endpoint", c.Lineage.SPARQLEndpoint); err != nil {
			return err
		}
	default:
		return fmt.Errorf("lineage.backend must be 'local' or 'sparql', got %q", c.Lineage.Backend)
	}
	switch c.Queue.Backend {
	case "sql", "memory":
	default:
		return fmt.Errorf("queue.backend must be 'sql' or 'memory', got %q", c.Queue.Backend)
	}
	if c.Queue.Default == "" {
		return fmt.Errorf("queue.default is required")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	switch c.Metrics.Export {
	case "none", "stdout":
	default:
		return fmt.Errorf("metrics.export must be 'none' or 'stdout', got %q", c.Metrics.Export)
	}
	if c.Store.Retries < 0 || c.Harvest.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}
	for name, v := range map[string]string{
		"store.timeout":       c.Store.Timeout,
		"store.backoff":       c.Store.Backoff,
		"queue.poll_interval": c.Queue.PollInterval,
		"harvest.timeout":     c.Harvest.Timeout,
		"metrics.interval":    c.Metrics.Interval,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	return nil
}

func requireAbsolute(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URI", field)
	}
	return nil
}

// StoreTimeout returns the parsed resource client timeout.
func (c *Config) StoreTimeout() time.Duration { return mustDuration(c.Store.Timeout) }

// StoreBackoff returns the parsed base backoff of the resource client.
func (c *Config) StoreBackoff() time.Duration { return mustDuration(c.Store.Backoff) }

// PollInterval returns the parsed worker poll interval.
func (c *Config) PollInterval() time.Duration { return mustDuration(c.Queue.PollInterval) }

// MetricsInterval returns the parsed metrics export interval.
func (c *Config) MetricsInterval() time.Duration { return mustDuration(c.Metrics.Interval) }

// HarvestTimeout returns the parsed harvester request timeout.
func (c *Config) HarvestTimeout() time.Duration { return mustDuration(c.Harvest.Timeout) }

func mustDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "harvestline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace, using defaults when the file is missing.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Database.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" {
		cfg.Database.Workspace = workspace
	}
	return cfg, nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  namespace: http://localhost:8080/resources
  timeout: 30s
  retries: 4
  backoff: 25ms
  redirects: 3

activity:
  base_uri: http://localhost:8080/activities

database:
  driver: sqlite
  dsn: ""
  workspace: ""

lineage:
  backend: local
  sparql_endpoint: ""

queue:
  backend: sql
  default: harvest
  workers: 2
  poll_interval: 1s

harvest:
  timeout: 60s
  retries: 4

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  token: ""

pipeline:
  index_path: index.jsonl
  vocab: http://localhost:8080/vocab#

metrics:
  export: none
  interval: 60s
`
