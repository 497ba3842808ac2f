package model

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SURVEYOR_SERVER_ADDR.
const EnvPrefix = "SURVEYOR_"

type Config struct {
	Version  int      `yaml:"version"` // fixed 0 for now
	Verbose  bool     `yaml:"verbose" env:"VERBOSE"`
	Server   Server   `yaml:"server" envPrefix:"SERVER_"`
	Pipeline Pipeline `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Probe    Probe    `yaml:"probe" envPrefix:"PROBE_"`
}

// Server configures the job API.
type Server struct {
	Addr    string `yaml:"addr" env:"ADDR"`
	DataDir string `yaml:"data_dir" env:"DATA_DIR"` // one directory per job lives here
}

// Tool is an external binary used by a pipeline stage.
type Tool struct {
	Binary  string        `yaml:"binary" env:"BINARY"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Pipeline configures the external tools of the recon pipeline.
type Pipeline struct {
	Subfinder   Tool `yaml:"subfinder" envPrefix:"SUBFINDER_"`
	Assetfinder Tool `yaml:"assetfinder" envPrefix:"ASSETFINDER_"`
	Httpx       Tool `yaml:"httpx" envPrefix:"HTTPX_"`
}

// Probe configures the standalone path prober.
type Probe struct {
	Base        URL           `yaml:"base" env:"BASE"`
	Wordlist    string        `yaml:"wordlist" env:"WORDLIST"`
	Concurrency int           `yaml:"concurrency" env:"CONCURRENCY"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Delay       time.Duration `yaml:"delay" env:"DELAY"`
	Output      string        `yaml:"output" env:"OUTPUT"`
	Port        int           `yaml:"port" env:"PORT"`
	RedisURL    string        `yaml:"redis_url,omitempty" env:"REDIS_URL"`
	RedisKey    string        `yaml:"redis_key,omitempty" env:"REDIS_KEY"`
}

func DefaultConfig() Config {
	return Config{
		Server: Server{
			Addr:    ":8080",
			DataDir: "data",
		},
		Pipeline: Pipeline{
			Subfinder:   Tool{Binary: "subfinder", Timeout: 5 * time.Minute},
			Assetfinder: Tool{Binary: "assetfinder", Timeout: 5 * time.Minute},
			Httpx:       Tool{Binary: "httpx", Timeout: 10 * time.Minute},
		},
		Probe: Probe{
			Concurrency: 10,
			Timeout:     10 * time.Second,
			Delay:       50 * time.Millisecond,
			Output:      "probe-results.jsonl",
			Port:        8090,
			RedisKey:    "surveyor:probe",
		},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig. Unknown keys are
// rejected.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Version != 0 {
		return Config{}, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	cfg.Sanitize()
	return cfg, nil
}

// ApplyEnv loads an optional .env file and overlays SURVEYOR_* variables.
// Variables which are not set leave the field untouched.
func ApplyEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil {
		var pathErr *fs.PathError
		if !errors.As(err, &pathErr) {
			return fmt.Errorf("load .env file: %w", err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.Sanitize()
	return nil
}

// Sanitize applies guardrails to values coming from file or environment.
func (c *Config) Sanitize() {
	def := DefaultConfig()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = def.Server.DataDir
	}
	c.Pipeline.Subfinder.sanitize(def.Pipeline.Subfinder)
	c.Pipeline.Assetfinder.sanitize(def.Pipeline.Assetfinder)
	c.Pipeline.Httpx.sanitize(def.Pipeline.Httpx)

	if c.Probe.Concurrency < 1 {
		c.Probe.Concurrency = 1
	}
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = def.Probe.Timeout
	}
	if c.Probe.Delay < 0 {
		c.Probe.Delay = 0
	}
	if c.Probe.Output == "" {
		c.Probe.Output = def.Probe.Output
	}
	if c.Probe.Port <= 0 || c.Probe.Port > 65535 {
		c.Probe.Port = def.Probe.Port
	}
	if c.Probe.RedisKey == "" {
		c.Probe.RedisKey = def.Probe.RedisKey
	}
}

func (t *Tool) sanitize(def Tool) {
	if t.Binary == "" {
		t.Binary = def.Binary
	}
	if t.Timeout <= 0 {
		t.Timeout = def.Timeout
	}
}
