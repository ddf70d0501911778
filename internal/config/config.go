package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/machPoint/pm-net/internal/fsutil"
)

// File names searched by Discover, in order.
var FileNames = []string{"pmnet.json", "pmnet.yaml", "pmnet.yml"}

// ErrNotFound is returned by Discover when no config file exists up the tree.
var ErrNotFound = errors.New("config file not found")

// Environment overrides applied by Load.
const (
	EnvLLMAPIKey = "PMNET_LLM_API_KEY"
	EnvDataDir   = "PMNET_DATA_DIR"
)

// Config represents the pmnet.json / pmnet.yaml configuration file
type Config struct {
	Version   string    `json:"version" yaml:"version"`
	DataDir   string    `json:"data_dir" yaml:"data_dir"`
	Database  Database  `json:"database" yaml:"database"`
	LLM       LLM       `json:"llm" yaml:"llm"`
	Runtimes  Runtimes  `json:"runtimes" yaml:"runtimes"`
	Dispatch  Dispatch  `json:"dispatch" yaml:"dispatch"`
	Scheduler Scheduler `json:"scheduler" yaml:"scheduler"`
	Server    Server    `json:"server" yaml:"server"`
	EventLog  EventLog  `json:"event_log" yaml:"event_log"`
	LogLevel  string    `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Database locates the SQLite file. A relative path is resolved against DataDir.
type Database struct {
	Path string `json:"path" yaml:"path"`
}

// LLM configures the primary OpenAI-compatible endpoint and its fallbacks.
type LLM struct {
	Endpoint  `yaml:",inline"`
	Fallbacks []Endpoint `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// Endpoint is one chat completions endpoint.
type Endpoint struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model    string `json:"model" yaml:"model"`
	TimeoutS int    `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"`
}

// Runtimes lists the agent runtimes in fallback order.
type Runtimes struct {
	Order []string     `json:"order" yaml:"order"`
	CLI   *CLIRuntime  `json:"cli,omitempty" yaml:"cli,omitempty"`
	HTTP  *HTTPRuntime `json:"http,omitempty" yaml:"http,omitempty"`
	LLM   *LLMRuntime  `json:"llm,omitempty" yaml:"llm,omitempty"`
}

// CLIRuntime configures an external agent binary.
type CLIRuntime struct {
	Binary        string            `json:"binary" yaml:"binary"`
	TranscriptDir string            `json:"transcript_dir,omitempty" yaml:"transcript_dir,omitempty"`
	Agent         string            `json:"agent,omitempty" yaml:"agent,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// HTTPRuntime configures an agent service endpoint.
type HTTPRuntime struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// LLMRuntime enables dispatching straight to the language model.
type LLMRuntime struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Dispatch holds dispatch defaults.
type Dispatch struct {
	TimeoutMs int `json:"timeout_ms" yaml:"timeout_ms"`
}

// Scheduler configures the due-job loop and the default work profile.
type Scheduler struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	IntervalS  int     `json:"interval_s" yaml:"interval_s"`
	FetchLimit int     `json:"fetch_limit" yaml:"fetch_limit"`
	Profile    Profile `json:"profile" yaml:"profile"`
}

// Profile is the default work window used when a project has no stored one.
type Profile struct {
	WorkStartHour int    `json:"work_start_hour" yaml:"work_start_hour"`
	WorkEndHour   int    `json:"work_end_hour" yaml:"work_end_hour"`
	MaxJobsPerDay int    `json:"max_jobs_per_day" yaml:"max_jobs_per_day"`
	SlotMinutes   int    `json:"slot_minutes" yaml:"slot_minutes"`
	Timezone      string `json:"timezone" yaml:"timezone"`
}

// Server configures the HTTP listener for /events and /healthz.
type Server struct {
	Addr string `json:"addr" yaml:"addr"`
}

// EventLog configures the NDJSON event ledger. A relative path is resolved
// against DataDir.
type EventLog struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version: "1.0",
		DataDir: ".pmnet",
		Database: Database{
			Path: "pmnet.db",
		},
		LLM: LLM{
			Endpoint: Endpoint{
				Name:     "primary",
				BaseURL:  "https://api.openai.com/v1",
				Model:    "gpt-4o-mini",
				TimeoutS: 120,
			},
		},
		Runtimes: Runtimes{
			Order: []string{"cli", "llm"},
			CLI: &CLIRuntime{
				Binary:        "openclaw",
				TranscriptDir: "transcripts",
				Agent:         "main",
			},
			LLM: &LLMRuntime{Enabled: true},
		},
		Dispatch: Dispatch{
			TimeoutMs: 120000,
		},
		Scheduler: Scheduler{
			Enabled:    true,
			IntervalS:  60,
			FetchLimit: 25,
			Profile: Profile{
				WorkStartHour: 9,
				WorkEndHour:   17,
				MaxJobsPerDay: 8,
				SlotMinutes:   60,
				Timezone:      "UTC",
			},
		},
		Server: Server{
			Addr: "127.0.0.1:8787",
		},
		EventLog: EventLog{
			Enabled: true,
			Path:    "events/events.ndjson",
		},
		LogLevel: "info",
	}
}

var knownRuntimes = map[string]bool{"cli": true, "http": true, "llm": true, "mock": true}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("configuration error: missing required field 'data_dir'\n\nHint: Point data_dir at a writable directory:\n  \"data_dir\": \".pmnet\"")
	}

	if len(c.Runtimes.Order) == 0 {
		return fmt.Errorf("configuration error: 'runtimes.order' is empty\n\nHint: List at least one runtime to dispatch to:\n  \"runtimes\": {\n    \"order\": [\"cli\", \"llm\"]\n  }")
	}

	seen := make(map[string]bool, len(c.Runtimes.Order))
	for _, name := range c.Runtimes.Order {
		if !knownRuntimes[name] {
			return fmt.Errorf("configuration error: unknown runtime %q in 'runtimes.order'\n\nHint: Valid runtimes are cli, http, llm and mock", name)
		}
		if seen[name] {
			return fmt.Errorf("configuration error: runtime %q listed twice in 'runtimes.order'\n\nHint: Each runtime may appear once", name)
		}
		seen[name] = true
	}

	if seen["cli"] && (c.Runtimes.CLI == nil || c.Runtimes.CLI.Binary == "") {
		return fmt.Errorf("configuration error: runtime 'cli' has no binary\n\nHint: Name the agent binary to run:\n  \"runtimes\": {\n    \"cli\": {\"binary\": \"openclaw\"}\n  }")
	}

	if seen["http"] && (c.Runtimes.HTTP == nil || c.Runtimes.HTTP.URL == "") {
		return fmt.Errorf("configuration error: runtime 'http' has no url\n\nHint: Set the agent service endpoint:\n  \"runtimes\": {\n    \"http\": {\"url\": \"http://localhost:9000/agent\"}\n  }")
	}

	if c.Dispatch.TimeoutMs < 0 {
		return fmt.Errorf("configuration error: invalid 'dispatch.timeout_ms' value: %d\n\nHint: Use 0 for the default or a positive number of milliseconds", c.Dispatch.TimeoutMs)
	}

	if c.Scheduler.IntervalS < 0 || c.Scheduler.FetchLimit < 0 {
		return fmt.Errorf("configuration error: scheduler interval_s and fetch_limit must not be negative\n\nHint: Use 0 for the defaults (60s, 25 jobs)")
	}

	if err := c.Scheduler.Profile.Validate(); err != nil {
		return err
	}

	return nil
}

// Validate checks the default work window
func (p Profile) Validate() error {
	if p.WorkStartHour < 0 || p.WorkStartHour > 23 || p.WorkEndHour < 1 || p.WorkEndHour > 24 || p.WorkStartHour >= p.WorkEndHour {
		return fmt.Errorf("configuration error: invalid work window %d-%d\n\nHint: work_start_hour must be before work_end_hour, within 0-24:\n  \"profile\": {\"work_start_hour\": 9, \"work_end_hour\": 17}", p.WorkStartHour, p.WorkEndHour)
	}
	if p.MaxJobsPerDay < 1 {
		return fmt.Errorf("configuration error: invalid 'scheduler.profile.max_jobs_per_day' value: %d\n\nHint: Allow at least one job per day", p.MaxJobsPerDay)
	}
	if p.Timezone != "" {
		if _, err := p.Location(); err != nil {
			return fmt.Errorf("configuration error: unknown timezone %q\n\nHint: Use an IANA name such as \"UTC\" or \"Europe/Berlin\"", p.Timezone)
		}
	}
	return nil
}

// Location resolves the profile timezone, defaulting to UTC.
func (p Profile) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

// ResolvePath joins a relative path onto DataDir. The data dir itself is
// resolved against base when it is relative.
func (c *Config) ResolvePath(base, p string) string {
	dataDir := c.DataDir
	if !filepath.IsAbs(dataDir) && base != "" {
		dataDir = filepath.Join(base, dataDir)
	}
	if p == "" {
		return dataDir
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvLLMAPIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadFromFile loads a configuration from a JSON or YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration atomically with 0600 permissions.
// The format follows the file extension.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// Discover walks up from startDir looking for a config file and returns the
// first path found.
func Discover(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", startDir, err)
	}

	for {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			info, err := os.Stat(candidate)
			if err == nil && !info.IsDir() {
				return candidate, nil
			}
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("failed to check %s: %w", candidate, err)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Load reads the config at path, or discovers one from startDir when path is
// empty, then applies environment overrides and validates. It returns the
// config and the directory relative paths resolve against.
func Load(path, startDir string) (*Config, string, error) {
	if path == "" {
		found, err := Discover(startDir)
		if err != nil {
			return nil, "", err
		}
		path = found
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	cfg.ApplyEnv(nil)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return cfg, base, nil
}
