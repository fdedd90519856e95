package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

// Submission protocols.
const (
	ProtocolODK          = "odk_default"
	ProtocolGoogleSheets = "google_sheets"
)

// DefaultContentLengthThreshold is the largest multipart body sent in one POST.
const DefaultContentLengthThreshold int64 = 10_000_000

// LogConfig selects the logging backend.
type LogConfig struct {
	Level  string
	Format string
}

// Config holds runtime settings for the collect CLI.
type Config struct {
	DataDir   string
	ProjectID string

	ServerURL      string
	FormListPath   string
	SubmissionPath string
	Username       string
	Password       string

	// Protocol is ProtocolODK or ProtocolGoogleSheets.
	Protocol              string
	GoogleAccount         string
	GoogleCredentialsFile string
	GoogleSheetsURL       string

	DeleteAfterSend  bool
	AutoSend         bool
	AutoSendInterval time.Duration

	ContentLengthThreshold int64
	HTTPTimeout            time.Duration

	// RequireChangeReason asks for a reason when a finalized instance is edited.
	RequireChangeReason bool

	Log         LogConfig
	MetricsAddr string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = "collect-data"
	c.ProjectID = "default"
	c.FormListPath = "/formList"
	c.SubmissionPath = "/submission"
	c.Protocol = ProtocolODK
	c.AutoSendInterval = 15 * time.Minute
	c.ContentLengthThreshold = DefaultContentLengthThreshold
	c.HTTPTimeout = 60 * time.Second
	c.Log = LogConfig{Level: "info", Format: "text"}
}

// LoadConfig builds a Config from defaults, the JSON file at jsonPath (if
// not empty), the environment and the flags in fs (if not nil). Later
// sources take precedence over earlier ones.
func LoadConfig(jsonPath string, fs *pflag.FlagSet) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if jsonPath != "" {
		if err := parseJSON(jsonPath, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if fs != nil {
		if err := ApplyFlags(fs, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Protocol {
	case ProtocolODK, ProtocolGoogleSheets:
	default:
		errs = append(errs, fmt.Errorf("unknown protocol %q", c.Protocol))
	}
	if c.ContentLengthThreshold <= 0 {
		errs = append(errs, errors.New("content_length_threshold must be positive"))
	}
	if c.ProjectID == "" {
		errs = append(errs, errors.New("project_id must not be empty"))
	}
	if c.AutoSend && c.AutoSendInterval <= 0 {
		errs = append(errs, errors.New("auto_send_interval must be positive"))
	}
	return errors.Join(errs...)
}

// DBPath is the project's database. Every project keeps its own rows, so
// instance paths and locks never cross projects.
func (c *Config) DBPath() string {
	return filepath.Join(c.ProjectDir(), "collect.db")
}

func (c *Config) ProjectDir() string {
	return filepath.Join(c.DataDir, "projects", c.ProjectID)
}

func (c *Config) FormsDir() string {
	return filepath.Join(c.ProjectDir(), "forms")
}

func (c *Config) InstancesDir() string {
	return filepath.Join(c.ProjectDir(), "instances")
}

func (c *Config) CacheDir() string {
	return filepath.Join(c.ProjectDir(), ".cache")
}
