package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable
// strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// QuotaConfig bounds per-peer resource usage. Zero values fall back to the
// built-in defaults.
type QuotaConfig struct {
	OutgoingMessages   int `yaml:"outgoing_messages"`
	Matches            int `yaml:"matches"`
	Replies            int `yaml:"replies"`
	PendingOwnerships  int `yaml:"pending_ownerships"`
	ActivationMessages int `yaml:"activation_messages"`
}

// PolicyConfig is the security-policy section.
type PolicyConfig struct {
	// TrustedUIDs may call privileged methods in addition to root and the
	// uid the broker runs as.
	TrustedUIDs []uint32 `yaml:"trusted_uids"`
	// DenyOwnPrefixes lists well-known-name prefixes no peer may own.
	DenyOwnPrefixes []string `yaml:"deny_own_prefixes"`
}

// ServiceConfig declares one activatable service.
type ServiceConfig struct {
	Name string   `yaml:"name"`
	Exec []string `yaml:"exec"`
}

// StatusConfig configures the HTTP status API.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the top-level configuration file structure.
type Config struct {
	Listen    string          `yaml:"listen"`
	MachineID string          `yaml:"machine_id"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Quota     QuotaConfig     `yaml:"quota"`
	Policy    PolicyConfig    `yaml:"policy"`
	Services  []ServiceConfig `yaml:"services"`
	Status    StatusConfig    `yaml:"status"`
}

// Validate rejects configs the daemon cannot act on.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if len(svc.Exec) == 0 {
			return fmt.Errorf("service %s: missing exec", svc.Name)
		}
		if seen[svc.Name] {
			return fmt.Errorf("service %s: declared twice", svc.Name)
		}
		seen[svc.Name] = true
	}
	return nil
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "brokerd", "config.yaml")
}

// DefaultSocketPath returns the default listen socket under XDG_RUNTIME_DIR.
func DefaultSocketPath() (string, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtimeDir, "brokerd", "bus.sock"), nil
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}
