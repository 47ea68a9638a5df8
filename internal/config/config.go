package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Pattern severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Pattern is one blocked-pattern table entry. Matching is case-insensitive
// substring. Only error-severity matches force a FAIL verdict; warnings are
// recorded but non-blocking.
type Pattern struct {
	Match    string `yaml:"match" json:"match"`
	Severity string `yaml:"severity" json:"severity"`
}

// Config models waveline.yml.
type Config struct {
	Verification struct {
		// MinEvidence is the evidence-completeness floor per task.
		MinEvidence int `yaml:"min_evidence"`
		// BuildCommand is run via the shell during verification; exit 0
		// is required for PASS. Empty disables the build check.
		BuildCommand string    `yaml:"build_command"`
		Patterns     []Pattern `yaml:"patterns"`
	} `yaml:"verification"`
	Loop struct {
		// MaxIterations caps fail-fix-reverify cycles before the loop
		// reports stuck instead of spinning.
		MaxIterations int `yaml:"max_iterations"`
	} `yaml:"loop"`
	Lock struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"lock"`
}

// LockTimeout returns the configured lock timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutSeconds) * time.Second
}

// Default returns the built-in policy. The pattern table mirrors the
// verifier's stock list; deployments extend it in waveline.yml.
func Default() *Config {
	c := &Config{}
	c.Verification.MinEvidence = 2
	c.Verification.Patterns = []Pattern{
		{Match: "should work", Severity: SeverityError},
		{Match: "TODO", Severity: SeverityError},
		{Match: "FIXME", Severity: SeverityError},
		{Match: "placeholder", Severity: SeverityError},
		{Match: "probably works", Severity: SeverityError},
		{Match: "WIP", Severity: SeverityWarning},
		{Match: "hack", Severity: SeverityWarning},
		{Match: "temporary", Severity: SeverityWarning},
	}
	c.Loop.MaxIterations = 10
	c.Lock.TimeoutSeconds = 10
	return c
}

// Path returns the config file path for a base directory.
func Path(base string) string {
	return filepath.Join(base, "waveline.yml")
}

// Load reads config from the base directory, falling back to Default when
// no file exists.
func Load(base string) (*Config, error) {
	data, err := os.ReadFile(Path(base))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes, filling defaults for omitted
// sections.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse waveline.yml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Verification.MinEvidence < 1 {
		return fmt.Errorf("config.verification.min_evidence must be >= 1")
	}
	for i, p := range c.Verification.Patterns {
		if p.Match == "" {
			return fmt.Errorf("config.verification.patterns[%d] has empty match", i)
		}
		if p.Severity != SeverityError && p.Severity != SeverityWarning {
			return fmt.Errorf("config.verification.patterns[%d] severity must be error or warning", i)
		}
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("config.loop.max_iterations must be >= 1")
	}
	if c.Lock.TimeoutSeconds < 1 {
		return fmt.Errorf("config.lock.timeout_seconds must be >= 1")
	}
	return nil
}
