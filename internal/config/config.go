// Package config loads the apparmorctl host configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/schubergphilis/apparmorctl/internal/apparmor"
)

// DefaultPath is where apparmorctl looks for its configuration unless
// told otherwise. A missing file is fine; built-in defaults apply.
const DefaultPath = "/etc/apparmorctl/config.yaml"

// Config holds the host-wide settings shared by all commands.
type Config struct {
	// StagingDir holds contributed fragments, one subdirectory per profile.
	StagingDir string `yaml:"staging_dir"`
	// ProfileDir holds the installed AppArmor profiles.
	ProfileDir string `yaml:"profile_dir"`
	// DefaultMode applies to profiles whose fragments carry no mode hint.
	DefaultMode string `yaml:"default_mode"`
	// ServiceUnit is the systemd unit reloaded after a changed batch.
	ServiceUnit string `yaml:"service_unit"`
	// ParserPath overrides the apparmor_parser location; empty means
	// search $PATH.
	ParserPath string `yaml:"parser_path"`
	// Backup controls whether changed profiles are backed up first.
	Backup bool `yaml:"backup"`
	// PurgeStaging removes a profile's fragments after a successful merge.
	PurgeStaging bool `yaml:"purge_staging"`
	// Attachments maps profile names to attachment paths, overriding the
	// dotted-name guess.
	Attachments map[string]string `yaml:"attachments"`
	// Packages lists the distribution packages the orchestration layer is
	// expected to install. Recognized so shared configuration files
	// validate; apparmorctl itself never touches packages.
	Packages []string `yaml:"packages"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StagingDir:  "/etc/apparmor.d/roles",
		ProfileDir:  "/etc/apparmor.d",
		DefaultMode: "enforce",
		ServiceUnit: "apparmor.service",
		Backup:      true,
	}
}

// Load reads the configuration at path on top of the defaults. A missing
// file yields the defaults; unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if _, err := apparmor.ParseMode(cfg.DefaultMode); err != nil {
		return nil, fmt.Errorf("%s: default_mode: %w", path, err)
	}
	return cfg, nil
}

// Mode returns the parsed default mode. Load has already validated it.
func (c *Config) Mode() apparmor.Mode {
	mode, err := apparmor.ParseMode(c.DefaultMode)
	if err != nil {
		return apparmor.ModeEnforce
	}
	return mode
}
