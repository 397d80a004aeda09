// Package config loads the optional YAML device profile. A profile
// describes how to reach one device; CLI flags override its values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dutctl/dutctl/pkg/transports/ssh"
)

// Profile is the on-disk description of one device.
type Profile struct {
	// Host is the device address.
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port.
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// User is the SSH username.
	User string `yaml:"user" validate:"required"`

	// Password may be empty; these devices usually ship without one.
	Password string `yaml:"password"`

	// TimeoutSeconds is the per-command hard timeout.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"omitempty,min=1,max=300"`

	// IdleTimeoutSeconds is how long the persistent session may sit
	// unused before it is reaped.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" validate:"omitempty,min=1"`

	// EndMarker stops a batch early when it appears in command output.
	EndMarker string `yaml:"end_marker"`

	// Shell selects the remote login-shell wrapper.
	Shell string `yaml:"shell" validate:"omitempty,oneof=sh bash-fallback"`

	// DiagnosticPrefixes overrides the command family eligible for the
	// 127 path fallback.
	DiagnosticPrefixes []string `yaml:"diagnostic_prefixes"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return &p, nil
}

// SSHConfig converts the profile into a transport config, filling
// defaults for everything the profile does not set.
func (p *Profile) SSHConfig() *ssh.Config {
	cfg := ssh.DefaultConfig(p.Host, p.User)
	cfg.Password = p.Password
	if p.Port > 0 {
		cfg.Port = p.Port
	}
	if p.TimeoutSeconds > 0 {
		cfg.CommandTimeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	if p.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = time.Duration(p.IdleTimeoutSeconds) * time.Second
	}
	if p.Shell != "" {
		cfg.Shell = ssh.LoginShell(p.Shell)
	}
	if len(p.DiagnosticPrefixes) > 0 {
		cfg.DiagnosticPrefixes = p.DiagnosticPrefixes
	}
	return cfg
}
