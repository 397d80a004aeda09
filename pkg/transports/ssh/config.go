package ssh

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// LoginShell selects how remote commands are wrapped.
type LoginShell string

const (
	// LoginShellSh wraps commands in `sh -lc '...' 2>&1`.
	LoginShellSh LoginShell = "sh"

	// LoginShellBashFallback tries bash first and falls back to sh, for
	// targets where bash exists but sh is a crippled busybox applet.
	LoginShellBashFallback LoginShell = "bash-fallback"
)

// Config holds everything needed to talk to one device.
type Config struct {
	// Host is the device hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username.
	User string

	// Password for the second step of the auth fallback chain. The empty
	// string is a valid password on these devices.
	Password string

	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration

	// BannerTimeout and AuthTimeout bound the SSH handshake. The Go
	// library performs banner exchange and authentication in one
	// handshake, so the larger of the two is applied as the deadline.
	BannerTimeout time.Duration
	AuthTimeout   time.Duration

	// CommandTimeout is the default per-command hard timeout.
	CommandTimeout time.Duration

	// KeepAliveInterval is the period of keep-alive pings on a live
	// session. Zero disables keep-alive.
	KeepAliveInterval time.Duration

	// MaxKeepAliveRetries is how many failed pings are tolerated before
	// the session is marked dead.
	MaxKeepAliveRetries int

	// IdleTimeout is how long a cached session may sit unused before the
	// registry monitor reaps it.
	IdleTimeout time.Duration

	// MonitorInterval is the registry monitor's wake-up period.
	MonitorInterval time.Duration

	// PollInterval is the executor's cooperative polling granularity.
	PollInterval time.Duration

	// SettleDelay is inserted between batch commands so the device shell
	// is not overloaded. Skipped after the final command.
	SettleDelay time.Duration

	// TransferTimeout bounds one bulk download operation.
	TransferTimeout time.Duration

	// Shell selects the login-shell wrapper for remote commands.
	Shell LoginShell

	// DiagnosticPrefixes lists command names whose "not found" failures
	// are retried under FallbackPaths.
	DiagnosticPrefixes []string

	// FallbackPaths are tried in order when a diagnostic command exits 127.
	FallbackPaths []string

	// Retry drives the negotiator's backoff loop.
	Retry RetryPolicy
}

// DefaultConfig returns a Config tuned for a flaky embedded target.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                host,
		Port:                22,
		User:                user,
		ConnectTimeout:      30 * time.Second,
		BannerTimeout:       30 * time.Second,
		AuthTimeout:         30 * time.Second,
		CommandTimeout:      30 * time.Second,
		KeepAliveInterval:   30 * time.Second,
		MaxKeepAliveRetries: 3,
		IdleTimeout:         600 * time.Second,
		MonitorInterval:     5 * time.Second,
		PollInterval:        50 * time.Millisecond,
		SettleDelay:         500 * time.Millisecond,
		TransferTimeout:     60 * time.Second,
		Shell:               LoginShellSh,
		DiagnosticPrefixes:  []string{"diag"},
		FallbackPaths:       []string{"/usr/bin/", "/bin/", "/sbin/", "/usr/sbin/"},
		Retry:               DefaultRetryPolicy(),
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.IdleTimeout > 0 && c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive when idle timeout is set")
	}
	return nil
}

// Address returns the host:port endpoint.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// handshakeTimeout bounds banner exchange plus authentication.
func (c *Config) handshakeTimeout() time.Duration {
	if c.AuthTimeout > c.BannerTimeout {
		return c.AuthTimeout
	}
	return c.BannerTimeout
}

// buildClientConfig creates the ssh.ClientConfig for one fallback step.
// Host keys are never verified: the device regenerates its key on every
// factory reset and has no key infrastructure to pin against.
func (c *Config) buildClientConfig(withPassword bool) *ssh.ClientConfig {
	var authMethods []ssh.AuthMethod
	if withPassword {
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Some daemons advertise only keyboard-interactive and present a
		// single "Password:" prompt.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.ConnectTimeout,
	}
}
