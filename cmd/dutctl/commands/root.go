package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dutctl/dutctl/pkg/config"
	"github.com/dutctl/dutctl/pkg/telemetry"
	"github.com/dutctl/dutctl/pkg/transports/ssh"
)

var (
	// Global flags
	profilePath    string
	host           string
	port           int
	user           string
	password       string
	timeoutSeconds int
	idleSeconds    int
	shell          string
	metricsListen  string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dutctl",
		Short: "dutctl - resilient remote control for embedded Linux devices",
		Long: `dutctl drives an embedded Linux device over SSH.

It copes with the quirks of minimal device firmware: servers that only
accept "none" authentication, slow banners, connections that die
mid-session, and busybox shells with an incomplete PATH. One persistent
session is kept warm between invocations of a batch so rapid command
bursts pay the handshake cost once.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&profilePath, "profile", "f", "", "device profile file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "", "device address")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "P", 0, "SSH port (default 22)")
	rootCmd.PersistentFlags().StringVarP(&user, "user", "u", "", "SSH username")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "SSH password (may be empty)")
	rootCmd.PersistentFlags().IntVarP(&timeoutSeconds, "timeout", "t", 0, "per-command timeout in seconds")
	rootCmd.PersistentFlags().IntVar(&idleSeconds, "idle-timeout", 0, "idle seconds before the session is reaped")
	rootCmd.PersistentFlags().StringVar(&shell, "shell", "", "remote login shell (sh or bash-fallback)")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDownloadCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newPingCommand())

	return rootCmd
}

// deviceConfig merges the optional profile file with command-line flags.
// Flags win over the profile.
func deviceConfig() (*ssh.Config, error) {
	var cfg *ssh.Config

	if profilePath != "" {
		profile, err := config.Load(profilePath)
		if err != nil {
			return nil, err
		}
		cfg = profile.SSHConfig()
	} else {
		if host == "" || user == "" {
			return nil, fmt.Errorf("either --profile or both --host and --user are required")
		}
		cfg = ssh.DefaultConfig(host, user)
	}

	if host != "" {
		cfg.Host = host
	}
	if port > 0 {
		cfg.Port = port
	}
	if user != "" {
		cfg.User = user
	}
	if password != "" {
		cfg.Password = password
	}
	if timeoutSeconds > 0 {
		cfg.CommandTimeout = time.Duration(timeoutSeconds) * time.Second
	}
	if idleSeconds > 0 {
		cfg.IdleTimeout = time.Duration(idleSeconds) * time.Second
	}
	if shell != "" {
		cfg.Shell = ssh.LoginShell(shell)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newStack builds the shared transport plumbing for a subcommand.
// Callers must Close the returned registry when done.
func newStack() (*ssh.Registry, *ssh.Executor, *telemetry.Metrics, error) {
	cfg, err := deviceConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	metrics := telemetry.NewMetrics("dutctl")
	if metricsListen != "" {
		go serveMetrics(metricsListen, metrics)
	}

	onRetry := func(delay time.Duration, attempt, total int) {
		fmt.Fprintf(os.Stderr, "[WARNING] connection attempt failed, retrying in %s (%d/%d)\n",
			delay, attempt, total)
	}

	registry := ssh.NewRegistry(cfg, onRetry, metrics)
	executor := ssh.NewExecutor(registry, consoleSink, metrics)
	return registry, executor, metrics, nil
}

func serveMetrics(addr string, metrics *telemetry.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info().Str("address", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

// consoleSink renders executor events for a terminal. Raw command output
// goes to stdout untouched; tagged notices go to stderr so the two can be
// separated with a redirect.
func consoleSink(ev ssh.Event) {
	switch ev.Kind {
	case ssh.EventOutput:
		fmt.Print(ev.Text)
	case ssh.EventProgress:
		fmt.Fprintf(os.Stderr, "[%3d%%]\n", ev.Percent)
	case ssh.EventNotice, ssh.EventEndMarker, ssh.EventStopped, ssh.EventDone:
		tag := ev.Tag
		if tag == "" {
			tag = ssh.TagInfo
		}
		fmt.Fprintf(os.Stderr, "[%s] %s\n", tag, ev.Text)
	}
}
