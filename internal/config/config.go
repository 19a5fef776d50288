// Package config handles loading, validating, and applying the
// provider configuration, and reads the GARM invocation record from the
// process environment.  Configuration is read from a YAML file and can
// be overridden by CLI flags.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/garm-provider-pm2/internal/metadata"
	"github.com/terrpan/garm-provider-pm2/internal/otel"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor/docker"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor/pm2"
)

// Supervisor backends.
const (
	SupervisorPM2    = "pm2"
	SupervisorDocker = "docker"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	// WorkDir holds stash/ (downloaded runner archives) and
	// job/<name>/ (one runner home per instance).  Default: "./work".
	WorkDir string `yaml:"work_dir"`

	// LogsDir receives one audit log per invocation.  Default: "./logs".
	LogsDir string `yaml:"logs_dir"`

	// EnvPrefix prefixes every metadata key in the runner environment.
	// Default: "GPM2_".
	EnvPrefix string `yaml:"env_prefix"`

	Instance   InstanceConfig   `yaml:"instance"`
	Scripts    ScriptsConfig    `yaml:"scripts"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
}

// InstanceConfig holds values reported for every instance.
type InstanceConfig struct {
	// OSName is reported as os_name unless the instance environment
	// carries its own.  Default: "ubuntu".
	OSName string `yaml:"os_name"`
	// OSVersion is reported as os_version.  Default: "22.04".
	OSVersion string `yaml:"os_version"`
}

// ScriptsConfig names the provisioning scripts.  Relative paths are
// resolved against the current directory.
type ScriptsConfig struct {
	// Download fetches and unpacks the runner agent.  Default: "./bin/download.sh".
	Download string `yaml:"download"`
	// Bootstrap configures and runs the agent under the supervisor.
	// Default: "./bin/bootstrap.sh".
	Bootstrap string `yaml:"bootstrap"`
	// Interpreter runs both scripts.  Default: "/usr/bin/bash".
	Interpreter string `yaml:"interpreter"`
}

// ---------------------------------------------------------------------------
// Supervisor
// ---------------------------------------------------------------------------

// SupervisorConfig selects and configures the process supervisor.
type SupervisorConfig struct {
	// Type selects the backend: "pm2" (default) or "docker".
	Type string `yaml:"type"`

	// PM2 holds pm2 settings.  Only read when Type == "pm2".
	PM2 PM2Config `yaml:"pm2"`

	// Docker holds Docker settings.  Only read when Type == "docker".
	Docker DockerConfig `yaml:"docker"`
}

// PM2Config holds pm2-specific settings.
type PM2Config struct {
	// Binary is the pm2 executable.  Default: "pm2".
	Binary string `yaml:"binary"`
}

// DockerConfig holds Docker-specific settings.
type DockerConfig struct {
	// Image runs the bootstrap script.  Default: "ubuntu:22.04".
	Image string `yaml:"image"`
	// Network to attach runner containers to (optional).
	Network string `yaml:"network"`
	// Dind bind-mounts the host's Docker socket into each container.
	Dind bool `yaml:"dind"`
	// Binds are extra "host:container[:ro]" mounts.  The work and
	// scripts directories are always mounted at their host paths.
	Binds []string `yaml:"binds"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure *bool `yaml:"insecure"`

	// StdOut also prints traces and metrics (to stderr) for debugging.
	StdOut bool `yaml:"stdout"`

	// MetricsTextfile, when set, receives the invocation's metrics in
	// Prometheus text format on exit, for node_exporter's textfile
	// collector.
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// An empty path or a missing file yields a zero Config; ApplyDefaults
// fills it in.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ResolvePath picks the config file: the --config flag, else
// GARM_PROVIDER_CONFIG_FILE, else none.
func ResolvePath(flag string, inv Invocation) string {
	if flag != "" {
		return flag
	}
	return inv.ConfigFile
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = "./work"
	}
	if c.LogsDir == "" {
		c.LogsDir = "./logs"
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = "GPM2_"
	}
	if c.Instance.OSName == "" {
		c.Instance.OSName = "ubuntu"
	}
	if c.Instance.OSVersion == "" {
		c.Instance.OSVersion = "22.04"
	}
	if c.Scripts.Download == "" {
		c.Scripts.Download = "./bin/download.sh"
	}
	if c.Scripts.Bootstrap == "" {
		c.Scripts.Bootstrap = "./bin/bootstrap.sh"
	}
	if c.Scripts.Interpreter == "" {
		c.Scripts.Interpreter = "/usr/bin/bash"
	}
	if c.Supervisor.Type == "" {
		c.Supervisor.Type = SupervisorPM2
	}
	if c.Supervisor.PM2.Binary == "" {
		c.Supervisor.PM2.Binary = "pm2"
	}
	if c.Supervisor.Docker.Image == "" {
		c.Supervisor.Docker.Image = "ubuntu:22.04"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Insecure == nil {
		t := true
		c.OTel.Insecure = &t
	}
}

var envPrefixRE = regexp.MustCompile(`^[A-Z][A-Z0-9_]*_$`)

// Validate applies defaults, checks that all fields are consistent and
// turns the directory and script paths absolute.  Runner processes run
// in their own working directory, so relative paths would not resolve.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if !envPrefixRE.MatchString(c.EnvPrefix) {
		return fmt.Errorf("env_prefix %q must be UPPER_SNAKE_CASE ending in \"_\"", c.EnvPrefix)
	}

	switch c.Supervisor.Type {
	case SupervisorPM2, SupervisorDocker:
		// OK
	default:
		return fmt.Errorf("supervisor.type %q is not supported (supported: pm2, docker)", c.Supervisor.Type)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	for _, p := range []*string{&c.WorkDir, &c.LogsDir, &c.Scripts.Download, &c.Scripts.Bootstrap} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", *p, err)
		}
		*p = abs
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
// Logs go to w; standard output is reserved for command results.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Codec returns the metadata codec for the configured prefix.
func (c *Config) Codec() metadata.Codec {
	return metadata.Codec{Prefix: c.EnvPrefix}
}

// InstanceDefaults returns the values reported when an instance's
// environment does not carry them.
func (c *Config) InstanceDefaults() metadata.InstanceDefaults {
	return metadata.InstanceDefaults{
		OSName:    c.Instance.OSName,
		OSVersion: c.Instance.OSVersion,
	}
}

// OTelSetup returns the SDK configuration.
func (c *Config) OTelSetup() otel.Config {
	insecure := true
	if c.OTel.Insecure != nil {
		insecure = *c.OTel.Insecure
	}
	return otel.Config{
		Enabled:         c.OTel.Enabled,
		Endpoint:        c.OTel.Endpoint,
		Insecure:        insecure,
		StdOut:          c.OTel.StdOut,
		MetricsTextfile: c.OTel.MetricsTextfile,
	}
}

// NewSupervisor creates the supervisor selected by supervisor.type.
func (c *Config) NewSupervisor(logger *slog.Logger) (supervisor.Supervisor, error) {
	switch c.Supervisor.Type {
	case SupervisorPM2:
		return pm2.New(pm2.Config{
			Binary: c.Supervisor.PM2.Binary,
		}, logger.WithGroup("supervisor.pm2")), nil
	case SupervisorDocker:
		return docker.New(docker.Config{
			Image:   c.Supervisor.Docker.Image,
			Network: c.Supervisor.Docker.Network,
			Dind:    c.Supervisor.Docker.Dind,
			Binds:   c.dockerBinds(),
		}, logger.WithGroup("supervisor.docker"))
	default:
		return nil, fmt.Errorf("unsupported supervisor type: %s", c.Supervisor.Type)
	}
}

// dockerBinds mounts the work directory and the script directories at
// their host paths, followed by the configured extra binds.
func (c *Config) dockerBinds() []string {
	seen := map[string]bool{}
	var binds []string
	for _, dir := range []string{c.WorkDir, filepath.Dir(c.Scripts.Download), filepath.Dir(c.Scripts.Bootstrap)} {
		if seen[dir] {
			continue
		}
		seen[dir] = true
		binds = append(binds, dir+":"+dir)
	}
	return append(binds, c.Supervisor.Docker.Binds...)
}
