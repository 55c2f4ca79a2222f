// Package config loads devserve configuration using Viper from a YAML file,
// DEVSERVE_ environment variables and command-line flags.
//
// The watch root, include/exclude globs and compiler commands are read once
// at startup; changing them requires a restart.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/devserve/internal/build"
)

// EnvPrefix prefixes every environment override, e.g. DEVSERVE_SERVER_PORT.
const EnvPrefix = "DEVSERVE"

// ConfigName is the default config file base name.
const ConfigName = ".devserve"

type Config struct {
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Watch  WatchConfig  `yaml:"watch" mapstructure:"watch"`
	Build  BuildConfig  `yaml:"build" mapstructure:"build"`
	Proxy  ProxyConfig  `yaml:"proxy" mapstructure:"proxy"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	SendTimeout     time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
}

type WatchConfig struct {
	Root     string        `yaml:"root" mapstructure:"root"`
	Include  []string      `yaml:"include" mapstructure:"include"`
	Exclude  []string      `yaml:"exclude" mapstructure:"exclude"`
	Coalesce time.Duration `yaml:"coalesce" mapstructure:"coalesce"`
}

type BuildConfig struct {
	OutputDir       string          `yaml:"output_dir" mapstructure:"output_dir"`
	Timeout         time.Duration   `yaml:"timeout" mapstructure:"timeout"`
	TemplVersion    string          `yaml:"templ_version" mapstructure:"templ_version"`
	Commands        []CommandConfig `yaml:"commands" mapstructure:"commands"`
	AllowedCommands []string        `yaml:"allowed_commands" mapstructure:"allowed_commands"`
}

// CommandConfig maps a source extension to an external compiler.
type CommandConfig struct {
	Ext       string   `yaml:"ext" mapstructure:"ext"`
	Command   string   `yaml:"command" mapstructure:"command"`
	Args      []string `yaml:"args" mapstructure:"args"`
	Kind      string   `yaml:"kind" mapstructure:"kind"`
	OutputExt string   `yaml:"output_ext" mapstructure:"output_ext"`
}

type ProxyConfig struct {
	Origin        string        `yaml:"origin" mapstructure:"origin"`
	HealthURL     string        `yaml:"health_url" mapstructure:"health_url"`
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Inject        bool          `yaml:"inject" mapstructure:"inject"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Address is the host:port the server listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// OutputPath resolves the output directory against the watch root.
func (c *Config) OutputPath() string {
	if filepath.IsAbs(c.Build.OutputDir) {
		return c.Build.OutputDir
	}
	return filepath.Join(c.Watch.Root, c.Build.OutputDir)
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.send_timeout", 5*time.Second)

	v.SetDefault("watch.root", ".")
	v.SetDefault("watch.include", []string{})
	v.SetDefault("watch.exclude", []string{".git/**", "node_modules/**", "**/*.swp", "**/*~"})
	v.SetDefault("watch.coalesce", 50*time.Millisecond)

	v.SetDefault("build.output_dir", ".devserve/out")
	v.SetDefault("build.timeout", time.Duration(0))
	v.SetDefault("build.templ_version", "")
	v.SetDefault("build.allowed_commands", build.DefaultAllowedCommands)

	v.SetDefault("proxy.origin", "")
	v.SetDefault("proxy.health_url", "")
	v.SetDefault("proxy.probe_interval", 2*time.Second)
	v.SetDefault("proxy.timeout", 30*time.Second)
	v.SetDefault("proxy.inject", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a Viper instance with defaults and environment overrides
// configured.
func New() *viper.Viper {
	v := viper.New()
	Configure(v)
	return v
}

// Configure applies defaults and DEVSERVE_ environment handling to v.
func Configure(v *viper.Viper) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from the global Viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals, normalizes and validates the configuration in v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := normalize(&cfg); err != nil {
		return nil, err
	}

	if result := ValidateConfig(&cfg); result.HasErrors() {
		return nil, result.Err()
	}

	return &cfg, nil
}

// normalize resolves the watch root and derived settings.
func normalize(cfg *Config) error {
	if cfg.Watch.Root == "" {
		cfg.Watch.Root = "."
	}
	root, err := filepath.Abs(cfg.Watch.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve watch root: %w", err)
	}
	cfg.Watch.Root = root

	// The output dir lives under the root by default; its writes must not
	// trigger rebuilds.
	if rel, err := filepath.Rel(root, cfg.OutputPath()); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		pattern := filepath.ToSlash(rel) + "/**"
		if !contains(cfg.Watch.Exclude, pattern) {
			cfg.Watch.Exclude = append(cfg.Watch.Exclude, pattern)
		}
	}

	cfg.Proxy.Origin = strings.TrimRight(cfg.Proxy.Origin, "/")
	if cfg.Proxy.Origin != "" && cfg.Proxy.HealthURL == "" {
		cfg.Proxy.HealthURL = cfg.Proxy.Origin + "/"
	}

	for i := range cfg.Build.Commands {
		ext := strings.ToLower(cfg.Build.Commands[i].Ext)
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Build.Commands[i].Ext = ext
	}

	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
