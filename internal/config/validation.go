package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conneroisu/devserve/internal/build"
	deverrors "github.com/conneroisu/devserve/internal/errors"
	"github.com/conneroisu/devserve/internal/logging"
	"github.com/conneroisu/devserve/internal/validation"
)

// ValidationError represents one configuration problem.
type ValidationError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors.
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Err folds the errors into one config DevError, or nil.
func (vr *ValidationResult) Err() error {
	if !vr.HasErrors() {
		return nil
	}
	msgs := make([]string, 0, len(vr.Errors))
	for _, e := range vr.Errors {
		msgs = append(msgs, e.Error())
	}

	return deverrors.NewConfigError(deverrors.ErrCodeInvalidConfig,
		"invalid configuration: "+strings.Join(msgs, "; ")).
		WithContext("fields", len(vr.Errors))
}

// String formats every issue, one per line.
func (vr *ValidationResult) String() string {
	var b strings.Builder
	write := func(label string, list []ValidationError) {
		for _, e := range list {
			fmt.Fprintf(&b, "%s %s: %s\n", label, e.Field, e.Message)
			if e.Suggestion != "" {
				fmt.Fprintf(&b, "      hint: %s\n", e.Suggestion)
			}
		}
	}
	write("error", vr.Errors)
	write("warn ", vr.Warnings)

	return b.String()
}

func (vr *ValidationResult) fail(field string, value interface{}, msg, suggestion string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: msg, Suggestion: suggestion})
}

func (vr *ValidationResult) warn(field string, value interface{}, msg, suggestion string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: msg, Suggestion: suggestion})
}

// ValidateConfig checks every section of cfg.
func ValidateConfig(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateWatch(&cfg.Watch, result)
	validateBuild(&cfg.Build, result)
	validateProxy(&cfg.Proxy, result)
	validateLog(&cfg.Log, result)

	return result
}

func validateServer(c *ServerConfig, result *ValidationResult) {
	// 0 lets the OS pick a port.
	if c.Port < 0 || c.Port > 65535 {
		result.fail("server.port", c.Port, fmt.Sprintf("port %d is not in valid range 0-65535", c.Port),
			"use a port between 1024 and 65535")
	}

	if strings.ContainsAny(c.Host, ";&|$`()<>\"'\\ ") {
		result.fail("server.host", c.Host, "host contains invalid characters", "")
	}

	if c.Host != "" && c.Host != "localhost" && c.Host != "127.0.0.1" && c.Host != "::1" {
		result.warn("server.host", c.Host, "server is reachable from other machines", "bind to localhost")
	}

	if c.ShutdownTimeout < 0 {
		result.fail("server.shutdown_timeout", c.ShutdownTimeout, "must not be negative", "")
	}
	if c.SendTimeout < 0 {
		result.fail("server.send_timeout", c.SendTimeout, "must not be negative", "")
	}
}

func validateWatch(c *WatchConfig, result *ValidationResult) {
	if c.Root == "" {
		result.fail("watch.root", c.Root, "watch root is required", "")
	}

	for _, p := range c.Include {
		if !doublestar.ValidatePattern(p) {
			result.fail("watch.include", p, fmt.Sprintf("invalid glob %q", p), "")
		}
	}
	for _, p := range c.Exclude {
		if !doublestar.ValidatePattern(p) {
			result.fail("watch.exclude", p, fmt.Sprintf("invalid glob %q", p), "")
		}
	}

	if c.Coalesce < 0 {
		result.fail("watch.coalesce", c.Coalesce, "must not be negative", "")
	}
}

func validateBuild(c *BuildConfig, result *ValidationResult) {
	if c.OutputDir == "" {
		result.fail("build.output_dir", c.OutputDir, "output directory is required", "")
	} else if strings.Contains(filepath.Clean(c.OutputDir), "..") {
		result.fail("build.output_dir", c.OutputDir, "output directory contains path traversal", "")
	}

	if c.Timeout < 0 {
		result.fail("build.timeout", c.Timeout, "must not be negative", "use 0 to disable")
	}

	seen := make(map[string]bool)
	for i, cmd := range c.Commands {
		field := fmt.Sprintf("build.commands[%d]", i)
		if cmd.Ext == "" || cmd.Ext == "." {
			result.fail(field+".ext", cmd.Ext, "extension is required", "e.g. .ts")
		} else if seen[cmd.Ext] {
			result.fail(field+".ext", cmd.Ext, "extension configured twice", "")
		}
		seen[cmd.Ext] = true

		if cmd.Command == "" {
			result.fail(field+".command", cmd.Command, "command is required", "")
		} else if !contains(c.AllowedCommands, cmd.Command) {
			result.fail(field+".command", cmd.Command, "command is not in build.allowed_commands",
				"add it to build.allowed_commands")
		} else if err := validation.ValidateArgument(cmd.Command); err != nil {
			result.fail(field+".command", cmd.Command, err.Error(), "")
		}

		for _, arg := range cmd.Args {
			if err := validation.ValidateArgument(arg); err != nil {
				result.fail(field+".args", arg, err.Error(), "")
			}
		}

		if _, err := build.ParseKind(cmd.Kind); err != nil {
			result.fail(field+".kind", cmd.Kind, err.Error(), "use markup, style or script")
		}
	}
}

func validateProxy(c *ProxyConfig, result *ValidationResult) {
	if c.Origin == "" {
		return
	}

	if err := validation.ValidateURL(c.Origin); err != nil {
		result.fail("proxy.origin", c.Origin, err.Error(), "e.g. http://localhost:3000")
	}
	if c.HealthURL != "" {
		if err := validation.ValidateURL(c.HealthURL); err != nil {
			result.fail("proxy.health_url", c.HealthURL, err.Error(), "")
		}
	}
	if c.ProbeInterval <= 0 {
		result.fail("proxy.probe_interval", c.ProbeInterval, "must be positive", "")
	}
	if c.Timeout < 0 {
		result.fail("proxy.timeout", c.Timeout, "must not be negative", "")
	}
}

func validateLog(c *LogConfig, result *ValidationResult) {
	if _, err := logging.ParseLevel(c.Level); err != nil {
		result.fail("log.level", c.Level, err.Error(), "use debug, info, warn or error")
	}
	switch c.Format {
	case "", "text", "json":
	default:
		result.fail("log.format", c.Format, fmt.Sprintf("unknown format %q", c.Format), "use text or json")
	}
}
