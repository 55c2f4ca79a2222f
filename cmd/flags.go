package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flag names mapped to the configuration keys they override.
var (
	logFlagKeys = map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
	}

	serveFlagKeys = map[string]string{
		"port":           "server.port",
		"host":           "server.host",
		"allowed-origin": "server.allowed_origins",
		"root":           "watch.root",
		"include":        "watch.include",
		"exclude":        "watch.exclude",
		"coalesce":       "watch.coalesce",
		"output-dir":     "build.output_dir",
		"build-timeout":  "build.timeout",
		"proxy":          "proxy.origin",
		"health-url":     "proxy.health_url",
		"probe-interval": "proxy.probe_interval",
		"inject":         "proxy.inject",
	}
)

func addLogFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	cmd.Flags().String("host", "localhost", "Host to bind to")
	cmd.Flags().StringSlice("allowed-origin", nil, "Additional origin allowed to open the reload socket (repeatable)")
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("root", "r", ".", "Source tree to watch")
	cmd.Flags().StringSlice("include", nil, "Glob of files to watch, relative to the root (repeatable)")
	cmd.Flags().StringSlice("exclude", nil, "Glob of files to ignore, relative to the root (repeatable)")
	cmd.Flags().Duration("coalesce", 50*time.Millisecond, "Window for merging rapid changes to one file")
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output-dir", "o", ".devserve/out", "Directory for built artifacts")
	cmd.Flags().Duration("build-timeout", 0, "Deadline for a single compile (0 disables)")
}

func addProxyFlags(cmd *cobra.Command) {
	cmd.Flags().String("proxy", "", "Origin to reverse proxy, e.g. http://localhost:3000")
	cmd.Flags().String("health-url", "", "URL probed while the origin is down (default: origin /)")
	cmd.Flags().Duration("probe-interval", 2*time.Second, "Interval between recovery probes")
	cmd.Flags().Bool("inject", true, "Inject the live-reload client into proxied HTML")
}

// bindFlags binds every flag in keys that fs defines to its config key.
func bindFlags(fs *pflag.FlagSet, v *viper.Viper, keys map[string]string) error {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(keys[name], flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}
