// Package cmd provides the devserve command-line interface.
//
// Configuration is read with the following precedence, highest first:
//
//  1. Command-line flags (--port, --root, --proxy, ...)
//  2. DEVSERVE_<SECTION>_<KEY> environment variables, including those
//     loaded from a .env file in the working directory
//  3. The config file: --config, then DEVSERVE_CONFIG_FILE, then
//     .devserve.yml in the working directory
//  4. Built-in defaults
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/devserve/internal/config"
)

// ConfigFileEnv names a config file when --config is not given.
const ConfigFileEnv = "DEVSERVE_CONFIG_FILE"

var cfgFile string

// configReadErr holds a failure to read an explicitly named config file.
var configReadErr error

var rootCmd = &cobra.Command{
	Use:   "devserve",
	Short: "Development server with incremental rebuilds and live reload",
	Long: `devserve watches a source tree, rebuilds only the artifacts affected by each
change and pushes reload instructions to connected browsers over a websocket.

It can serve the built output directly or sit in front of an application
server as a reverse proxy, injecting the live-reload client into HTML pages
and reporting when the origin goes down and comes back.

Quick Start:
  devserve init                        Write a starter site
  devserve serve                       Serve ./ with live reload
  devserve serve --proxy http://localhost:3000
  devserve config                      Print the effective configuration
  devserve version                     Show version information`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .devserve.yml, can also use "+ConfigFileEnv+")")
	addLogFlags(rootCmd)
	if err := bindFlags(rootCmd.PersistentFlags(), viper.GetViper(), logFlagKeys); err != nil {
		panic(err)
	}
}

// initConfig loads .env, selects the config file and enables DEVSERVE_
// environment overrides on the global Viper instance.
func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Warning: failed to load .env:", err)
	}

	v := viper.GetViper()
	config.Configure(v)

	explicit := true
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(ConfigFileEnv); envConfigFile != "" {
		v.SetConfigFile(envConfigFile)
	} else {
		explicit = false
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(config.ConfigName)
	}

	configReadErr = nil
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			configReadErr = fmt.Errorf("failed to read config file: %w", err)
		}
		return
	}
	fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
}

// loadConfig returns the effective configuration.
func loadConfig() (*config.Config, error) {
	if configReadErr != nil {
		return nil, configReadErr
	}
	return config.Load()
}
