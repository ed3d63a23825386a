// Copyright 2026 Spindle ML, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spindleml/spindle/pkg/spindle/lib/device"
	"github.com/spindleml/spindle/pkg/spindle/lib/logging"
)

var (
	cfgFile string
	Version string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "spindle",
	Short: "Accelerator inference dispatch runtime",
	Long: `Spindle dispatches batched inference requests onto accelerator
execution engines, splitting oversized batches into compiled-size
sub-batches and pipelining them through the device.

Examples:
  # List registered execution engines
  spindle engines

  # Benchmark the dispatch pipeline on the emulated engine
  spindle bench --batch 64 --calls 200 --concurrency 8

  # Benchmark with per-sub-batch kernel latency and debug logging
  spindle bench --base-latency 2ms --log-level debug`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = Version
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. spindle.yaml)")
	rootCmd.PersistentFlags().
		String("log-level", "info", "set the logging level (e.g. debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("log-style", "terminal", "set the logging output style (terminal, json, noop); defaults to json in Kubernetes")
	rootCmd.PersistentFlags().
		String("engine", device.EngineEmu, "execution engine to dispatch onto")
	rootCmd.PersistentFlags().
		Int("devices", 1, "number of logical devices the manager exposes")

	mustBindPFlag("config", "config")
	mustBindPFlag("log.level", "log-level")
	mustBindPFlag("log.style", "log-style")
	mustBindPFlag("engine", "engine")
	mustBindPFlag("devices", "devices")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.style", string(logging.DefaultStyle()))

	rootCmd.AddCommand(enginesCmd)
}

func mustBindPFlag(viperKey, flagName string) {
	flag := rootCmd.PersistentFlags().Lookup(flagName)
	if err := viper.BindPFlag(viperKey, flag); err != nil {
		panic(err)
	}
}

// enginesCmd lists what RegisterEngine has seen, which depends on build tags.
var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List registered execution engines",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range device.EngineNames() {
			fmt.Println(name)
		}
	},
}

// newLogger builds the process logger from viper config.
func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}

		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config file in home directory and current directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".spindle")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("spindle")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("SPINDLE")                          // SPINDLE_ prefix for env vars
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace . with _ in env var names
	viper.AutomaticEnv()                                   // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		// Only error if user explicitly specified a config file
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}
