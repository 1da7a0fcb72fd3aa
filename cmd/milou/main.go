// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the milou CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/milou/internal/secrets"
	"github.com/pdiddy/milou/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// Secrets loaded at startup from .secrets/ and .env.
var (
	fileSecrets   map[string]string
	dotenvSecrets map[string]string
)

// logger is the diagnostics logger configured from --log-level.
var logger = zerolog.Nop()

// secretValue returns the value for key from the environment, .env, or
// .secrets/, in that order.
func secretValue(key string) string {
	return secrets.Lookup(key, dotenvSecrets, fileSecrets)
}

// rootCmd is the base command for the milou CLI.
var rootCmd = &cobra.Command{
	Use:   "milou",
	Short: "Batch search and download of books and documents",
	Long: `milou takes one query or a file of queries, searches a named backend for
downloadable files in the requested formats, and stores them under an output
directory, one subdirectory per query. A persistent index in the output
directory keeps repeated runs from downloading the same file twice.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger(viper.GetString("log_level"))
		log.Logger = logger

		s, err := secrets.Load(".secrets/")
		if err != nil {
			return err
		}
		fileSecrets = s
		env, err := secrets.LoadDotEnv(".env")
		if err != nil {
			return err
		}
		dotenvSecrets = env

		if n := len(fileSecrets) + len(dotenvSecrets); n > 0 {
			keys := make([]string, 0, n)
			for k := range fileSecrets {
				keys = append(keys, k)
			}
			for k := range dotenvSecrets {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			logger.Debug().Strs("keys", keys).Msg("loaded secrets")
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./milou.yaml or ~/.config/milou/milou.yaml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "diagnostic log level: debug, info, warn, error")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("milou")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "milou"))
		}
	}

	viper.SetEnvPrefix("MILOU")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger returns a console logger on stderr at the named level; unknown
// levels fall back to warn.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
}

// exitError carries a non-default exit status out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return types.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return types.ExitConfigError
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}
