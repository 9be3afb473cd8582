// warden wraps an AI coding agent in a policy-and-observation runtime:
// a pre-tool gate pipeline, a post-tool tracker, a persistent memory
// gateway, and the session lifecycle around them.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
)

var (
	cfgPath string
	cfg     *config.Config
	toggles config.LiveState
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Policy and observation runtime for coding agents",
	Long: `Warden sits between a coding agent and its tools. Every tool call is
checked by an ordered gate pipeline before it runs and folded into
session state after it runs. A memory gateway carries what the agent
learned across sessions.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}
		toggles = config.LoadLiveState(cfg.LiveStatePath)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to the warden config file")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if env := os.Getenv("WARDEN_CONFIG"); env != "" {
		return env
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".warden", "config.yaml")
	}
	return ""
}

// newLogger builds the console logger the long-lived commands share.
func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}
