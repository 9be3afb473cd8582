package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the runtime layout under the warden root",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}

		// Seed the toggle document so operators have a file to edit.
		if _, err := os.Stat(cfg.LiveStatePath); os.IsNotExist(err) {
			data, err := json.MarshalIndent(config.DefaultLiveState(), "", "  ")
			if err != nil {
				return fmt.Errorf("serializing default toggles: %w", err)
			}
			if err := os.WriteFile(cfg.LiveStatePath, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("writing live state: %w", err)
			}
			fmt.Printf("wrote %s\n", cfg.LiveStatePath)
		}

		fmt.Printf("warden root ready at %s\n", cfg.Root)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
