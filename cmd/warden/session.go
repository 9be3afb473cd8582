package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/ai"
	"github.com/wardenhq/warden/internal/breaker"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/session"
)

var sessionID string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session lifecycle operations",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Boot a session: rotate logs, drain queues, load boot context",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newSessionManager()
		bc, err := m.Start(cmd.Context(), sessionID)
		if err != nil {
			return err
		}

		// Boot context goes to stdout for prompt injection; bookkeeping
		// goes to stderr.
		if out := bc.Render(); out != "" {
			fmt.Print(out)
		}
		fmt.Fprintf(os.Stderr, "warden: session %s started: %d queued memories delivered, %d observations flushed, %d boot memories\n",
			sessionID, bc.Delivered, bc.Flushed, len(bc.Memories))
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "Close a session: handoff digest, claim release, state reset",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newSessionManager()
		digest, err := m.End(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		if digest != "" {
			fmt.Println(digest)
		}
		return nil
	},
}

func newSessionManager() *session.Manager {
	gw := memory.NewClient(cfg.GatewaySocket, breaker.New(cfg.BreakerDir, "gateway"))

	var summarizer session.Summarizer
	if s, err := ai.NewSummarizer(cfg.AnthropicKeyEnv, ""); err == nil {
		summarizer = s
	}

	return session.New(session.Config{
		Config:     cfg,
		Gateway:    gw,
		Summarizer: summarizer,
		Logger:     newLogger(),
	})
}

func init() {
	sessionCmd.PersistentFlags().StringVar(&sessionID, "session", "main", "session id")
	sessionCmd.AddCommand(sessionStartCmd, sessionEndCmd)
	rootCmd.AddCommand(sessionCmd)
}
