package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the warm hook evaluator",
	Long: `Serves hook evaluations over a unix socket so the per-call hook cost
drops to one round trip. Live-state toggles hot-reload; the hook shim
falls back to inline evaluation whenever this process is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		watcher := config.NewLiveWatcher(ctx, cfg.LiveStatePath, log)
		srv, err := daemon.NewServer(daemon.ServerConfig{
			Config:  cfg,
			Watcher: watcher,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
