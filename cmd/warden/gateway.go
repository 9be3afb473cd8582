package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/memory"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Memory gateway operations",
}

var gatewayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory gateway (the single store writer)",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		store, err := memory.OpenStore(cfg.DBPath, chooseEmbedder(log))
		if err != nil {
			return err
		}
		defer store.Close()

		srv, err := memory.NewServer(memory.ServerConfig{
			Store:      store,
			QueuePath:  cfg.QueuePath,
			SocketPath: cfg.GatewaySocket,
			Logger:     log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.ListenAndServe(ctx)
	},
}

// chooseEmbedder prefers the OpenAI endpoint and degrades to the
// offline hash embedder when no key is configured.
func chooseEmbedder(log zerolog.Logger) memory.Embedder {
	if key := os.Getenv(cfg.OpenAIKeyEnv); key != "" {
		return memory.NewOpenAIEmbedder(key)
	}
	log.Warn().Str("env", cfg.OpenAIKeyEnv).Msg("no embeddings key set, using the offline hash embedder")
	return memory.NewHashEmbedder()
}

func init() {
	gatewayCmd.AddCommand(gatewayServeCmd)
	rootCmd.AddCommand(gatewayCmd)
}
