package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/breaker"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/session"
)

var (
	memoryCollection string
	memorySession    string
	memoryLimit      int
	memoryBackupDest string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Talk to the running memory gateway",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Semantic search over one collection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hits, err := gatewayClient().Query(memoryCollection, strings.Join(args, " "), memoryLimit)
		if err != nil {
			return err
		}
		// A successful search is memory contact: refresh the freshness
		// signals the gates read, including fix history when the
		// fix_outcomes collection was the target.
		if err := session.NoteMemoryQuery(cfg, memorySession, memoryCollection, time.Now()); err != nil {
			logger := newLogger()
			logger.Warn().Err(err).Msg("recording memory query failed")
		}
		if len(hits) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, h := range hits {
			text := strings.TrimSpace(h.Text)
			if len(text) > 200 {
				text = text[:200] + "…"
			}
			fmt.Printf("%.3f  %-24s  %s\n", h.Distance, h.ID, text)
		}
		return nil
	},
}

var memoryCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count rows in one collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := gatewayClient().Count(memoryCollection)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d\n", memoryCollection, n)
		return nil
	},
}

var memoryFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drain the capture queue into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := gatewayClient().FlushQueue()
		if err != nil {
			return err
		}
		fmt.Printf("drained %d observations\n", n)
		return nil
	},
}

var memoryBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a consistent copy of the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := gatewayClient().Backup(memoryBackupDest)
		if err != nil {
			return err
		}
		fmt.Printf("backup written to %s\n", path)
		return nil
	},
}

func gatewayClient() *memory.Client {
	return memory.NewClient(cfg.GatewaySocket, breaker.New(cfg.BreakerDir, "gateway"))
}

func init() {
	memoryCmd.PersistentFlags().StringVar(&memoryCollection, "collection", memory.CollectionKnowledge, "target collection")
	memorySearchCmd.Flags().StringVar(&memorySession, "session", "main", "session whose freshness signals to stamp")
	memorySearchCmd.Flags().IntVar(&memoryLimit, "limit", 5, "maximum hits")
	memoryBackupCmd.Flags().StringVar(&memoryBackupDest, "dest", "", "backup destination path (default: alongside the store)")
	memoryCmd.AddCommand(memorySearchCmd, memoryCountCmd, memoryFlushCmd, memoryBackupCmd)
	rootCmd.AddCommand(memoryCmd)
}
