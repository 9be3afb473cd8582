package main

import (
	"fmt"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/breaker"
	"github.com/wardenhq/warden/internal/gates"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/observe"
	"github.com/wardenhq/warden/internal/tracker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runtime health: sockets, breakers, queues, gates",
	Run: func(cmd *cobra.Command, args []string) {
		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Warden Status ==="))

		fmt.Printf("%s\n", yellow("Services:"))
		client := gatewayClient()
		if client.Ping() {
			fmt.Printf("  %s memory gateway  %s\n", green("●"), gray(cfg.GatewaySocket))
			for _, coll := range memory.Collections {
				if n, err := client.Count(coll); err == nil {
					fmt.Printf("      %-12s %d rows\n", coll, n)
				}
			}
		} else {
			fmt.Printf("  %s memory gateway  %s\n", red("○"), gray("not answering"))
		}
		if socketAlive(cfg.DaemonSocket) {
			fmt.Printf("  %s hook daemon     %s\n", green("●"), gray(cfg.DaemonSocket))
		} else {
			fmt.Printf("  %s hook daemon     %s\n", red("○"), gray("not answering (hooks run inline)"))
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Circuit breakers:"))
		for _, service := range []string{"gateway", "daemon"} {
			st := breaker.New(cfg.BreakerDir, service).CurrentState()
			marker := green("●")
			if st != breaker.StateClosed {
				marker = red("●")
			}
			fmt.Printf("  %s %-8s %s\n", marker, service, st)
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Queues:"))
		q := &observe.Queue{Path: cfg.QueuePath}
		if n, err := q.Len(); err == nil {
			fmt.Printf("  capture queue   %d / %d lines\n", n, observe.MaxQueueLines)
		}
		if records, err := tracker.ReadRememberQueue(cfg.RememberPath); err == nil {
			fmt.Printf("  remember queue  %d records\n", len(records))
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Toggles:"))
		for _, tg := range []struct {
			name string
			on   bool
		}{
			{"daemon_fastpath", toggles.DaemonFastpath},
			{"observation_capture", toggles.ObservationCapture},
			{"auto_remember", toggles.AutoRemember},
			{"mentor_all", toggles.MentorAll},
			{"mentor_hindsight_gate", toggles.MentorHindsightGate},
		} {
			marker := green("on ")
			if !tg.on {
				marker = gray("off")
			}
			fmt.Printf("  %s %s\n", marker, tg.name)
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Gate pipeline:"))
		p := gates.NewPipeline(gates.Config{Toggles: toggles})
		for _, g := range p.Gates() {
			fmt.Printf("  %2d  %-22s tier %d\n", g.Number(), g.Name(), g.Tier())
		}
		fmt.Println()
	},
}

func socketAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
