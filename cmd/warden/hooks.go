package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/breaker"
	"github.com/wardenhq/warden/internal/daemon"
	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/runner"
)

var pretoolCmd = &cobra.Command{
	Use:   "pretool",
	Short: "PreToolUse hook: evaluate the gate pipeline",
	Long: `Reads one hook payload from stdin, runs the gate pipeline, and prints
a permission decision to stdout when a gate blocks or escalates.
Always exits 0: the runtime fails open, never the agent.`,
	Run: func(cmd *cobra.Command, args []string) {
		runHook(hooks.EventPreTool)
	},
}

var posttoolCmd = &cobra.Command{
	Use:   "posttool",
	Short: "PostToolUse hook: track the completed tool call",
	Run: func(cmd *cobra.Command, args []string) {
		runHook(hooks.EventPostTool)
	},
}

// runHook is the shared hook entrypoint. The daemon fast path is tried
// first when enabled; anything short of a usable daemon reply falls
// back to inline evaluation.
func runHook(event string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "warden: hook crashed: %v\n", r)
		}
	}()

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: reading hook input: %v\n", err)
		return
	}

	var res *runner.Result
	if toggles.DaemonFastpath {
		sh := daemon.NewShim(cfg.DaemonSocket, breaker.New(cfg.BreakerDir, "daemon"))
		if r, ok := sh.Forward(raw); ok {
			res = r
		}
	}
	if res == nil {
		r := runner.New(cfg, toggles)
		if event == hooks.EventPostTool {
			res = r.PostTool(raw)
		} else {
			res = r.PreTool(raw)
		}
	}

	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	os.Exit(res.ExitCode)
}

func init() {
	rootCmd.AddCommand(pretoolCmd, posttoolCmd)
}
