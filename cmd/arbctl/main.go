// Command arbctl is the operator CLI for arbd's control socket: pause,
// resume, flatten, reload, set, markets, backtest, and stop each marshal to
// one command.Command sent over the Unix socket arbd's command.SocketServer
// listens on, and print back whatever Response comes back.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"arb-core/internal/command"
	"arb-core/internal/config"
)

var (
	socketPath string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "arbctl",
		Short:         "control socket client for arbd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "path to arbd's control socket (default: configs/config.yaml's command.socket_path, or /tmp/arb-core.sock)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "command round-trip timeout")

	root.AddCommand(
		pauseCmd(),
		resumeCmd(),
		flattenCmd(),
		reloadCmd(),
		setCmd(),
		marketsCmd(),
		backtestCmd(),
		stopCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "arbctl:", err)
		os.Exit(1)
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "pause strategy evaluation without cancelling live orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(command.Command{Name: command.Pause})
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "resume strategy evaluation from PAUSED",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(command.Command{Name: command.Resume})
		},
	}
}

func flattenCmd() *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "flatten",
		Short: "cancel live orders and unwind positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(command.Command{Name: command.Flatten, Args: map[string]string{"reason": reason}})
		},
	}
	c.Flags().StringVar(&reason, "reason", "operator requested flatten", "reason recorded with the trip")
	return c
}

func reloadCmd() *cobra.Command {
	var path string
	c := &cobra.Command{
		Use:   "reload",
		Short: "re-read config and hot-apply strategy thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("--path is required")
			}
			return send(command.Command{Name: command.Reload, Args: map[string]string{"path": path}})
		},
	}
	c.Flags().StringVar(&path, "path", "", "config file to re-read")
	return c
}

func setCmd() *cobra.Command {
	var minEdge, targetSize string
	c := &cobra.Command{
		Use:   "set",
		Short: "hot-adjust strategy.min_edge_threshold and/or strategy.target_size_usd",
		RunE: func(cmd *cobra.Command, args []string) error {
			if minEdge == "" && targetSize == "" {
				return fmt.Errorf("at least one of --min-edge-threshold or --target-size-usd is required")
			}
			a := map[string]string{}
			if minEdge != "" {
				a["min_edge_threshold"] = minEdge
			}
			if targetSize != "" {
				a["target_size_usd"] = targetSize
			}
			return send(command.Command{Name: command.Set, Args: a})
		},
	}
	c.Flags().StringVar(&minEdge, "min-edge-threshold", "", "new minimum predicted edge")
	c.Flags().StringVar(&targetSize, "target-size-usd", "", "new per-entry USD notional target")
	return c
}

func marketsCmd() *cobra.Command {
	var ids string
	var off bool
	c := &cobra.Command{
		Use:   "markets",
		Short: "enable or disable a comma-separated list of market ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ids == "" {
				return fmt.Errorf("--ids is required")
			}
			enabled := "on"
			if off {
				enabled = "off"
			}
			return send(command.Command{Name: command.Markets, Args: map[string]string{"ids": ids, "enabled": enabled}})
		},
	}
	c.Flags().StringVar(&ids, "ids", "", "comma-separated market ids")
	c.Flags().BoolVar(&off, "off", false, "disable instead of enable")
	return c
}

func backtestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backtest",
		Short: "run a backtest against the running process's persisted event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(command.Command{Name: command.Backtest})
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "request a graceful shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(command.Command{Name: command.Stop})
		},
	}
}

func send(cmd command.Command) error {
	path := resolveSocketPath()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := command.SendCommand(ctx, path, cmd)
	if err != nil {
		return err
	}
	fmt.Printf("%s", resp.Status)
	if resp.Reason != "" {
		fmt.Printf(": %s", resp.Reason)
	}
	fmt.Println()
	if resp.Status != command.OK {
		os.Exit(1)
	}
	return nil
}

// resolveSocketPath honors --socket, then ARB_CONFIG's command.socket_path,
// then the same hardcoded fallback config.Load uses.
func resolveSocketPath() string {
	if socketPath != "" {
		return socketPath
	}
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}
	if cfg, err := config.Load(cfgPath); err == nil && cfg.Command.SocketPath != "" {
		return cfg.Command.SocketPath
	}
	return "/tmp/arb-core.sock"
}
