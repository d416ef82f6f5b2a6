// Command smcviewer-tool is an operator CLI for inspecting the running
// pipeline's Redis-resident state: the latest OHLCV tail for a (symbol, tf)
// and the last published smc_snapshot/viewer snapshot documents.
//
// Grounded on the cobra command-tree shape used across the pack (parent
// command + leaf RunE subcommands, flags read via cmd.Flags()).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ai-one/smc-viewer/internal/config"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	flagRedisAddr string
	flagNamespace string
)

var rootCmd = &cobra.Command{
	Use:   "smcviewer-tool",
	Short: "Inspect the smc-viewer pipeline's Redis-resident state",
}

// dumpOhlcvCmd reads from the optional Redis list convention some broker
// adapters use to mirror their own bar history (<namespace>:ohlcv:<symbol>:<tf>).
// The orchestrator's own canonical bar store is in-process only (see
// internal/store) and has no Redis-visible key; this subcommand is a
// best-effort inspection path for deployments that also persist there.
var dumpOhlcvCmd = &cobra.Command{
	Use:   "dump-ohlcv <symbol> <tf>",
	Short: "Print a broker adapter's mirrored OHLCV tail for a symbol/timeframe, if present",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol, tf := args[0], args[1]
		rdb := newClient()
		defer rdb.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		key := fmt.Sprintf("%s:ohlcv:%s:%s", flagNamespace, symbol, tf)
		raw, err := rdb.LRange(cmd.Context(), key, int64(-limit), -1).Result()
		if err != nil {
			return fmt.Errorf("reading %s: %w", key, err)
		}
		if len(raw) == 0 {
			fmt.Println("(no bars stored at", key, ")")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "OPEN_TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
		for _, line := range raw {
			var bar map[string]any
			if err := json.Unmarshal([]byte(line), &bar); err != nil {
				continue
			}
			fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\n",
				bar["open_time_ms"], bar["open"], bar["high"], bar["low"], bar["close"], bar["volume"])
		}
		return tw.Flush()
	},
}

var inspectSnapshotCmd = &cobra.Command{
	Use:   "inspect-snapshot",
	Short: "Print the producer's smc_snapshot or the broadcaster's viewer snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb := newClient()
		defer rdb.Close()

		viewer, _ := cmd.Flags().GetBool("viewer")
		cfg := config.Config{Namespace: flagNamespace}
		key := cfg.SmcSnapshotKey()
		if viewer {
			key = cfg.ViewerSnapshotKey()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		raw, err := rdb.Get(ctx, key).Result()
		if err == goredis.Nil {
			fmt.Println("(no snapshot stored at", key, ")")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", key, err)
		}

		var pretty map[string]any
		if err := json.Unmarshal([]byte(raw), &pretty); err != nil {
			fmt.Println(raw)
			return nil
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func newClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{Addr: flagRedisAddr})
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagRedisAddr, "redis-addr", "localhost:6379", "Redis address")
	rootCmd.PersistentFlags().StringVar(&flagNamespace, "namespace", "ai_one", "pipeline namespace prefix")

	dumpOhlcvCmd.Flags().Int("limit", 50, "number of trailing bars to print")
	inspectSnapshotCmd.Flags().Bool("viewer", false, "inspect the viewer snapshot instead of the producer smc_snapshot")

	rootCmd.AddCommand(dumpOhlcvCmd, inspectSnapshotCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
