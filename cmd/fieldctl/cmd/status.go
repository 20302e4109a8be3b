package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/fieldqueue/internal/client"
	"github.com/austindbirch/fieldqueue/internal/connectivity"
	"github.com/austindbirch/fieldqueue/internal/replay"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what is waiting to sync",
	Long:  `Show pending submissions per type, dead letters, storage durability and upstream connectivity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		st, err := c.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("queue status: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued submissions now",
	Long: `Run a replay pass on the agent and print its result.

With --async the pass is requested over the agent channel and fieldctl
returns immediately; watch for SYNC_COMPLETE with "fieldctl watch".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		async, _ := cmd.Flags().GetBool("async")
		if async {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			conn, err := client.Dial(ctx, agentAddr, identityHeader())
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := conn.ForceSync(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Sync requested")
			return nil
		}

		c, err := getClient()
		if err != nil {
			return err
		}
		res, err := c.Sync(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func printStatus(w io.Writer, st connectivity.Status) {
	fmt.Fprintf(w, "Pending: %d (call %d, canvass %d, pulse %d)\n",
		st.Counts.Total, st.Counts.Call, st.Counts.Canvass, st.Counts.Pulse)
	fmt.Fprintf(w, "Dead letters: %d\n", st.DeadLetters)
	if st.Durable {
		fmt.Fprintln(w, "Storage: durable")
	} else {
		fmt.Fprintln(w, "Storage: session only (lost if the agent restarts)")
	}
	if st.Online {
		fmt.Fprintln(w, "Upstream: online")
	} else {
		fmt.Fprintln(w, "Upstream: offline")
	}
}

func printResult(w io.Writer, res replay.Result) {
	if res.Processed == 0 {
		fmt.Fprintln(w, "Nothing to sync")
		return
	}
	fmt.Fprintf(w, "Replayed %d: %d succeeded, %d failed, %d dropped, %d remaining\n",
		res.Processed, res.Success, res.Failed, res.Dropped, res.Remaining)
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().Bool("async", false, "request the pass over the agent channel and return immediately")
}
