package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/fieldqueue/internal/queue"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline queue",
	Long:  `Inspect pending submissions and dead letters held by the agent.`,
}

// queueListCmd represents the queue list command
var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending submissions in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		ops, err := c.Pending(cmd.Context())
		if err != nil {
			return fmt.Errorf("list pending: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), ops)
		}
		printOperations(cmd.OutOrStdout(), ops)
		return nil
	},
}

// queueDeadCmd represents the queue dead command
var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List submissions dropped after the retry ceiling",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		dead, err := c.DeadLetters(cmd.Context())
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), dead)
		}
		printDeadLetters(cmd.OutOrStdout(), dead)
		return nil
	},
}

// queueClearCmd represents the queue clear command
var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard pending submissions (or dead letters with --dead)",
	Long: `Discard every pending submission. This cannot be undone; submissions that
were never delivered are lost.

With --dead, only the dead letters are discarded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dead, _ := cmd.Flags().GetBool("dead")
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to clear without --yes")
		}

		c, err := getClient()
		if err != nil {
			return err
		}
		if dead {
			if err := c.ClearDeadLetters(cmd.Context()); err != nil {
				return fmt.Errorf("clear dead letters: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Dead letters cleared")
			return nil
		}
		if err := c.ClearPending(cmd.Context()); err != nil {
			return fmt.Errorf("clear pending: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Pending queue cleared")
		return nil
	},
}

func printOperations(w io.Writer, ops []queue.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "No pending submissions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tMETHOD\tENDPOINT\tRETRIES\tQUEUED")
	for _, op := range ops {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			op.ID, op.Type, op.Method, op.Endpoint, op.Retries, formatMillis(op.Timestamp))
	}
	_ = tw.Flush()
}

func printDeadLetters(w io.Writer, dead []queue.DeadLetter) {
	if len(dead) == 0 {
		fmt.Fprintln(w, "No dead letters")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tENDPOINT\tATTEMPTS\tREASON")
	for _, d := range dead {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", d.ID, d.Type, d.Endpoint, d.Attempts, d.Reason)
	}
	_ = tw.Flush()
}

// formatMillis renders a unix-millisecond timestamp in local time.
func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueClearCmd)

	queueClearCmd.Flags().Bool("dead", false, "clear dead letters instead of pending submissions")
	queueClearCmd.Flags().Bool("yes", false, "confirm the destructive clear")
}
