package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/fieldqueue/internal/agent"
	"github.com/austindbirch/fieldqueue/internal/client"
	"github.com/austindbirch/fieldqueue/internal/connectivity"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream agent notifications",
	Long: `Connect to the agent channel and print SUBMISSION_QUEUED, SYNC_COMPLETE and
STORAGE_UNAVAILABLE notifications until interrupted.

With --upstream, fieldctl also probes the field API itself and asks the agent
for a sync each time it comes back, the way a page does where deferred sync
is not available.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := client.Dial(ctx, agentAddr, identityHeader())
		if err != nil {
			return err
		}
		defer conn.Close()

		upstream, _ := cmd.Flags().GetString("upstream")
		interval, _ := cmd.Flags().GetDuration("interval")
		if upstream != "" {
			monitor := connectivity.NewMonitor(strings.TrimRight(upstream, "/")+"/api/ping", interval, nil)
			w := client.NewWatcher(monitor, conn)
			go func() { _ = w.Run(ctx) }()
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Watching %s (Ctrl-C to stop)\n", agentAddr)
		for {
			select {
			case msg, ok := <-conn.Notifications():
				if !ok {
					return fmt.Errorf("agent closed the channel")
				}
				if outputJSON {
					if err := printJSON(out, msg); err != nil {
						return err
					}
					continue
				}
				printNotification(out, msg)
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func printNotification(w io.Writer, msg agent.Message) {
	ts := time.Now().Format(time.TimeOnly)
	switch msg.Type {
	case agent.MsgSubmissionQueued:
		var q agent.SubmissionQueued
		_ = json.Unmarshal(msg.Data, &q)
		fmt.Fprintf(w, "%s queued    #%d %s %s\n", ts, q.ID, q.Type, q.Endpoint)
	case agent.MsgSyncComplete:
		var s agent.SyncComplete
		_ = json.Unmarshal(msg.Data, &s)
		fmt.Fprintf(w, "%s synced    %d ok, %d failed, %d dropped, %d remaining\n", ts, s.Success, s.Failed, s.Dropped, s.Remaining)
	case agent.MsgStorageUnavailable:
		var s agent.StorageUnavailable
		_ = json.Unmarshal(msg.Data, &s)
		fmt.Fprintf(w, "%s WARNING   %s\n", ts, s.Message)
	case agent.MsgError:
		var e agent.ErrorData
		_ = json.Unmarshal(msg.Data, &e)
		fmt.Fprintf(w, "%s error     %s\n", ts, e.Message)
	default:
		fmt.Fprintf(w, "%s %-9s %s\n", ts, strings.ToLower(string(msg.Type)), string(msg.Data))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("upstream", "", "field API base URL to probe; enables sync on reconnect")
	watchCmd.Flags().Duration("interval", 15*time.Second, "probe interval with --upstream")
}
