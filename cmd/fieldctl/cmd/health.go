package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the agent",
	Long:  `Check the agent's /healthz endpoint, including its durable store when one is open.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		report, healthy, err := c.Health(cmd.Context())
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Agent is unreachable: %v\n", err)
			return nil
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}

		if healthy {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Agent is healthy")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "✗ Agent is unhealthy")
		}
		checks, _ := report["checks"].(map[string]any)
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			mark := "✓"
			if ok, _ := checks[name].(bool); !ok {
				mark = "✗"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", mark, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
