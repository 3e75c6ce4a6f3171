package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect point queues",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog and dead-letter depth per queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Queues map[string]struct {
				Pending int64 `json:"pending"`
				DLQSize int64 `json:"dlq_size"`
			} `json:"queues"`
		}
		code, err := makeRequest("GET", "/queue/status", nil, &resp)
		if err != nil {
			return fmt.Errorf("queue status failed: %w", err)
		}
		if code != 200 {
			return fmt.Errorf("queue status returned HTTP %d", code)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}

		fmt.Printf("%-20s %10s %12s\n", "QUEUE", "PENDING", "DEAD LETTER")
		for name, st := range resp.Queues {
			fmt.Printf("%-20s %10d %12d\n", name, st.Pending, st.DLQSize)
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
	rootCmd.AddCommand(queueCmd)
}
