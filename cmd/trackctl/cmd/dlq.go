package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	dlqLimit int
	dlqMax   int
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Work dead-letter queues",
	Long: `Inspect, requeue, and purge dead letters.

Dead letters are queue items that failed validation or exhausted their
write retries. Requeue sends them back through the writer with a reset
retry count; purge drops them permanently.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list <queue>",
	Short: "List dead letters for a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"limit": {strconv.Itoa(dlqLimit)}}
		var resp struct {
			Queue       string `json:"queue"`
			DeadLetters []struct {
				Reason   string    `json:"reason"`
				FailedAt time.Time `json:"failed_at"`
				Retries  int       `json:"retries"`
				Item     struct {
					FlightID string `json:"flight_id"`
					Count    int    `json:"count"`
				} `json:"item"`
			} `json:"dead_letters"`
		}
		code, err := makeRequest("GET", "/admin/queue/dlq/"+args[0], q, &resp)
		if err != nil {
			return fmt.Errorf("dlq list failed: %w", err)
		}
		if code != 200 {
			return fmt.Errorf("dlq list returned HTTP %d", code)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}

		if len(resp.DeadLetters) == 0 {
			fmt.Printf("No dead letters in %s\n", resp.Queue)
			return nil
		}
		fmt.Printf("%-24s %-36s %6s %8s %s\n", "FAILED AT", "FLIGHT", "POINTS", "RETRIES", "REASON")
		for _, dl := range resp.DeadLetters {
			fmt.Printf("%-24s %-36s %6d %8d %s\n",
				dl.FailedAt.Format(time.RFC3339), dl.Item.FlightID, dl.Item.Count, dl.Retries, dl.Reason)
		}
		return nil
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <queue>",
	Short: "Send dead letters back to their queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"max": {strconv.Itoa(dlqMax)}}
		var resp struct {
			Queue    string `json:"queue"`
			Requeued int    `json:"requeued"`
		}
		code, err := makeRequest("POST", "/admin/queue/dlq/"+args[0]+"/requeue", q, &resp)
		if err != nil {
			return fmt.Errorf("dlq requeue failed: %w", err)
		}
		if code != 200 {
			return fmt.Errorf("dlq requeue returned HTTP %d", code)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		fmt.Printf("Requeued %d dead letters to %s\n", resp.Requeued, resp.Queue)
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge <queue>",
	Short: "Drop all dead letters for a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Queue  string `json:"queue"`
			Purged int64  `json:"purged"`
		}
		code, err := makeRequest("POST", "/admin/queue/dlq/"+args[0]+"/purge", nil, &resp)
		if err != nil {
			return fmt.Errorf("dlq purge failed: %w", err)
		}
		if code != 200 {
			return fmt.Errorf("dlq purge returned HTTP %d", code)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		fmt.Printf("Purged %d dead letters from %s\n", resp.Purged, resp.Queue)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum dead letters to list")
	dlqRequeueCmd.Flags().IntVar(&dlqMax, "max", 100, "maximum dead letters to requeue")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
