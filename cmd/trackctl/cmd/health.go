package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the livetrack service",
	Long:  `Check the health status of the livetrack service, including its store and queue backends.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status struct {
			OK      bool             `json:"ok"`
			Message string           `json:"message"`
			Store   bool             `json:"store"`
			Queue   bool             `json:"queue"`
			Backlog map[string]int64 `json:"backlog"`
		}
		code, err := makeRequest("GET", "/health", nil, &status)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			printOutput(status)
			return nil
		}

		if code == http.StatusOK && status.OK {
			fmt.Println("✓ Service is healthy")
		} else {
			fmt.Printf("✗ Service is unhealthy (HTTP %d): %s\n", code, status.Message)
		}
		fmt.Printf("  store: %v  queue: %v\n", status.Store, status.Queue)
		for name, n := range status.Backlog {
			fmt.Printf("  backlog %s: %d\n", name, n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
