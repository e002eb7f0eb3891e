// Command foreman is the Foreman CLI client.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:9090"

var (
	serverURL  string
	token      string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "foreman",
	Short:         "Foreman CLI client",
	Long:          `foreman talks to a running foremand: it queues tasks, inspects agents and locks, and triggers the control loops.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FOREMAN_SERVER", defaultServer), "foremand URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("FOREMAN_TOKEN"), "JWT auth token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")

	rootCmd.AddCommand(versionCmd, statusCmd, statsCmd, runCmd, hashPasswordCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(tasksCmd, taskCmd)
	rootCmd.AddCommand(locksCmd, lockCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func client() *Client {
	return &Client{
		BaseURL:    strings.TrimRight(serverURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
