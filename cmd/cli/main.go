package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		apiBase string
		apiKey  string
	)
	root := &cobra.Command{
		Use:           "regionwatch",
		Short:         "Operate a regionwatch deployment through its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", envOr("API_BASE", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&apiKey, "key", os.Getenv("API_KEY"), "API key (admin key for writes)")

	newClient := func() *client { return newAPIClient(apiBase, apiKey) }
	root.AddCommand(
		newSeedCmd(newClient),
		newTargetsCmd(newClient),
		newResultsCmd(newClient),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
