package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type globalOptions struct {
	server     string
	adminToken string
	timeout    time.Duration
	jsonOutput bool
}

func (o *globalOptions) client() *serviceClient {
	return newServiceClient(o.server, o.adminToken, o.timeout)
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "voicectl",
		Short:         "Operate the CRM voice transcription service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	server := os.Getenv("VOICECTL_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", server, "Base URL of the service")
	rootCmd.PersistentFlags().StringVar(&opts.adminToken, "admin-token", os.Getenv("ADMIN_TOKEN"), "Token for admin endpoints")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Per-request HTTP timeout")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Print raw JSON")

	rootCmd.AddCommand(newStatsCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newClearCommand(opts))
	rootCmd.AddCommand(newDetectCommand())
	rootCmd.AddCommand(newBackfillCommand(opts))

	return rootCmd
}
