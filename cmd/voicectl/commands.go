package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"crm-voice-sync/internal/format"
	"crm-voice-sync/internal/types"
)

func newStatsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show scheduler counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := opts.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd, stats)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStats(stats))
			return nil
		},
	}
}

func renderStats(stats types.QueueStats) string {
	rows := [][]string{
		{"Queued", strconv.Itoa(stats.Queued)},
		{"Processing", strconv.Itoa(stats.Processing)},
		{"Total", strconv.FormatInt(stats.Total, 10)},
		{"Completed", strconv.FormatInt(stats.Completed, 10)},
		{"Failed", strconv.FormatInt(stats.Failed, 10)},
		{"Rejected", strconv.FormatInt(stats.Rejected, 10)},
		{"Throughput/min", strconv.FormatFloat(stats.Throughput, 'f', 2, 64)},
		{"Uptime", stats.Uptime},
	}
	return renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the state of one admitted request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.client().Request(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd, req)
			}
			color := shouldColorize(cmd.OutOrStdout())
			rows := [][]string{
				{"Request", req.ID},
				{"Status", colorize(string(req.Status), statusColor(req.Status), color)},
				{"Enqueued", req.EnqueuedAt.Format(time.RFC3339)},
			}
			if req.DispatchedAt != nil {
				rows = append(rows, []string{"Dispatched", req.DispatchedAt.Format(time.RFC3339)})
			}
			if req.CompletedAt != nil {
				rows = append(rows, []string{"Completed", req.CompletedAt.Format(time.RFC3339)})
			}
			if req.Result != nil {
				rows = append(rows,
					[]string{"Record", req.Result.RecordID},
					[]string{"Duration", fmt.Sprintf("%dms", req.Result.ProcessingTimeMs)},
				)
			}
			if req.Error != "" {
				rows = append(rows, []string{"Error", req.Error})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func statusColor(s types.RequestStatus) string {
	switch s {
	case types.StatusCompleted:
		return ansiGreen
	case types.StatusFailed:
		return ansiRed
	default:
		return ""
	}
}

func newClearCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued request (running ones finish)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Clear(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d queued request(s); %d still processing\n", res.Cleared, res.Stats.Processing)
			return nil
		},
	}
}

func newDetectCommand() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "detect <file>",
		Short: "Report the audio format the pipeline would pick for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), format.Detect(data, contentType, args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Declared Content-Type to take precedence over sniffing")
	return cmd
}
