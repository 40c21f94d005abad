package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"crm-voice-sync/internal/aggregator"
	"crm-voice-sync/internal/dataset"
	"crm-voice-sync/internal/types"
)

type backfillOptions struct {
	concurrency int
	report      string
	retryFor    time.Duration
	dryRun      bool
}

func newBackfillCommand(opts *globalOptions) *cobra.Command {
	bf := backfillOptions{}
	cmd := &cobra.Command{
		Use:   "backfill <sheet.xlsx>",
		Short: "Replay call records from a spreadsheet through /process-audio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := dataset.Load(args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if bf.dryRun {
				fmt.Fprintf(out, "%d record(s) would be submitted\n", len(rows))
				return nil
			}

			results, err := runBackfill(cmd.Context(), opts.client(), rows, bf)
			if err != nil {
				return err
			}
			if bf.report != "" {
				if err := dataset.WriteReport(bf.report, results); err != nil {
					return err
				}
				fmt.Fprintf(out, "Report written to %s\n", bf.report)
			}
			printBackfillSummary(out, results, shouldColorize(out))

			if ins := aggregator.Aggregate(results); ins.Failed > 0 {
				return fmt.Errorf("%d of %d record(s) failed", ins.Failed, ins.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&bf.concurrency, "concurrency", 3, "Requests in flight at once")
	cmd.Flags().StringVar(&bf.report, "report", "", "Write per-row results to this xlsx file")
	cmd.Flags().DurationVar(&bf.retryFor, "retry-for", 2*time.Minute, "How long to keep retrying a row the service shed for load")
	cmd.Flags().BoolVar(&bf.dryRun, "dry-run", false, "Only count the rows that would be submitted")
	return cmd
}

// runBackfill submits every row and records one result per row in input order.
// A failing row does not stop the others; only ctx cancellation does.
func runBackfill(ctx context.Context, client *serviceClient, rows []types.BackfillRow, opts backfillOptions) ([]types.BackfillResult, error) {
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}
	results := make([]types.BackfillResult, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i, row := range rows {
		g.Go(func() error {
			results[i] = submitRow(gctx, client, row, opts.retryFor)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func submitRow(ctx context.Context, client *serviceClient, row types.BackfillRow, retryFor time.Duration) types.BackfillResult {
	payload := map[string]any{"recordId": row.RecordID}
	if row.RecordingURL != "" {
		payload["recordingUrl"] = row.RecordingURL
	}
	res := types.BackfillResult{BackfillRow: row}
	start := time.Now()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = retryFor

	op := func() error {
		resp, err := client.Process(ctx, payload)
		if err != nil {
			// only a load-shedding answer proves the event was never queued; after
			// a transport failure the run may still be in flight on the service
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Retryable() {
				return err
			}
			return backoff.Permanent(err)
		}
		res.Status = 200
		res.RequestID = resp.RequestID
		res.Transcript = resp.Transcript
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		res.Error = err.Error()
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			res.Status = apiErr.Status
			res.RequestID = apiErr.RequestID
			res.Code = apiErr.Code
			res.Stage = apiErr.Stage
		}
	}
	res.Duration = time.Since(start)
	return res
}

func printBackfillSummary(w io.Writer, results []types.BackfillResult, color bool) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		outcome := colorize("ok", ansiGreen, color)
		if !r.Succeeded() {
			outcome = colorize(r.Error, ansiRed, color)
		}
		rows = append(rows, []string{
			strconv.Itoa(r.Row),
			r.RecordID,
			strconv.Itoa(r.Status),
			fmt.Sprintf("%dms", r.Duration.Milliseconds()),
			outcome,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Row", "Record", "HTTP", "Duration", "Outcome"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft},
	))
	ins := aggregator.Aggregate(results)
	fmt.Fprintf(w, "%d succeeded, %d failed (mean %dms)\n", ins.Succeeded, ins.Failed, ins.MeanDuration.Milliseconds())
	for _, code := range ins.TopCodes() {
		fmt.Fprintf(w, "  %-22s %d\n", code, ins.ByCode[code])
	}
}
