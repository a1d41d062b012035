package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/query"
	"github.com/Mindburn-Labs/chainwatch/pkg/unlock"
)

// withServices opens the shared components for a one-shot command and closes
// them afterwards.
func withServices(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, svc *services) error) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, opts, false)
	if err != nil {
		return err
	}
	runErr := fn(ctx, svc)
	return errors.Join(runErr, svc.Close(ctx))
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the built-in unlock fixtures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *services) error {
				res, err := unlock.SeedFixtures(ctx, svc.ingester())
				if err != nil {
					return err
				}
				return printJSON(opts.stdout, map[string]int{
					"inserted": res.Inserted,
					"updated":  res.Updated,
					"skipped":  res.Skipped,
				})
			})
		},
	}
}

type confirmOutput struct {
	Event            events.UnlockEvent `json:"event"`
	AlreadyConfirmed bool               `json:"already_confirmed"`
}

func newConfirmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm an unlock event now, regardless of its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *services) error {
				e, err := svc.matcher().ConfirmNow(ctx, args[0])
				switch {
				case errors.Is(err, events.ErrDuplicateConfirmation):
					return printJSON(opts.stdout, confirmOutput{Event: e, AlreadyConfirmed: true})
				case err != nil:
					return err
				}
				return printJSON(opts.stdout, confirmOutput{Event: e})
			})
		},
	}
}

func newUnlocksCmd(opts *rootOptions) *cobra.Command {
	var from, to, window string
	cmd := &cobra.Command{
		Use:   "unlocks",
		Short: "List unlock events by schedule",
		Long: "List unlock events scheduled between --from and --to (RFC 3339). " +
			"Without bounds, events in the next --range (default 30d) are listed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *services) error {
				q := svc.query()
				if from == "" && to == "" {
					d, err := query.ParseRange(window)
					if err != nil {
						return err
					}
					list, err := q.Upcoming(ctx, d)
					if err != nil {
						return err
					}
					return printJSON(opts.stdout, list)
				}

				start, err := parseTime(from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				end, err := parseTime(to)
				if err != nil {
					return fmt.Errorf("--to: %w", err)
				}
				list, err := q.ListUnlocks(ctx, start, end)
				if err != nil {
					return err
				}
				return printJSON(opts.stdout, list)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "earliest schedule time (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "latest schedule time (RFC 3339)")
	cmd.Flags().StringVar(&window, "range", "30d", "look-ahead window when no bounds are given, e.g. 7d or 36h")
	return cmd
}

func newNextCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "next <token>",
		Short: "Show the next pending unlock for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *services) error {
				e, err := svc.query().NextUnlock(ctx, args[0])
				if errors.Is(err, events.ErrNotFound) {
					return printJSON(opts.stdout, nil)
				}
				if err != nil {
					return err
				}
				return printJSON(opts.stdout, e)
			})
		},
	}
}

func newAnomaliesCmd(opts *rootOptions) *cobra.Command {
	var (
		limit              int
		severity, category string
	)
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "List recent anomalies, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *services) error {
				alerts, err := svc.query().Alerts(ctx, query.AnomalyFilter{
					Limit:    limit,
					Severity: events.Severity(severity),
					Category: events.Category(category),
				})
				if err != nil {
					return err
				}
				return printJSON(opts.stdout, alerts)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", query.DefaultAnomalyLimit, "number of newest anomalies to consider")
	cmd.Flags().StringVar(&severity, "severity", "", "only show this severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&category, "category", "", "only show this category")
	return cmd
}

func newOverdueCmd(opts *rootOptions) *cobra.Command {
	var tolerance time.Duration
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List pending unlocks whose confirmation window has closed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, opts, func(ctx context.Context, svc *services) error {
				tol := tolerance
				if tol <= 0 {
					tol = svc.cfg.Unlock.Tolerance
				}
				list, err := svc.query().Overdue(ctx, tol)
				if err != nil {
					return err
				}
				return printJSON(opts.stdout, list)
			})
		},
	}
	cmd.Flags().DurationVar(&tolerance, "tolerance", 0, "confirmation window half-width (defaults to the configured tolerance)")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("required when the other bound is set")
	}
	return time.Parse(time.RFC3339, s)
}
