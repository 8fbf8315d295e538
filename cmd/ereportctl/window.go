package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/ereporting/internal/deadline"
	"github.com/odyssey-erp/ereporting/internal/payload"
)

type windowResult struct {
	PeriodEnd   string `json:"period_end"`
	Periodicity string `json:"periodicity"`
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
	Defined     bool   `json:"defined"`
	Open        bool   `json:"open"`
	LastDay     bool   `json:"last_day"`
}

func newWindowCmd(root *rootOptions) *cobra.Command {
	var (
		periodicity   string
		at            string
		overrideStart int
		overrideEnd   int
	)
	cmd := &cobra.Command{
		Use:   "window PERIOD_END",
		Short: "Show the send window of a reporting period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			periodEnd, err := payload.ParseDate(args[0])
			if err != nil {
				return fmt.Errorf("period end: %w", err)
			}
			p, err := deadline.ParsePeriodicity(periodicity)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if at != "" {
				if now, err = payload.ParseDate(at); err != nil {
					return fmt.Errorf("at: %w", err)
				}
			}
			var override deadline.Override
			if cmd.Flags().Changed("override-start") && cmd.Flags().Changed("override-end") {
				override = deadline.Override{Start: &overrideStart, End: &overrideEnd}
			}

			res := windowResult{PeriodEnd: payload.Date(periodEnd), Periodicity: string(p)}
			if win, ok := deadline.ComputeWindow(periodEnd, p, override, now); ok {
				res.Defined = true
				res.Start, res.End = payload.Date(win.Start), payload.Date(win.End)
				res.Open = win.Contains(now)
				res.LastDay = win.IsLastDay(now)
			}
			out := cmd.OutOrStdout()
			if root.jsonOut {
				return printJSON(out, res)
			}
			if !res.Defined {
				_, err = fmt.Fprintf(out, "no send window for %s (%s)\n", res.PeriodEnd, res.Periodicity)
				return err
			}
			_, err = fmt.Fprintf(out, "%s (%s): %s..%s open=%t last_day=%t\n",
				res.PeriodEnd, res.Periodicity, res.Start, res.End, res.Open, res.LastDay)
			return err
		},
	}
	cmd.Flags().StringVar(&periodicity, "periodicity", "decade", "decade, monthly, bimonthly or quarterly")
	cmd.Flags().StringVar(&at, "at", "", "evaluate on this day (YYYY-MM-DD) instead of today")
	cmd.Flags().IntVar(&overrideStart, "override-start", 0, "override window first day of month")
	cmd.Flags().IntVar(&overrideEnd, "override-end", 0, "override window last day of month")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
