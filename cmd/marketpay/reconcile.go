package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/marketpay/internal/audit"
	"github.com/smallbiznis/marketpay/internal/booking"
	"github.com/smallbiznis/marketpay/internal/commission"
	"github.com/smallbiznis/marketpay/internal/events"
	"github.com/smallbiznis/marketpay/internal/payment"
	"github.com/smallbiznis/marketpay/internal/ratelimit"
	"github.com/smallbiznis/marketpay/internal/risk"
	"github.com/smallbiznis/marketpay/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Probe the gateway and sweep stale pending payments once",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Scheduler
			app := fx.New(
				fx.NopLogger,
				infrastructure(),
				audit.Module,
				events.Module,
				booking.Module,
				commission.Module,
				risk.Module,
				ratelimit.Module,
				payment.Module,
				fx.Provide(scheduler.ProvideConfig, scheduler.New),
				fx.Populate(&sched),
			)
			if err := app.Err(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), fx.DefaultTimeout)
			defer cancel()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() {
				_ = app.Stop(context.Background())
			}()

			if err := sched.RunOnce(cmd.Context()); err != nil {
				return err
			}
			health := sched.Health()
			fmt.Fprintf(cmd.OutOrStdout(), "gateway healthy=%t consecutive_failures=%d\n", health.Healthy, health.ConsecutiveFailures)
			return nil
		},
	}
}
