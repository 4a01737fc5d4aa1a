package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	recomputeDate string
	reconcileMax  int
)

// recomputeCmd 按日期重算聚合
var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute every usage rollup for one UTC day",
	Long: `Recompute every embedding, task and message rollup with events on the
given UTC day. Rows are overwritten from the source events.

Example usage:
  chatlog-admin recompute --date 2026-01-15`,
	RunE: withEnv(func(ctx context.Context, rt *env, _ *cobra.Command) (interface{}, error) {
		return rt.services.Rollup.RecomputeDay(ctx, recomputeDate)
	}),
}

// reconcileCmd 处理待重算队列
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute rollups queued for deferred reconciliation",
	RunE: withEnv(func(ctx context.Context, rt *env, _ *cobra.Command) (interface{}, error) {
		max := reconcileMax
		if max <= 0 {
			max = rt.services.Config.Rollup.ReconcileBatch
		}
		return rt.services.Rollup.Reconcile(ctx, max)
	}),
}

func init() {
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(reconcileCmd)

	recomputeCmd.Flags().StringVar(&recomputeDate, "date", "", "UTC date to recompute (YYYY-MM-DD)")
	_ = recomputeCmd.MarkFlagRequired("date")

	reconcileCmd.Flags().IntVar(&reconcileMax, "max", 0, "maximum number of queued keys to process (default from config)")
}
