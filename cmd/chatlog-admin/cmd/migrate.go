package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// migrateCmd 旧格式迁移
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate legacy chat blobs into message rows",
	Long: `Convert every chat still stored as a legacy history blob into normalized
message rows. Inline media is moved into file storage and the blob is
rewritten to reference it. Rows that already exist are skipped, so the
command can be rerun until no chat reports errors.

Example usage:
  chatlog-admin migrate --config ./configs/config.yaml`,
	RunE: withEnv(func(ctx context.Context, rt *env, _ *cobra.Command) (interface{}, error) {
		return rt.services.Migration.MigrateLegacy(ctx)
	}),
}

// stripCmd 清理已迁移的旧数据
var stripCmd = &cobra.Command{
	Use:   "strip-legacy",
	Short: "Remove legacy message data from migrated chat blobs",
	Long: `Drop the embedded message history from chats that were fully migrated.
Chats whose history still references messages missing from the message
table are left untouched and reported as skipped.`,
	RunE: withEnv(func(ctx context.Context, rt *env, _ *cobra.Command) (interface{}, error) {
		return rt.services.Migration.StripLegacy(ctx)
	}),
}

// backfillCmd 补齐兄弟序号
var backfillCmd = &cobra.Command{
	Use:   "backfill-positions",
	Short: "Assign sibling positions to messages that lack one",
	Long: `Assign positions to every sibling group containing a message without one.
Siblings are ordered by creation time, ties keep their stored order.`,
	RunE: withEnv(func(ctx context.Context, rt *env, _ *cobra.Command) (interface{}, error) {
		return rt.services.Migration.BackfillPositions(ctx)
	}),
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(stripCmd)
	rootCmd.AddCommand(backfillCmd)
}
