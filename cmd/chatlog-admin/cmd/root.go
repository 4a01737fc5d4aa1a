package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ashwinyue/next-chatlog/internal/config"
	"github.com/ashwinyue/next-chatlog/internal/database"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/service"
)

var (
	version = "dev"
	commit  = "unknown"
)

// rootCmd 管理命令入口
var rootCmd = &cobra.Command{
	Use:   "chatlog-admin",
	Short: "Maintenance tool for the chat log store",
	Long: `chatlog-admin runs one-off maintenance jobs against the chat log store:
legacy blob migration, legacy blob stripping, sibling position backfill
and usage rollup recomputation.

Every job is idempotent and safe to rerun after an interruption.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令，由 main.main 调用
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default is $CONFIG_PATH or ./configs/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
}

// env 一次命令执行所需的依赖
type env struct {
	services *service.Services
	log      *logger.Logger
	closers  []func()
}

func (r *env) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// bootstrap 加载配置并初始化存储与服务
func bootstrap(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat("./configs/config.yaml"); err == nil {
			path = "./configs/config.yaml"
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	mode := cfg.Log.Mode
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose && mode != "production" && mode != "prod" {
		mode = "test"
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	rt := &env{log: log, closers: []func(){log.Sync}}

	db, err := database.New(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = redisClient.Close() })

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
	}

	rt.services, err = service.NewServices(repository.NewRepositories(db.DB), cfg, redisClient, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// withEnv 包装子命令：初始化依赖、监听中断信号、输出 JSON 结果
func withEnv(fn func(ctx context.Context, rt *env, cmd *cobra.Command) (interface{}, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		rt, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		result, err := fn(ctx, rt, cmd)
		if result != nil {
			if perr := printJSON(cmd, result); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
