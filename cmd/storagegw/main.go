package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Chapsvision-dev/storage-gateway/internal/auth"
	"github.com/Chapsvision-dev/storage-gateway/internal/config"
	"github.com/Chapsvision-dev/storage-gateway/internal/logx"
	"github.com/Chapsvision-dev/storage-gateway/internal/tasks"
	"github.com/Chapsvision-dev/storage-gateway/internal/version"

	_ "github.com/Chapsvision-dev/storage-gateway/internal/provider/azure"
	_ "github.com/Chapsvision-dev/storage-gateway/internal/provider/filesystem"
	_ "github.com/Chapsvision-dev/storage-gateway/internal/provider/memory"
	_ "github.com/Chapsvision-dev/storage-gateway/internal/provider/s3compat"
	_ "github.com/Chapsvision-dev/storage-gateway/internal/provider/s3compatinstitutions"
)

// Test seams: overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig func() (config.Config, error)              = config.Load
	newAuth    func(config.Config) (auth.Handler, error)  = auth.New
	newRedis   func(config.RedisConfig) *redis.Client     = newRedisClient
	listen     func(context.Context, *server) error       = func(ctx context.Context, s *server) error { return s.run(ctx) }
	runWorker  func(context.Context, *tasks.Worker) error = func(ctx context.Context, w *tasks.Worker) error { return w.Run(ctx) }
	exit       func(int)                                  = os.Exit
)

// errUsage marks command-line mistakes; they exit with code 2.
var errUsage = errors.New("usage error")

// main wires CLI -> config -> gateway (serve) or transfer worker (worker).
// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	exit(run(withSignals(context.Background()), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), strings.HasPrefix(err.Error(), "unknown command"),
		strings.HasPrefix(err.Error(), "unknown flag"):
		fmt.Fprintln(os.Stderr, err)
		return 2
	default:
		log.Error().Err(err).Msg("command failed")
		return 1
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "storagegw",
		Short:         "Move and copy files between storage providers",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errUsage
		},
	}
	root.AddCommand(newServeCmd(), newWorkerCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "storagegw %s\n", version.Info())
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			srv, err := newServer(cfg)
			if err != nil {
				return err
			}
			defer srv.close()
			return listen(cmd.Context(), srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume out-of-band transfers from Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if queue != "" {
				cfg.Tasks.Queue = queue
			}
			if strings.TrimSpace(cfg.Redis.Addr) == "" {
				return fmt.Errorf("%w: worker requires REDIS_ADDR", errUsage)
			}
			if err := configureBackends(cfg); err != nil {
				return err
			}

			client := newRedis(cfg.Redis)
			defer func() {
				if cerr := client.Close(); cerr != nil {
					log.Warn().Err(cerr).Msg("failed to close redis client")
				}
			}()
			w := tasks.NewWorker(client, cfg.Tasks.Queue, cfg.Tasks.ResultTTL, tasks.NewExecutor(nil, appMetrics()))
			w.Retry = cfg.RetryOptions()
			return runWorker(cmd.Context(), w)
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue to consume (overrides TASK_QUEUE)")
	return cmd
}

func newRedisClient(c config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}
