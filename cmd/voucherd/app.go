package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/voucherd"
	"pkt.systems/voucherd/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("VOUCHERD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "voucherd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Server failures are logged, subcommand failures
// are printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		if flag := root.Flags().ShorthandLookup(shorthand); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	subcommandAhead := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !subcommandAhead(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			short := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range short {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !subcommandAhead(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(short)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := voucherd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, voucherd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// serverFlagNames lists every flag bindConfig reads through viper.
var serverFlagNames = []string{
	"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"redis-url", "redis-pool-size", "redis-timeout",
	"store", "store-max-open-conns", "store-skip-schema",
	"cache-strategy", "cache-null-ttl", "cache-lock-ttl", "cache-retry-interval", "cache-max-attempts", "cache-max-payload",
	"shop-ttl", "shop-type-ttl", "voucher-cache-ttl", "rebuild-workers", "rebuild-queue",
	"order-stream", "consumer-group", "consumer-name", "consumer-block",
	"recovery-backoff", "recovery-max-backoff", "order-lock-ttl", "max-delivery-attempts", "disable-consumer",
	"id-epoch", "event-buffer", "shutdown-timeout", "log-level",
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.String("listen", voucherd.DefaultListen, "HTTP listen address")
	flags.String("metrics-listen", voucherd.DefaultMetricsListen, "Prometheus scrape address (empty disables)")
	flags.String("pprof-listen", voucherd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	flags.String("redis-url", voucherd.DefaultRedisURL, "coordination Redis URL (redis:// or rediss://)")
	flags.Int("redis-pool-size", voucherd.DefaultRedisPoolSize, "maximum pooled Redis connections")
	flags.Duration("redis-timeout", voucherd.DefaultRedisTimeout, "Redis dial/read/write timeout")

	flags.String("store", voucherd.DefaultStore, "backing store (mem://, sqlite://<path>, postgres://...)")
	flags.Int("store-max-open-conns", 0, "maximum open SQL connections (0 uses the driver default)")
	flags.Bool("store-skip-schema", false, "do not create tables on start")

	flags.String("cache-strategy", voucherd.DefaultCacheStrategy, "shop read strategy (passthrough, mutex, logical)")
	flags.Duration("cache-null-ttl", voucherd.DefaultCacheNullTTL, "lifetime of negative cache markers")
	flags.Duration("cache-lock-ttl", voucherd.DefaultCacheLockTTL, "lifetime of cache rebuild locks")
	flags.Duration("cache-retry-interval", voucherd.DefaultCacheRetryInterval, "pause between mutex rebuild attempts")
	flags.Int("cache-max-attempts", 0, "mutex rebuild attempts before giving up (0 derives from lock ttl)")
	flags.String("cache-max-payload", voucherd.DefaultCacheMaxPayload, "largest value written to the cache (e.g. 512KiB)")
	flags.Duration("shop-ttl", voucherd.DefaultShopTTL, "cache lifetime of a shop")
	flags.Duration("shop-type-ttl", voucherd.DefaultShopTypeTTL, "cache lifetime of the shop type list")
	flags.Duration("voucher-cache-ttl", voucherd.DefaultVoucherCacheTTL, "cache lifetime of seckill voucher metadata")
	flags.Int("rebuild-workers", voucherd.DefaultRebuildWorkers, "logical-expiry rebuild workers")
	flags.Int("rebuild-queue", voucherd.DefaultRebuildQueue, "queued logical-expiry rebuilds before new ones are dropped")

	flags.String("order-stream", voucherd.DefaultOrderStream, "Redis stream carrying order tickets")
	flags.String("consumer-group", voucherd.DefaultConsumerGroup, "consumer group reading the order stream")
	flags.String("consumer-name", voucherd.DefaultConsumerName, "consumer name inside the group")
	flags.Duration("consumer-block", voucherd.DefaultConsumerBlock, "longest wait for new tickets per read")
	flags.Duration("recovery-backoff", voucherd.DefaultRecoveryBackoff, "first pause after a failed recovery step")
	flags.Duration("recovery-max-backoff", voucherd.DefaultRecoveryMaxBackoff, "longest pause between recovery steps")
	flags.Duration("order-lock-ttl", voucherd.DefaultOrderLockTTL, "lifetime of the per-buyer order lock")
	flags.Int("max-delivery-attempts", 0, "dead-letter a ticket after this many failed deliveries (0 retries forever)")
	flags.Bool("disable-consumer", false, "serve the API without materialising orders")

	flags.Int64("id-epoch", voucherd.DefaultIDEpoch, "id generator epoch in unix seconds")
	flags.Int("event-buffer", voucherd.DefaultEventBuffer, "per-subscriber event buffer")
	flags.Duration("shutdown-timeout", voucherd.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
}

func bindServerFlags(flags *pflag.FlagSet) {
	for _, name := range serverFlagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func bindConfig(cfg *voucherd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.RedisURL = viper.GetString("redis-url")
	cfg.RedisPoolSize = viper.GetInt("redis-pool-size")
	cfg.RedisTimeout = viper.GetDuration("redis-timeout")
	cfg.Store = viper.GetString("store")
	cfg.StoreMaxOpenConns = viper.GetInt("store-max-open-conns")
	cfg.StoreSkipSchema = viper.GetBool("store-skip-schema")
	cfg.CacheStrategy = viper.GetString("cache-strategy")
	cfg.CacheNullTTL = viper.GetDuration("cache-null-ttl")
	cfg.CacheLockTTL = viper.GetDuration("cache-lock-ttl")
	cfg.CacheRetryInterval = viper.GetDuration("cache-retry-interval")
	cfg.CacheMaxAttempts = viper.GetInt("cache-max-attempts")
	cfg.CacheMaxPayload = viper.GetString("cache-max-payload")
	if _, err := voucherd.ParseByteSize(cfg.CacheMaxPayload); err != nil {
		return fmt.Errorf("parse cache-max-payload: %w", err)
	}
	cfg.ShopTTL = viper.GetDuration("shop-ttl")
	cfg.ShopTypeTTL = viper.GetDuration("shop-type-ttl")
	cfg.VoucherCacheTTL = viper.GetDuration("voucher-cache-ttl")
	cfg.RebuildWorkers = viper.GetInt("rebuild-workers")
	cfg.RebuildQueue = viper.GetInt("rebuild-queue")
	cfg.OrderStream = viper.GetString("order-stream")
	cfg.ConsumerGroup = viper.GetString("consumer-group")
	cfg.ConsumerName = viper.GetString("consumer-name")
	cfg.ConsumerBlock = viper.GetDuration("consumer-block")
	cfg.RecoveryBackoff = viper.GetDuration("recovery-backoff")
	cfg.RecoveryMaxBackoff = viper.GetDuration("recovery-max-backoff")
	cfg.OrderLockTTL = viper.GetDuration("order-lock-ttl")
	cfg.MaxDeliveryAttempts = viper.GetInt("max-delivery-attempts")
	cfg.DisableConsumer = viper.GetBool("disable-consumer")
	cfg.IDEpoch = viper.GetInt64("id-epoch")
	cfg.EventBuffer = viper.GetInt("event-buffer")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

// prepareConfig loads the config file, binds flags/env/file into a Config and
// applies --log-level to logger.
func prepareConfig(logger pslog.Logger) (voucherd.Config, pslog.Logger, error) {
	var cfg voucherd.Config
	cliLogger := loggingutil.WithSubsystem(logger, "cli.config")
	configFile, err := loadConfigFile()
	if err != nil {
		return cfg, logger, err
	}
	if configFile != "" {
		cliLogger.Info("loaded config file", "path", configFile)
	}
	if err := bindConfig(&cfg); err != nil {
		return cfg, logger, err
	}
	if raw := strings.TrimSpace(viper.GetString("log-level")); raw != "" {
		level, ok := pslog.ParseLevel(raw)
		if !ok {
			return cfg, logger, fmt.Errorf("invalid log level %q", raw)
		}
		logger = logger.LogLevel(level)
	}
	return cfg, logger, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "voucherd",
		Short:         "voucherd serves cached shop reads and flash-sale voucher orders backed by Redis",
		SilenceErrors: true,
		Example: `
  # Local development against an in-memory store
  voucherd --store mem:// --redis-url redis://127.0.0.1:6379/0

  # SQLite backing store with the mutex cache strategy
  voucherd --store sqlite:///var/lib/voucherd/shop.db --cache-strategy mutex

  # Postgres backing store, Prometheus metrics and OTLP tracing
  VOUCHERD_STORE=postgres://app:secret@db/hmdp?sslmode=disable voucherd --metrics-listen :9464 --otlp-endpoint grpc://otel:4317
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			cfg, logger, err := prepareConfig(baseLogger)
			if err != nil {
				return err
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to voucherd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			server, err := voucherd.NewServer(cfg, voucherd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = voucherd.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.voucherd/"+voucherd.DefaultConfigFileName+")")
	addServerFlags(persistentFlags)

	viper.SetEnvPrefix("VOUCHERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlag("config", persistentFlags.Lookup("config")); err != nil {
		panic(err)
	}
	bindServerFlags(persistentFlags)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newPreheatCommand(baseLogger))
	cmd.AddCommand(newBenchCommand(loggingutil.WithSubsystem(baseLogger, "cli.bench")))
	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
