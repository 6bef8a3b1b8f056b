package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/voucherd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage voucherd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.voucherd/" + voucherd.DefaultConfigFileName
	if dir, err := voucherd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, voucherd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default voucherd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := voucherd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, voucherd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the server flags; keys match the flag names so
// viper reads the generated file unchanged.
type configDefaults struct {
	Listen                 string `yaml:"listen"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	RedisURL               string `yaml:"redis-url"`
	RedisPoolSize          int    `yaml:"redis-pool-size"`
	RedisTimeout           string `yaml:"redis-timeout"`
	Store                  string `yaml:"store"`
	StoreMaxOpenConns      int    `yaml:"store-max-open-conns"`
	StoreSkipSchema        bool   `yaml:"store-skip-schema"`
	CacheStrategy          string `yaml:"cache-strategy"`
	CacheNullTTL           string `yaml:"cache-null-ttl"`
	CacheLockTTL           string `yaml:"cache-lock-ttl"`
	CacheRetryInterval     string `yaml:"cache-retry-interval"`
	CacheMaxAttempts       int    `yaml:"cache-max-attempts"`
	CacheMaxPayload        string `yaml:"cache-max-payload"`
	ShopTTL                string `yaml:"shop-ttl"`
	ShopTypeTTL            string `yaml:"shop-type-ttl"`
	VoucherCacheTTL        string `yaml:"voucher-cache-ttl"`
	RebuildWorkers         int    `yaml:"rebuild-workers"`
	RebuildQueue           int    `yaml:"rebuild-queue"`
	OrderStream            string `yaml:"order-stream"`
	ConsumerGroup          string `yaml:"consumer-group"`
	ConsumerName           string `yaml:"consumer-name"`
	ConsumerBlock          string `yaml:"consumer-block"`
	RecoveryBackoff        string `yaml:"recovery-backoff"`
	RecoveryMaxBackoff     string `yaml:"recovery-max-backoff"`
	OrderLockTTL           string `yaml:"order-lock-ttl"`
	MaxDeliveryAttempts    int    `yaml:"max-delivery-attempts"`
	DisableConsumer        bool   `yaml:"disable-consumer"`
	IDEpoch                int64  `yaml:"id-epoch"`
	EventBuffer            int    `yaml:"event-buffer"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:             voucherd.DefaultListen,
		MetricsListen:      voucherd.DefaultMetricsListen,
		PprofListen:        voucherd.DefaultPprofListen,
		RedisURL:           voucherd.DefaultRedisURL,
		RedisPoolSize:      voucherd.DefaultRedisPoolSize,
		RedisTimeout:       voucherd.DefaultRedisTimeout.String(),
		Store:              voucherd.DefaultStore,
		CacheStrategy:      voucherd.DefaultCacheStrategy,
		CacheNullTTL:       voucherd.DefaultCacheNullTTL.String(),
		CacheLockTTL:       voucherd.DefaultCacheLockTTL.String(),
		CacheRetryInterval: voucherd.DefaultCacheRetryInterval.String(),
		CacheMaxPayload:    voucherd.DefaultCacheMaxPayload,
		ShopTTL:            voucherd.DefaultShopTTL.String(),
		ShopTypeTTL:        voucherd.DefaultShopTypeTTL.String(),
		VoucherCacheTTL:    voucherd.DefaultVoucherCacheTTL.String(),
		RebuildWorkers:     voucherd.DefaultRebuildWorkers,
		RebuildQueue:       voucherd.DefaultRebuildQueue,
		OrderStream:        voucherd.DefaultOrderStream,
		ConsumerGroup:      voucherd.DefaultConsumerGroup,
		ConsumerName:       voucherd.DefaultConsumerName,
		ConsumerBlock:      voucherd.DefaultConsumerBlock.String(),
		RecoveryBackoff:    voucherd.DefaultRecoveryBackoff.String(),
		RecoveryMaxBackoff: voucherd.DefaultRecoveryMaxBackoff.String(),
		OrderLockTTL:       voucherd.DefaultOrderLockTTL.String(),
		IDEpoch:            voucherd.DefaultIDEpoch,
		EventBuffer:        voucherd.DefaultEventBuffer,
		ShutdownTimeout:    voucherd.DefaultShutdownTimeout.String(),
		LogLevel:           "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
