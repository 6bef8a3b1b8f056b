package voucherd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/voucherd/internal/cacheaside"
	"pkt.systems/voucherd/internal/coord"
	"pkt.systems/voucherd/internal/idgen"
	"pkt.systems/voucherd/internal/seckill"
	"pkt.systems/voucherd/internal/shop"
)

const (
	// DefaultListen is the default HTTP bind address.
	DefaultListen = ":8081"
	// DefaultMetricsListen is the Prometheus scrape address. Empty disables metrics.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof address. Empty disables pprof.
	DefaultPprofListen = ""
	// DefaultRedisURL points at a local Redis.
	DefaultRedisURL = "redis://127.0.0.1:6379/0"
	// DefaultRedisPoolSize caps pooled Redis connections.
	DefaultRedisPoolSize = 64
	// DefaultRedisTimeout bounds dial, read and write on the Redis client.
	DefaultRedisTimeout = 3 * time.Second
	// DefaultStore keeps records in memory.
	DefaultStore = "mem://"
	// DefaultCacheStrategy is the shop read strategy.
	DefaultCacheStrategy = string(cacheaside.StrategyLogical)
	// DefaultCacheNullTTL is how long a negative marker lives.
	DefaultCacheNullTTL = cacheaside.DefaultNullTTL
	// DefaultCacheLockTTL is the lifetime of a rebuild lock.
	DefaultCacheLockTTL = cacheaside.DefaultLockTTL
	// DefaultCacheRetryInterval is the pause between mutex rebuild attempts.
	DefaultCacheRetryInterval = cacheaside.DefaultRetryInterval
	// DefaultCacheMaxPayload caps cached payloads. Larger values are served
	// but not cached.
	DefaultCacheMaxPayload = "1MiB"
	// DefaultShopTTL is the cache lifetime of a shop.
	DefaultShopTTL = shop.DefaultShopTTL
	// DefaultShopTypeTTL is the cache lifetime of the shop type list.
	DefaultShopTypeTTL = shop.DefaultShopTypeTTL
	// DefaultVoucherCacheTTL is the cache lifetime of seckill voucher metadata.
	DefaultVoucherCacheTTL = seckill.DefaultVoucherCacheTTL
	// DefaultRebuildWorkers sizes the logical-expiry rebuild pool.
	DefaultRebuildWorkers = cacheaside.DefaultPoolWorkers
	// DefaultRebuildQueue bounds queued rebuilds.
	DefaultRebuildQueue = cacheaside.DefaultPoolQueue
	// DefaultOrderStream is the seckill ticket stream.
	DefaultOrderStream = coord.OrderStream
	// DefaultConsumerGroup is the consumer group reading the order stream.
	DefaultConsumerGroup = seckill.DefaultGroup
	// DefaultConsumerName identifies this process inside the group.
	DefaultConsumerName = seckill.DefaultConsumer
	// DefaultConsumerBlock bounds one wait for new tickets.
	DefaultConsumerBlock = seckill.DefaultBlockTimeout
	// DefaultRecoveryBackoff is the first pause after a failed recovery step.
	DefaultRecoveryBackoff = seckill.DefaultRecoveryBackoff
	// DefaultRecoveryMaxBackoff caps recovery backoff.
	DefaultRecoveryMaxBackoff = seckill.DefaultRecoveryMax
	// DefaultOrderLockTTL is the lifetime of the per-buyer order lock.
	DefaultOrderLockTTL = seckill.DefaultOrderLockTTL
	// DefaultIDEpoch is the id generator epoch (2022-01-01T00:00:00Z).
	DefaultIDEpoch = idgen.DefaultEpoch
	// DefaultEventBuffer sizes per-subscriber event buffers.
	DefaultEventBuffer = 256
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config is the full server configuration. Validate fills zero values with
// the defaults above.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string
	// MetricsListen serves /metrics when set.
	MetricsListen string
	// PprofListen serves /debug/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to /metrics.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables tracing (host:port, grpc://, grpcs://, http://, https://).
	OTLPEndpoint string

	// RedisURL is the coordination store (redis:// or rediss://).
	RedisURL      string
	RedisPoolSize int
	RedisTimeout  time.Duration

	// Store is the backing store DSN: mem://, sqlite://<path> or postgres://...
	Store string
	// StoreMaxOpenConns caps SQL connections (postgres only).
	StoreMaxOpenConns int
	// StoreSkipSchema disables table creation on start.
	StoreSkipSchema bool

	// CacheStrategy selects the shop read path: passthrough, mutex or logical.
	CacheStrategy      string
	CacheNullTTL       time.Duration
	CacheLockTTL       time.Duration
	CacheRetryInterval time.Duration
	// CacheMaxAttempts bounds mutex rebuild attempts. Zero derives it from
	// CacheLockTTL / CacheRetryInterval.
	CacheMaxAttempts int
	// CacheMaxPayload is a human readable size such as "512KiB".
	CacheMaxPayload string
	// CacheMaxPayloadBytes is parsed from CacheMaxPayload by Validate.
	CacheMaxPayloadBytes int64
	ShopTTL              time.Duration
	ShopTypeTTL          time.Duration
	VoucherCacheTTL      time.Duration
	RebuildWorkers       int
	RebuildQueue         int

	OrderStream        string
	ConsumerGroup      string
	ConsumerName       string
	ConsumerBlock      time.Duration
	RecoveryBackoff    time.Duration
	RecoveryMaxBackoff time.Duration
	OrderLockTTL       time.Duration
	// MaxDeliveryAttempts dead-letters a ticket after that many failures.
	// Zero retries forever.
	MaxDeliveryAttempts int
	// DisableConsumer runs the API without materialising orders. Another
	// process must run the consumer.
	DisableConsumer bool

	// IDEpoch is the id generator epoch in unix seconds.
	IDEpoch     int64
	EventBuffer int

	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.RedisURL == "" {
		c.RedisURL = DefaultRedisURL
	}
	if c.RedisPoolSize < 0 {
		return fmt.Errorf("config: redis pool size must be >= 0")
	}
	if c.RedisPoolSize == 0 {
		c.RedisPoolSize = DefaultRedisPoolSize
	}
	if c.RedisTimeout <= 0 {
		c.RedisTimeout = DefaultRedisTimeout
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := parseStoreDSN(c.Store); err != nil {
		return err
	}

	c.CacheStrategy = strings.ToLower(strings.TrimSpace(c.CacheStrategy))
	if c.CacheStrategy == "" {
		c.CacheStrategy = DefaultCacheStrategy
	}
	if _, err := cacheaside.ParseStrategy(c.CacheStrategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.CacheNullTTL <= 0 {
		c.CacheNullTTL = DefaultCacheNullTTL
	}
	if c.CacheLockTTL <= 0 {
		c.CacheLockTTL = DefaultCacheLockTTL
	}
	if c.CacheRetryInterval <= 0 {
		c.CacheRetryInterval = DefaultCacheRetryInterval
	}
	if c.CacheRetryInterval >= c.CacheLockTTL {
		return fmt.Errorf("config: cache retry interval %s must be shorter than the lock ttl %s", c.CacheRetryInterval, c.CacheLockTTL)
	}
	if c.CacheMaxAttempts < 0 {
		return fmt.Errorf("config: cache max attempts must be >= 0")
	}
	if c.CacheMaxPayload == "" {
		c.CacheMaxPayload = DefaultCacheMaxPayload
	}
	size, err := ParseByteSize(c.CacheMaxPayload)
	if err != nil {
		return fmt.Errorf("config: cache max payload: %w", err)
	}
	c.CacheMaxPayloadBytes = size
	if c.ShopTTL <= 0 {
		c.ShopTTL = DefaultShopTTL
	}
	if c.ShopTypeTTL <= 0 {
		c.ShopTypeTTL = DefaultShopTypeTTL
	}
	if c.VoucherCacheTTL <= 0 {
		c.VoucherCacheTTL = DefaultVoucherCacheTTL
	}
	if c.RebuildWorkers <= 0 {
		c.RebuildWorkers = DefaultRebuildWorkers
	}
	if c.RebuildQueue <= 0 {
		c.RebuildQueue = DefaultRebuildQueue
	}

	if c.OrderStream == "" {
		c.OrderStream = DefaultOrderStream
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = DefaultConsumerGroup
	}
	if c.ConsumerName == "" {
		c.ConsumerName = DefaultConsumerName
	}
	if c.ConsumerBlock <= 0 {
		c.ConsumerBlock = DefaultConsumerBlock
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = DefaultRecoveryBackoff
	}
	if c.RecoveryMaxBackoff <= 0 {
		c.RecoveryMaxBackoff = DefaultRecoveryMaxBackoff
	}
	if c.RecoveryMaxBackoff < c.RecoveryBackoff {
		return fmt.Errorf("config: recovery max backoff %s must be >= recovery backoff %s", c.RecoveryMaxBackoff, c.RecoveryBackoff)
	}
	if c.OrderLockTTL <= 0 {
		c.OrderLockTTL = DefaultOrderLockTTL
	}
	if c.MaxDeliveryAttempts < 0 {
		return fmt.Errorf("config: max delivery attempts must be >= 0")
	}

	if c.IDEpoch == 0 {
		c.IDEpoch = DefaultIDEpoch
	}
	if c.IDEpoch < 0 {
		return fmt.Errorf("config: id epoch must be positive")
	}
	if time.Unix(c.IDEpoch, 0).After(time.Now()) {
		return fmt.Errorf("config: id epoch %d is in the future", c.IDEpoch)
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// ParseByteSize parses human readable sizes such as "512KiB" or "1MB".
// A bare number is bytes. Zero disables the limit it configures.
func ParseByteSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("size %q too large", raw)
	}
	return int64(n), nil
}

func (c Config) cachePolicy() cacheaside.Policy {
	return cacheaside.Policy{
		NullTTL:         c.CacheNullTTL,
		LockTTL:         c.CacheLockTTL,
		RetryInterval:   c.CacheRetryInterval,
		MaxAttempts:     c.CacheMaxAttempts,
		MaxPayloadBytes: c.CacheMaxPayloadBytes,
	}
}

// DefaultConfigDir returns $VOUCHERD_CONFIG_DIR when set, otherwise
// $HOME/.voucherd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("VOUCHERD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".voucherd"), nil
}
