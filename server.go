package voucherd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/cacheaside"
	"pkt.systems/voucherd/internal/clock"
	"pkt.systems/voucherd/internal/coord"
	"pkt.systems/voucherd/internal/dlock"
	"pkt.systems/voucherd/internal/events"
	"pkt.systems/voucherd/internal/httpapi"
	"pkt.systems/voucherd/internal/idgen"
	"pkt.systems/voucherd/internal/loggingutil"
	"pkt.systems/voucherd/internal/seckill"
	"pkt.systems/voucherd/internal/shop"
	"pkt.systems/voucherd/internal/store"
)

// Server owns every component: the Redis client, the backing store, the
// rebuild pool, the order consumer, the event bus and the HTTP listener.
type Server struct {
	cfg    Config
	logger pslog.Logger

	redis     redis.UniversalClient
	ownsRedis bool
	store     store.Store
	ownsStore bool
	telemetry *telemetry

	pool     *cacheaside.Pool
	bus      *events.Bus
	monitor  *seckill.DivergenceMonitor
	consumer *seckill.Consumer
	queue    *seckill.Queue
	shops    *shop.Service
	seckill  *seckill.Service
	httpSrv  *http.Server

	bgCtx    context.Context
	bgCancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	shutdown  bool
	listener  net.Listener
	readyCh   chan struct{}
	readyOnce sync.Once
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger pslog.Logger
	redis  redis.UniversalClient
	store  store.Store
	clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRedis injects a pre-built coordination store client. The server does
// not close it.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithStore injects a pre-built backing store. The server does not close it.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithClock injects the clock used for logical expiry, ids and sale windows.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewServer validates cfg and wires every component. Nothing runs until
// Start.
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.logger)
	clk := clock.OrReal(o.clock)
	ctx := context.Background()

	s := &Server{cfg: cfg, logger: loggingutil.WithSubsystem(logger, "server"), readyCh: make(chan struct{})}
	defer func() {
		if err != nil {
			s.closeResources(ctx)
		}
	}()

	if s.telemetry, err = startTelemetry(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if o.redis != nil {
		s.redis = o.redis
	} else {
		client, err := coord.Open(ctx, coord.Options{
			URL:          cfg.RedisURL,
			PoolSize:     cfg.RedisPoolSize,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
			PingTimeout:  cfg.RedisTimeout,
		})
		if err != nil {
			return nil, err
		}
		s.redis, s.ownsRedis = client, true
	}
	if o.store != nil {
		s.store = o.store
	} else {
		st, err := openStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		s.store, s.ownsStore = st, true
	}

	locker := dlock.NewLocker(s.redis, dlock.WithLogger(logger))
	s.pool = cacheaside.NewPool(cfg.RebuildWorkers, cfg.RebuildQueue, logger)
	engine := cacheaside.NewEngine(s.redis, locker, s.pool,
		cacheaside.WithClock(clk),
		cacheaside.WithLogger(logger),
		cacheaside.WithPolicy(cfg.cachePolicy()),
	)
	s.shops, err = shop.NewService(engine, s.store, shop.Config{
		Strategy:    cacheaside.Strategy(cfg.CacheStrategy),
		ShopTTL:     cfg.ShopTTL,
		ShopTypeTTL: cfg.ShopTypeTTL,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	s.queue = seckill.NewQueue(s.redis, seckill.QueueConfig{
		Stream:   cfg.OrderStream,
		Group:    cfg.ConsumerGroup,
		Consumer: cfg.ConsumerName,
	})
	s.seckill, err = seckill.NewService(seckill.Deps{
		Client:          s.redis,
		Vouchers:        s.store,
		Orders:          s.store,
		IDs:             idgen.New(s.redis, idgen.WithEpoch(cfg.IDEpoch), idgen.WithClock(clk), idgen.WithLogger(logger)),
		Gate:            seckill.NewGate(s.redis, cfg.OrderStream),
		Engine:          engine,
		VoucherCacheTTL: cfg.VoucherCacheTTL,
		Clock:           clk,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	s.bus = events.NewBus(cfg.EventBuffer, logger)
	s.monitor = seckill.NewDivergenceMonitor(logger)
	if !cfg.DisableConsumer {
		s.consumer = seckill.NewConsumer(s.queue, locker, seckill.NewMaterializer(s.store, logger),
			seckill.WithEvents(s.bus),
			seckill.WithConsumerLogger(logger),
			seckill.WithConsumerClock(clk),
			seckill.WithConsumerConfig(seckill.ConsumerConfig{
				BlockTimeout:        cfg.ConsumerBlock,
				RecoveryBackoff:     cfg.RecoveryBackoff,
				RecoveryMaxBackoff:  cfg.RecoveryMaxBackoff,
				OrderLockTTL:        cfg.OrderLockTTL,
				MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
			}),
		)
	}

	handler := httpapi.New(httpapi.Config{
		Shops:   s.shops,
		Seckill: s.seckill,
		Health: func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		},
		Logger:         logger,
		TracingEnabled: s.telemetry.Tracing(),
	})
	s.httpSrv = &http.Server{
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	return s, nil
}

// Handler returns the HTTP handler so the API can be mounted elsewhere.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Shops returns the shop service.
func (s *Server) Shops() *shop.Service { return s.shops }

// Seckill returns the seckill service.
func (s *Server) Seckill() *seckill.Service { return s.seckill }

// Divergences returns the number of admitted tickets the backing store
// rejected for lack of stock since start.
func (s *Server) Divergences() int64 { return s.monitor.Count() }

// PreheatShops warms logical-expiry entries for ids and returns the ids that
// do not exist.
func (s *Server) PreheatShops(ctx context.Context, ids ...int64) ([]int64, error) {
	return s.shops.Preheat(ctx, ids...)
}

// Start launches the background components, binds the listener and serves
// until Shutdown.
func (s *Server) Start() error {
	if err := s.startComponents(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("listening", "address", ln.Addr().String(), "strategy", s.cfg.CacheStrategy, "consumer", s.consumer != nil)
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

func (s *Server) startComponents() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errors.New("voucherd: server is shut down")
	}
	if s.started {
		return errors.New("voucherd: server already started")
	}
	s.pool.Start()
	if err := s.monitor.Watch(s.bgCtx, s.bus); err != nil {
		return err
	}
	if s.consumer != nil {
		if err := s.consumer.Start(s.bgCtx); err != nil {
			return err
		}
	}
	s.started = true
	return nil
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests, drains the consumer and the rebuild
// pool, then closes owned resources. Unacknowledged tickets stay pending for
// the next start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("shutdown.complete")
	return nil
}

func (s *Server) closeResources(ctx context.Context) error {
	var errs []error
	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.ownsRedis && s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close shuts the server down within the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// StartServer starts a server in a background goroutine and waits until it
// accepts connections. The returned stop function shuts it down. When ctx
// ends the server is stopped too.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("voucherd: server exited before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
		stopped  = make(chan struct{})
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			close(stopped)
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	watchContext(ctx, stopped, stop)
	return srv, stop, nil
}

// watchContext calls stop once ctx is cancelled. The returned channel closes
// when the watcher exits, either after stop or once stopped is closed.
func watchContext(ctx context.Context, stopped <-chan struct{}, stop func(context.Context) error) <-chan struct{} {
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = stop(context.Background())
		case <-stopped:
		}
	}()
	return exited
}
