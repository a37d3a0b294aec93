package command

import (
	"context"
	"expvar"
	"net/http"
	"time"

	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"qms/queue-engine/internal/booking"
	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/hub"
	"qms/queue-engine/internal/rebalancer"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	redisstore "qms/queue-engine/internal/store/redis"
	"qms/queue-engine/internal/telemetry"
)

const serviceName = "queue-engine"

type Serve struct {
	Logger *logrus.Logger
}

func (cmd Serve) Command(ctx context.Context, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the queue HTTP API and background rebalancer",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmd.main(ctx, cfg)
		},
	}
}

func (cmd Serve) main(ctx context.Context, cfg config.Config) error {
	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, cmd.Logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			cmd.Logger.WithError(err).Warn("telemetry shutdown")
		}
	}()

	tokens, closeTokens, err := cmd.tokenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTokens()

	queue, closeQueue, err := cmd.queueStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	h := hub.New(cmd.Logger)
	eng := engine.New(queue, engine.Options{
		Scoring:         cfg.Scoring,
		Clock:           clock.System{},
		Notifier:        h,
		ConflictRetries: cfg.ConflictRetries,
	})
	svc := booking.NewService(tokens, eng, clock.System{})
	balancer := rebalancer.New(eng, rebalancer.Options{
		Interval:    cfg.RebalanceInterval,
		Concurrency: cfg.RebalanceConcurrency,
		RunTimeout:  cfg.RebalanceTimeout,
		Logger:      cmd.Logger,
	})

	handler := httpapi.NewHandler(svc, balancer)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, h.Session))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(cmd.Logger, limiter.Middleware(mux)), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cmd.Logger.WithFields(logrus.Fields{
			"addr":    server.Addr,
			"backend": cfg.QueueBackend,
		}).Info("queue-engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve: http server")
		}
		return nil
	})
	g.Go(func() error {
		balancer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "serve: shutdown")
		}
		cmd.Logger.Info("queue-engine stopped")
		return nil
	})
	return g.Wait()
}

func (cmd Serve) tokenStore(ctx context.Context, cfg config.Config) (store.TokenStore, func(), error) {
	if cfg.DatabaseURL == "" {
		cmd.Logger.Warn("DB_DSN not set, token records are kept in memory")
		return memory.NewTokenStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "serve: connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "serve: ping postgres")
	}
	return postgres.NewTokenStore(pool), pool.Close, nil
}

func (cmd Serve) queueStore(ctx context.Context, cfg config.Config) (store.QueueStore, func(), error) {
	switch cfg.QueueBackend {
	case config.BackendMemory:
		return memory.NewQueueStore(), func() {}, nil
	case config.BackendRedis:
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "serve: connect redis")
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				cmd.Logger.WithError(err).Warn("close redis")
			}
		}
		return redisstore.NewQueueStore(client, redisstore.Options{Prefix: cfg.RedisPrefix}), closeFn, nil
	default:
		return nil, nil, errors.Errorf("serve: unknown queue backend %q", cfg.QueueBackend)
	}
}
