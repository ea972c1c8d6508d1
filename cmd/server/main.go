package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/ticket-inventory/internal/adapter/handler"
	"github.com/rl1809/ticket-inventory/internal/adapter/messaging"
	"github.com/rl1809/ticket-inventory/internal/adapter/storage"
	"github.com/rl1809/ticket-inventory/internal/config"
	"github.com/rl1809/ticket-inventory/internal/core/service"
	"github.com/rl1809/ticket-inventory/internal/port"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

type stores struct {
	inventory port.InventoryStore
	ledger    port.OrderLedger
	close     func()
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	opts := []storage.Option{storage.WithLogger(logger), storage.WithRestockClamp(cfg.RestockClamp)}

	switch cfg.StorageDriver {
	case "mysql":
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return stores{}, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return stores{}, fmt.Errorf("ping mysql: %w", err)
		}
		if cfg.AutoMigrate {
			if err := storage.EnsureMySQLSchema(ctx, db); err != nil {
				db.Close()
				return stores{}, err
			}
		}
		logger.Info("connected to mysql")
		return stores{
			inventory: storage.NewMySQLInventory(db, opts...),
			ledger:    storage.NewMySQLLedger(db, opts...),
			close:     func() { db.Close() },
		}, nil

	case "postgres":
		pool, err := storage.Connect(ctx, cfg.PostgresDSN, 50)
		if err != nil {
			return stores{}, err
		}
		if cfg.AutoMigrate {
			if err := storage.EnsurePostgresSchema(ctx, pool); err != nil {
				pool.Close()
				return stores{}, err
			}
		}
		logger.Info("connected to postgres")
		return stores{
			inventory: storage.NewPostgresInventory(pool, opts...),
			ledger:    storage.NewPostgresLedger(pool, opts...),
			close:     pool.Close,
		}, nil

	default:
		logger.Warn("using in-memory storage, data is lost on exit")
		return stores{
			inventory: storage.NewMemoryInventory(opts...),
			ledger:    storage.NewMemoryLedger(opts...),
			close:     func() {},
		}, nil
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	coordOpts := []service.Option{service.WithLogger(logger)}

	var locker port.LeaseLocker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("connected to redis")

		coordOpts = append(coordOpts, service.WithIdempotencyGuard(storage.NewRedisIdempotencyGuard(rdb, cfg.IdempotencyTTL)))
		locker = storage.NewRedisLeaseLocker(rdb)
	} else {
		coordOpts = append(coordOpts, service.WithIdempotencyGuard(storage.NewMemoryIdempotencyGuard(cfg.IdempotencyTTL)))
	}

	if len(cfg.KafkaBrokers) > 0 {
		events := messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.ServiceName, 1024, logger)
		events.Start()
		defer func() {
			if err := events.Close(); err != nil {
				logger.Warn("close kafka publisher", slog.Any("error", err))
			}
		}()
		coordOpts = append(coordOpts, service.WithEventPublisher(events))
		logger.Info("publishing order events", slog.String("topic", cfg.KafkaTopic))
	}

	var alerts port.AlertSink
	if cfg.RabbitMQURL != "" {
		alerts = messaging.NewRabbitAlertSink(cfg.RabbitMQURL, cfg.AlertQueue, logger)
		coordOpts = append(coordOpts, service.WithAlertSink(alerts))
	}

	retry := service.RetryPolicy{Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff, MaxBackoff: time.Second}
	coordinator := service.NewReservationCoordinator(st.inventory, st.ledger, service.Config{
		MaxQuantityPerOrder: cfg.MaxQuantityPerOrder,
		DataAccessTimeout:   cfg.DataAccessTimeout,
		Retry:               retry,
	}, coordOpts...)

	sweeper := service.NewExpirySweeper(st.ledger, coordinator, locker, service.SweeperConfig{
		Interval:    cfg.SweepInterval,
		ExpireAfter: cfg.OrderExpiry,
		BatchSize:   cfg.SweepBatchSize,
		Retry:       retry,
	}, logger)
	reconciler := service.NewReconciler(st.inventory, st.ledger, alerts, logger)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogger(logger)))
	handler.RegisterReservationServer(grpcServer, handler.NewGRPCHandler(coordinator, logger))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewHTTPHandler(coordinator, reconciler, logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", slog.Any("error", err))
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	return g.Wait()
}
