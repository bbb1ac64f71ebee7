package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/api"
	"github.com/honeynil/PropertyTransactionService/internal/clock"
	"github.com/honeynil/PropertyTransactionService/internal/config"
	"github.com/honeynil/PropertyTransactionService/internal/handler"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/auth"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/kafka"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/lock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/redis"
	"github.com/honeynil/PropertyTransactionService/internal/observability"
	"github.com/honeynil/PropertyTransactionService/internal/repository"
	"github.com/honeynil/PropertyTransactionService/internal/repository/memory"
	"github.com/honeynil/PropertyTransactionService/internal/repository/postgres"
	service "github.com/honeynil/PropertyTransactionService/internal/services"
	"golang.org/x/sync/errgroup"
)

const serviceName = "property-transaction-service"

func main() {
	if err := run(); err != nil {
		slog.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := buildLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	clk := clock.NewSystem()
	inventory := service.NewInventoryCoordinator(store, clk)
	ledger := service.NewMilestoneLedger(store, locker, clk)
	htb := service.NewHTBClaimWorkflow(store, locker, clk)
	machine := service.NewTransactionStateMachine(store, locker, ledger, inventory, clk, service.Config{
		Schedule:       cfg.Schedule,
		ReservationTTL: cfg.ReservationTTL,
	})
	sweeper := service.NewSweeper(store, machine, ledger, clk, cfg.ReservationTTL, cfg.SweepWorkers)

	var publisher service.EventPublisher = service.LogPublisher{}
	g, ctx := errgroup.WithContext(ctx)

	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer producer.Close()
		publisher = producer

		consumer := kafka.NewPaymentConsumer(cfg.KafkaBrokers, cfg.KafkaPaymentsTopic, cfg.KafkaGroupID, ledger)
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(ctx) })
	} else {
		slog.Warn("KAFKA_BROKER not set, domain events are only logged and payment confirmations are not consumed")
	}

	dispatcher := service.NewOutboxDispatcher(store.Outbox(), publisher, clk, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx, cfg.SweepInterval) })

	tokens := auth.NewTokenManager(cfg.JWTSecret, 24*time.Hour)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.SetupRouter(handler.NewHandler(machine, ledger, htb, inventory), tokens),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("server stopped")
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, func(), error) {
	if cfg.StoreBackend == config.BackendMemory {
		slog.Warn("using in-memory store, state is lost on restart")
		return memory.NewStore(), func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return postgres.NewStore(db), func() { _ = db.Close() }, nil
}

// buildLocker puts the in-process table in front of the redis locker when
// REDIS_ADDR is set, so that several instances serialise on the same keys.
func buildLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	table := lock.NewTable(cfg.LockWait)
	if cfg.RedisAddr == "" {
		slog.Warn("REDIS_ADDR not set, locks are local to this instance")
		return table, func() {}, nil
	}

	client, err := redis.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	distributed := redis.NewLocker(client, redis.LockOptions{
		Expiry:     cfg.LockExpiry,
		Wait:       cfg.LockWait,
		RetryDelay: redis.DefaultLockOptions().RetryDelay,
	})
	return lock.Chain{table, distributed}, func() { _ = client.Close() }, nil
}
