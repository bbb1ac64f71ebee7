package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const defaultSchedule = "BOOKING_DEPOSIT:10:3,CONTRACT_DEPOSIT:10:28,STAGE_PAYMENT:30:180,FINAL_PAYMENT:50:365"

type Config struct {
	HTTPAddr           string
	StoreBackend       string
	PostgresDSN        string
	RedisAddr          string
	KafkaBrokers       []string
	KafkaEventsTopic   string
	KafkaPaymentsTopic string
	KafkaGroupID       string
	JWTSecret          string
	OTLPEndpoint       string
	Schedule           models.ScheduleConfig
	ReservationTTL     time.Duration
	LockWait           time.Duration
	LockExpiry         time.Duration
	SweepInterval      time.Duration
	SweepWorkers       int
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
}

// Load reads .env if present, then the environment. Unset variables take
// their defaults; malformed ones are an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using environment and defaults", "error", err)
	}
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}
	cfg := &Config{
		HTTPAddr:           e.str("HTTP_ADDR", ":8080"),
		StoreBackend:       e.str("STORE_BACKEND", BackendPostgres),
		PostgresDSN:        e.str("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=property sslmode=disable"),
		RedisAddr:          getenv("REDIS_ADDR"),
		KafkaBrokers:       splitList(getenv("KAFKA_BROKER")),
		KafkaEventsTopic:   e.str("KAFKA_EVENTS_TOPIC", "property-transaction-events"),
		KafkaPaymentsTopic: e.str("KAFKA_PAYMENTS_TOPIC", "payment-confirmations"),
		KafkaGroupID:       e.str("KAFKA_GROUP_ID", "property-transaction-service"),
		JWTSecret:          e.str("JWT_SECRET", "supersecret"),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT"),
		ReservationTTL:     e.duration("RESERVATION_TTL", 72*time.Hour),
		LockWait:           e.duration("LOCK_WAIT", 2*time.Second),
		LockExpiry:         e.duration("LOCK_EXPIRY", 10*time.Second),
		SweepInterval:      e.duration("SWEEP_INTERVAL", time.Minute),
		SweepWorkers:       e.int("SWEEP_WORKERS", 1),
		OutboxPollInterval: e.duration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		OutboxBatchSize:    e.int("OUTBOX_BATCH_SIZE", 100),
	}

	schedule, err := ParseSchedule(e.str("PAYMENT_SCHEDULE", defaultSchedule))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("PAYMENT_SCHEDULE: %w", err))
	}
	cfg.Schedule = schedule

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"store_backend", cfg.StoreBackend,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"reservation_ttl", cfg.ReservationTTL,
	)
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.StoreBackend != BackendPostgres && c.StoreBackend != BackendMemory {
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend))
	}
	if c.StoreBackend == BackendPostgres && c.PostgresDSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres backend"))
	}
	if c.ReservationTTL <= 0 {
		errs = append(errs, errors.New("RESERVATION_TTL must be positive"))
	}
	if c.LockWait < 0 || c.LockExpiry <= 0 {
		errs = append(errs, errors.New("LOCK_WAIT must not be negative and LOCK_EXPIRY must be positive"))
	}
	if c.SweepInterval <= 0 || c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL and OUTBOX_POLL_INTERVAL must be positive"))
	}
	if c.SweepWorkers < 1 || c.OutboxBatchSize < 1 {
		errs = append(errs, errors.New("SWEEP_WORKERS and OUTBOX_BATCH_SIZE must be at least 1"))
	}
	if err := c.Schedule.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("PAYMENT_SCHEDULE: %w", err))
	}
	return errors.Join(errs...)
}

// ParseSchedule reads TYPE:percent:dueDays entries separated by commas.
// Entries with a zero percentage are kept; the ledger skips them.
func ParseSchedule(s string) (models.ScheduleConfig, error) {
	var cfg models.ScheduleConfig
	for _, item := range splitList(s) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return models.ScheduleConfig{}, fmt.Errorf("entry %q: want TYPE:percent:dueDays", item)
		}
		pct, err := decimal.NewFromString(parts[1])
		if err != nil {
			return models.ScheduleConfig{}, fmt.Errorf("entry %q: bad percentage: %w", item, err)
		}
		days, err := strconv.Atoi(parts[2])
		if err != nil {
			return models.ScheduleConfig{}, fmt.Errorf("entry %q: bad due days: %w", item, err)
		}
		cfg.Entries = append(cfg.Entries, models.ScheduleEntry{
			Type:     models.MilestoneType(strings.ToUpper(strings.TrimSpace(parts[0]))),
			Percent:  pct,
			DueAfter: time.Duration(days) * 24 * time.Hour,
		})
	}
	return cfg, nil
}

type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) int(key string, def int) int {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
