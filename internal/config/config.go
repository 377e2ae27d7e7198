package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"RiskGate/internal/gate"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/ingestion"
	"RiskGate/internal/persistence"
	"RiskGate/internal/risk"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RISKGATE_"

// Idempotency backends.
const (
	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Broker modes.
const (
	BrokerPaper = "paper"
	BrokerNATS  = "nats"
)

// Config holds all daemon configuration. Load applies, in order: defaults,
// .env, the YAML file, RISKGATE_* environment variables.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Store       StoreConfig       `yaml:"store"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Redis       RedisConfig       `yaml:"redis"`
	NATS        NATSConfig        `yaml:"nats"`
	Server      ServerConfig      `yaml:"server"`
	Risk        risk.Thresholds   `yaml:"risk"`
	Gate        gate.Config       `yaml:"gate"`
	Broker      BrokerConfig      `yaml:"broker"`
	Audit       AuditConfig       `yaml:"audit"`
}

type StoreConfig struct {
	// Driver is postgres or sqlite.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type IdempotencyConfig struct {
	idempotency.Config `yaml:",inline"`
	// Backend is sql, redis or memory.
	Backend       string        `yaml:"backend"`
	CacheCapacity int           `yaml:"cache_capacity"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type NATSConfig struct {
	// Enabled turns on outcome ingestion and tail anchoring.
	Enabled        bool                       `yaml:"enabled"`
	URL            string                     `yaml:"url"`
	Subscriber     ingestion.SubscriberConfig `yaml:"subscriber"`
	Worker         ingestion.WorkerConfig     `yaml:"worker"`
	AnchorInterval time.Duration              `yaml:"anchor_interval"`
	ChannelSize    int                        `yaml:"channel_size"`
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

type BrokerConfig struct {
	// Mode is paper or nats.
	Mode        string                     `yaml:"mode"`
	PaperEquity decimal.Decimal            `yaml:"paper_equity"`
	PaperPrices map[string]decimal.Decimal `yaml:"paper_prices"`
}

type AuditConfig struct {
	// VerifyInterval re-verifies the chain periodically; 0 disables.
	VerifyInterval    time.Duration `yaml:"verify_interval"`
	MaxAppendAttempts int           `yaml:"max_append_attempts"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    persistence.SQLiteDSN("riskgate.db"),
		},
		Idempotency: IdempotencyConfig{
			Config:        idempotency.DefaultConfig(),
			Backend:       BackendSQL,
			CacheCapacity: 100_000,
			ReapInterval:  time.Hour,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "riskgate:idem:",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Subscriber:     ingestion.DefaultSubscriberConfig(),
			Worker:         ingestion.DefaultWorkerConfig(),
			AnchorInterval: time.Minute,
			ChannelSize:    256,
		},
		Server: ServerConfig{
			GRPCAddr: ":9090",
			HTTPAddr: ":8080",
		},
		Risk: risk.DefaultThresholds(),
		Gate: gate.DefaultConfig(),
		Broker: BrokerConfig{
			Mode:        BrokerPaper,
			PaperEquity: decimal.NewFromInt(100_000),
		},
		Audit: AuditConfig{
			VerifyInterval:    5 * time.Minute,
			MaxAppendAttempts: 5,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// RISKGATE_CONFIG names the YAML file, if any.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// decodeYAML overlays data on cfg. Unknown keys are rejected.
func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	dec := func(name string, dst *decimal.Decimal) {
		if v, ok := lookup(name); ok {
			d, err := decimal.NewFromString(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)

	str("IDEMPOTENCY_BACKEND", &c.Idempotency.Backend)
	dur("IDEMPOTENCY_TTL", &c.Idempotency.TTL)
	dur("IDEMPOTENCY_STALE_AFTER", &c.Idempotency.StaleAfter)
	dur("IDEMPOTENCY_WAIT_TIMEOUT", &c.Idempotency.WaitTimeout)
	num("IDEMPOTENCY_CACHE_CAPACITY", &c.Idempotency.CacheCapacity)
	dur("IDEMPOTENCY_REAP_INTERVAL", &c.Idempotency.ReapInterval)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)

	flag("NATS_ENABLED", &c.NATS.Enabled)
	str("NATS_URL", &c.NATS.URL)
	dur("ANCHOR_INTERVAL", &c.NATS.AnchorInterval)

	str("GRPC_ADDR", &c.Server.GRPCAddr)
	str("HTTP_ADDR", &c.Server.HTTPAddr)

	num("MAX_CONSECUTIVE_LOSSES", &c.Risk.MaxConsecutiveLosses)
	dec("DAILY_LOSS_LIMIT_PERCENT", &c.Risk.DailyLossLimitPercent)
	dec("DRAWDOWN_LIMIT_PERCENT", &c.Risk.AccountDrawdownLimitPercent)

	dur("SUBMIT_TIMEOUT", &c.Gate.SubmitTimeout)
	dur("CANCEL_TIMEOUT", &c.Gate.CancelTimeout)

	str("BROKER_MODE", &c.Broker.Mode)
	dec("PAPER_EQUITY", &c.Broker.PaperEquity)

	dur("AUDIT_VERIFY_INTERVAL", &c.Audit.VerifyInterval)

	return errors.Join(errs...)
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := persistence.ParseDialect(c.Store.Driver); err != nil {
		errs = append(errs, fmt.Errorf("store.driver: %w", err))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}

	switch c.Idempotency.Backend {
	case BackendSQL, BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis idempotency backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend must be sql, redis or memory, got %q", c.Idempotency.Backend))
	}
	if c.Idempotency.TTL <= 0 || c.Idempotency.StaleAfter <= 0 || c.Idempotency.WaitTimeout <= 0 {
		errs = append(errs, errors.New("idempotency ttl, stale_after and wait_timeout must be positive"))
	}
	if c.Idempotency.CacheCapacity < 0 {
		errs = append(errs, errors.New("idempotency.cache_capacity must not be negative"))
	}

	if err := c.Risk.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	if c.Gate.SubmitTimeout <= 0 || c.Gate.CancelTimeout <= 0 {
		errs = append(errs, errors.New("gate submit_timeout and cancel_timeout must be positive"))
	}
	// A reservation must not turn stale while its submitter call can still run.
	if c.Idempotency.StaleAfter > 0 && c.Idempotency.StaleAfter <= c.Gate.SubmitTimeout {
		errs = append(errs, fmt.Errorf("idempotency.stale_after (%s) must exceed gate.submit_timeout (%s)",
			c.Idempotency.StaleAfter, c.Gate.SubmitTimeout))
	}

	switch c.Broker.Mode {
	case BrokerPaper:
		if !c.Broker.PaperEquity.IsPositive() {
			errs = append(errs, errors.New("broker.paper_equity must be positive"))
		}
	case BrokerNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for the nats broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.mode must be paper or nats, got %q", c.Broker.Mode))
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.NATS.AnchorInterval < 0 || c.Audit.VerifyInterval < 0 || c.Idempotency.ReapInterval < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}
	if c.Server.GRPCAddr == "" {
		errs = append(errs, errors.New("server.grpc_addr is required"))
	}
	return errors.Join(errs...)
}

// Dialect returns the parsed store driver. Call after Validate.
func (c *Config) Dialect() persistence.Dialect {
	d, _ := persistence.ParseDialect(c.Store.Driver)
	return d
}
