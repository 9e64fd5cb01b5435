package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration for the auction service.
// Values are resolved in order: defaults -> YAML file -> environment.
type Config struct {
	Env  string
	Port string

	DatabaseDriver string // sqlite or postgres
	DatabaseDSN    string

	JWTSecret string

	KafkaBrokers      []string
	KafkaLotTopic     string
	KafkaAuctionTopic string
	KafkaGroupID      string

	RedisURL string

	ReconcileInterval time.Duration
	StoreTimeout      time.Duration

	Auction AuctionConfig
}

// AuctionConfig holds the pricing and tolerance constants of the auction engine.
type AuctionConfig struct {
	BasePrice       float64
	DurationDays    int
	LargeThreshold  float64
	MediumThreshold float64

	LargeStartMultiplier  float64
	LargeFloorMultiplier  float64
	MediumStartMultiplier float64
	MediumFloorMultiplier float64
	SmallStartMultiplier  float64
	SmallFloorMultiplier  float64

	// CompletionRatio is the sold fraction at which an auction counts as sold out.
	CompletionRatio float64
	// PriceWriteThreshold is the minimum price movement persisted by a refresh.
	PriceWriteThreshold float64
	MaxBidAttempts      int
	HistoryPageSize     int
}

type configFile struct {
	Server struct {
		Env  string `yaml:"env"`
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		LotTopic     string   `yaml:"lot_topic"`
		AuctionTopic string   `yaml:"auction_topic"`
		GroupID      string   `yaml:"group_id"`
	} `yaml:"kafka"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Reconciler struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"reconciler"`
	Auction struct {
		BasePrice           float64 `yaml:"base_price"`
		DurationDays        int     `yaml:"duration_days"`
		LargeThreshold      float64 `yaml:"large_threshold"`
		MediumThreshold     float64 `yaml:"medium_threshold"`
		CompletionRatio     float64 `yaml:"completion_ratio"`
		PriceWriteThreshold float64 `yaml:"price_write_threshold"`
		MaxBidAttempts      int     `yaml:"max_bid_attempts"`
		HistoryPageSize     int     `yaml:"history_page_size"`
		StoreTimeoutMillis  int     `yaml:"store_timeout_ms"`
		Tiers               struct {
			Large  tierFile `yaml:"large"`
			Medium tierFile `yaml:"medium"`
			Small  tierFile `yaml:"small"`
		} `yaml:"tiers"`
	} `yaml:"auction"`
}

type tierFile struct {
	StartMultiplier float64 `yaml:"start_multiplier"`
	FloorMultiplier float64 `yaml:"floor_multiplier"`
}

func (t tierFile) apply(start, floor *float64) {
	if t.StartMultiplier > 0 {
		*start = t.StartMultiplier
	}
	if t.FloorMultiplier > 0 {
		*floor = t.FloorMultiplier
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Env:               "development",
		Port:              "8080",
		DatabaseDriver:    "sqlite",
		DatabaseDSN:       "auction.db",
		JWTSecret:         "klear-secret-key",
		KafkaLotTopic:     "lot-lifecycle",
		KafkaAuctionTopic: "auction-events",
		KafkaGroupID:      "klear-auction",
		ReconcileInterval: 5 * time.Minute,
		StoreTimeout:      3 * time.Second,
		Auction: AuctionConfig{
			BasePrice:             20.0,
			DurationDays:          15,
			LargeThreshold:        80000,
			MediumThreshold:       50000,
			LargeStartMultiplier:  1.2,
			LargeFloorMultiplier:  0.6,
			MediumStartMultiplier: 1.1,
			MediumFloorMultiplier: 0.55,
			SmallStartMultiplier:  1.0,
			SmallFloorMultiplier:  0.5,
			CompletionRatio:       0.999,
			PriceWriteThreshold:   0.01,
			MaxBidAttempts:        3,
			HistoryPageSize:       50,
		},
	}
}

// Load resolves configuration from defaults, the YAML file at path (if it
// exists) and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if f.Server.Env != "" {
		cfg.Env = f.Server.Env
	}
	if f.Server.Port != "" {
		cfg.Port = f.Server.Port
	}
	if f.Database.Driver != "" {
		cfg.DatabaseDriver = f.Database.Driver
	}
	if f.Database.DSN != "" {
		cfg.DatabaseDSN = f.Database.DSN
	}
	if len(f.Kafka.Brokers) > 0 {
		cfg.KafkaBrokers = f.Kafka.Brokers
	}
	if f.Kafka.LotTopic != "" {
		cfg.KafkaLotTopic = f.Kafka.LotTopic
	}
	if f.Kafka.AuctionTopic != "" {
		cfg.KafkaAuctionTopic = f.Kafka.AuctionTopic
	}
	if f.Kafka.GroupID != "" {
		cfg.KafkaGroupID = f.Kafka.GroupID
	}
	if f.Redis.URL != "" {
		cfg.RedisURL = f.Redis.URL
	}
	if f.Reconciler.IntervalSeconds > 0 {
		cfg.ReconcileInterval = time.Duration(f.Reconciler.IntervalSeconds) * time.Second
	}
	if f.Auction.BasePrice > 0 {
		cfg.Auction.BasePrice = f.Auction.BasePrice
	}
	if f.Auction.DurationDays > 0 {
		cfg.Auction.DurationDays = f.Auction.DurationDays
	}
	if f.Auction.LargeThreshold > 0 {
		cfg.Auction.LargeThreshold = f.Auction.LargeThreshold
	}
	if f.Auction.MediumThreshold > 0 {
		cfg.Auction.MediumThreshold = f.Auction.MediumThreshold
	}
	if f.Auction.CompletionRatio > 0 {
		cfg.Auction.CompletionRatio = f.Auction.CompletionRatio
	}
	if f.Auction.PriceWriteThreshold > 0 {
		cfg.Auction.PriceWriteThreshold = f.Auction.PriceWriteThreshold
	}
	if f.Auction.MaxBidAttempts > 0 {
		cfg.Auction.MaxBidAttempts = f.Auction.MaxBidAttempts
	}
	if f.Auction.HistoryPageSize > 0 {
		cfg.Auction.HistoryPageSize = f.Auction.HistoryPageSize
	}
	if f.Auction.StoreTimeoutMillis > 0 {
		cfg.StoreTimeout = time.Duration(f.Auction.StoreTimeoutMillis) * time.Millisecond
	}
	a := &cfg.Auction
	f.Auction.Tiers.Large.apply(&a.LargeStartMultiplier, &a.LargeFloorMultiplier)
	f.Auction.Tiers.Medium.apply(&a.MediumStartMultiplier, &a.MediumFloorMultiplier)
	f.Auction.Tiers.Small.apply(&a.SmallStartMultiplier, &a.SmallFloorMultiplier)
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Env = envOrDefault("ENV", cfg.Env)
	cfg.Port = envOrDefault("PORT", cfg.Port)
	cfg.DatabaseDriver = strings.ToLower(envOrDefault("DATABASE_DRIVER", cfg.DatabaseDriver))
	cfg.DatabaseDSN = envOrDefault("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaLotTopic = envOrDefault("KAFKA_LOT_TOPIC", cfg.KafkaLotTopic)
	cfg.KafkaAuctionTopic = envOrDefault("KAFKA_AUCTION_TOPIC", cfg.KafkaAuctionTopic)
	cfg.KafkaGroupID = envOrDefault("KAFKA_GROUP_ID", cfg.KafkaGroupID)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)

	cfg.ReconcileInterval = time.Duration(envInt("RECONCILE_INTERVAL_SECONDS", int(cfg.ReconcileInterval.Seconds()))) * time.Second
	cfg.StoreTimeout = time.Duration(envInt("STORE_TIMEOUT_MS", int(cfg.StoreTimeout.Milliseconds()))) * time.Millisecond

	cfg.Auction.BasePrice = envFloat("AUCTION_BASE_PRICE", cfg.Auction.BasePrice)
	cfg.Auction.DurationDays = envInt("AUCTION_DURATION_DAYS", cfg.Auction.DurationDays)
	cfg.Auction.CompletionRatio = envFloat("AUCTION_COMPLETION_RATIO", cfg.Auction.CompletionRatio)
	cfg.Auction.PriceWriteThreshold = envFloat("AUCTION_PRICE_WRITE_THRESHOLD", cfg.Auction.PriceWriteThreshold)
	cfg.Auction.MaxBidAttempts = envInt("AUCTION_MAX_BID_ATTEMPTS", cfg.Auction.MaxBidAttempts)
	cfg.Auction.HistoryPageSize = envInt("AUCTION_HISTORY_PAGE_SIZE", cfg.Auction.HistoryPageSize)
	cfg.Auction.LargeThreshold = envFloat("AUCTION_LARGE_THRESHOLD", cfg.Auction.LargeThreshold)
	cfg.Auction.MediumThreshold = envFloat("AUCTION_MEDIUM_THRESHOLD", cfg.Auction.MediumThreshold)

	a := &cfg.Auction
	a.LargeStartMultiplier = envFloat("AUCTION_LARGE_START_MULTIPLIER", a.LargeStartMultiplier)
	a.LargeFloorMultiplier = envFloat("AUCTION_LARGE_FLOOR_MULTIPLIER", a.LargeFloorMultiplier)
	a.MediumStartMultiplier = envFloat("AUCTION_MEDIUM_START_MULTIPLIER", a.MediumStartMultiplier)
	a.MediumFloorMultiplier = envFloat("AUCTION_MEDIUM_FLOOR_MULTIPLIER", a.MediumFloorMultiplier)
	a.SmallStartMultiplier = envFloat("AUCTION_SMALL_START_MULTIPLIER", a.SmallStartMultiplier)
	a.SmallFloorMultiplier = envFloat("AUCTION_SMALL_FLOOR_MULTIPLIER", a.SmallFloorMultiplier)
}

// Validate rejects configurations the auction engine cannot run with.
func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	if c.Auction.BasePrice <= 0 {
		return errors.New("auction base price must be positive")
	}
	if c.Auction.DurationDays <= 0 {
		return errors.New("auction duration must be at least one day")
	}
	if c.Auction.MediumThreshold <= 0 || c.Auction.LargeThreshold <= 0 {
		return errors.New("tier thresholds must be positive")
	}
	if c.Auction.MediumThreshold > c.Auction.LargeThreshold {
		return errors.New("medium threshold must not exceed large threshold")
	}
	tiers := []struct {
		name         string
		start, floor float64
	}{
		{"large", c.Auction.LargeStartMultiplier, c.Auction.LargeFloorMultiplier},
		{"medium", c.Auction.MediumStartMultiplier, c.Auction.MediumFloorMultiplier},
		{"small", c.Auction.SmallStartMultiplier, c.Auction.SmallFloorMultiplier},
	}
	for _, tier := range tiers {
		if tier.start <= 0 || tier.floor <= 0 {
			return fmt.Errorf("%s tier multipliers must be positive", tier.name)
		}
		if tier.floor > tier.start {
			return fmt.Errorf("%s tier floor multiplier exceeds its start multiplier", tier.name)
		}
	}
	if c.Auction.PriceWriteThreshold <= 0 {
		return errors.New("price write threshold must be positive")
	}
	if c.Auction.HistoryPageSize <= 0 {
		return errors.New("history page size must be positive")
	}
	if c.Auction.CompletionRatio <= 0 || c.Auction.CompletionRatio > 1 {
		return errors.New("completion ratio must be in (0, 1]")
	}
	if c.Auction.MaxBidAttempts <= 0 {
		return errors.New("max bid attempts must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("reconcile interval must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs with production logging.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envCSV(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
