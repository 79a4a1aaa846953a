package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/reggieyam998/ctf-exchange/internal/fee"
	"github.com/spf13/viper"
)

const (
	OverflowBlock = "block"
	OverflowDrop  = "drop"
)

// Instrument binds a symbol to the TigerBeetle ledger holding its asset.
type Instrument struct {
	Symbol      string
	AssetLedger uint32
}

type Config struct {
	// CLOB fee fractions: 0.001 is 0.1% of notional
	MakerFeePercentage string
	TakerFeePercentage string

	OrderBookCacheTTL          time.Duration
	OrderBookUpdateInterval    time.Duration
	MaxOrderBookDepth          int
	SnapshotInvalidateOnChange bool

	Instruments []Instrument

	RedisURL         string
	DatabaseURL      string
	DocumentStoreDir string

	TBAddress    string
	TBClusterID  uint64
	TBCashLedger uint32
	TBFeeAccount uint64

	KafkaBrokers []string
	KafkaTopic   string

	SinkQueueSize      int
	SinkOverflowPolicy string
	SinkRetryAttempts  int
	SinkRetryBackoff   time.Duration

	LogLevel  string
	LogPretty bool
	HTTPAddr  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("MAKER_FEE_PERCENTAGE", "0.001")
	v.SetDefault("TAKER_FEE_PERCENTAGE", "0.002")
	v.SetDefault("ORDER_BOOK_CACHE_TTL", 300)
	v.SetDefault("ORDER_BOOK_UPDATE_INTERVAL", 1)
	v.SetDefault("MAX_ORDER_BOOK_DEPTH", 10)
	v.SetDefault("SNAPSHOT_INVALIDATE_ON_CHANGE", false)
	v.SetDefault("INSTRUMENTS", "BTCUSD:20")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DOCUMENT_STORE_DIR", "")
	v.SetDefault("TB_ADDRESS", "")
	v.SetDefault("TB_CLUSTER_ID", 0)
	v.SetDefault("TB_CASH_LEDGER", 1)
	v.SetDefault("TB_FEE_ACCOUNT", 1)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "clob.settlement")
	v.SetDefault("SINK_QUEUE_SIZE", 4096)
	v.SetDefault("SINK_OVERFLOW_POLICY", OverflowDrop)
	v.SetDefault("SINK_RETRY_ATTEMPTS", 5)
	v.SetDefault("SINK_RETRY_BACKOFF_MS", 100)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("HTTP_ADDR", ":8080")
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	instruments, err := ParseInstruments(v.GetString("INSTRUMENTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		MakerFeePercentage:         v.GetString("MAKER_FEE_PERCENTAGE"),
		TakerFeePercentage:         v.GetString("TAKER_FEE_PERCENTAGE"),
		OrderBookCacheTTL:          time.Duration(v.GetInt("ORDER_BOOK_CACHE_TTL")) * time.Second,
		OrderBookUpdateInterval:    time.Duration(v.GetInt("ORDER_BOOK_UPDATE_INTERVAL")) * time.Second,
		MaxOrderBookDepth:          v.GetInt("MAX_ORDER_BOOK_DEPTH"),
		SnapshotInvalidateOnChange: v.GetBool("SNAPSHOT_INVALIDATE_ON_CHANGE"),
		Instruments:                instruments,
		RedisURL:                   v.GetString("REDIS_URL"),
		DatabaseURL:                v.GetString("DATABASE_URL"),
		DocumentStoreDir:           v.GetString("DOCUMENT_STORE_DIR"),
		TBAddress:                  v.GetString("TB_ADDRESS"),
		TBClusterID:                v.GetUint64("TB_CLUSTER_ID"),
		TBCashLedger:               v.GetUint32("TB_CASH_LEDGER"),
		TBFeeAccount:               v.GetUint64("TB_FEE_ACCOUNT"),
		KafkaBrokers:               splitCSV(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:                 v.GetString("KAFKA_TOPIC"),
		SinkQueueSize:              v.GetInt("SINK_QUEUE_SIZE"),
		SinkOverflowPolicy:         strings.ToLower(v.GetString("SINK_OVERFLOW_POLICY")),
		SinkRetryAttempts:          v.GetInt("SINK_RETRY_ATTEMPTS"),
		SinkRetryBackoff:           time.Duration(v.GetInt("SINK_RETRY_BACKOFF_MS")) * time.Millisecond,
		LogLevel:                   v.GetString("LOG_LEVEL"),
		LogPretty:                  v.GetBool("LOG_PRETTY"),
		HTTPAddr:                   v.GetString("HTTP_ADDR"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.FeeSchedule(); err != nil {
		return err
	}
	if c.OrderBookCacheTTL <= 0 {
		return fmt.Errorf("ORDER_BOOK_CACHE_TTL must be > 0")
	}
	if c.OrderBookUpdateInterval <= 0 {
		return fmt.Errorf("ORDER_BOOK_UPDATE_INTERVAL must be > 0")
	}
	if c.MaxOrderBookDepth <= 0 {
		return fmt.Errorf("MAX_ORDER_BOOK_DEPTH must be > 0")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("INSTRUMENTS must name at least one symbol")
	}
	if c.SinkQueueSize <= 0 {
		return fmt.Errorf("SINK_QUEUE_SIZE must be > 0")
	}
	if c.SinkOverflowPolicy != OverflowBlock && c.SinkOverflowPolicy != OverflowDrop {
		return fmt.Errorf("SINK_OVERFLOW_POLICY must be %q or %q, got %q", OverflowBlock, OverflowDrop, c.SinkOverflowPolicy)
	}
	if c.SinkRetryAttempts < 1 {
		return fmt.Errorf("SINK_RETRY_ATTEMPTS must be >= 1")
	}
	return nil
}

func (c *Config) FeeSchedule() (fee.Schedule, error) {
	return fee.NewSchedule(c.MakerFeePercentage, c.TakerFeePercentage)
}

// ParseInstruments reads "SYMBOL:LEDGER,..." pairs. The ledger is optional
// and defaults to 0.
func ParseInstruments(s string) ([]Instrument, error) {
	var out []Instrument
	seen := make(map[string]struct{})
	for _, item := range splitCSV(s) {
		symbol, ledger, hasLedger := strings.Cut(item, ":")
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			return nil, fmt.Errorf("instrument %q has no symbol", item)
		}
		if _, dup := seen[symbol]; dup {
			return nil, fmt.Errorf("instrument %s listed twice", symbol)
		}
		seen[symbol] = struct{}{}
		inst := Instrument{Symbol: symbol}
		if hasLedger {
			id, err := strconv.ParseUint(strings.TrimSpace(ledger), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("instrument %s ledger: %w", symbol, err)
			}
			inst.AssetLedger = uint32(id)
		}
		out = append(out, inst)
	}
	return out, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
