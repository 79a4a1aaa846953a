package config

import (
	"testing"
	"time"

	"github.com/reggieyam998/ctf-exchange/internal/fee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.001", cfg.MakerFeePercentage)
	assert.Equal(t, "0.002", cfg.TakerFeePercentage)
	assert.Equal(t, 300*time.Second, cfg.OrderBookCacheTTL)
	assert.Equal(t, time.Second, cfg.OrderBookUpdateInterval)
	assert.Equal(t, 10, cfg.MaxOrderBookDepth)
	assert.Equal(t, []Instrument{{Symbol: "BTCUSD", AssetLedger: 20}}, cfg.Instruments)
	assert.Equal(t, OverflowDrop, cfg.SinkOverflowPolicy)

	fees, err := cfg.FeeSchedule()
	require.NoError(t, err)
	assert.Equal(t, fee.Rate(100_000), fees.MakerRate)
	assert.Equal(t, fee.Rate(200_000), fees.TakerRate)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAKER_FEE_PERCENTAGE", "0.0005")
	t.Setenv("ORDER_BOOK_CACHE_TTL", "30")
	t.Setenv("MAX_ORDER_BOOK_DEPTH", "25")
	t.Setenv("INSTRUMENTS", "btcusd:20, ethusd:30,SOLUSD")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SINK_OVERFLOW_POLICY", "BLOCK")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0005", cfg.MakerFeePercentage)
	assert.Equal(t, 30*time.Second, cfg.OrderBookCacheTTL)
	assert.Equal(t, 25, cfg.MaxOrderBookDepth)
	assert.Equal(t, []Instrument{
		{Symbol: "BTCUSD", AssetLedger: 20},
		{Symbol: "ETHUSD", AssetLedger: 30},
		{Symbol: "SOLUSD"},
	}, cfg.Instruments)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, OverflowBlock, cfg.SinkOverflowPolicy)
}

func TestInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"TAKER_FEE_PERCENTAGE":       "2",
		"MAX_ORDER_BOOK_DEPTH":       "0",
		"ORDER_BOOK_UPDATE_INTERVAL": "0",
		"SINK_OVERFLOW_POLICY":       "spill",
		"INSTRUMENTS":                "BTCUSD,BTCUSD",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseInstrumentsBadLedger(t *testing.T) {
	_, err := ParseInstruments("BTCUSD:abc")
	assert.Error(t, err)
	_, err = ParseInstruments(":20")
	assert.Error(t, err)
}
