package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateConfig maps an uppercase currency code to how many units of that
// currency equal 1 Sokocoin. Read-only after load, so it is safe for
// unsynchronized concurrent reads.
type RateConfig struct {
	Rates map[string]float64
}

// Defaults mirror the launch markets: 1 SOK = 1000 TZS, 52.7 KES, 587 NGN.
func LoadRateConfig() *RateConfig {
	rates := map[string]float64{
		"TZS": getEnvAsFloat("SOKOCOIN_EXCHANGE_RATE_TZS", 1000.0),
		"KES": getEnvAsFloat("SOKOCOIN_EXCHANGE_RATE_KES", 52.7),
		"NGN": getEnvAsFloat("SOKOCOIN_EXCHANGE_RATE_NGN", 587.0),
	}

	// Extra markets can be added without a rebuild: "UGX=3700,RWF=1350"
	if extra := os.Getenv("SOKOCOIN_EXCHANGE_RATES_EXTRA"); extra != "" {
		for _, pair := range strings.Split(extra, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(parts) != 2 {
				continue
			}
			if rate, err := strconv.ParseFloat(parts[1], 64); err == nil && rate > 0 {
				rates[strings.ToUpper(parts[0])] = rate
			}
		}
	}

	return &RateConfig{Rates: rates}
}

type GatewayConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookHash   string
	Timeout       time.Duration
	UseMock       bool
	MockOutcome   string // success, rejected, timeout
	MockReference string
}

func LoadGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		BaseURL:       getEnv("GATEWAY_BASE_URL", "https://api.flutterwave.com/v3"),
		SecretKey:     getEnv("GATEWAY_SECRET_KEY", ""),
		WebhookHash:   getEnv("GATEWAY_WEBHOOK_HASH", ""),
		Timeout:       getEnvAsDuration("GATEWAY_TIMEOUT", 30*time.Second),
		UseMock:       getEnvAsBool("MOCK_CASHOUT_TRANSFERS", false),
		MockOutcome:   getEnv("MOCK_CASHOUT_OUTCOME", "success"),
		MockReference: getEnv("MOCK_CASHOUT_REFERENCE", "MOCK-TRANSFER"),
	}
}

type ReconcilerConfig struct {
	StuckThreshold time.Duration
	SweepInterval  time.Duration
	SweepEnabled   bool
}

func LoadReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{
		StuckThreshold: getEnvAsDuration("CASHOUT_STUCK_THRESHOLD", 1*time.Hour),
		SweepInterval:  getEnvAsDuration("CASHOUT_SWEEP_INTERVAL", 15*time.Minute),
		SweepEnabled:   getEnvAsBool("CASHOUT_SWEEP_ENABLED", true),
	}
}

type EventsConfig struct {
	Brokers []string
	Topic   string
}

func LoadEventsConfig() *EventsConfig {
	brokers := getEnv("KAFKA_BROKERS", "")
	cfg := &EventsConfig{Topic: getEnv("KAFKA_LEDGER_TOPIC", "ledger-events")}
	if brokers != "" {
		cfg.Brokers = strings.Split(brokers, ",")
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
