package services

import (
	"math"
	"strings"

	"github.com/sokoni/ledger/internal/config"
)

// ExchangeRateService converts between a seller's local currency and Sokocoin
// minor units (1 SOK = 100 units). Rates are read-only configuration, stated
// as units of local currency per 1 SOK, so the converter is stateless and
// safe for concurrent use. Callers snapshot the returned rate into the
// transaction they create; rates are never recomputed afterwards.
type ExchangeRateService struct {
	rates map[string]float64
}

func NewExchangeRateService(cfg *config.RateConfig) *ExchangeRateService {
	return &ExchangeRateService{rates: cfg.Rates}
}

// Rate returns the configured units-per-Sokocoin rate for a currency.
func (s *ExchangeRateService) Rate(currency string) (float64, error) {
	rate, ok := s.rates[strings.ToUpper(currency)]
	if !ok || rate <= 0 {
		return 0, ErrUnknownCurrency
	}
	return rate, nil
}

// ToSokocoin converts a local-currency amount into Sokocoin minor units,
// rounding to the nearest 0.01 SOK half-up. Returns the amount and the rate
// used, for snapshotting.
func (s *ExchangeRateService) ToSokocoin(localAmount float64, currency string) (int64, float64, error) {
	rate, err := s.Rate(currency)
	if err != nil {
		return 0, 0, err
	}
	minorUnits := roundHalfUp(localAmount / rate * 100)
	return minorUnits, rate, nil
}

// FromSokocoin converts Sokocoin minor units back into the local currency.
func (s *ExchangeRateService) FromSokocoin(minorUnits int64, currency string) (float64, float64, error) {
	rate, err := s.Rate(currency)
	if err != nil {
		return 0, 0, err
	}
	return float64(minorUnits) / 100 * rate, rate, nil
}

// roundHalfUp rounds to the nearest integer with ties going up. Inputs are
// always non-negative here.
func roundHalfUp(x float64) int64 {
	return int64(math.Floor(x + 0.5))
}
