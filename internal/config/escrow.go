package config

import (
	"os"
	"strconv"
	"time"
)

type EscrowConfig struct {
	FeePercent          float64
	OfferTTL            time.Duration
	EscrowHoldWindow    time.Duration
	SweepInterval       time.Duration
	ReferralBonusCents  int64
	MinWithdrawalCents  int64
	CheckoutBaseURL     string
}

func LoadEscrowConfig() *EscrowConfig {
	return &EscrowConfig{
		FeePercent:         getEnvAsFloat("ESCROW_FEE_PERCENT", 4.0),
		OfferTTL:           getEnvAsDuration("OFFER_TTL", 48*time.Hour),
		EscrowHoldWindow:   getEnvAsDuration("ESCROW_HOLD_WINDOW", 72*time.Hour),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", time.Hour),
		ReferralBonusCents: getEnvAsInt64("REFERRAL_BONUS_CENTS", 500),
		MinWithdrawalCents: getEnvAsInt64("MIN_WITHDRAWAL_CENTS", 1000),
		CheckoutBaseURL:    getEnv("CHECKOUT_BASE_URL", "https://pay.example.com/checkout"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
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

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
