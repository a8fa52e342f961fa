package models

import (
	"math"
	"strings"
)

// Currencies Stripe reports without a minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true,
	"xpf": true,
}

// FromMinor converts a provider minor-unit amount into decimal currency.
// This is the only place amounts are converted.
func FromMinor(amount int64, currency string) float64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return float64(amount)
	}
	return math.Round(float64(amount)) / 100
}
