// Package fees computes the relayer fee for a withdrawal. The fee is the
// maximum of three independent lower bounds: a percentage of the denomination,
// a flat per-denomination minimum, and the projected gas cost with a safety
// margin. The relayer therefore never relays at a gas loss.
package fees

import (
	"fmt"
	"math"
	"math/big"
)

// Schedule is the static per-denomination fee table. It is declared data,
// loaded from config; nothing here touches the chain.
type Schedule struct {
	// Percent maps denomination label to the percentage floor (e.g. 0.5).
	Percent map[string]float64
	// MinFee maps denomination label to the flat floor in wei.
	MinFee map[string]*big.Int
	// Value maps denomination label to the pool value in wei.
	Value map[string]*big.Int
	// WithdrawGas is the gas a withdraw transaction is assumed to burn.
	WithdrawGas uint64
	// GasMarginPercent widens the gas floor (20 means +20%).
	GasMarginPercent int64
}

// plsWei converts whole native-token units to wei.
func plsWei(units int64) *big.Int {
	wei := new(big.Int).SetInt64(units)
	return wei.Mul(wei, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// DefaultSchedule mirrors the deployed relayer's fee table.
func DefaultSchedule() *Schedule {
	return &Schedule{
		Percent: map[string]float64{
			"1":    0.75,
			"1M":   0.5,
			"10M":  0.4,
			"100M": 0.3,
			"1B":   0.25,
		},
		MinFee: map[string]*big.Int{
			"1":    plsWei(100),
			"1M":   plsWei(5_000),
			"10M":  plsWei(10_000),
			"100M": plsWei(20_000),
			"1B":   plsWei(50_000),
		},
		Value: map[string]*big.Int{
			"1":    plsWei(1),
			"1M":   plsWei(1_000_000),
			"10M":  plsWei(10_000_000),
			"100M": plsWei(100_000_000),
			"1B":   plsWei(1_000_000_000),
		},
		WithdrawGas:      350_000,
		GasMarginPercent: 20,
	}
}

// Calculate returns the fee in wei for withdrawing the given denomination at
// the given gas price. Unknown denominations are an error, not a default.
func (s *Schedule) Calculate(denomination string, gasPriceWei *big.Int) (*big.Int, error) {
	value, ok := s.Value[denomination]
	if !ok {
		return nil, fmt.Errorf("unknown denomination %q", denomination)
	}
	percent, ok := s.Percent[denomination]
	if !ok {
		return nil, fmt.Errorf("no fee percent for denomination %q", denomination)
	}
	minFee, ok := s.MinFee[denomination]
	if !ok {
		return nil, fmt.Errorf("no minimum fee for denomination %q", denomination)
	}

	// Percentage floor, in basis points to stay in integer math.
	bps := int64(math.Round(percent * 100))
	fee := new(big.Int).Mul(value, big.NewInt(bps))
	fee.Div(fee, big.NewInt(10_000))

	if fee.Cmp(minFee) < 0 {
		fee = new(big.Int).Set(minFee)
	}

	if gasPriceWei != nil && gasPriceWei.Sign() > 0 {
		gasCost := new(big.Int).Mul(gasPriceWei, new(big.Int).SetUint64(s.WithdrawGas))
		gasCost.Mul(gasCost, big.NewInt(100+s.GasMarginPercent))
		gasCost.Div(gasCost, big.NewInt(100))
		if fee.Cmp(gasCost) < 0 {
			fee = gasCost
		}
	}

	return fee, nil
}

// Override replaces schedule entries with configured values, leaving the
// defaults in place for denominations the maps leave out. Nil maps are
// ignored.
func (s *Schedule) Override(percent map[string]float64, minFee, value map[string]*big.Int) {
	for denom, p := range percent {
		s.Percent[denom] = p
	}
	for denom, v := range minFee {
		s.MinFee[denom] = v
	}
	for denom, v := range value {
		s.Value[denom] = v
	}
}

// Denominations lists the labels the schedule covers.
func (s *Schedule) Denominations() []string {
	out := make([]string, 0, len(s.Value))
	for d := range s.Value {
		out = append(out, d)
	}
	return out
}
