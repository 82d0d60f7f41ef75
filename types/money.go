package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MicroUSD is a fixed-point amount in millionths of a dollar.
type MicroUSD int64

// MicrosPerUSD is the scale factor of MicroUSD.
const MicrosPerUSD = 1_000_000

// USD converts a float dollar amount, rounding half away from zero.
func USD(v float64) MicroUSD {
	return MicroUSD(math.Round(v * MicrosPerUSD))
}

// Float returns the amount in dollars.
func (m MicroUSD) Float() float64 {
	return float64(m) / MicrosPerUSD
}

// String formats as "$1.234567".
func (m MicroUSD) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%06d", sign, v/MicrosPerUSD, v%MicrosPerUSD)
}

// MarshalJSON encodes as a decimal number of dollars with six fractional digits.
func (m MicroUSD) MarshalJSON() ([]byte, error) {
	s := m.String()
	if s[0] == '-' {
		return []byte("-" + s[2:]), nil
	}
	return []byte(s[1:]), nil
}

// UnmarshalJSON accepts a JSON number of dollars.
func (m *MicroUSD) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return err
	}
	*m = USD(f)
	return nil
}

// Usage aggregates token counts and cost.
type Usage struct {
	TokensInput  int64    `json:"tokens_input"`
	TokensOutput int64    `json:"tokens_output"`
	Cost         MicroUSD `json:"cost_usd"`
}

// Tokens returns input plus output tokens.
func (u Usage) Tokens() int64 {
	return u.TokensInput + u.TokensOutput
}

// Add accumulates another usage.
func (u *Usage) Add(o Usage) {
	u.TokensInput += o.TokensInput
	u.TokensOutput += o.TokensOutput
	u.Cost += o.Cost
}
