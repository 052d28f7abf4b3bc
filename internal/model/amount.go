package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// LamportsPerUnit is the number of base units in one whole currency unit.
// Amounts are carried with nine fractional digits so they round-trip
// losslessly to lamports.
const LamportsPerUnit = 1_000_000_000

// Amount is a fixed-point monetary amount with nine fractional digits.
// The zero value is zero units.
type Amount struct {
	nano uint64
}

// ParseAmount parses a decimal string such as "0.05" into an Amount.
// At most nine fractional digits are accepted; negative amounts are rejected.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, eris.New("amount: empty")
	}
	if strings.HasPrefix(s, "-") {
		return Amount{}, eris.Errorf("amount: negative: %s", s)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 9 {
		return Amount{}, eris.Errorf("amount: more than 9 fractional digits: %s", s)
	}

	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return Amount{}, eris.Wrapf(err, "amount: parse %q", s)
	}

	var f uint64
	if frac != "" {
		f, err = strconv.ParseUint(frac, 10, 64)
		if err != nil {
			return Amount{}, eris.Wrapf(err, "amount: parse %q", s)
		}
		for i := len(frac); i < 9; i++ {
			f *= 10
		}
	}

	return Amount{nano: w*LamportsPerUnit + f}, nil
}

// MustAmount parses s and panics on failure. For catalog constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromLamports converts a raw lamport count to an Amount.
func AmountFromLamports(lamports uint64) Amount {
	return Amount{nano: lamports}
}

// Lamports returns the amount in base units.
func (a Amount) Lamports() uint64 { return a.nano }

// Units returns the amount in whole units as a float. Display only.
func (a Amount) Units() float64 { return float64(a.nano) / LamportsPerUnit }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.nano == 0 }

// String renders the amount with nine fractional digits.
func (a Amount) String() string {
	return fmt.Sprintf("%d.%09d", a.nano/LamportsPerUnit, a.nano%LamportsPerUnit)
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes a decimal string or bare number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
