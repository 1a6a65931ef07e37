// Package symbol handles instrument symbol parsing and normalization.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches: [{EXCHANGE}:]{TICKER}
// Examples: NIFTY, NSE:RELIANCE-EQ, BSE:M&M
var symbolRegex = regexp.MustCompile(
	`^(?:([A-Z]{2,6}):)?([A-Z0-9][A-Z0-9&._-]{0,31})$`,
)

var (
	ErrEmpty         = errors.New("symbol: empty")
	ErrInvalidSymbol = errors.New("symbol: invalid format")
)

// Symbol is a parsed instrument symbol.
type Symbol struct {
	Exchange string `json:"exchange,omitempty"`
	Ticker   string `json:"ticker"`
}

// String renders the canonical form.
func (s Symbol) String() string {
	if s.Exchange == "" {
		return s.Ticker
	}
	return s.Exchange + ":" + s.Ticker
}

// Parse trims and upper-cases raw, then validates it.
func Parse(raw string) (Symbol, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	if norm == "" {
		return Symbol{}, ErrEmpty
	}
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected [EXCHANGE:]TICKER)", ErrInvalidSymbol, raw)
	}
	return Symbol{Exchange: matches[1], Ticker: matches[2]}, nil
}

// Normalize returns the canonical form of raw.
func Normalize(raw string) (string, error) {
	s, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return s.String(), nil
}
