// Package symbol handles trading-pair symbol parsing and validation for
// the option engine. Symbols follow exchange convention: a base asset
// concatenated with a known quote asset, e.g. "BTCUSDT".
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid symbol format")
	ErrUnknownQuote  = errors.New("symbol: unknown quote asset")
)

// Quote assets accepted for option symbols, longest first so that e.g.
// "BTCUSDT" resolves as BTC/USDT rather than BTC-USD + trailing T.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// symbolRegex matches uppercase alphanumeric pairs, 5 to 20 characters.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)

// Pair is a parsed trading symbol.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Parse validates a symbol string and splits it into base and quote.
func Parse(s string) (*Pair, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(s) {
		return nil, fmt.Errorf("%w: %q (expected e.g. BTCUSDT)", ErrInvalidSymbol, s)
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return &Pair{
				Symbol: s,
				Base:   strings.TrimSuffix(s, q),
				Quote:  q,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, s)
}
