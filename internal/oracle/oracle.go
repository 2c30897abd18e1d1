// Package oracle supplies entry and expiry prices for option orders. It
// abstracts the live exchange feed behind a small interface; the raw HTTP
// client to the exchange stays outside this module.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no price can be supplied for the
// requested symbol near the requested timestamp. No internal retry: the
// caller owns the retry and compensation policy.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Oracle returns the best-available trade price for a symbol near the
// given timestamp.
type Oracle interface {
	PriceAt(ctx context.Context, symbol string, at time.Time) (decimal.Decimal, error)
}

// Source is the external exchange feed: symbol in, latest price out.
// Implemented outside this module (e.g. by the exchange HTTP client).
type Source interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Feed adapts an external Source to the Oracle interface. The source only
// knows "now" prices, which is all the engine needs: entry at placement
// time and expiry at settlement time.
type Feed struct {
	src Source
}

// NewFeed wraps an external price source.
func NewFeed(src Source) *Feed {
	return &Feed{src: src}
}

func (f *Feed) PriceAt(ctx context.Context, symbol string, _ time.Time) (decimal.Decimal, error) {
	p, err := f.src.LatestPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s returned non-positive price", ErrPriceUnavailable, symbol)
	}
	return p, nil
}

// Static is a fixed-price oracle for tests and development.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	err    error
}

// NewStatic creates a static oracle with the given symbol→price map.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &Static{prices: cp}
}

// Set updates the price for a symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// Fail makes every subsequent PriceAt return err (nil to clear).
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) PriceAt(_ context.Context, symbol string, _ time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return decimal.Zero, s.err
	}
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrPriceUnavailable, symbol)
	}
	return p, nil
}
