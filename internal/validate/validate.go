// Package validate holds the boundary checks applied to every value that is
// about to leave the process as part of a venue request. Venue clients call
// these before signing anything; a validation failure skips the operation
// without persisting state.
package validate

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// ErrInvalid is wrapped by every failure so callers can classify
// validation rejections with errors.Is.
var ErrInvalid = errors.New("invalid input")

const (
	maxTickerLen   = 50
	maxMarketIDLen = 200

	minPrice = 0.01
	maxPrice = 0.99

	minQuantity = 1
	maxQuantity = 100000

	minSizeUSD = 10.0
	maxSizeUSD = 1_000_000.0
)

var identifierRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Ticker checks a venue ticker symbol and returns it upper-cased.
func Ticker(ticker string) (string, error) {
	if ticker == "" {
		return "", fmt.Errorf("%w: ticker must be non-empty", ErrInvalid)
	}
	if len(ticker) > maxTickerLen {
		return "", fmt.Errorf("%w: ticker exceeds %d characters", ErrInvalid, maxTickerLen)
	}
	if !identifierRE.MatchString(ticker) {
		return "", fmt.Errorf("%w: ticker %q contains invalid characters", ErrInvalid, ticker)
	}
	return strings.ToUpper(ticker), nil
}

// MarketID checks a venue-native market identifier (ticker or token ID).
func MarketID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: market id must be non-empty", ErrInvalid)
	}
	if len(id) > maxMarketIDLen {
		return "", fmt.Errorf("%w: market id exceeds %d characters", ErrInvalid, maxMarketIDLen)
	}
	if !identifierRE.MatchString(id) {
		return "", fmt.Errorf("%w: market id %q contains invalid characters", ErrInvalid, id)
	}
	return id, nil
}

// Price checks a decimal limit price. The tradable band is [0.01, 0.99];
// 0 and 1 are settlement prices, not quotes.
func Price(price float64) error {
	if math.IsNaN(price) {
		return fmt.Errorf("%w: price is NaN", ErrInvalid)
	}
	if math.IsInf(price, 0) {
		return fmt.Errorf("%w: price is infinite", ErrInvalid)
	}
	if price < 0 || price > 1 {
		return fmt.Errorf("%w: price %v outside [0, 1]", ErrInvalid, price)
	}
	if price < minPrice || price > maxPrice {
		return fmt.Errorf("%w: price %v outside tradable band [%v, %v]", ErrInvalid, price, minPrice, maxPrice)
	}
	return nil
}

// PriceCents checks an integer-cent price for the cents-quoted venue.
func PriceCents(cents int) error {
	if cents < 1 || cents > 99 {
		return fmt.Errorf("%w: price %d cents outside [1, 99]", ErrInvalid, cents)
	}
	return nil
}

// Quantity checks a contract count.
func Quantity(qty int) error {
	if qty < minQuantity {
		return fmt.Errorf("%w: quantity %d below minimum %d", ErrInvalid, qty, minQuantity)
	}
	if qty > maxQuantity {
		return fmt.Errorf("%w: quantity %d exceeds maximum %d", ErrInvalid, qty, maxQuantity)
	}
	return nil
}

// SizeUSD checks a trade size in quote units.
func SizeUSD(size float64) error {
	if math.IsNaN(size) || math.IsInf(size, 0) {
		return fmt.Errorf("%w: size is not a finite number", ErrInvalid)
	}
	if size < minSizeUSD {
		return fmt.Errorf("%w: size $%.2f below minimum $%.2f", ErrInvalid, size, minSizeUSD)
	}
	if size > maxSizeUSD {
		return fmt.Errorf("%w: size $%.2f exceeds maximum $%.2f", ErrInvalid, size, maxSizeUSD)
	}
	return nil
}

// Percentage checks a fraction in [0, 1].
func Percentage(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: percentage %v outside [0, 1]", ErrInvalid, v)
	}
	return nil
}

// Sanitize strips null bytes and shell-meaningful characters from free text
// before it is logged or persisted. Truncates to maxLen.
func Sanitize(value string, maxLen int) string {
	value = strings.ReplaceAll(value, "\x00", "")
	dropped := "<>&;|`$\n\r"
	value = strings.Map(func(r rune) rune {
		if strings.ContainsRune(dropped, r) {
			return -1
		}
		return r
	}, value)
	value = strings.TrimSpace(value)
	if maxLen > 0 && len(value) > maxLen {
		value = value[:maxLen]
	}
	return value
}
