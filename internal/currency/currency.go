// Package currency implements amount/minor-unit conversion and the Euro
// exchange-rate table of spec §4.8. Rate fetching follows the shape of the
// teacher's internal/provider/currency package (a patrickmn/go-cache layer
// in front of the upstream source, refreshed hourly), with a resty client
// and shopspring/decimal for exact arithmetic.
package currency

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/gpg/payproc/internal/perr"
)

// Info is the static description of a supported currency (spec §4.8).
type Info struct {
	Code        string
	Description string
	DecDigits   int32
}

// table is the set of currencies payproc understands out of the box;
// RateSource entries refresh RateToEuro hourly via housekeeping.
var table = map[string]*Info{
	"EUR": {Code: "EUR", Description: "Euro", DecDigits: 2},
	"USD": {Code: "USD", Description: "US Dollar", DecDigits: 2},
	"GBP": {Code: "GBP", Description: "Pound Sterling", DecDigits: 2},
	"JPY": {Code: "JPY", Description: "Japanese Yen", DecDigits: 0},
}

// amountPattern is the accepted textual amount grammar of spec §4.8:
// [+]?d+(.d{0,decdigits})?
var amountPattern = regexp.MustCompile(`^\+?[0-9]+(\.[0-9]*)?$`)

// Lookup returns the Info for a 3-letter currency code.
func Lookup(code string) (*Info, bool) {
	i, ok := table[strings.ToUpper(code)]
	return i, ok
}

// ListCodes returns the supported currency codes in a stable order, for
// GETINFO list-currencies.
func ListCodes() []string {
	return []string{"EUR", "USD", "GBP", "JPY"}
}

// ToMinorUnits converts a decimal amount string to an integer count of
// minor units (cents, yen, ...), per spec §4.8 / testable property 3:
// value * 10^decdigits + fractional, rejecting overflow and excess
// fractional digits by returning 0 (not an error) to match the source
// behavior the spec calls out as intentional.
func ToMinorUnits(s string, decDigits int32) int64 {
	if !amountPattern.MatchString(s) {
		return 0
	}
	dot := strings.IndexByte(s, '.')
	if dot >= 0 && int32(len(s)-dot-1) > decDigits {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	scaled := d.Shift(decDigits)
	if !scaled.IsInteger() {
		return 0
	}
	if !scaled.BigInt().IsInt64() {
		return 0
	}
	return scaled.BigInt().Int64()
}

// FromMinorUnits is the inverse of ToMinorUnits: render a minor-unit
// integer back as a canonical decimal string with decDigits fractional
// digits (testable property 3's reconvert).
func FromMinorUnits(cents int64, decDigits int32) string {
	d := decimal.New(cents, -decDigits)
	return d.StringFixed(decDigits)
}

// Canonical re-renders an accepted amount string in canonical form (fixed
// fractional digits, no leading '+'), the fixed point for the round-trip
// property reconvert(convert(s,d)) = canonical(s).
func Canonical(s string, decDigits int32) (string, bool) {
	if !amountPattern.MatchString(s) {
		return "", false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", false
	}
	return d.StringFixed(decDigits), true
}

// ParseCheckedAmount validates s against currency's decimal-digit budget
// and returns its minor-unit integer value, erroring instead of silently
// returning zero — used by the CHECKAMOUNT and CHARGECARD command
// handlers, which must reject bad input rather than charge zero.
func ParseCheckedAmount(s string, info *Info) (int64, error) {
	if !amountPattern.MatchString(s) {
		return 0, perr.New(perr.InvalidValue, "Invalid amount")
	}
	if dot := strings.IndexByte(s, '.'); dot >= 0 && int32(len(s)-dot-1) > info.DecDigits {
		return 0, perr.New(perr.InvalidValue, "Invalid amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, perr.New(perr.InvalidValue, "Invalid amount")
	}
	cents := ToMinorUnits(s, info.DecDigits)
	if cents == 0 && !d.IsZero() {
		return 0, perr.New(perr.InvalidValue, "Invalid amount")
	}
	return cents, nil
}

// RateSource fetches the Euro exchange rate for a currency as of t. It is
// the one external collaborator this package depends on (an HTTP rate
// feed); the source's wire format is not this package's concern.
type RateSource interface {
	RateToEuro(ctx context.Context, code string, t time.Time) (decimal.Decimal, error)
}

// Table is the live, lockable rate table: one lock guards the rate map, and
// an hourly refresh (driven by housekeeping, not by this package directly)
// re-populates it from RateSource (spec §4.8, §5 "Currency table").
type Table struct {
	mu     sync.RWMutex
	rates  map[string]decimal.Decimal
	source RateSource
	cache  *cache.Cache
}

// NewTable builds a Table backed by source, with a 5-minute/10-minute
// patrickmn/go-cache layer mirroring the teacher's currency cacher.
func NewTable(source RateSource) *Table {
	return &Table{
		rates:  make(map[string]decimal.Decimal),
		source: source,
		cache:  cache.New(5*time.Minute, 10*time.Minute),
	}
}

// Refresh re-fetches the rate for every supported currency and swaps the
// rate map. Called by housekeeping on an hourly ticker (spec §4.8).
func (t *Table) Refresh(ctx context.Context) error {
	now := time.Now()
	next := make(map[string]decimal.Decimal, len(table))
	for _, code := range ListCodes() {
		if code == "EUR" {
			next[code] = decimal.New(1, 0)
			continue
		}
		if cached, ok := t.cache.Get(code); ok {
			next[code] = cached.(decimal.Decimal)
			continue
		}
		rate, err := t.source.RateToEuro(ctx, code, now)
		if err != nil {
			return perr.Wrap(perr.General, fmt.Sprintf("refresh rate %s", code), err)
		}
		next[code] = rate
		t.cache.Set(code, rate, cache.DefaultExpiration)
	}

	t.mu.Lock()
	t.rates = next
	t.mu.Unlock()
	return nil
}

// Rate returns the cached Euro rate for code, if known.
func (t *Table) Rate(code string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rates[strings.ToUpper(code)]
	return r, ok
}

// ConvertToEuro converts a minor-units amount in currency code to a Euro
// decimal string, or "" if the currency or rate is unknown (spec §4.8
// convert_currency).
func (t *Table) ConvertToEuro(cents int64, code string) string {
	info, ok := Lookup(code)
	if !ok {
		return ""
	}
	rate, ok := t.Rate(code)
	if !ok {
		return ""
	}
	amount := decimal.New(cents, -info.DecDigits)
	euros := amount.Mul(rate)
	return euros.StringFixed(2)
}
