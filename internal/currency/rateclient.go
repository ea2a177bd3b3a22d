package currency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/gpg/payproc/internal/perr"
)

// rateResponse is the shape returned by the configured rate feed: a flat
// map of currency code to Euro rate, the simplest contract a payproc
// operator can point at any exchange-rate provider.
type rateResponse struct {
	Rates map[string]decimal.Decimal `json:"rates"`
}

// HTTPRateSource implements RateSource against a configurable REST rate
// feed: a resty.Client with a fixed timeout and a single GET per refresh,
// modelled on the teacher's internal/provider/currency.Client.
type HTTPRateSource struct {
	client  *resty.Client
	baseURL string
}

// NewHTTPRateSource builds a RateSource pointed at baseURL.
func NewHTTPRateSource(baseURL string) *HTTPRateSource {
	client := resty.New().SetTimeout(10 * time.Second)
	return &HTTPRateSource{client: client, baseURL: baseURL}
}

// RateToEuro fetches the rate for code as of t (the feed is assumed to
// serve "rate as of date" snapshots the way the teacher's feed does with
// its fdate query parameter).
func (s *HTTPRateSource) RateToEuro(ctx context.Context, code string, t time.Time) (decimal.Decimal, error) {
	var out rateResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("base", "EUR").
		SetQueryParam("date", t.UTC().Format("2006-01-02")).
		SetResult(&out).
		Get(s.baseURL)
	if err != nil {
		return decimal.Zero, perr.Wrap(perr.Timeout, "rate feed request failed", err)
	}
	if resp.IsError() {
		return decimal.Zero, perr.Newf(perr.General, "rate feed returned status %d", resp.StatusCode())
	}
	rate, ok := out.Rates[code]
	if !ok || rate.IsZero() {
		return decimal.Zero, perr.Newf(perr.NotFound, "no rate for %s", code)
	}
	// The feed quotes EUR->code; payproc's table wants code->EUR (spec
	// §4.8 rate-to-euro), so invert.
	if rate.IsZero() {
		return decimal.Zero, fmt.Errorf("currency: zero rate for %s", code)
	}
	return decimal.New(1, 0).Div(rate), nil
}
