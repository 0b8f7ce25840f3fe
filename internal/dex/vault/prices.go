package vault

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/unxversal/dexcore/common/errors"
)

// priceWindowCapacity bounds the rolling fee-asset conversion window.
const priceWindowCapacity = 100

// PriceSample is one fee-asset/quote conversion data point pushed in by an
// external price reporter.
type PriceSample struct {
	Rate       decimal.Decimal `json:"rate"` // quote units per fee-asset unit
	Timestamp  time.Time       `json:"timestamp"`
	FeeToQuote bool            `json:"fee_to_quote"`
}

// priceWindow is a fixed-capacity ring; the oldest sample is evicted once
// the window is full.
type priceWindow struct {
	samples []PriceSample
	head    int
	count   int
}

func newPriceWindow(capacity int) *priceWindow {
	return &priceWindow{samples: make([]PriceSample, capacity)}
}

func (w *priceWindow) add(s PriceSample) {
	w.samples[(w.head+w.count)%len(w.samples)] = s
	if w.count < len(w.samples) {
		w.count++
		return
	}
	w.head = (w.head + 1) % len(w.samples)
}

func (w *priceWindow) latest() (PriceSample, bool) {
	if w.count == 0 {
		return PriceSample{}, false
	}
	return w.samples[(w.head+w.count-1)%len(w.samples)], true
}

// AddPricePoint appends a conversion sample. Samples normalized to the
// quote-per-fee-asset direction are stored as pushed; the direction flag is
// recorded for consumers that need the original orientation.
func (v *Vault) AddPricePoint(rate decimal.Decimal, ts time.Time, feeToQuote bool) error {
	if !rate.IsPositive() {
		return errors.InvalidOrderParameters("conversion rate must be positive")
	}
	v.window.add(PriceSample{Rate: rate, Timestamp: ts, FeeToQuote: feeToQuote})
	return nil
}

// ConversionRate returns the most recent sample's rate, used to convert
// fee-asset requirements into native units.
func (v *Vault) ConversionRate() (decimal.Decimal, bool) {
	s, ok := v.window.latest()
	if !ok {
		return decimal.Decimal{}, false
	}
	return s.Rate, true
}

// SampleCount returns the number of samples currently held.
func (v *Vault) SampleCount() int { return v.window.count }
