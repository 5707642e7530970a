// Package currency resolves time-windowed conversion rates and converts
// amounts between the store's supported currencies.
package currency

import (
	"fmt"
	"sort"
	"strings"

	"order-fulfillment/model"
)

// minorUnits is the number of decimal places each supported currency is
// settled in.
var minorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"JPY": 0,
	"CAD": 2,
	"AUD": 2,
	"CHF": 2,
	"CNY": 2,
	"SEK": 2,
	"NZD": 2,
}

// Normalize upper-cases code and checks that it is supported.
func Normalize(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := minorUnits[c]; !ok {
		return "", fmt.Errorf("%w: %q", model.ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// MinorUnits returns the settlement precision of code.
func MinorUnits(code string) (int32, error) {
	c, err := Normalize(code)
	if err != nil {
		return 0, err
	}
	return minorUnits[c], nil
}

func Supported() []string {
	out := make([]string, 0, len(minorUnits))
	for c := range minorUnits {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
