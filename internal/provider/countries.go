package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// wholeUnitCurrencies have no minor unit on the mobile-money rails.
var wholeUnitCurrencies = map[string]bool{
	"XOF": true,
	"XAF": true,
	"GNF": true,
}

// WholeUnitsOnly reports whether amounts in currency must be integral.
func WholeUnitsOnly(currency string) bool {
	return wholeUnitCurrencies[strings.ToUpper(strings.TrimSpace(currency))]
}

// wholeAmount encodes amount for gateways that only take whole units. A
// fractional amount is refused rather than rounded.
func wholeAmount(amount decimal.Decimal) (json.Number, error) {
	if !amount.IsInteger() {
		return "", fmt.Errorf("amount %s is not a whole number: %w", amount, domain.ErrProviderRejected)
	}
	return json.Number(amount.String()), nil
}

// dialPrefixes covers the mobile-money markets the gateways serve.
var dialPrefixes = map[string]string{
	"BF": "226",
	"BJ": "229",
	"CD": "243",
	"CG": "242",
	"CI": "225",
	"CM": "237",
	"GN": "224",
	"ML": "223",
	"NE": "227",
	"SN": "221",
	"TG": "228",
}

// DialPrefix returns the international prefix for an ISO country code.
func DialPrefix(country string) (string, bool) {
	p, ok := dialPrefixes[strings.ToUpper(strings.TrimSpace(country))]
	return p, ok
}

// splitPhone returns the national number with any leading "+", "00" or
// country prefix removed.
func splitPhone(country, phone string) (prefix, national string, ok bool) {
	prefix, ok = DialPrefix(country)
	if !ok {
		return "", "", false
	}
	n := strings.NewReplacer(" ", "", "-", "", ".", "").Replace(strings.TrimSpace(phone))
	n = strings.TrimPrefix(n, "+")
	n = strings.TrimPrefix(n, "00")
	n = strings.TrimPrefix(n, prefix)
	if n == "" {
		return "", "", false
	}
	return prefix, n, true
}
