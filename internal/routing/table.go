// Package routing selects the payment gateway for a payout or payment.
package routing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// AnyCountry matches destinations no country-specific entry covers, such as
// crypto wallets routed on currency alone.
const AnyCountry = "*"

// Route is one candidate provider for a country. A route without
// directions carries payouts only.
type Route struct {
	Provider   domain.Provider    `yaml:"provider"`
	Currencies []string           `yaml:"currencies,omitempty"`
	MinAmount  decimal.Decimal    `yaml:"min_amount"`
	Directions []domain.Direction `yaml:"directions,omitempty"`
}

func (r Route) carries(d domain.Direction) bool {
	if len(r.Directions) == 0 {
		return d == domain.DirectionPayout
	}
	for _, rd := range r.Directions {
		if rd == d {
			return true
		}
	}
	return false
}

func (r Route) acceptsCurrency(currency string) bool {
	if len(r.Currencies) == 0 {
		return true
	}
	for _, c := range r.Currencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// Table maps an ISO country code to its routes in priority order.
type Table map[string][]Route

// ParseTable decodes a routes document:
//
//	SN:
//	  - provider: cinetpay
//	    min_amount: 300
//	"*":
//	  - provider: nowpayments
//	    currencies: [BTC, USDTTRC20]
func ParseTable(r io.Reader) (Table, error) {
	var raw Table
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode routing table: %w", err)
	}
	return raw.Normalize()
}

func LoadTable(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routing table: %w", err)
	}
	defer f.Close()
	return ParseTable(f)
}

// Normalize upper-cases keys and currencies and rejects unknown providers.
// Keys that differ only in case or spacing are rejected since their merged
// priority order would be undefined.
func (t Table) Normalize() (Table, error) {
	out := make(Table, len(t))
	seen := make(map[string]string, len(t))
	for country, routes := range t {
		key := strings.ToUpper(strings.TrimSpace(country))
		if key == "" {
			return nil, errors.New("routing table: empty country key")
		}
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("routing table: keys %q and %q both name %s", prev, country, key)
		}
		seen[key] = country

		clean := make([]Route, 0, len(routes))
		for i, r := range routes {
			p, ok := domain.ParseProvider(string(r.Provider))
			if !ok {
				return nil, fmt.Errorf("routing table: %s[%d]: unknown provider %q", key, i, r.Provider)
			}
			if r.MinAmount.IsNegative() {
				return nil, fmt.Errorf("routing table: %s[%d]: negative min_amount", key, i)
			}
			cur := make([]string, len(r.Currencies))
			for j, c := range r.Currencies {
				cur[j] = strings.ToUpper(strings.TrimSpace(c))
			}
			var dirs []domain.Direction
			for _, d := range r.Directions {
				dir, ok := domain.ParseDirection(string(d))
				if !ok {
					return nil, fmt.Errorf("routing table: %s[%d]: unknown direction %q", key, i, d)
				}
				if dir == domain.DirectionPayment && !p.CollectsPayments() {
					return nil, fmt.Errorf("routing table: %s[%d]: %s cannot collect payments", key, i, p)
				}
				dirs = append(dirs, dir)
			}
			clean = append(clean, Route{Provider: p, Currencies: cur, MinAmount: r.MinAmount, Directions: dirs})
		}
		out[key] = clean
	}
	return out, nil
}

// Providers lists every provider referenced by the table.
func (t Table) Providers() []domain.Provider {
	seen := map[domain.Provider]bool{}
	var out []domain.Provider
	for _, routes := range t {
		for _, r := range routes {
			if !seen[r.Provider] {
				seen[r.Provider] = true
				out = append(out, r.Provider)
			}
		}
	}
	return out
}
