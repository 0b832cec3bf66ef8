package routing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// Router is a pure function of its table and inputs; it performs no I/O.
type Router struct {
	table Table
}

// NewRouter copies t so later changes to the caller's map are not observed.
func NewRouter(t Table) *Router {
	cp := make(Table, len(t))
	for k, v := range t {
		cp[strings.ToUpper(k)] = append([]Route(nil), v...)
	}
	return &Router{table: cp}
}

// Select returns the payout provider for the destination.
func (r *Router) Select(country, currency string, amount decimal.Decimal) (domain.Provider, error) {
	return r.SelectFor(domain.DirectionPayout, country, currency, amount)
}

// SelectFor returns the first provider, in configured order, that carries
// the direction, serves the country, accepts the currency and whose minimum
// the amount reaches. Country-specific routes are tried before wildcard
// routes.
func (r *Router) SelectFor(dir domain.Direction, country, currency string, amount decimal.Decimal) (domain.Provider, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	currency = strings.ToUpper(strings.TrimSpace(currency))

	candidates := append([]Route(nil), r.table[country]...)
	if country != AnyCountry {
		candidates = append(candidates, r.table[AnyCountry]...)
	}
	for _, route := range candidates {
		if !route.carries(dir) || !route.acceptsCurrency(currency) {
			continue
		}
		if amount.LessThan(route.MinAmount) {
			continue
		}
		return route.Provider, nil
	}
	return "", fmt.Errorf("%w: %s country=%s currency=%s amount=%s", domain.ErrNoEligibleProvider, dir, country, currency, amount)
}
