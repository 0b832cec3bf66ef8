package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/payoutops/internal/balance"
	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/provider"
	"github.com/punchamoorthee/payoutops/internal/recovery"
	"github.com/punchamoorthee/payoutops/internal/routing"
)

// Policy is the operational document loaded from POLICY_FILE.
type Policy struct {
	Routes           routing.Table                      `yaml:"routes"`
	Providers        map[domain.Provider]ProviderPolicy `yaml:"providers"`
	Recovery         RecoveryPolicy                     `yaml:"recovery"`
	BalanceFreshness time.Duration                      `yaml:"balance_freshness"`
}

type ProviderPolicy struct {
	Timeouts     TimeoutPolicy   `yaml:"timeouts"`
	SafetyMargin decimal.Decimal `yaml:"safety_margin"`
	FailOpen     bool            `yaml:"fail_open"`
	RateLimit    RateLimitPolicy `yaml:"rate_limit"`
}

type TimeoutPolicy struct {
	Initiate  time.Duration `yaml:"initiate"`
	Query     time.Duration `yaml:"query"`
	Balance   time.Duration `yaml:"balance"`
	Recipient time.Duration `yaml:"recipient"`
}

type RateLimitPolicy struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type RecoveryPolicy struct {
	StaleAfter          time.Duration `yaml:"stale_after"`
	NotFoundGrace       time.Duration `yaml:"not_found_grace"`
	MinNotFoundAttempts int           `yaml:"min_not_found_attempts"`
	MaxAttempts         int           `yaml:"max_attempts"`
	Workers             int           `yaml:"workers"`
	MaxBatchSize        int           `yaml:"max_batch_size"`
}

func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy: %w", err)
	}
	defer f.Close()
	return ParsePolicy(f)
}

func ParsePolicy(r io.Reader) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	routes, err := p.Routes.Normalize()
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		return fmt.Errorf("policy: no routes configured")
	}
	p.Routes = routes

	providers := make(map[domain.Provider]ProviderPolicy, len(p.Providers))
	for name, pp := range p.Providers {
		canonical, ok := domain.ParseProvider(string(name))
		if !ok {
			return fmt.Errorf("policy: unknown provider %q", name)
		}
		if pp.SafetyMargin.IsNegative() {
			return fmt.Errorf("policy: %s: negative safety_margin", canonical)
		}
		if pp.RateLimit.PerSecond < 0 {
			return fmt.Errorf("policy: %s: negative rate_limit", canonical)
		}
		providers[canonical] = pp
	}
	p.Providers = providers

	if p.BalanceFreshness < 0 {
		return fmt.Errorf("policy: negative balance_freshness")
	}
	return nil
}

// Timeouts returns the call budgets for p. Unset values take the adapter
// defaults.
func (p *Policy) Timeouts(name domain.Provider) provider.Timeouts {
	t := p.Providers[name].Timeouts
	return provider.Timeouts{
		Initiate:  t.Initiate,
		Query:     t.Query,
		Balance:   t.Balance,
		Recipient: t.Recipient,
	}
}

func (p *Policy) BalancePolicies() map[domain.Provider]balance.Policy {
	out := make(map[domain.Provider]balance.Policy, len(p.Providers))
	for name, pp := range p.Providers {
		out[name] = balance.Policy{SafetyMargin: pp.SafetyMargin, FailOpen: pp.FailOpen}
	}
	return out
}

func (p *Policy) RecoveryConfig() recovery.Config {
	limits := make(map[domain.Provider]recovery.RateLimit)
	for name, pp := range p.Providers {
		if pp.RateLimit.PerSecond > 0 {
			limits[name] = recovery.RateLimit{PerSecond: pp.RateLimit.PerSecond, Burst: pp.RateLimit.Burst}
		}
	}
	r := p.Recovery
	return recovery.Config{
		StaleAfter:          r.StaleAfter,
		NotFoundGrace:       r.NotFoundGrace,
		MinNotFoundAttempts: r.MinNotFoundAttempts,
		MaxAttempts:         r.MaxAttempts,
		Workers:             r.Workers,
		MaxBatchSize:        r.MaxBatchSize,
		RateLimits:          limits,
	}
}
