package config

import (
	"log/slog"
	"net/http"

	"github.com/punchamoorthee/payoutops/internal/provider"
)

// Registry wires every provider that has credentials, each wrapped with its
// policy timeouts.
func (c *Config) Registry(policy *Policy, client *http.Client, logger *slog.Logger) *provider.Registry {
	if client == nil {
		client = &http.Client{}
	}
	var adapters []provider.Adapter
	if c.CinetPay.APIKey != "" {
		adapters = append(adapters, provider.NewCinetPay(c.CinetPay, client, logger))
	}
	if c.FeexPay.Token != "" {
		adapters = append(adapters, provider.NewFeexPay(c.FeexPay, client, logger))
	}
	if c.NOWPayments.APIKey != "" {
		adapters = append(adapters, provider.NewNOWPayments(c.NOWPayments, client, logger))
	}
	for i, a := range adapters {
		adapters[i] = provider.NewInstrumented(a, policy.Timeouts(a.Name()))
	}
	return provider.NewRegistry(adapters...)
}
