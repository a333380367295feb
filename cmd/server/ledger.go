package main

import (
	"orderflow/cmd/server/config"
	"orderflow/internal/ledger"
	"orderflow/internal/observability"
	"orderflow/internal/reliability"
)

// buildLedger wires the OAuth2 token cache, rate limiter, circuit breaker and retry
// policy around the ledger HTTP client.
func buildLedger(cfg config.LedgerConfig, rel reliability.Config, metrics *observability.Metrics, logf func(string, ...any)) (*ledger.ReliableClient, error) {
	tokens, err := ledger.ClientCredentials(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.Scopes)
	if err != nil {
		return nil, err
	}
	limiter := reliability.NewRateLimiter(rel.RateLimitInterval, rel.RateLimitBurst, metrics.AddRateLimitWait)
	client, err := ledger.NewClient(ledger.Config{
		BaseURL:   cfg.BaseURL,
		TenantID:  cfg.TenantID,
		Timeout:   cfg.Timeout,
		UserAgent: "orderflow/" + version,
	}, tokens, limiter, logf)
	if err != nil {
		return nil, err
	}

	breakerCfg := rel.BreakerConfig()
	breakerCfg.ShouldTrip = ledger.TripsBreaker
	breakerCfg.OnStateChange = func(from, to reliability.State) {
		logf("ledger circuit breaker %s -> %s", from, to)
		metrics.BreakerStateChange(from, to)
	}
	breaker := reliability.NewCircuitBreaker(breakerCfg)

	return ledger.NewReliableClient(client, breaker, rel.RetryPolicy(), metrics, logf), nil
}
