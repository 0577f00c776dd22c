package httpprovider

import (
	"context"

	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/provider"
)

// RegisterFactory registers the HTTP provider under the "http" kind.
func RegisterFactory(reg *provider.Registry) {
	reg.Register(config.ProviderHTTP, func(_ context.Context, cfg config.ProviderConfig) (provider.Client, error) {
		return New(cfg)
	})
}
