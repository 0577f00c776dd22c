package fake

import (
	"context"

	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/provider"
)

// RegisterFactory registers the fake provider under the "fake" kind.
func RegisterFactory(reg *provider.Registry) {
	reg.Register(config.ProviderFake, func(_ context.Context, cfg config.ProviderConfig) (provider.Client, error) {
		return New(Options{Variants: cfg.Variants}), nil
	})
}
