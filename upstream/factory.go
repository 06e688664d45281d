package upstream

import (
	"fmt"
	"log/slog"

	"github.com/room4-2/realtime-relay/config"
)

// NewFactory returns a constructor for the configured provider. Every call
// yields a fresh, unopened adapter.
func NewFactory(cfg *config.Config, logger *slog.Logger) (Factory, error) {
	switch cfg.UpstreamProvider {
	case config.ProviderOpenAI:
		rc := RealtimeConfig{
			URL:         cfg.OpenAIURL,
			Model:       cfg.OpenAIModel,
			APIKey:      cfg.OpenAIAPIKey,
			DialTimeout: cfg.DialTimeout,
			Logger:      logger,
		}
		return func() Adapter { return NewRealtime(rc) }, nil
	case config.ProviderGemini:
		gc := GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.GeminiModel,
			SampleRate:  cfg.SampleRate,
			DialTimeout: cfg.DialTimeout,
			Logger:      logger,
		}
		return func() Adapter { return NewGemini(gc) }, nil
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.UpstreamProvider)
	}
}
