package adjustment

import (
	"context"
	"fmt"
	"net/http"

	"ridedispatch/internal/config"
)

// NewProvider builds the provider selected by cfg.Backend. The returned close func is never nil.
func NewProvider(ctx context.Context, cfg config.AdjustmentConfig) (Provider, func(), error) {
	switch cfg.Backend {
	case "", "static":
		return Static{Percent: cfg.StaticPercent}, func() {}, nil
	case "http":
		// The guard enforces cfg.Timeout; the client timeout only bounds stuck connections.
		client := &http.Client{Timeout: 2 * cfg.Timeout}
		return NewHTTPPredictor(cfg.URL, client), func() {}, nil
	case "gemini":
		p, err := NewGeminiProvider(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			return nil, func() {}, err
		}
		return p, p.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown adjustment backend %q", cfg.Backend)
	}
}
