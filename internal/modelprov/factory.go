package modelprov

import (
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/fault"
)

// New constructs one provider from configuration.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Kind {
	case "http", "":
		if cfg.BaseURL == "" {
			return nil, fault.New(fault.CodeInvalidRequest, "provider %q requires base_url", cfg.Name)
		}
		return NewHTTPProvider(cfg, logger), nil
	case "scripted":
		return NewScripted(cfg.Name, nil, 0), nil
	default:
		return nil, fault.New(fault.CodeInvalidRequest, "unknown provider kind %q", cfg.Kind)
	}
}

// NewFromConfigs builds the failover chain from an ordered provider
// list.
func NewFromConfigs(cfgs []Config, logger *zap.Logger) (*Chain, error) {
	providers := make([]Provider, 0, len(cfgs))
	for _, cfg := range cfgs {
		p, err := New(cfg, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return NewChain(providers, logger), nil
}
