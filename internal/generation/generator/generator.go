// Package generator provides the external manuscript generator clients.
package generator

import (
	"fmt"

	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/generation/domain"
	"go.uber.org/zap"
)

// New selects the generator configured by GENERATOR_MODE.
func New(cfg config.Config, log *zap.Logger) (domain.Generator, error) {
	log = log.Named("generation.generator")
	switch cfg.Generator.Mode {
	case config.GeneratorModeHTTP:
		if cfg.Generator.URL == "" {
			return nil, fmt.Errorf("generator mode %q requires GENERATOR_URL", cfg.Generator.Mode)
		}
		log.Info("using http generator", zap.String("url", cfg.Generator.URL), zap.Duration("timeout", cfg.Generator.Timeout))
		return NewHTTPGenerator(cfg.Generator.URL, cfg.Generator.APIKey, cfg.Generator.Timeout), nil
	case config.GeneratorModeStatic, "":
		log.Info("using static generator")
		return NewStaticGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown generator mode %q", cfg.Generator.Mode)
	}
}
