package metrics

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/funcbox/config"
)

// NewStore opens the history store selected by metrics.store
func NewStore(logger *zap.Logger, cfg *config.Config) (Store, error) {
	m := cfg.Metrics
	switch m.Store {
	case "file":
		return NewFileStore(logger, m.FilePath)
	case "redis":
		return NewRedisStore(logger, m.RedisURL, m.RedisKey)
	case "postgres":
		return NewPostgresStore(logger, m.PostgresDSN)
	case "none":
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("unsupported metrics store: %s", m.Store)
	}
}
