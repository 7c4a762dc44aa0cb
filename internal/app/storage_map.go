package app

import (
	"funnelbot/internal/config"
	"funnelbot/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		URL:         sc.URL,
		Namespace:   sc.Namespace,
		BusyTimeout: busy,
		AuditMax:    sc.AuditMax,
	}, nil
}
