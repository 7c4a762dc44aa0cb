package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides secrets and paths from the environment:
//
//	FUNNELBOT_<BOTID>_TOKEN   telegram token of bot <BOTID> (upper-cased)
//	FUNNELBOT_TOKEN           telegram token of the first bot without one
//	FUNNELBOT_API_TOKEN       admin API bearer token
//	FUNNELBOT_DATA_DIR        storage path (file driver)
//	FUNNELBOT_DB_PATH         storage path (sqlite driver)
//	FUNNELBOT_REDIS_URL       storage url (redis driver)
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	for i := range cfg.Bots {
		id := envKey(cfg.Bots[i].ID)
		if id == "" {
			continue
		}
		if v := strings.TrimSpace(os.Getenv("FUNNELBOT_" + id + "_TOKEN")); v != "" {
			cfg.Bots[i].Telegram.Token = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("FUNNELBOT_TOKEN")); v != "" {
		for i := range cfg.Bots {
			if strings.TrimSpace(cfg.Bots[i].Telegram.Token) == "" {
				cfg.Bots[i].Telegram.Token = v
				break
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("FUNNELBOT_API_TOKEN")); v != "" {
		cfg.HTTP.Token = v
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch {
	case (driver == "" || driver == "file") && os.Getenv("FUNNELBOT_DATA_DIR") != "":
		cfg.Storage.Path = strings.TrimSpace(os.Getenv("FUNNELBOT_DATA_DIR"))
	case strings.HasPrefix(driver, "sqlite") && os.Getenv("FUNNELBOT_DB_PATH") != "":
		cfg.Storage.Path = strings.TrimSpace(os.Getenv("FUNNELBOT_DB_PATH"))
	case driver == "redis" && os.Getenv("FUNNELBOT_REDIS_URL") != "":
		cfg.Storage.URL = strings.TrimSpace(os.Getenv("FUNNELBOT_REDIS_URL"))
	}
}

func envKey(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(id)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
