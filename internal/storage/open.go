package storage

import (
	"errors"
	"path/filepath"
	"strings"

	logx "clockbot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = "data"
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			cfg.SQLitePath = filepath.Join(cfg.Dir, "clockbot.db")
		}
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
