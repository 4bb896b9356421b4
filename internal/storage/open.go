package storage

import (
	"context"
	"fmt"
	"strings"

	logx "timerd/pkg/logx"
)

// Store is the firing journal.
type Store interface {
	AppendFiring(ctx context.Context, f Firing) error
	// RecentFirings returns up to n records, newest first.
	RecentFirings(ctx context.Context, n int) ([]Firing, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
