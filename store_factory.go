package voucherd

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/store"
	"pkt.systems/voucherd/internal/store/bunstore"
	"pkt.systems/voucherd/internal/store/memory"
)

type storeTarget struct {
	kind     string // "memory" or a bunstore provider
	provider bunstore.Provider
	dsn      string
}

func parseStoreDSN(raw string) (storeTarget, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return storeTarget{}, fmt.Errorf("config: store %q must be a URL (mem://, sqlite://<path>, postgres://...)", raw)
	}
	switch strings.ToLower(scheme) {
	case "mem", "memory":
		return storeTarget{kind: "memory"}, nil
	case "sqlite", "sqlite3":
		if rest == "" {
			return storeTarget{}, fmt.Errorf("config: sqlite store needs a path, e.g. sqlite:///var/lib/voucherd/voucherd.db")
		}
		return storeTarget{kind: "sql", provider: bunstore.SQLite, dsn: rest}, nil
	case "postgres", "postgresql":
		if rest == "" {
			return storeTarget{}, fmt.Errorf("config: postgres store needs a host")
		}
		return storeTarget{kind: "sql", provider: bunstore.Postgres, dsn: raw}, nil
	default:
		return storeTarget{}, fmt.Errorf("config: unsupported store scheme %q", scheme)
	}
}

func openStore(ctx context.Context, cfg Config, logger pslog.Logger) (store.Store, error) {
	target, err := parseStoreDSN(cfg.Store)
	if err != nil {
		return nil, err
	}
	if target.kind == "memory" {
		logger.Info("store.memory.open")
		return memory.New(), nil
	}
	return bunstore.Open(ctx, bunstore.Options{
		Provider:     target.provider,
		DSN:          target.dsn,
		MaxOpenConns: cfg.StoreMaxOpenConns,
		Logger:       logger,
		CreateSchema: !cfg.StoreSkipSchema,
	})
}
