package voucherd

import (
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/voucherd/internal/loggingutil"
	"pkt.systems/voucherd/internal/store"
	"pkt.systems/voucherd/internal/store/bunstore"
	"pkt.systems/voucherd/internal/store/memory"
)

func TestParseStoreDSN(t *testing.T) {
	cases := []struct {
		in       string
		kind     string
		provider bunstore.Provider
		dsn      string
	}{
		{"mem://", "memory", "", ""},
		{"memory://", "memory", "", ""},
		{"sqlite:///var/lib/voucherd.db", "sql", bunstore.SQLite, "/var/lib/voucherd.db"},
		{"sqlite3://file:test?mode=memory&cache=shared", "sql", bunstore.SQLite, "file:test?mode=memory&cache=shared"},
		{"postgres://u:p@db:5432/voucherd?sslmode=disable", "sql", bunstore.Postgres, "postgres://u:p@db:5432/voucherd?sslmode=disable"},
	}
	for _, tc := range cases {
		got, err := parseStoreDSN(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got.kind != tc.kind || got.provider != tc.provider || got.dsn != tc.dsn {
			t.Fatalf("%s: unexpected target %+v", tc.in, got)
		}
	}
	for _, bad := range []string{"sqlite://", "postgres://", "ftp://x", "plain"} {
		if _, err := parseStoreDSN(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := loggingutil.NoopLogger()

	st, err := openStore(ctx, Config{Store: "mem://"}, logger)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := st.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}

	path := filepath.Join(t.TempDir(), "data", "voucherd.db")
	st, err = openStore(ctx, Config{Store: "sqlite://" + path}, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer st.Close()
	if err := st.InsertShopType(ctx, &store.ShopType{Name: "food", Sort: 1}); err != nil {
		t.Fatalf("schema should exist: %v", err)
	}
}
