package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"pkt.systems/pslog"
)

// queryLogger traces every statement and warns on failures other than
// sql.ErrNoRows.
type queryLogger struct {
	logger pslog.Logger
}

var _ bun.QueryHook = queryLogger{}

func (h queryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h queryLogger) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	elapsed := time.Since(event.StartTime)
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		h.logger.Warn("store.sql.query_failed", "operation", event.Operation(), "elapsed", elapsed, "error", event.Err)
		return
	}
	h.logger.Trace("store.sql.query", "operation", event.Operation(), "elapsed", elapsed, "query", event.Query)
}
