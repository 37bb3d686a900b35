package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"photoforge/backend/internal/lifecycle"
)

// applyStatus moves a row of table into status to, but only from a status
// that lifecycle allows. The status = ANY(...) guard doubles as an optimistic
// lock: two workers racing on the same row cannot both win, and a late
// "processing" event cannot resurrect a finished row. extra adds SET clauses
// whose placeholders start at $5.
func applyStatus(ctx context.Context, q querier, table string, id uuid.UUID, to lifecycle.Status, errMsg string, extra string, args ...any) (bool, error) {
	sources := lifecycle.Sources(to)
	if len(sources) == 0 {
		return false, lifecycle.ErrIllegalTransition
	}
	sql := fmt.Sprintf(`UPDATE %s SET status = $2, error = COALESCE($3, error), updated_at = NOW(),
		completed_at = CASE WHEN $2 IN ('succeeded', 'failed', 'canceled') THEN NOW() ELSE completed_at END%s
		WHERE id = $1 AND status = ANY($4)`, table, extra)
	tag, err := q.Exec(ctx, sql, append([]any{id, string(to), nullable(errMsg), sources}, args...)...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
