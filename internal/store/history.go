package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/fhird/fhird/internal/fhir"
)

const historyJoin = `FROM resource_history h JOIN resources r ON r.storage_key = h.storage_key`

// History returns version events newest first, at instance, type, or system
// scope depending on which query fields are set.
func (r *repoPG) History(ctx context.Context, q HistoryQuery) ([]fhir.HistoryEvent, int, error) {
	conds := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)
	add := func(expr string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if q.ResourceType != "" {
		add("r.resource_type = $%d", q.ResourceType)
	}
	if q.FHIRID != "" {
		add("r.fhir_id = $%d", q.FHIRID)
	}
	if !q.Since.IsZero() {
		add("h.transaction_time >= $%d", q.Since)
	}
	if !q.At.IsZero() {
		add("h.transaction_time <= $%d", q.At)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) "+historyJoin+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	sql := "SELECT r.resource_type, r.fhir_id, h.version_id, h.operation, h.transaction_time, h.resource " +
		historyJoin + where +
		" ORDER BY h.transaction_time DESC, h.version_id DESC" +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	rows, err := r.conn(ctx).Query(ctx, sql, append(args, q.Count, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []fhir.HistoryEvent
	for rows.Next() {
		var ev fhir.HistoryEvent
		var blob []byte
		if err := rows.Scan(&ev.ResourceType, &ev.FHIRID, &ev.VersionID, &ev.Operation, &ev.Time, &blob); err != nil {
			return nil, 0, fmt.Errorf("scan history row: %w", err)
		}
		ev.Resource = blob
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate history rows: %w", err)
	}
	return events, total, nil
}
