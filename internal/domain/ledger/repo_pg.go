package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regiflex/regiflex/internal/platform/db"
)

// queryable abstracts pgxpool.Pool, pgxpool.Conn and pgx.Tx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type ledgerRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &ledgerRepoPG{pool: pool}
}

func (r *ledgerRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordColumns = `event_id, event_type, clinic_id, action, object_id, processed_at`

func (r *ledgerRepoPG) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM billing_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (r *ledgerRepoPG) Insert(ctx context.Context, rec *Record) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO billing_events (event_id, event_type, clinic_id, action, object_id, processed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.EventType, rec.ClinicID, rec.Action, rec.ObjectID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ledgerRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.ClinicID != nil {
		where += fmt.Sprintf(` AND clinic_id = $%d`, idx)
		args = append(args, *f.ClinicID)
		idx++
	}
	if f.EventType != "" {
		where += fmt.Sprintf(` AND event_type = $%d`, idx)
		args = append(args, f.EventType)
		idx++
	}
	if f.Action != "" {
		where += fmt.Sprintf(` AND action = $%d`, idx)
		args = append(args, f.Action)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM billing_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM billing_events%s ORDER BY processed_at DESC LIMIT $%d OFFSET $%d`,
		recordColumns, where, idx, idx+1)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EventID, &rec.EventType, &rec.ClinicID, &rec.Action, &rec.ObjectID, &rec.ProcessedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &rec)
	}
	return out, total, rows.Err()
}
