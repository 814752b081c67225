package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"approvalq/internal/domain"
)

// AppendActivity inserts an entry and, when retention > 0, evicts everything older than
// the newest retention entries. Both statements run on the same tx so concurrent
// appenders never lose a write.
func (r Repo) AppendActivity(ctx context.Context, tx *sql.Tx, e domain.ActivityEntry, retention int) (int64, error) {
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `INSERT INTO activity_log(ts,action,actor_id,target,details) VALUES (?,?,?,?,?)`,
		e.TS, e.Action, e.ActorID, nullable(e.Target), nullable(e.Details))
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if retention > 0 {
		if _, err := q.ExecContext(ctx, `DELETE FROM activity_log WHERE id <= (SELECT id FROM activity_log ORDER BY id DESC LIMIT 1 OFFSET ?)`, retention); err != nil {
			return 0, fmt.Errorf("trim activity: %w", err)
		}
	}
	return id, nil
}

type ActivityFilters struct {
	Action  string
	ActorID string
	Target  string
	Limit   int
	// Cursor returns entries strictly older than this id.
	Cursor int64
}

// LatestActivity returns entries newest first.
func (r Repo) LatestActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Target != "" {
		clauses = append(clauses, "target=?")
		args = append(args, f.Target)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,action,actor_id,COALESCE(target,''),COALESCE(details,'') FROM activity_log WHERE %s ORDER BY id DESC`, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryActivity(ctx, query, args...)
}

// ActivityAfter returns entries newer than cursor, oldest first.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActivityEntry, error) {
	return r.queryActivity(ctx, `SELECT id,ts,action,actor_id,COALESCE(target,''),COALESCE(details,'') FROM activity_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM activity_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) CountActivity(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_log`).Scan(&n)
	return n, err
}

func (r Repo) queryActivity(ctx context.Context, query string, args ...any) ([]domain.ActivityEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.ActorID, &e.Target, &e.Details); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
