package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"approvalq/internal/domain"
)

const requestColumns = `id,type,payload_json,status,current_level,customer_name,branch,submitted_by,created_at,updated_at`

// InsertRequest stores a new request together with its initial history.
func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	q := r.q(tx)
	payload := string(req.Payload)
	if payload == "" {
		payload = "{}"
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Type, payload, string(req.Status), req.CurrentLevel, req.CustomerName, req.Branch,
		req.SubmittedBy, req.CreatedAt, req.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: request %s already exists", ErrConflict, req.ID)
		}
		return fmt.Errorf("insert request: %w", err)
	}
	for _, h := range req.History {
		if err := r.AppendHistory(ctx, tx, req.ID, h); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AppendHistory(ctx context.Context, tx *sql.Tx, requestID string, h domain.HistoryEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO request_history(request_id,level,action,actor_id,ts) VALUES (?,?,?,?,?)`,
		requestID, h.Level, string(h.Action), h.ActorID, h.TS)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// AdvanceRequest moves a pending request from one level to the next. It matches only
// when the request is still Pending at fromLevel; otherwise ErrConflict.
func (r Repo) AdvanceRequest(ctx context.Context, tx *sql.Tx, id string, fromLevel, toLevel int, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE requests SET current_level=?, updated_at=? WHERE id=? AND status='Pending' AND current_level=?`,
		toLevel, now, id, fromLevel)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// FinalizeRequest sets a terminal status under the same guard as AdvanceRequest.
func (r Repo) FinalizeRequest(ctx context.Context, tx *sql.Tx, id string, fromLevel int, status domain.RequestStatus, now string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE requests SET status=?, updated_at=? WHERE id=? AND status='Pending' AND current_level=?`,
		string(status), now, id, fromLevel)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	q := r.q(tx)
	req, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
	if err != nil {
		return req, err
	}
	hist, err := r.loadHistory(ctx, q, []string{id})
	if err != nil {
		return req, err
	}
	req.History = hist[id]
	return req, nil
}

type RequestFilters struct {
	Status          string
	Type            string
	ExcludePending  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListRequests returns requests newest first with created_at|id cursor pagination.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ExcludePending {
		clauses = append(clauses, "status<>'Pending'")
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := fmt.Sprintf(`SELECT %s FROM requests WHERE %s ORDER BY created_at DESC, id DESC`, requestColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryRequests(ctx, r.DB, query, args...)
}

// ListPending returns every pending request in submission order.
func (r Repo) ListPending(ctx context.Context, tx *sql.Tx) ([]domain.Request, error) {
	return r.queryRequests(ctx, r.q(tx), `SELECT `+requestColumns+` FROM requests WHERE status='Pending' ORDER BY created_at, id`)
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) queryRequests(ctx context.Context, q queryer, query string, args ...any) ([]domain.Request, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, req)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(res) == 0 {
		return res, nil
	}
	ids := make([]string, len(res))
	for i, req := range res {
		ids[i] = req.ID
	}
	hist, err := r.loadHistory(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].History = hist[res[i].ID]
	}
	return res, nil
}

// historyBatch keeps each IN list well under SQLite's bound-variable limit.
const historyBatch = 500

func (r Repo) loadHistory(ctx context.Context, q queryer, ids []string) (map[string][]domain.HistoryEntry, error) {
	out := make(map[string][]domain.HistoryEntry, len(ids))
	for start := 0; start < len(ids); start += historyBatch {
		end := min(start+historyBatch, len(ids))
		if err := r.loadHistoryBatch(ctx, q, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r Repo) loadHistoryBatch(ctx context.Context, q queryer, ids []string, out map[string][]domain.HistoryEntry) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT request_id,level,action,actor_id,ts FROM request_history WHERE request_id IN (%s) ORDER BY id`, placeholders(len(ids))), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id     string
			h      domain.HistoryEntry
			action string
		)
		if err := rows.Scan(&id, &h.Level, &action, &h.ActorID, &h.TS); err != nil {
			return err
		}
		h.Action = domain.HistoryAction(action)
		out[id] = append(out[id], h)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var (
		req     domain.Request
		payload string
		status  string
	)
	err := row.Scan(&req.ID, &req.Type, &payload, &status, &req.CurrentLevel, &req.CustomerName, &req.Branch,
		&req.SubmittedBy, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Payload = []byte(payload)
	req.Status = domain.RequestStatus(status)
	return req, nil
}
