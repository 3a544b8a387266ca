package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"codor/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,spec_path,started_at,COALESCE(finished_at,''),status,total,passed,failed,skipped,COALESCE(report_path,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var r domain.Run
	err := row.Scan(&r.ID, &r.SpecPath, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Total, &r.Passed, &r.Failed, &r.Skipped, &r.ReportPath)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,spec_path,started_at,status) VALUES (?,?,?,?)`,
		run.ID, run.SpecPath, run.StartedAt, run.Status)
	return err
}

// FinishRun records the final counters of a run.
func (r Repo) FinishRun(ctx context.Context, run domain.Run) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET finished_at=?,status=?,total=?,passed=?,failed=?,skipped=?,report_path=? WHERE id=?`,
		run.FinishedAt, run.Status, run.Total, run.Passed, run.Failed, run.Skipped, nullable(run.ReportPath), run.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) LatestRun(ctx context.Context) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`))
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

type EventFilters struct {
	RunID  string
	TaskID string
	Type   string
	// After returns only events with seq greater than the cursor.
	After int64
	Limit int
}

// ListEvents returns ledger events in chain order.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.LedgerEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.After > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.After)
	}
	query := fmt.Sprintf(`SELECT seq,ts,type,run_id,COALESCE(task_id,''),COALESCE(entity_id,''),path,digest,prev_hash,hash FROM ledger_events WHERE %s ORDER BY seq ASC`, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEvent
	for rows.Next() {
		var e domain.LedgerEvent
		if err := rows.Scan(&e.Seq, &e.TS, &e.Type, &e.RunID, &e.TaskID, &e.EntityID, &e.Path, &e.Digest, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventFor returns the newest ledger event recorded for path.
func (r Repo) LatestEventFor(ctx context.Context, path string) (domain.LedgerEvent, error) {
	var e domain.LedgerEvent
	err := r.DB.QueryRowContext(ctx, `SELECT seq,ts,type,run_id,COALESCE(task_id,''),COALESCE(entity_id,''),path,digest,prev_hash,hash FROM ledger_events WHERE path=? ORDER BY seq DESC LIMIT 1`, path).
		Scan(&e.Seq, &e.TS, &e.Type, &e.RunID, &e.TaskID, &e.EntityID, &e.Path, &e.Digest, &e.PrevHash, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// LatestSeq returns the highest ledger sequence number, 0 when empty.
func (r Repo) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM ledger_events`).Scan(&seq)
	return seq, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
