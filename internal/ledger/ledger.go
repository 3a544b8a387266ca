// Package ledger keeps the hash-chained record of every evidence file a run
// writes, stored in SQLite next to the evidence.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"codor/internal/db"
	"codor/internal/domain"
	"codor/internal/events"
	"codor/internal/migrate"
	"codor/internal/repo"
)

type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Writer events.Writer
	Now    func() time.Time
}

// Open opens (creating and migrating if needed) the ledger of evidenceDir.
func Open(ctx context.Context, evidenceDir string) (*Ledger, error) {
	conn, err := db.Open(db.Config{EvidenceDir: evidenceDir})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return New(conn), nil
}

// New wraps an already migrated database.
func New(conn *sql.DB) *Ledger {
	return &Ledger{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Writer: events.Writer{DB: conn},
		Now:    time.Now,
	}
}

func (l *Ledger) Close() error { return l.DB.Close() }

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// StartRun registers a run before any of its evidence is appended.
func (l *Ledger) StartRun(ctx context.Context, runID, specPath string) error {
	return l.Repo.InsertRun(ctx, domain.Run{
		ID:        runID,
		SpecPath:  specPath,
		StartedAt: l.now().UTC().Format(time.RFC3339Nano),
		Status:    domain.RunRunning,
	})
}

// FinishRun stores the outcome of a run.
func (l *Ledger) FinishRun(ctx context.Context, res domain.ExecutionResults, reportPath string) error {
	s := res.Summary()
	status := domain.RunPassed
	if res.AnyFailed() {
		status = domain.RunFailed
	}
	return l.Repo.FinishRun(ctx, domain.Run{
		ID:         res.RunID,
		FinishedAt: l.now().UTC().Format(time.RFC3339Nano),
		Status:     status,
		Total:      s.Total,
		Passed:     s.Passed,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		ReportPath: reportPath,
	})
}

// Append chains one evidence write onto the ledger.
func (l *Ledger) Append(ctx context.Context, evt domain.LedgerEvent) (domain.LedgerEvent, error) {
	w := l.Writer
	w.Now = l.now
	return w.AppendOne(ctx, evt)
}
