package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"codor/internal/domain"
)

// GenesisHash is the prev_hash of the first ledger event.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Hash links an event to its predecessor.
func Hash(prevHash, evtType, path, digest string) string {
	sum := sha256.Sum256([]byte(prevHash + "|" + evtType + "|" + path + "|" + digest))
	return hex.EncodeToString(sum[:])
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append chains evt onto the ledger inside tx. Seq, TS, PrevHash and Hash
// are filled in and the stored event is returned.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.LedgerEvent) (domain.LedgerEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.Type == "" || evt.RunID == "" || evt.Path == "" || evt.Digest == "" {
		return evt, fmt.Errorf("ledger event requires type, run id, path and digest")
	}
	var prev string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM ledger_events ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		prev = GenesisHash
	} else if err != nil {
		return evt, fmt.Errorf("read ledger head: %w", err)
	}

	evt.TS = w.Now().UTC().Format(time.RFC3339Nano)
	evt.PrevHash = prev
	evt.Hash = Hash(prev, evt.Type, evt.Path, evt.Digest)
	res, err := tx.ExecContext(ctx, `INSERT INTO ledger_events(ts,type,run_id,task_id,entity_id,path,digest,prev_hash,hash) VALUES (?,?,?,?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.RunID, nullable(evt.TaskID), nullable(evt.EntityID), evt.Path, evt.Digest, evt.PrevHash, evt.Hash)
	if err != nil {
		return evt, fmt.Errorf("append ledger event: %w", err)
	}
	evt.Seq, _ = res.LastInsertId()
	return evt, nil
}

// AppendOne runs Append in its own transaction.
func (w Writer) AppendOne(ctx context.Context, evt domain.LedgerEvent) (domain.LedgerEvent, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return evt, err
	}
	defer tx.Rollback()
	out, err := w.Append(ctx, tx, evt)
	if err != nil {
		return out, err
	}
	return out, tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
