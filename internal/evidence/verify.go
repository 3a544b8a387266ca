package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"codor/internal/domain"
	"codor/internal/events"
	"codor/internal/repo"
)

// Problem kinds reported by Verify.
const (
	ProblemChain     = "chain"
	ProblemHash      = "hash"
	ProblemMissing   = "missing"
	ProblemDigest    = "digest"
	ProblemIntegrity = "integrity"
	ProblemPath      = "path"
)

type Problem struct {
	Seq    int64  `json:"seq,omitempty"`
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type VerifyReport struct {
	Events       int       `json:"events"`
	FilesChecked int       `json:"filesChecked"`
	Head         string    `json:"head"`
	Problems     []Problem `json:"problems"`
}

func (r VerifyReport) OK() bool { return len(r.Problems) == 0 }

// Verify walks the ledger chain and re-hashes the newest evidence file
// recorded for every path under dir.
func Verify(ctx context.Context, r repo.Repo, dir string) (VerifyReport, error) {
	evts, err := r.ListEvents(ctx, repo.EventFilters{})
	if err != nil {
		return VerifyReport{}, fmt.Errorf("list ledger events: %w", err)
	}
	rep := VerifyReport{Events: len(evts), Head: events.GenesisHash, Problems: []Problem{}}
	latest := map[string]domain.LedgerEvent{}
	for _, e := range evts {
		if e.PrevHash != rep.Head {
			rep.Problems = append(rep.Problems, Problem{Seq: e.Seq, Path: e.Path, Kind: ProblemChain,
				Detail: fmt.Sprintf("prev_hash %s does not match previous hash %s", short(e.PrevHash), short(rep.Head))})
		}
		if want := events.Hash(e.PrevHash, e.Type, e.Path, e.Digest); want != e.Hash {
			rep.Problems = append(rep.Problems, Problem{Seq: e.Seq, Path: e.Path, Kind: ProblemHash,
				Detail: fmt.Sprintf("stored hash %s, recomputed %s", short(e.Hash), short(want))})
		}
		rep.Head = e.Hash
		latest[e.Path] = e
	}

	paths := make([]string, 0, len(latest))
	for p := range latest {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		e := latest[p]
		if !filepath.IsLocal(filepath.FromSlash(p)) {
			rep.Problems = append(rep.Problems, Problem{Seq: e.Seq, Path: p, Kind: ProblemPath, Detail: "path escapes the evidence directory"})
			continue
		}
		rep.FilesChecked++
		if prob, bad := checkFile(filepath.Join(dir, filepath.FromSlash(p)), e.Digest); bad {
			prob.Seq, prob.Path = e.Seq, p
			rep.Problems = append(rep.Problems, prob)
		}
	}
	return rep, nil
}

// CheckRecord reports whether the file at path still matches its own
// integrity block.
func CheckRecord(path string) error {
	rec, err := ReadRecord(path)
	if err != nil {
		return err
	}
	got, err := Digest(rec)
	if err != nil {
		return err
	}
	if claimed := RecordedDigest(rec); claimed != got {
		return fmt.Errorf("integrity digest %s does not match content %s", short(claimed), short(got))
	}
	return nil
}

func checkFile(path, ledgerDigest string) (Problem, bool) {
	rec, err := ReadRecord(path)
	if errors.Is(err, os.ErrNotExist) {
		return Problem{Kind: ProblemMissing, Detail: "file no longer exists"}, true
	}
	if err != nil {
		return Problem{Kind: ProblemIntegrity, Detail: err.Error()}, true
	}
	got, err := Digest(rec)
	if err != nil {
		return Problem{Kind: ProblemIntegrity, Detail: err.Error()}, true
	}
	if got != ledgerDigest {
		return Problem{Kind: ProblemDigest, Detail: fmt.Sprintf("content digest %s, ledger recorded %s", short(got), short(ledgerDigest))}, true
	}
	if claimed := RecordedDigest(rec); claimed != got {
		return Problem{Kind: ProblemIntegrity, Detail: fmt.Sprintf("integrity block claims %s", short(claimed))}, true
	}
	return Problem{}, false
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
