package server

import (
	"codor/internal/app"
	"codor/internal/domain"
	"codor/internal/evidence"
)

type RunRequest struct {
	SpecPath      string            `json:"spec_path" doc:"Path of the specification on the server's filesystem"`
	DryRun        bool              `json:"dry_run,omitempty"`
	StopOnFailure bool              `json:"stop_on_failure,omitempty"`
	Tasks         []string          `json:"tasks,omitempty" doc:"Run only these task ids"`
	Overrides     map[string]string `json:"overrides,omitempty" doc:"Placeholder values taking precedence over the environment"`
}

type TaskOutcome struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	Analyses      int    `json:"analyses"`
	DebtItems     int    `json:"debt_items"`
}

type RunResultResponse struct {
	RunID       string         `json:"run_id"`
	DryRun      bool           `json:"dry_run"`
	Passed      bool           `json:"passed"`
	Summary     domain.Summary `json:"summary"`
	Tasks       []TaskOutcome  `json:"tasks"`
	FatalError  string         `json:"fatal_error,omitempty"`
	Error       string         `json:"error,omitempty"`
	EvidenceDir string         `json:"evidence_dir,omitempty"`
	ReportPath  string         `json:"report_path,omitempty"`
}

func runResultResponse(out app.RunOutcome, err error) RunResultResponse {
	res := out.Results
	resp := RunResultResponse{
		RunID:       res.RunID,
		DryRun:      res.DryRun,
		Passed:      err == nil && !res.AnyFailed(),
		Summary:     res.Summary(),
		Tasks:       make([]TaskOutcome, 0, len(res.TaskOrder)),
		FatalError:  res.FatalError,
		EvidenceDir: out.EvidenceDir,
		ReportPath:  out.ReportPath,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	for _, id := range res.TaskOrder {
		tr, ok := res.Tasks[id]
		if !ok {
			continue
		}
		resp.Tasks = append(resp.Tasks, TaskOutcome{
			TaskID:        id,
			Status:        string(tr.Status),
			FailureReason: tr.FailureReason,
			DurationMS:    tr.DurationMS,
			Analyses:      len(tr.FailureAnalysis),
			DebtItems:     len(tr.TechnicalDebt),
		})
	}
	return resp
}

type LedgerEventResponse struct {
	Seq      int64  `json:"seq"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	RunID    string `json:"run_id"`
	TaskID   string `json:"task_id,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	Path     string `json:"path"`
	Digest   string `json:"digest"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

func ledgerEventResponse(evt domain.LedgerEvent) LedgerEventResponse {
	return LedgerEventResponse{
		Seq:      evt.Seq,
		TS:       evt.TS,
		Type:     evt.Type,
		RunID:    evt.RunID,
		TaskID:   evt.TaskID,
		EntityID: evt.EntityID,
		Path:     evt.Path,
		Digest:   evt.Digest,
		PrevHash: evt.PrevHash,
		Hash:     evt.Hash,
	}
}

type paginatedEvents struct {
	Items      []LedgerEventResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type ProblemResponse struct {
	Seq    int64  `json:"seq,omitempty"`
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type VerifyResponse struct {
	OK           bool              `json:"ok"`
	Events       int               `json:"events"`
	FilesChecked int               `json:"files_checked"`
	Head         string            `json:"head"`
	Problems     []ProblemResponse `json:"problems"`
}

func verifyResponse(rep evidence.VerifyReport) VerifyResponse {
	out := VerifyResponse{
		OK:           rep.OK(),
		Events:       rep.Events,
		FilesChecked: rep.FilesChecked,
		Head:         rep.Head,
		Problems:     make([]ProblemResponse, 0, len(rep.Problems)),
	}
	for _, p := range rep.Problems {
		out.Problems = append(out.Problems, ProblemResponse{Seq: p.Seq, Path: p.Path, Kind: p.Kind, Detail: p.Detail})
	}
	return out
}

type RunResponse struct {
	ID         string `json:"id"`
	SpecPath   string `json:"spec_path"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Status     string `json:"status"`
	Total      int    `json:"total"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	ReportPath string `json:"report_path,omitempty"`
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		SpecPath:   r.SpecPath,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Status:     r.Status,
		Total:      r.Total,
		Passed:     r.Passed,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		ReportPath: r.ReportPath,
	}
}
