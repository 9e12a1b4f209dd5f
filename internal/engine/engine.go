package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"relay/internal/config"
	"relay/internal/domain"
	"relay/internal/events"
	"relay/internal/forge"
	"relay/internal/gate"
	"relay/internal/idempotency"
	"relay/internal/lock"
	"relay/internal/repo"
	"relay/internal/resolver"
)

// SchemaVersion identifies the response schema so callers can detect
// incompatible changes.
const SchemaVersion = 1

// LoopStatus classifies the outcome of one RunNextStep invocation.
type LoopStatus string

const (
	LoopAdvanced LoopStatus = "advanced"
	LoopNoOp     LoopStatus = "no_op"
	LoopBlocked  LoopStatus = "blocked"
	LoopTerminal LoopStatus = "terminal"
	LoopDryRun   LoopStatus = "dry_run"
)

// EvidenceSource bundles the external collaborators the gate and merge
// check read from.
type EvidenceSource struct {
	Reviews gate.ReviewFetcher
	Checks  gate.ChecksFetcher
	Pulls   forge.PullRequestFetcher
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Locks    lock.Manager
	Idem     idempotency.Cache
	Config   *config.Config
	Evidence EvidenceSource
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Locks:  lock.New(db),
		Idem:   idempotency.New(db),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// LockConflictError signals that another actor holds the lock for this
// intent. Callers should retry with backoff rather than treat it as a
// failure.
type LockConflictError struct {
	LockKey string
	Holder  string
	Expiry  string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock %s held by %s until %s", e.LockKey, e.Holder, e.Expiry)
}

// RunRequest is one invocation of the workflow engine.
type RunRequest struct {
	IssueID   string
	Mode      domain.Mode
	ActorID   string
	RequestID string
}

// RunResponse is the versioned, externally-visible result.
type RunResponse struct {
	SchemaVersion int                `json:"schema_version"`
	RequestID     string             `json:"request_id"`
	IssueID       string             `json:"issue_id"`
	RunID         string             `json:"run_id,omitempty"`
	LoopStatus    LoopStatus         `json:"loop_status" enum:"advanced,no_op,blocked,terminal,dry_run"`
	Step          domain.Step        `json:"step,omitempty"`
	Blocked       bool               `json:"blocked"`
	BlockerCode   domain.BlockerCode `json:"blocker_code,omitempty"`
	StateBefore   domain.Status      `json:"state_before,omitempty"`
	StateAfter    domain.Status      `json:"state_after,omitempty"`
	Message       string             `json:"message,omitempty"`
}

// bestEffort runs a cleanup step and logs its failure instead of letting
// it mask the primary error.
func bestEffort(op string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("WARNING: best-effort %s failed: %v", op, err)
	}
}

// finishResolvedRun closes out a run whose resolution never reached an
/// executor: terminal issues and resolver-blocked attempts.
func (e Engine) finishResolvedRun(ctx context.Context, runID string, status domain.RunStatus, start time.Time, metadataJSON string) error {
	elapsed := e.now().Sub(start).Milliseconds()
	finished := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.FinishRun(ctx, runID, status, finished, elapsed, metadataJSON, ""); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func resolvedRunMetadata(resp RunResponse) string {
	meta := map[string]any{"loop_status": string(resp.LoopStatus)}
	if resp.BlockerCode != "" {
		meta["blocker_code"] = string(resp.BlockerCode)
	}
	if resp.Message != "" {
		meta["message"] = resp.Message
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(data)
}

// RunNextStep resolves the issue's next step and executes it exactly once.
// Concurrent callers for the same {issue, mode, actor} intent either replay
// the cached response or receive a LockConflictError; every other
// invocation creates a Run record, including ones that end blocked or find
// the issue terminal.
func (e Engine) RunNextStep(ctx context.Context, req RunRequest) (RunResponse, error) {
	if strings.TrimSpace(req.IssueID) == "" {
		return RunResponse{}, errors.New("issue id is required")
	}
	if strings.TrimSpace(req.ActorID) == "" {
		return RunResponse{}, errors.New("actor id is required")
	}
	if req.Mode == "" {
		req.Mode = domain.ModeExecute
	}
	if !req.Mode.Valid() {
		return RunResponse{}, fmt.Errorf("invalid mode %q", string(req.Mode))
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	// Replay before any locking, resolution or run creation: a client
	// retry or duplicate submission must never perform the work twice.
	// The intent key deliberately omits the step, which is not known yet
	// at this point; lock and cache agree on the same key derivation.
	cached, err := e.Idem.Check(ctx, req.IssueID, "", req.Mode, req.ActorID)
	if err != nil {
		return RunResponse{}, fmt.Errorf("idempotency check: %w", err)
	}
	if cached.Found {
		var replay RunResponse
		if err := json.Unmarshal([]byte(cached.CachedResponse), &replay); err != nil {
			return RunResponse{}, fmt.Errorf("decode cached response: %w", err)
		}
		replay.RequestID = req.RequestID
		return replay, nil
	}

	acq, err := e.Locks.Acquire(ctx, req.IssueID, "", req.Mode, req.ActorID, req.RequestID, e.Config.LockTTL())
	if err != nil {
		return RunResponse{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !acq.Acquired {
		return RunResponse{}, &LockConflictError{
			LockKey: acq.LockKey,
			Holder:  acq.ExistingHolder,
			Expiry:  acq.ExistingExpiry,
		}
	}
	// Release covers every exit path. Releasing an already-reclaimed row
	// is a no-op, and a failed release is bounded by the TTL anyway.
	defer bestEffort("release lock", func() error { return e.Locks.Release(ctx, acq.LockKey, req.ActorID) })

	issue, err := e.Repo.GetIssue(ctx, req.IssueID)
	if err != nil {
		return RunResponse{}, err
	}
	draft, err := e.Repo.DraftForIssue(ctx, issue)
	if err != nil {
		return RunResponse{}, err
	}

	resp := RunResponse{
		SchemaVersion: SchemaVersion,
		RequestID:     req.RequestID,
		IssueID:       issue.ID,
		StateBefore:   issue.Status,
		StateAfter:    issue.Status,
	}

	// Every invocation that got past replay and the lock leaves a Run
	// record, whatever resolution says next. The step is unknown until
	// resolution and stays empty for blocked and terminal attempts.
	start := e.now()
	run := domain.Run{
		ID:        uuid.New().String(),
		IssueID:   issue.ID,
		ActorID:   req.ActorID,
		RequestID: req.RequestID,
		Mode:      req.Mode,
		Status:    domain.RunPending,
		CreatedAt: start.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return RunResponse{}, fmt.Errorf("create run: %w", err)
	}
	resp.RunID = run.ID

	res := resolver.Resolve(issue, draft)
	switch res.Kind {
	case domain.ResolutionTerminal:
		resp.LoopStatus = LoopTerminal
		resp.Message = fmt.Sprintf("issue %s is in terminal state %s", issue.ID, issue.Status)
		if err := e.finishResolvedRun(ctx, run.ID, domain.RunCompleted, start, resolvedRunMetadata(resp)); err != nil {
			return RunResponse{}, err
		}
		return resp, nil
	case domain.ResolutionBlocked:
		resp.LoopStatus = LoopBlocked
		resp.Blocked = true
		resp.BlockerCode = res.Code
		resp.Message = res.Message
		if err := e.finishResolvedRun(ctx, run.ID, domain.RunBlocked, start, resolvedRunMetadata(resp)); err != nil {
			return RunResponse{}, err
		}
		bestEffort("emit blocked event", func() error {
			return e.Events.AppendStandalone(ctx, "issue.blocked", issue.ID, req.ActorID, events.EventPayload{
				"blocker_code": string(res.Code),
				"request_id":   req.RequestID,
				"run_id":       run.ID,
				"message":      res.Message,
			})
		})
		return resp, nil
	}
	step := res.Step
	resp.Step = step

	if err := e.Repo.MarkRunRunning(ctx, run.ID, step, start.UTC().Format(time.RFC3339)); err != nil {
		return RunResponse{}, fmt.Errorf("mark run running: %w", err)
	}

	result, err := e.dispatch(ctx, execContext{
		Issue:     issue,
		RunID:     run.ID,
		Step:      step,
		RequestID: req.RequestID,
		ActorID:   req.ActorID,
		Mode:      req.Mode,
	})
	elapsed := e.now().Sub(start).Milliseconds()
	finished := e.now().UTC().Format(time.RFC3339)

	if err != nil {
		// Cleanup is best-effort; the lock TTL is the safety net when
		// even cleanup fails. The primary error always propagates.
		bestEffort("mark run failed", func() error {
			return e.Repo.FinishRun(ctx, run.ID, domain.RunFailed, finished, elapsed, "", err.Error())
		})
		return RunResponse{}, err
	}

	runStatus := domain.RunCompleted
	if result.Blocked {
		runStatus = domain.RunBlocked
	}
	metadataJSON := ""
	if len(result.Metadata) > 0 {
		if data, merr := json.Marshal(result.Metadata); merr == nil {
			metadataJSON = string(data)
		}
	}
	if err := e.Repo.FinishRun(ctx, run.ID, runStatus, finished, elapsed, metadataJSON, ""); err != nil {
		return RunResponse{}, fmt.Errorf("finish run: %w", err)
	}

	resp.StateBefore = result.StateBefore
	resp.StateAfter = result.StateAfter
	resp.Blocked = result.Blocked
	resp.BlockerCode = result.BlockerCode
	resp.Message = result.Message
	switch {
	case req.Mode == domain.ModeDryRun:
		resp.LoopStatus = LoopDryRun
	case result.Blocked:
		resp.LoopStatus = LoopBlocked
	case result.NoOp:
		resp.LoopStatus = LoopNoOp
	default:
		resp.LoopStatus = LoopAdvanced
	}

	// Blocked outcomes are re-evaluated on every attempt; only successful
	// mutating executions shadow future attempts.
	if req.Mode == domain.ModeExecute && !result.Blocked {
		if data, merr := json.Marshal(resp); merr == nil {
			bestEffort("store idempotency record", func() error {
				return e.Idem.Store(ctx, issue.ID, "", req.Mode, req.ActorID, string(data), run.ID, e.Config.IdempotencyTTL())
			})
		}
	}
	return resp, nil
}

// CreateIssue registers a new change request in triage.
func (e Engine) CreateIssue(ctx context.Context, id, title, actorID string) (domain.Issue, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Issue{}, errors.New("title is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	issue := domain.Issue{
		ID:        id,
		Title:     title,
		Status:    domain.StatusTriage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "issue.created", issue.ID, actorID, events.EventPayload{
		"state_after": string(issue.Status),
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}

// LinkGitHub attaches the external issue reference.
func (e Engine) LinkGitHub(ctx context.Context, issueID, repoName string, issueNumber int, actorID string) (domain.Issue, error) {
	if strings.TrimSpace(repoName) == "" || issueNumber <= 0 {
		return domain.Issue{}, errors.New("repo and issue number are required")
	}
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return issue, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, err
	}
	defer tx.Rollback()
	if err := e.Repo.LinkGitHub(ctx, tx, issueID, repoName, issueNumber, now); err != nil {
		return issue, err
	}
	if err := e.Events.Append(ctx, tx, "issue.linked", issueID, actorID, events.EventPayload{
		"message": fmt.Sprintf("linked to %s#%d", repoName, issueNumber),
	}); err != nil {
		return issue, err
	}
	if err := tx.Commit(); err != nil {
		return issue, err
	}
	return e.Repo.GetIssue(ctx, issueID)
}

// LinkPR attaches the pull request the review and merge steps evaluate.
func (e Engine) LinkPR(ctx context.Context, issueID string, prNumber int, actorID string) (domain.Issue, error) {
	if prNumber <= 0 {
		return domain.Issue{}, errors.New("pr number must be positive")
	}
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return issue, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, err
	}
	defer tx.Rollback()
	if err := e.Repo.LinkPR(ctx, tx, issueID, prNumber, now); err != nil {
		return issue, err
	}
	if err := e.Events.Append(ctx, tx, "issue.pr_linked", issueID, actorID, events.EventPayload{
		"message": fmt.Sprintf("linked PR #%d", prNumber),
	}); err != nil {
		return issue, err
	}
	if err := tx.Commit(); err != nil {
		return issue, err
	}
	return e.Repo.GetIssue(ctx, issueID)
}

// PutDraft creates or replaces the issue's spec draft.
func (e Engine) PutDraft(ctx context.Context, issueID, validation, contentHash, actorID string) (domain.Draft, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.Draft{}, err
	}
	if validation == "" {
		validation = "pending"
	}
	now := e.now().UTC().Format(time.RFC3339)
	draft := domain.Draft{
		IssueID:     issueID,
		Validation:  validation,
		ContentHash: contentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if issue.DraftID != nil {
		existing, err := e.Repo.GetDraft(ctx, *issue.DraftID)
		if err == nil {
			draft.ID = existing.ID
			draft.Committed = existing.Committed
			draft.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Draft{}, err
		}
	}
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertDraft(ctx, tx, draft); err != nil {
		return domain.Draft{}, fmt.Errorf("upsert draft: %w", err)
	}
	if err := e.Repo.SetIssueDraft(ctx, tx, issueID, draft.ID, now); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, "draft.updated", issueID, actorID, events.EventPayload{
		"message": fmt.Sprintf("draft %s validation=%s", draft.ID, draft.Validation),
	}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return draft, nil
}

// CommitDraft marks the draft committed, unblocking triage.
func (e Engine) CommitDraft(ctx context.Context, issueID, actorID string) (domain.Draft, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.Draft{}, err
	}
	if issue.DraftID == nil {
		return domain.Draft{}, errors.New("issue has no draft")
	}
	draft, err := e.Repo.GetDraft(ctx, *issue.DraftID)
	if err != nil {
		return domain.Draft{}, err
	}
	draft.Committed = true
	draft.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertDraft(ctx, tx, draft); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, "draft.committed", issueID, actorID, events.EventPayload{
		"message": fmt.Sprintf("draft %s committed", draft.ID),
	}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return draft, nil
}

// HoldIssue parks a non-terminal issue in the held state.
func (e Engine) HoldIssue(ctx context.Context, issueID, reason, actorID string) (domain.Issue, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return issue, err
	}
	if !resolver.IsValidTransition(issue.Status, domain.StatusHeld) {
		return issue, fmt.Errorf("invalid transition %s -> %s", issue.Status, domain.StatusHeld)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateIssueStatusTx(ctx, tx, issueID, domain.StatusHeld, now); err != nil {
		return issue, err
	}
	if err := e.Events.Append(ctx, tx, "issue.held", issueID, actorID, events.EventPayload{
		"state_before": string(issue.Status),
		"state_after":  string(domain.StatusHeld),
		"message":      reason,
	}); err != nil {
		return issue, err
	}
	if err := tx.Commit(); err != nil {
		return issue, err
	}
	issue.Status = domain.StatusHeld
	return issue, nil
}

// CleanupExpired removes expired lock and idempotency rows.
func (e Engine) CleanupExpired(ctx context.Context) (locks, records int64, err error) {
	locks, err = e.Locks.Cleanup(ctx)
	if err != nil {
		return 0, 0, err
	}
	records, err = e.Idem.Cleanup(ctx)
	if err != nil {
		return locks, 0, err
	}
	return locks, records, nil
}
