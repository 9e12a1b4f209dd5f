package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relay/internal/domain"
	"relay/internal/events"
	"relay/internal/forge"
	"relay/internal/gate"
	"relay/internal/resolver"
)

// execContext carries everything a step executor needs. The issue inside
// is the pre-lock snapshot; executors reload it under the lock before
// deciding anything.
type execContext struct {
	Issue     domain.Issue
	RunID     string
	Step      domain.Step
	RequestID string
	ActorID   string
	Mode      domain.Mode
}

// StepResult is the outcome of one executor invocation. A blocked result
// is a successful execution whose answer is "not yet"; executor errors are
// reserved for infrastructure failures.
type StepResult struct {
	Blocked     bool
	NoOp        bool
	BlockerCode domain.BlockerCode
	StateBefore domain.Status
	StateAfter  domain.Status
	Message     string
	Metadata    map[string]any
}

func blockedResult(issue domain.Issue, code domain.BlockerCode, msg string) StepResult {
	return StepResult{
		Blocked:     true,
		BlockerCode: code,
		StateBefore: issue.Status,
		StateAfter:  issue.Status,
		Message:     msg,
	}
}

func (e Engine) dispatch(ctx context.Context, ec execContext) (StepResult, error) {
	switch ec.Step {
	case domain.StepReviewGate:
		return e.executeReviewGate(ctx, ec)
	case domain.StepMergeCheck:
		return e.executeMergeCheck(ctx, ec)
	case domain.StepSpecReady, domain.StepStartImplementation, domain.StepRequestReview,
		domain.StepDeploy, domain.StepVerifyDeployment:
		return e.executeTransition(ctx, ec)
	default:
		return StepResult{}, fmt.Errorf("no executor registered for step %q", string(ec.Step))
	}
}

// validateUnderLock reloads the issue and re-runs resolution now that this
// actor holds the lock. A concurrent mutation between the pre-lock read
// and here shows up as a different resolution, which we honor instead of
// the stale one.
func (e Engine) validateUnderLock(ctx context.Context, ec execContext) (domain.Issue, *StepResult, error) {
	issue, err := e.Repo.GetIssue(ctx, ec.Issue.ID)
	if err != nil {
		return issue, nil, err
	}
	target, ok := resolver.TargetStatus(ec.Step)
	if !ok {
		return issue, nil, fmt.Errorf("step %q has no target status", string(ec.Step))
	}
	if issue.Status == target {
		r := StepResult{
			NoOp:        true,
			StateBefore: issue.Status,
			StateAfter:  issue.Status,
			Message:     fmt.Sprintf("issue already in state %s", target),
		}
		if err := e.emit(ctx, "step.noop", ec, r, nil); err != nil {
			return issue, nil, err
		}
		return issue, &r, nil
	}
	if !issue.Status.Known() {
		r := blockedResult(issue, domain.BlockerUnknownState,
			fmt.Sprintf("unrecognized status %q", string(issue.Status)))
		if err := e.emit(ctx, "step.blocked", ec, r, nil); err != nil {
			return issue, nil, err
		}
		return issue, &r, nil
	}
	draft, err := e.Repo.DraftForIssue(ctx, issue)
	if err != nil {
		return issue, nil, err
	}
	res := resolver.Resolve(issue, draft)
	switch res.Kind {
	case domain.ResolutionBlocked:
		r := blockedResult(issue, res.Code, res.Message)
		if err := e.emit(ctx, "step.blocked", ec, r, nil); err != nil {
			return issue, nil, err
		}
		return issue, &r, nil
	case domain.ResolutionTerminal:
		r := blockedResult(issue, domain.BlockerInvariantViolation,
			fmt.Sprintf("issue reached terminal state %s", issue.Status))
		if err := e.emit(ctx, "step.blocked", ec, r, nil); err != nil {
			return issue, nil, err
		}
		return issue, &r, nil
	}
	if res.Step != ec.Step {
		r := blockedResult(issue, domain.BlockerInvariantViolation,
			fmt.Sprintf("issue now resolves to step %s, not %s", res.Step, ec.Step))
		if err := e.emit(ctx, "step.blocked", ec, r, nil); err != nil {
			return issue, nil, err
		}
		return issue, &r, nil
	}
	if !resolver.IsValidTransition(issue.Status, target) {
		r := blockedResult(issue, domain.BlockerInvariantViolation,
			fmt.Sprintf("transition %s -> %s is not allowed", issue.Status, target))
		if err := e.emit(ctx, "step.blocked", ec, r, nil); err != nil {
			return issue, nil, err
		}
		return issue, &r, nil
	}
	return issue, nil, nil
}

// emit writes one audit event for a result outside a transition tx.
func (e Engine) emit(ctx context.Context, evtType string, ec execContext, r StepResult, extra events.EventPayload) error {
	payload := events.EventPayload{
		"run_id":       ec.RunID,
		"request_id":   ec.RequestID,
		"step":         string(ec.Step),
		"mode":         string(ec.Mode),
		"state_before": string(r.StateBefore),
		"state_after":  string(r.StateAfter),
	}
	if r.BlockerCode != "" {
		payload["blocker_code"] = string(r.BlockerCode)
	}
	if r.Message != "" {
		payload["message"] = r.Message
	}
	for k, v := range extra {
		payload[k] = v
	}
	return e.Events.AppendStandalone(ctx, evtType, ec.Issue.ID, ec.ActorID, payload)
}

// commitTransition persists the status change and its audit event in one
// transaction. Either both land or neither does.
func (e Engine) commitTransition(ctx context.Context, ec execContext, issue domain.Issue, target domain.Status, extra events.EventPayload) (StepResult, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StepResult{}, err
	}
	defer tx.Rollback()
	// Locks are scoped to the acting caller, so a different actor may have
	// moved the issue since validation. Re-check inside the write tx.
	current, err := e.Repo.GetIssueTx(ctx, tx, issue.ID)
	if err != nil {
		return StepResult{}, err
	}
	if current.Status != issue.Status || !resolver.IsValidTransition(current.Status, target) {
		tx.Rollback()
		r := blockedResult(current, domain.BlockerInvariantViolation,
			fmt.Sprintf("issue moved to %s during execution", current.Status))
		if eerr := e.emit(ctx, "step.blocked", ec, r, nil); eerr != nil {
			return StepResult{}, eerr
		}
		return r, nil
	}
	if err := e.Repo.UpdateIssueStatusTx(ctx, tx, issue.ID, target, now); err != nil {
		return StepResult{}, fmt.Errorf("update status: %w", err)
	}
	payload := events.EventPayload{
		"run_id":       ec.RunID,
		"request_id":   ec.RequestID,
		"step":         string(ec.Step),
		"mode":         string(ec.Mode),
		"state_before": string(issue.Status),
		"state_after":  string(target),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.Events.Append(ctx, tx, "step.completed", issue.ID, ec.ActorID, payload); err != nil {
		return StepResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		StateBefore: issue.Status,
		StateAfter:  target,
		Message:     fmt.Sprintf("advanced %s -> %s", issue.Status, target),
	}, nil
}

func (e Engine) dryRunResult(ctx context.Context, ec execContext, issue domain.Issue, target domain.Status) (StepResult, error) {
	r := StepResult{
		StateBefore: issue.Status,
		StateAfter:  issue.Status,
		Message:     fmt.Sprintf("dry run: would advance %s -> %s", issue.Status, target),
	}
	if err := e.emit(ctx, "step.dry_run", ec, r, nil); err != nil {
		return StepResult{}, err
	}
	return r, nil
}

// executeTransition handles the steps whose only work is the state write
// itself: spec_ready, start_implementation, request_review, deploy and
// verify_deployment.
func (e Engine) executeTransition(ctx context.Context, ec execContext) (StepResult, error) {
	issue, done, err := e.validateUnderLock(ctx, ec)
	if err != nil {
		return StepResult{}, err
	}
	if done != nil {
		return *done, nil
	}
	target, _ := resolver.TargetStatus(ec.Step)
	if ec.Mode == domain.ModeDryRun {
		return e.dryRunResult(ctx, ec, issue, target)
	}
	return e.commitTransition(ctx, ec, issue, target, nil)
}

// executeReviewGate fetches fresh review and check evidence, runs the gate
// decision and advances only on PASS. Any evidence problem blocks rather
// than fails the run.
func (e Engine) executeReviewGate(ctx context.Context, ec execContext) (StepResult, error) {
	issue, done, err := e.validateUnderLock(ctx, ec)
	if err != nil {
		return StepResult{}, err
	}
	if done != nil {
		return *done, nil
	}
	target, _ := resolver.TargetStatus(ec.Step)
	if ec.Mode == domain.ModeDryRun {
		return e.dryRunResult(ctx, ec, issue, target)
	}
	if e.Evidence.Reviews == nil || e.Evidence.Checks == nil {
		return StepResult{}, errors.New("review gate requires evidence fetchers")
	}
	coords, err := e.repoCoords(issue)
	if err != nil {
		return StepResult{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.Config.EvidenceTimeout())
	defer cancel()
	checks, err := e.Evidence.Checks.FetchChecksSnapshot(fetchCtx, coords, *issue.PRNumber)
	if err != nil {
		r := blockedResult(issue, domain.BlockerEvidenceFetchFailed,
			fmt.Sprintf("fetch checks: %v", err))
		if eerr := e.emit(ctx, "gate.blocked", ec, r, nil); eerr != nil {
			return StepResult{}, eerr
		}
		return r, nil
	}
	review, err := e.Evidence.Reviews.FetchReviewStatus(fetchCtx, coords, *issue.PRNumber)
	if err != nil {
		r := blockedResult(issue, domain.BlockerEvidenceFetchFailed,
			fmt.Sprintf("fetch reviews: %v", err))
		if eerr := e.emit(ctx, "gate.blocked", ec, r, nil); eerr != nil {
			return StepResult{}, eerr
		}
		return r, nil
	}
	if stale, age := e.evidenceStale(checks.FetchedAt); stale {
		r := blockedResult(issue, domain.BlockerStaleEvidence,
			fmt.Sprintf("checks snapshot is %s old, max age %s", age, e.Config.EvidenceMaxAge()))
		if eerr := e.emit(ctx, "gate.blocked", ec, r, events.EventPayload{"snapshot_id": checks.SnapshotID}); eerr != nil {
			return StepResult{}, eerr
		}
		return r, nil
	}

	decision := gate.Decide(review, checks)
	meta := map[string]any{
		"verdict":       string(decision.Verdict),
		"review_status": string(decision.ReviewStatus),
		"checks_total":  decision.ChecksTotal,
		"checks_failed": decision.ChecksFailed,
		"snapshot_id":   decision.SnapshotID,
	}
	if decision.Verdict == gate.VerdictFail {
		r := blockedResult(issue, decision.BlockReason, decision.BlockMessage)
		r.Metadata = meta
		if eerr := e.emit(ctx, "gate.blocked", ec, r, events.EventPayload{
			"verdict":      string(decision.Verdict),
			"block_reason": string(decision.BlockReason),
			"snapshot_id":  decision.SnapshotID,
		}); eerr != nil {
			return StepResult{}, eerr
		}
		return r, nil
	}
	result, err := e.commitTransition(ctx, ec, issue, target, events.EventPayload{
		"verdict":     string(decision.Verdict),
		"snapshot_id": decision.SnapshotID,
	})
	if err != nil {
		return StepResult{}, err
	}
	result.Metadata = meta
	return result, nil
}

// executeMergeCheck verifies the linked PR actually merged before moving
// the issue to merged.
func (e Engine) executeMergeCheck(ctx context.Context, ec execContext) (StepResult, error) {
	issue, done, err := e.validateUnderLock(ctx, ec)
	if err != nil {
		return StepResult{}, err
	}
	if done != nil {
		return *done, nil
	}
	target, _ := resolver.TargetStatus(ec.Step)
	if ec.Mode == domain.ModeDryRun {
		return e.dryRunResult(ctx, ec, issue, target)
	}
	if e.Evidence.Pulls == nil {
		return StepResult{}, errors.New("merge check requires a pull request fetcher")
	}
	coords, err := e.repoCoords(issue)
	if err != nil {
		return StepResult{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.Config.EvidenceTimeout())
	defer cancel()
	pr, err := e.Evidence.Pulls.FetchPullRequest(fetchCtx, coords, *issue.PRNumber)
	if err != nil {
		code := domain.BlockerEvidenceFetchFailed
		msg := fmt.Sprintf("fetch pull request: %v", err)
		if errors.Is(err, forge.ErrPRNotFound) {
			code = domain.BlockerPRNotFound
			msg = fmt.Sprintf("pull request #%d not found in %s", *issue.PRNumber, coords)
		}
		r := blockedResult(issue, code, msg)
		if eerr := e.emit(ctx, "step.blocked", ec, r, nil); eerr != nil {
			return StepResult{}, eerr
		}
		return r, nil
	}
	if pr.Conflicted() {
		r := blockedResult(issue, domain.BlockerMergeConflict,
			fmt.Sprintf("pull request #%d has merge conflicts", pr.Number))
		if eerr := e.emit(ctx, "step.blocked", ec, r, nil); eerr != nil {
			return StepResult{}, eerr
		}
		return r, nil
	}
	if !pr.Merged {
		r := blockedResult(issue, domain.BlockerPRNotMerged,
			fmt.Sprintf("pull request #%d is not merged", pr.Number))
		if eerr := e.emit(ctx, "step.blocked", ec, r, nil); eerr != nil {
			return StepResult{}, eerr
		}
		return r, nil
	}
	result, err := e.commitTransition(ctx, ec, issue, target, events.EventPayload{
		"message": fmt.Sprintf("pull request #%d merged", pr.Number),
	})
	if err != nil {
		return StepResult{}, err
	}
	result.Metadata = map[string]any{"pr_number": pr.Number, "head_sha": pr.HeadSHA}
	return result, nil
}

// repoCoords resolves which repository the evidence lives in. The issue's
// own GitHub link wins; forge.repo in config is a workspace-wide fallback
// for issues that never went through LinkGitHub.
func (e Engine) repoCoords(issue domain.Issue) (gate.RepoCoords, error) {
	repoName := issue.GitHubRepo
	if repoName == "" {
		repoName = e.Config.Forge.Repo
	}
	owner, name, ok := strings.Cut(repoName, "/")
	if !ok || owner == "" || name == "" {
		return gate.RepoCoords{}, fmt.Errorf("evidence repository must be owner/name, got %q", repoName)
	}
	return gate.RepoCoords{Owner: owner, Name: name}, nil
}

// evidenceStale compares the snapshot timestamp against the configured
// maximum age. Unparseable timestamps count as stale.
func (e Engine) evidenceStale(fetchedAt string) (bool, time.Duration) {
	maxAge := e.Config.EvidenceMaxAge()
	ts, err := time.Parse(time.RFC3339, fetchedAt)
	if err != nil {
		return true, 0
	}
	age := e.now().UTC().Sub(ts)
	return age > maxAge, age
}
