package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay/internal/config"
	"relay/internal/db"
	"relay/internal/domain"
	"relay/internal/forge"
	"relay/internal/gate"
	"relay/internal/migrate"
)

type fakeEvidence struct {
	review    gate.ReviewStatus
	reviewErr error
	checks    gate.ChecksSnapshot
	checksErr error
	pr        forge.PullRequest
	prErr     error
	coords    gate.RepoCoords
}

func (f *fakeEvidence) FetchReviewStatus(ctx context.Context, coords gate.RepoCoords, prNumber int) (gate.ReviewStatus, error) {
	f.coords = coords
	return f.review, f.reviewErr
}

func (f *fakeEvidence) FetchChecksSnapshot(ctx context.Context, coords gate.RepoCoords, prNumber int) (gate.ChecksSnapshot, error) {
	f.coords = coords
	return f.checks, f.checksErr
}

func (f *fakeEvidence) FetchPullRequest(ctx context.Context, coords gate.RepoCoords, prNumber int) (forge.PullRequest, error) {
	f.coords = coords
	return f.pr, f.prErr
}

func freshChecks(total, failed, pending int) gate.ChecksSnapshot {
	return gate.ChecksSnapshot{
		SnapshotID: "snap-1",
		Total:      total,
		Failed:     failed,
		Pending:    pending,
		FetchedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

func newTestEngine(t *testing.T) (Engine, *fakeEvidence) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := New(conn, cfg)
	fe := &fakeEvidence{}
	e.Evidence = EvidenceSource{Reviews: fe, Checks: fe, Pulls: fe}
	return e, fe
}

func intPtr(v int) *int { return &v }

// expireReplayWindow drops idempotency records, standing in for TTL expiry
// so successive attempts re-resolve instead of replaying.
func expireReplayWindow(t *testing.T, e Engine) {
	t.Helper()
	if _, err := e.DB.Exec(`DELETE FROM idempotency`); err != nil {
		t.Fatalf("expire replay window: %v", err)
	}
}

func seedIssue(t *testing.T, e Engine, status domain.Status, withPR bool) domain.Issue {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	issue := domain.Issue{
		ID:          "iss-" + string(status),
		Title:       "seeded",
		Status:      status,
		GitHubRepo:  "acme/widgets",
		GitHubIssue: intPtr(42),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if withPR {
		issue.PRNumber = intPtr(7)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		t.Fatalf("insert issue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return issue
}

func TestRunNextStepAdvancesSimpleTransition(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusSpecReady, false)

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.LoopStatus != LoopAdvanced || resp.Step != domain.StepStartImplementation {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.StateBefore != domain.StatusSpecReady || resp.StateAfter != domain.StatusInProgress {
		t.Fatalf("unexpected transition %s -> %s", resp.StateBefore, resp.StateAfter)
	}

	got, err := e.Repo.GetIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("expected persisted in_progress, got %s", got.Status)
	}
	run, err := e.Repo.GetRun(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
	if run.Step != domain.StepStartImplementation {
		t.Fatalf("run must record the resolved step, got %q", run.Step)
	}
}

func TestRunNextStepBlockedResolutionEndsRunBlocked(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusTriage, false)

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.LoopStatus != LoopBlocked || resp.BlockerCode != domain.BlockerNoDraft {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.RunID == "" {
		t.Fatalf("blocked resolution must still record a run: %+v", resp)
	}
	run, err := e.Repo.GetRun(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunBlocked {
		t.Fatalf("expected blocked run, got %s", run.Status)
	}
	if run.Step != "" {
		t.Fatalf("blocked resolution has no step, got %q", run.Step)
	}
	count, err := e.Repo.CountRuns(ctx, issue.ID)
	if err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one run, got %d", count)
	}
}

func TestRunNextStepTerminal(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusVerified, false)

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.LoopStatus != LoopTerminal || resp.RunID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	run, err := e.Repo.GetRun(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunCompleted || run.Step != "" {
		t.Fatalf("terminal attempt should complete with no step, got %+v", run)
	}
}

func TestRunNextStepIdempotentReplay(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusSpecReady, false)

	first, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Same actor retries with a new request id after the issue has moved
	// on; the cached response replays instead of re-resolving.
	second, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice", RequestID: "req-2"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.RequestID != "req-2" {
		t.Fatalf("replay must carry the caller's request id, got %s", second.RequestID)
	}
	if second.RunID != first.RunID || second.LoopStatus != first.LoopStatus || second.StateAfter != first.StateAfter {
		t.Fatalf("replay diverged: %+v vs %+v", first, second)
	}
	count, err := e.Repo.CountRuns(ctx, issue.ID)
	if err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if count != 1 {
		t.Fatalf("replay must not create a second run, got %d", count)
	}
}

func TestRunNextStepLockConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusSpecReady, false)

	// Hold the lock the engine would need; the orchestrator locks the
	// intent before the step is resolved, so the key omits the step.
	acq, err := e.Locks.Acquire(ctx, issue.ID, "", domain.ModeExecute, "alice", "req-0", time.Minute)
	if err != nil || !acq.Acquired {
		t.Fatalf("pre-acquire: %v %+v", err, acq)
	}

	_, err = e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice", RequestID: "req-1"})
	var conflict *LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected LockConflictError, got %v", err)
	}
	if conflict.Holder != "alice" || conflict.Expiry == "" {
		t.Fatalf("conflict must name holder and expiry, got %+v", conflict)
	}
}

func TestRunNextStepDryRunMutatesNothing(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusSpecReady, false)

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice", Mode: domain.ModeDryRun})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if resp.LoopStatus != LoopDryRun || resp.Blocked {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.StateBefore != resp.StateAfter {
		t.Fatalf("dry run must not report a transition: %+v", resp)
	}
	got, err := e.Repo.GetIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != domain.StatusSpecReady {
		t.Fatalf("dry run mutated status to %s", got.Status)
	}
	// A dry run never shadows a later real execution.
	real, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("execute after dry run: %v", err)
	}
	if real.LoopStatus != LoopAdvanced {
		t.Fatalf("expected real execution to advance, got %+v", real)
	}
}

func TestReviewGatePassAdvances(t *testing.T) {
	e, fe := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusInReview, true)
	fe.review = gate.ReviewApproved
	fe.checks = freshChecks(5, 0, 0)

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.LoopStatus != LoopAdvanced || resp.StateAfter != domain.StatusApproved {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestReviewGateUsesIssueRepository(t *testing.T) {
	// Default config has no forge.repo; the issue's own GitHub link must
	// be enough to locate the evidence.
	e, fe := newTestEngine(t)
	if e.Config.Forge.Repo != "" {
		t.Fatalf("test requires an unset forge.repo, got %q", e.Config.Forge.Repo)
	}
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusInReview, true)
	fe.review = gate.ReviewApproved
	fe.checks = freshChecks(5, 0, 0)

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.LoopStatus != LoopAdvanced {
		t.Fatalf("unexpected response %+v", resp)
	}
	want := gate.RepoCoords{Owner: "acme", Name: "widgets"}
	if fe.coords != want {
		t.Fatalf("evidence fetched from %+v, want %+v", fe.coords, want)
	}
}

func TestReviewGateChangesRequestedBlocks(t *testing.T) {
	e, fe := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusInReview, true)
	fe.review = gate.ReviewChangesRequested
	fe.checks = freshChecks(5, 0, 0)

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.LoopStatus != LoopBlocked || resp.BlockerCode != domain.BlockerChangesRequested {
		t.Fatalf("unexpected response %+v", resp)
	}
	got, _ := e.Repo.GetIssue(ctx, issue.ID)
	if got.Status != domain.StatusInReview {
		t.Fatalf("blocked gate must not mutate status, got %s", got.Status)
	}
	run, err := e.Repo.GetRun(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunBlocked {
		t.Fatalf("expected blocked run, got %s", run.Status)
	}
}

func TestReviewGateBlockedNotCached(t *testing.T) {
	e, fe := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusInReview, true)
	fe.review = gate.ReviewNotApproved
	fe.checks = freshChecks(3, 0, 0)

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil || resp.BlockerCode != domain.BlockerNoReviewApproval {
		t.Fatalf("first attempt: %v %+v", err, resp)
	}

	// Evidence changed; a blocked outcome must be re-evaluated, not replayed.
	fe.review = gate.ReviewApproved
	resp, err = e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if resp.LoopStatus != LoopAdvanced {
		t.Fatalf("expected fresh evaluation to advance, got %+v", resp)
	}
}

func TestReviewGateEvidenceFetchFailedBlocks(t *testing.T) {
	e, fe := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusInReview, true)
	fe.checksErr = errors.New("upstream 503")

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.LoopStatus != LoopBlocked || resp.BlockerCode != domain.BlockerEvidenceFetchFailed {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestReviewGateStaleEvidenceBlocks(t *testing.T) {
	e, fe := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusInReview, true)
	fe.review = gate.ReviewApproved
	fe.checks = gate.ChecksSnapshot{
		SnapshotID: "snap-old",
		Total:      5,
		FetchedAt:  time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339),
	}

	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.BlockerCode != domain.BlockerStaleEvidence {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestMergeCheckOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		pr      forge.PullRequest
		prErr   error
		blocker domain.BlockerCode
		after   domain.Status
	}{
		{name: "merged advances", pr: forge.PullRequest{Number: 7, Merged: true, MergeableState: "unknown"}, after: domain.StatusMerged},
		{name: "not merged", pr: forge.PullRequest{Number: 7, MergeableState: "clean"}, blocker: domain.BlockerPRNotMerged, after: domain.StatusApproved},
		{name: "conflicted", pr: forge.PullRequest{Number: 7, MergeableState: "dirty"}, blocker: domain.BlockerMergeConflict, after: domain.StatusApproved},
		{name: "not found", prErr: forge.ErrPRNotFound, blocker: domain.BlockerPRNotFound, after: domain.StatusApproved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, fe := newTestEngine(t)
			ctx := context.Background()
			issue := seedIssue(t, e, domain.StatusApproved, true)
			fe.pr = tc.pr
			fe.prErr = tc.prErr

			resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if resp.BlockerCode != tc.blocker {
				t.Fatalf("expected blocker %q, got %+v", tc.blocker, resp)
			}
			got, _ := e.Repo.GetIssue(ctx, issue.ID)
			if got.Status != tc.after {
				t.Fatalf("expected status %s, got %s", tc.after, got.Status)
			}
		})
	}
}

func TestRunNextStepExecutorErrorFailsRun(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Evidence = EvidenceSource{} // no fetchers wired
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusInReview, true)

	_, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err == nil {
		t.Fatalf("expected infrastructure error")
	}
	runs, rerr := e.Repo.ListRuns(ctx, issue.ID, 10)
	if rerr != nil || len(runs) != 1 {
		t.Fatalf("expected one run, got %v %d", rerr, len(runs))
	}
	if runs[0].Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", runs[0].Status)
	}
	// The lock must have been released so a fixed engine can retry.
	acq, aerr := e.Locks.Acquire(ctx, issue.ID, "", domain.ModeExecute, "alice", "req-x", time.Minute)
	if aerr != nil || !acq.Acquired {
		t.Fatalf("lock still held after failed run: %v %+v", aerr, acq)
	}
}

func TestFullLifecycle(t *testing.T) {
	e, fe := newTestEngine(t)
	ctx := context.Background()

	issue, err := e.CreateIssue(ctx, "", "ship the widget", "alice")
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if _, err := e.LinkGitHub(ctx, issue.ID, "acme/widgets", 42, "alice"); err != nil {
		t.Fatalf("link github: %v", err)
	}
	if _, err := e.PutDraft(ctx, issue.ID, domain.DraftValid, "abc123", "alice"); err != nil {
		t.Fatalf("put draft: %v", err)
	}
	if _, err := e.CommitDraft(ctx, issue.ID, "alice"); err != nil {
		t.Fatalf("commit draft: %v", err)
	}
	if _, err := e.LinkPR(ctx, issue.ID, 7, "alice"); err != nil {
		t.Fatalf("link pr: %v", err)
	}
	fe.review = gate.ReviewApproved
	fe.pr = forge.PullRequest{Number: 7, Merged: true}

	want := []domain.Status{
		domain.StatusSpecReady, domain.StatusInProgress, domain.StatusInReview,
		domain.StatusApproved, domain.StatusMerged, domain.StatusDeployed, domain.StatusVerified,
	}
	for i, target := range want {
		fe.checks = freshChecks(3, 0, 0)
		expireReplayWindow(t, e)
		resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if resp.LoopStatus != LoopAdvanced || resp.StateAfter != target {
			t.Fatalf("step %d: expected advance to %s, got %+v", i, target, resp)
		}
	}
	expireReplayWindow(t, e)
	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil || resp.LoopStatus != LoopTerminal {
		t.Fatalf("expected terminal after verified: %v %+v", err, resp)
	}
}

func TestHoldIssue(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	issue := seedIssue(t, e, domain.StatusInProgress, true)

	held, err := e.HoldIssue(ctx, issue.ID, "paused by operator", "ops")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if held.Status != domain.StatusHeld {
		t.Fatalf("expected held, got %s", held.Status)
	}
	if _, err := e.HoldIssue(ctx, issue.ID, "again", "ops"); err == nil {
		t.Fatalf("holding a terminal issue must fail")
	}
	resp, err := e.RunNextStep(ctx, RunRequest{IssueID: issue.ID, ActorID: "alice"})
	if err != nil || resp.LoopStatus != LoopTerminal {
		t.Fatalf("held issue must be terminal: %v %+v", err, resp)
	}
}

func TestCleanupExpired(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	// Backdate via injected clocks so expiry has already passed.
	base := time.Now().Add(-time.Hour)
	e.Locks.Now = func() time.Time { return base }
	e.Idem.Now = func() time.Time { return base }
	if _, err := e.Locks.Acquire(ctx, "iss-1", domain.StepDeploy, domain.ModeExecute, "alice", "req-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.Idem.Store(ctx, "iss-1", domain.StepDeploy, domain.ModeExecute, "alice", "{}", "run-1", time.Minute); err != nil {
		t.Fatalf("store: %v", err)
	}
	e.Locks.Now = time.Now
	e.Idem.Now = time.Now

	locks, records, err := e.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if locks != 1 || records != 1 {
		t.Fatalf("expected 1 lock and 1 record removed, got %d %d", locks, records)
	}
}
