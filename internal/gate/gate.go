// Package gate combines independent evidence signals into a single
// fail-closed PASS/FAIL verdict for the review gate.
package gate

import (
	"context"
	"fmt"

	"relay/internal/domain"
)

// ReviewStatus is the aggregated human-review signal for a pull request.
type ReviewStatus string

const (
	ReviewApproved         ReviewStatus = "APPROVED"
	ReviewNotApproved      ReviewStatus = "NOT_APPROVED"
	ReviewChangesRequested ReviewStatus = "CHANGES_REQUESTED"
)

// ChecksSnapshot is a point-in-time summary of automated check results,
// referenced by SnapshotID so a decision can be re-evaluated later.
type ChecksSnapshot struct {
	SnapshotID string `json:"snapshot_id"`
	Total      int    `json:"total"`
	Failed     int    `json:"failed"`
	Pending    int    `json:"pending"`
	FetchedAt  string `json:"fetched_at" format:"date-time"`
}

// Verdict is the binary gate outcome.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Decision is the computed gate value. It is never persisted on its own;
// the orchestrator records it in run metadata and the audit timeline.
type Decision struct {
	Verdict      Verdict            `json:"verdict"`
	BlockReason  domain.BlockerCode `json:"block_reason,omitempty"`
	BlockMessage string             `json:"block_message,omitempty"`
	ReviewStatus ReviewStatus       `json:"review_status"`
	ChecksTotal  int                `json:"checks_total"`
	ChecksFailed int                `json:"checks_failed"`
	SnapshotID   string             `json:"snapshot_id,omitempty"`
}

// RepoCoords identifies the repository the evidence belongs to.
type RepoCoords struct {
	Owner string
	Name  string
}

func (c RepoCoords) String() string { return c.Owner + "/" + c.Name }

// ReviewFetcher loads the review-approval signal for a pull request.
type ReviewFetcher interface {
	FetchReviewStatus(ctx context.Context, coords RepoCoords, prNumber int) (ReviewStatus, error)
}

// ChecksFetcher loads a checks snapshot for a pull request.
type ChecksFetcher interface {
	FetchChecksSnapshot(ctx context.Context, coords RepoCoords, prNumber int) (ChecksSnapshot, error)
}

// Decide combines review and checks evidence with strict precedence:
// changes requested outranks not-yet-approved, which outranks failing
// checks, which outranks pending checks, which outranks no checks at all.
// Absence of checks is a blocking condition, never an implicit pass.
func Decide(review ReviewStatus, checks ChecksSnapshot) Decision {
	d := Decision{
		ReviewStatus: review,
		ChecksTotal:  checks.Total,
		ChecksFailed: checks.Failed,
		SnapshotID:   checks.SnapshotID,
	}
	switch {
	case review == ReviewChangesRequested:
		d.Verdict = VerdictFail
		d.BlockReason = domain.BlockerChangesRequested
		d.BlockMessage = "a reviewer has requested changes"
	case review != ReviewApproved:
		d.Verdict = VerdictFail
		d.BlockReason = domain.BlockerNoReviewApproval
		d.BlockMessage = "pull request is not approved"
	case checks.Failed > 0:
		d.Verdict = VerdictFail
		d.BlockReason = domain.BlockerChecksFailed
		d.BlockMessage = fmt.Sprintf("%d of %d checks failed", checks.Failed, checks.Total)
	case checks.Pending > 0:
		d.Verdict = VerdictFail
		d.BlockReason = domain.BlockerChecksPending
		d.BlockMessage = fmt.Sprintf("%d of %d checks still pending", checks.Pending, checks.Total)
	case checks.Total == 0:
		d.Verdict = VerdictFail
		d.BlockReason = domain.BlockerNoChecksFound
		d.BlockMessage = "no checks found for pull request"
	default:
		d.Verdict = VerdictPass
	}
	return d
}
