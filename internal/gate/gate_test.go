package gate

import (
	"testing"

	"relay/internal/domain"
)

func passingChecks() ChecksSnapshot {
	return ChecksSnapshot{SnapshotID: "snap-1", Total: 5}
}

func TestDecidePass(t *testing.T) {
	d := Decide(ReviewApproved, passingChecks())
	if d.Verdict != VerdictPass {
		t.Fatalf("expected PASS, got %s (%s)", d.Verdict, d.BlockReason)
	}
	if d.BlockReason != "" {
		t.Fatalf("pass must carry no block reason, got %s", d.BlockReason)
	}
	if d.SnapshotID != "snap-1" {
		t.Fatalf("snapshot id not carried through")
	}
}

func TestDecideChangesRequestedOutranksEverything(t *testing.T) {
	snapshots := []ChecksSnapshot{
		passingChecks(),
		{Total: 5, Failed: 2},
		{Total: 5, Pending: 5},
		{},
	}
	for _, snap := range snapshots {
		d := Decide(ReviewChangesRequested, snap)
		if d.Verdict != VerdictFail || d.BlockReason != domain.BlockerChangesRequested {
			t.Fatalf("checks %+v: expected CHANGES_REQUESTED fail, got %+v", snap, d)
		}
	}
}

func TestDecideNotApprovedOutranksChecks(t *testing.T) {
	d := Decide(ReviewNotApproved, ChecksSnapshot{Total: 3, Failed: 3})
	if d.BlockReason != domain.BlockerNoReviewApproval {
		t.Fatalf("expected NO_REVIEW_APPROVAL, got %s", d.BlockReason)
	}
}

func TestDecideCheckPrecedence(t *testing.T) {
	cases := []struct {
		checks ChecksSnapshot
		want   domain.BlockerCode
	}{
		{ChecksSnapshot{Total: 4, Failed: 1, Pending: 2}, domain.BlockerChecksFailed},
		{ChecksSnapshot{Total: 4, Pending: 2}, domain.BlockerChecksPending},
		{ChecksSnapshot{}, domain.BlockerNoChecksFound},
	}
	for _, tc := range cases {
		d := Decide(ReviewApproved, tc.checks)
		if d.Verdict != VerdictFail || d.BlockReason != tc.want {
			t.Fatalf("checks %+v: expected %s, got %+v", tc.checks, tc.want, d)
		}
	}
}

func TestDecideExactlyOneReason(t *testing.T) {
	// Multiple failing conditions still yield a single attributable reason.
	d := Decide(ReviewNotApproved, ChecksSnapshot{Total: 2, Failed: 1, Pending: 1})
	if d.BlockReason != domain.BlockerNoReviewApproval {
		t.Fatalf("expected single highest-precedence reason, got %s", d.BlockReason)
	}
	if d.BlockMessage == "" {
		t.Fatalf("fail must carry a human-readable message")
	}
}

func TestDecideDeterministic(t *testing.T) {
	for _, review := range []ReviewStatus{ReviewApproved, ReviewNotApproved, ReviewChangesRequested} {
		snap := ChecksSnapshot{SnapshotID: "s", Total: 3, Pending: 1}
		if Decide(review, snap) != Decide(review, snap) {
			t.Fatalf("decide not deterministic for %s", review)
		}
	}
}
