package forge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"relay/internal/gate"
)

func newForgeServer(t *testing.T, routes map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

var coords = gate.RepoCoords{Owner: "acme", Name: "widgets"}

func TestFetchReviewStatusLatestPerReviewer(t *testing.T) {
	srv := newForgeServer(t, map[string]any{
		"/repos/acme/widgets/pulls/7/reviews": []map[string]any{
			{"state": "CHANGES_REQUESTED", "submitted_at": "2025-06-01T10:00:00Z", "user": map[string]any{"login": "carol"}},
			{"state": "COMMENTED", "submitted_at": "2025-06-01T11:00:00Z", "user": map[string]any{"login": "carol"}},
			{"state": "APPROVED", "submitted_at": "2025-06-01T12:00:00Z", "user": map[string]any{"login": "carol"}},
			{"state": "APPROVED", "submitted_at": "2025-06-01T09:00:00Z", "user": map[string]any{"login": "dave"}},
		},
	})
	c := New(srv.URL, "")
	status, err := c.FetchReviewStatus(context.Background(), coords, 7)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// Carol's latest meaningful review is an approval; comments don't count.
	if status != gate.ReviewApproved {
		t.Fatalf("expected APPROVED, got %s", status)
	}
}

func TestFetchReviewStatusChangesRequestedWins(t *testing.T) {
	srv := newForgeServer(t, map[string]any{
		"/repos/acme/widgets/pulls/7/reviews": []map[string]any{
			{"state": "APPROVED", "submitted_at": "2025-06-01T09:00:00Z", "user": map[string]any{"login": "dave"}},
			{"state": "APPROVED", "submitted_at": "2025-06-01T10:00:00Z", "user": map[string]any{"login": "carol"}},
			{"state": "CHANGES_REQUESTED", "submitted_at": "2025-06-01T11:00:00Z", "user": map[string]any{"login": "carol"}},
		},
	})
	c := New(srv.URL, "")
	status, err := c.FetchReviewStatus(context.Background(), coords, 7)
	if err != nil {
		t.Fatal(err)
	}
	if status != gate.ReviewChangesRequested {
		t.Fatalf("expected CHANGES_REQUESTED, got %s", status)
	}
}

func TestFetchReviewStatusNoReviews(t *testing.T) {
	srv := newForgeServer(t, map[string]any{
		"/repos/acme/widgets/pulls/7/reviews": []map[string]any{},
	})
	c := New(srv.URL, "")
	status, err := c.FetchReviewStatus(context.Background(), coords, 7)
	if err != nil {
		t.Fatal(err)
	}
	if status != gate.ReviewNotApproved {
		t.Fatalf("expected NOT_APPROVED, got %s", status)
	}
}

func TestFetchChecksSnapshot(t *testing.T) {
	srv := newForgeServer(t, map[string]any{
		"/repos/acme/widgets/pulls/7": map[string]any{
			"number": 7, "merged": false, "mergeable_state": "clean",
			"head": map[string]any{"sha": "abc123def456"},
		},
		"/repos/acme/widgets/commits/abc123def456/check-runs": map[string]any{
			"total_count": 3,
			"check_runs": []map[string]any{
				{"status": "completed", "conclusion": "success"},
				{"status": "completed", "conclusion": "failure"},
				{"status": "in_progress", "conclusion": ""},
			},
		},
	})
	c := New(srv.URL, "")
	snap, err := c.FetchChecksSnapshot(context.Background(), coords, 7)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Total != 3 || snap.Failed != 1 || snap.Pending != 1 {
		t.Fatalf("unexpected counts: %+v", snap)
	}
	if snap.SnapshotID == "" || snap.FetchedAt == "" {
		t.Fatalf("snapshot must carry id and fetch time: %+v", snap)
	}

	again, err := c.FetchChecksSnapshot(context.Background(), coords, 7)
	if err != nil {
		t.Fatal(err)
	}
	if again.SnapshotID != snap.SnapshotID {
		t.Fatalf("identical evidence must yield identical snapshot ids")
	}
}

func TestFetchPullRequestNotFound(t *testing.T) {
	srv := newForgeServer(t, map[string]any{})
	c := New(srv.URL, "")
	_, err := c.FetchPullRequest(context.Background(), coords, 99)
	if err != ErrPRNotFound {
		t.Fatalf("expected ErrPRNotFound, got %v", err)
	}
}

func TestFetchPullRequestConflicted(t *testing.T) {
	srv := newForgeServer(t, map[string]any{
		"/repos/acme/widgets/pulls/7": map[string]any{
			"number": 7, "merged": false, "mergeable_state": "dirty",
			"head": map[string]any{"sha": "abc"},
		},
	})
	c := New(srv.URL, "")
	pr, err := c.FetchPullRequest(context.Background(), coords, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !pr.Conflicted() {
		t.Fatalf("dirty mergeable state must report conflicted")
	}
}
