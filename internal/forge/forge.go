// Package forge is the code-hosting-platform client the engine gathers
// evidence from. Only the read surface the gate and merge check need is
// implemented here.
package forge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"relay/internal/gate"
)

var ErrPRNotFound = errors.New("pull request not found")

// Client talks to a GitHub-compatible REST API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Now        func() time.Time
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Now:        time.Now,
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrPRNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("forge GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type review struct {
	State       string `json:"state"`
	SubmittedAt string `json:"submitted_at"`
	User        struct {
		Login string `json:"login"`
	} `json:"user"`
}

// FetchReviewStatus aggregates reviews into a single signal. Only the most
// recent review per distinct reviewer counts, and any reviewer whose latest
// verdict is "changes requested" outranks every approval.
func (c *Client) FetchReviewStatus(ctx context.Context, coords gate.RepoCoords, prNumber int) (gate.ReviewStatus, error) {
	var reviews []review
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", coords.Owner, coords.Name, prNumber)
	if err := c.get(ctx, path, &reviews); err != nil {
		return "", err
	}

	sort.SliceStable(reviews, func(i, j int) bool { return reviews[i].SubmittedAt < reviews[j].SubmittedAt })
	latest := map[string]string{}
	for _, rv := range reviews {
		switch rv.State {
		case "APPROVED", "CHANGES_REQUESTED":
			latest[rv.User.Login] = rv.State
		}
	}

	approved := false
	for _, state := range latest {
		if state == "CHANGES_REQUESTED" {
			return gate.ReviewChangesRequested, nil
		}
		if state == "APPROVED" {
			approved = true
		}
	}
	if approved {
		return gate.ReviewApproved, nil
	}
	return gate.ReviewNotApproved, nil
}

type pullRequest struct {
	Number         int    `json:"number"`
	Merged         bool   `json:"merged"`
	MergeableState string `json:"mergeable_state"`
	Head           struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

// PullRequest is the subset of PR facts the merge check needs.
type PullRequest struct {
	Number         int
	Merged         bool
	MergeableState string
	HeadSHA        string
}

// Conflicted reports whether the forge considers the PR unmergeable.
func (p PullRequest) Conflicted() bool { return p.MergeableState == "dirty" }

// PullRequestFetcher loads pull request facts for the merge check.
type PullRequestFetcher interface {
	FetchPullRequest(ctx context.Context, coords gate.RepoCoords, prNumber int) (PullRequest, error)
}

func (c *Client) FetchPullRequest(ctx context.Context, coords gate.RepoCoords, prNumber int) (PullRequest, error) {
	var pr pullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", coords.Owner, coords.Name, prNumber)
	if err := c.get(ctx, path, &pr); err != nil {
		return PullRequest{}, err
	}
	return PullRequest{
		Number:         pr.Number,
		Merged:         pr.Merged,
		MergeableState: pr.MergeableState,
		HeadSHA:        pr.Head.SHA,
	}, nil
}

type checkRuns struct {
	TotalCount int `json:"total_count"`
	CheckRuns  []struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"check_runs"`
}

// FetchChecksSnapshot summarizes check runs for the PR's head commit. The
// snapshot id is content-addressed so an identical evidence state always
// yields the same id.
func (c *Client) FetchChecksSnapshot(ctx context.Context, coords gate.RepoCoords, prNumber int) (gate.ChecksSnapshot, error) {
	pr, err := c.FetchPullRequest(ctx, coords, prNumber)
	if err != nil {
		return gate.ChecksSnapshot{}, err
	}
	var runs checkRuns
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", coords.Owner, coords.Name, pr.HeadSHA)
	if err := c.get(ctx, path, &runs); err != nil {
		return gate.ChecksSnapshot{}, err
	}

	snap := gate.ChecksSnapshot{
		Total:     runs.TotalCount,
		FetchedAt: c.now().UTC().Format(time.RFC3339),
	}
	for _, run := range runs.CheckRuns {
		if run.Status != "completed" {
			snap.Pending++
			continue
		}
		switch run.Conclusion {
		case "success", "neutral", "skipped":
		default:
			snap.Failed++
		}
	}
	snap.SnapshotID = snapshotID(pr.HeadSHA, snap.Total, snap.Failed, snap.Pending)
	return snap, nil
}

func snapshotID(headSHA string, total, failed, pending int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%d", headSHA, total, failed, pending)))
	return hex.EncodeToString(sum[:])[:16]
}
