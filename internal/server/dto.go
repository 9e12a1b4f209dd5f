package server

import (
	"relay/internal/domain"
)

// Request payloads

type CreateIssueRequest struct {
	ID    *string `json:"id,omitempty"`
	Title string  `json:"title"`
}

type LinkGitHubRequest struct {
	Repo        string `json:"repo" example:"acme/widgets"`
	IssueNumber int    `json:"issue_number"`
}

type LinkPRRequest struct {
	PRNumber int `json:"pr_number"`
}

type PutDraftRequest struct {
	Validation  string `json:"validation,omitempty" enum:"pending,valid,invalid"`
	ContentHash string `json:"content_hash,omitempty"`
}

type HoldRequest struct {
	Reason string `json:"reason,omitempty"`
}

type NextStepRequest struct {
	Mode      string `json:"mode,omitempty" enum:"execute,dry_run"`
	RequestID string `json:"request_id,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type IssueResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	GitHubRepo  string  `json:"github_repo,omitempty"`
	GitHubIssue *int    `json:"github_issue,omitempty"`
	PRNumber    *int    `json:"pr_number,omitempty"`
	DraftID     *string `json:"draft_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type DraftResponse struct {
	ID          string `json:"id"`
	IssueID     string `json:"issue_id"`
	Validation  string `json:"validation"`
	Committed   bool   `json:"committed"`
	ContentHash string `json:"content_hash,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type RunRecordResponse struct {
	ID         string  `json:"id"`
	IssueID    string  `json:"issue_id"`
	ActorID    string  `json:"actor_id"`
	RequestID  string  `json:"request_id"`
	Mode       string  `json:"mode"`
	Step       string  `json:"step,omitempty"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
	DurationMS *int64  `json:"duration_ms,omitempty"`
	Metadata   *string `json:"metadata_json,omitempty"`
	Error      *string `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type EventResponse struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	IssueID string `json:"issue_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type CleanupResponse struct {
	LocksRemoved   int64 `json:"locks_removed"`
	RecordsRemoved int64 `json:"records_removed"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

func issueResponse(i domain.Issue) IssueResponse {
	return IssueResponse{
		ID:          i.ID,
		Title:       i.Title,
		Status:      string(i.Status),
		GitHubRepo:  i.GitHubRepo,
		GitHubIssue: i.GitHubIssue,
		PRNumber:    i.PRNumber,
		DraftID:     i.DraftID,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
	}
}

func mapIssues(items []domain.Issue) []IssueResponse {
	res := make([]IssueResponse, 0, len(items))
	for _, i := range items {
		res = append(res, issueResponse(i))
	}
	return res
}

func draftResponse(d domain.Draft) DraftResponse {
	return DraftResponse{
		ID:          d.ID,
		IssueID:     d.IssueID,
		Validation:  d.Validation,
		Committed:   d.Committed,
		ContentHash: d.ContentHash,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func runResponse(r domain.Run) RunRecordResponse {
	return RunRecordResponse{
		ID:         r.ID,
		IssueID:    r.IssueID,
		ActorID:    r.ActorID,
		RequestID:  r.RequestID,
		Mode:       string(r.Mode),
		Step:       string(r.Step),
		Status:     string(r.Status),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationMS: r.DurationMS,
		Metadata:   r.MetadataJSON,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
	}
}

func mapRuns(items []domain.Run) []RunRecordResponse {
	res := make([]RunRecordResponse, 0, len(items))
	for _, r := range items {
		res = append(res, runResponse(r))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		IssueID: e.IssueID,
		ActorID: e.ActorID,
		Payload: e.Payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}
