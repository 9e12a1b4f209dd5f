package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"relay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const issueColumns = `id,title,status,github_repo,github_issue,pr_number,draft_id,handoff_state,created_at,updated_at`

func scanIssue(scan func(dest ...any) error) (domain.Issue, error) {
	var i domain.Issue
	var repo, draftID, handoff sql.NullString
	var ghIssue, prNumber sql.NullInt64
	var status string
	err := scan(&i.ID, &i.Title, &status, &repo, &ghIssue, &prNumber, &draftID, &handoff, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	i.Status = domain.Status(status)
	if repo.Valid {
		i.GitHubRepo = repo.String
	}
	if ghIssue.Valid {
		n := int(ghIssue.Int64)
		i.GitHubIssue = &n
	}
	if prNumber.Valid {
		n := int(prNumber.Int64)
		i.PRNumber = &n
	}
	if draftID.Valid {
		i.DraftID = &draftID.String
	}
	if handoff.Valid {
		i.HandoffState = &handoff.String
	}
	return i, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.Title, string(i.Status), nullable(i.GitHubRepo), nullableIntPtr(i.GitHubIssue), nullableIntPtr(i.PRNumber),
		nullableStringPtr(i.DraftID), nullableStringPtr(i.HandoffState), i.CreatedAt, i.UpdatedAt)
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

type IssueFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// UpdateIssueStatusTx writes the single transactional status transition a
// step executor is allowed to perform.
func (r Repo) UpdateIssueStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.Status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, updated_at=? WHERE id=?`, string(status), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LinkGitHub(ctx context.Context, tx *sql.Tx, id, repo string, issueNumber int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET github_repo=?, github_issue=?, updated_at=? WHERE id=?`,
		repo, issueNumber, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LinkPR(ctx context.Context, tx *sql.Tx, id string, prNumber int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET pr_number=?, updated_at=? WHERE id=?`, prNumber, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetIssueDraft(ctx context.Context, tx *sql.Tx, id, draftID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET draft_id=?, updated_at=? WHERE id=?`, draftID, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDraft(scan func(dest ...any) error) (domain.Draft, error) {
	var d domain.Draft
	var hash sql.NullString
	var committed int
	err := scan(&d.ID, &d.IssueID, &d.Validation, &committed, &hash, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Committed = committed != 0
	if hash.Valid {
		d.ContentHash = hash.String
	}
	return d, nil
}

const draftColumns = `id,issue_id,validation,committed,content_hash,created_at,updated_at`

func (r Repo) UpsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	committed := 0
	if d.Committed {
		committed = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO drafts(`+draftColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET validation=excluded.validation, committed=excluded.committed, content_hash=excluded.content_hash, updated_at=excluded.updated_at`,
		d.ID, d.IssueID, d.Validation, committed, nullable(d.ContentHash), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id)
	return scanDraft(row.Scan)
}

// DraftForIssue returns the issue's current draft, or nil when the issue
// has none linked.
func (r Repo) DraftForIssue(ctx context.Context, issue domain.Issue) (*domain.Draft, error) {
	if issue.DraftID == nil {
		return nil, nil
	}
	d, err := r.GetDraft(ctx, *issue.DraftID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const runColumns = `id,issue_id,actor_id,request_id,mode,step,status,started_at,finished_at,duration_ms,metadata_json,error,created_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var step, startedAt, finishedAt, metadata, errMsg sql.NullString
	var duration sql.NullInt64
	var mode, status string
	err := scan(&run.ID, &run.IssueID, &run.ActorID, &run.RequestID, &mode, &step, &status,
		&startedAt, &finishedAt, &duration, &metadata, &errMsg, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Mode = domain.Mode(mode)
	run.Status = domain.RunStatus(status)
	if step.Valid {
		run.Step = domain.Step(step.String)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	if duration.Valid {
		run.DurationMS = &duration.Int64
	}
	if metadata.Valid {
		run.MetadataJSON = &metadata.String
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.IssueID, run.ActorID, run.RequestID, string(run.Mode), nullable(string(run.Step)), string(run.Status),
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.FinishedAt), nullableInt64Ptr(run.DurationMS),
		nullableStringPtr(run.MetadataJSON), nullableStringPtr(run.Error), run.CreatedAt)
	return err
}

// MarkRunRunning records the start of execution and the step resolution
// settled on. Runs are inserted before resolution, so the step lands here.
func (r Repo) MarkRunRunning(ctx context.Context, runID string, step domain.Step, startedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, step=?, started_at=? WHERE id=?`,
		string(domain.RunRunning), nullable(string(step)), startedAt, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun records the terminal run status with duration and outcome.
func (r Repo) FinishRun(ctx context.Context, runID string, status domain.RunStatus, finishedAt string, durationMS int64, metadataJSON, errMsg string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, finished_at=?, duration_ms=?, metadata_json=?, error=? WHERE id=?`,
		string(status), finishedAt, durationMS, nullable(metadataJSON), nullable(errMsg), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, issueID string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE issue_id=? ORDER BY created_at DESC, id DESC`
	args := []any{issueID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) CountRuns(ctx context.Context, issueID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM runs WHERE issue_id=?`, issueID).Scan(&n)
	return n, err
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, issueID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if issueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, issueID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,issue_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, for webhook delivery.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,issue_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the newest event id, or 0 when the timeline is
// empty. Webhook dispatchers seed their cursor from it.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT max(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var issueID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &issueID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if issueID.Valid {
			e.IssueID = issueID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
