package domain

// Status is the lifecycle state of an issue. Anything outside this set is
// treated as unknown and blocks progression.
type Status string

const (
	StatusTriage     Status = "triage"
	StatusDrafting   Status = "drafting" // legacy alias, gated like triage
	StatusSpecReady  Status = "spec_ready"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusApproved   Status = "approved"
	StatusMerged     Status = "merged"
	StatusDeployed   Status = "deployed"
	StatusVerified   Status = "verified"
	StatusHeld       Status = "held"
)

// KnownStatuses lists every recognized status in lifecycle order.
var KnownStatuses = []Status{
	StatusTriage, StatusDrafting, StatusSpecReady, StatusInProgress,
	StatusInReview, StatusApproved, StatusMerged, StatusDeployed,
	StatusVerified, StatusHeld,
}

func (s Status) Known() bool {
	for _, k := range KnownStatuses {
		if s == k {
			return true
		}
	}
	return false
}

// Terminal statuses never transition further.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusHeld
}

// Step is one named unit of workflow progress.
type Step string

const (
	StepSpecReady           Step = "spec_ready"
	StepStartImplementation Step = "start_implementation"
	StepRequestReview       Step = "request_review"
	StepReviewGate          Step = "review_gate"
	StepMergeCheck          Step = "merge_check"
	StepDeploy              Step = "deploy"
	StepVerifyDeployment    Step = "verify_deployment"
)

// Mode selects between a mutating execution and a validation-only pass.
type Mode string

const (
	ModeExecute Mode = "execute"
	ModeDryRun  Mode = "dry_run"
)

func (m Mode) Valid() bool { return m == ModeExecute || m == ModeDryRun }

// BlockerCode names why progression is currently disallowed.
type BlockerCode string

const (
	BlockerNoGitHubLink        BlockerCode = "NO_GITHUB_LINK"
	BlockerNoDraft             BlockerCode = "NO_DRAFT"
	BlockerDraftInvalid        BlockerCode = "DRAFT_INVALID"
	BlockerDraftUncommitted    BlockerCode = "DRAFT_UNCOMMITTED"
	BlockerLockHeld            BlockerCode = "LOCK_HELD"
	BlockerUnknownState        BlockerCode = "UNKNOWN_STATE"
	BlockerInvariantViolation  BlockerCode = "INVARIANT_VIOLATION"
	BlockerNoReviewApproval    BlockerCode = "NO_REVIEW_APPROVAL"
	BlockerChangesRequested    BlockerCode = "CHANGES_REQUESTED"
	BlockerChecksPending       BlockerCode = "CHECKS_PENDING"
	BlockerChecksFailed        BlockerCode = "CHECKS_FAILED"
	BlockerNoChecksFound       BlockerCode = "NO_CHECKS_FOUND"
	BlockerEvidenceFetchFailed BlockerCode = "EVIDENCE_FETCH_FAILED"
	BlockerNoPRLinked          BlockerCode = "NO_PR_LINKED"
	BlockerPRNotFound          BlockerCode = "PR_NOT_FOUND"
	BlockerPRNotMerged         BlockerCode = "PR_NOT_MERGED"
	BlockerMergeConflict       BlockerCode = "MERGE_CONFLICT"
	BlockerStaleEvidence       BlockerCode = "STALE_EVIDENCE"
)

// ResolutionKind discriminates a StepResolution.
type ResolutionKind string

const (
	ResolutionAdvance  ResolutionKind = "advance"
	ResolutionBlocked  ResolutionKind = "blocked"
	ResolutionTerminal ResolutionKind = "terminal"
)

// StepResolution is the outcome of resolving an issue's next step.
// Exactly one of the three kinds applies: advance carries Step, blocked
// carries Code and Message, terminal carries neither.
type StepResolution struct {
	Kind    ResolutionKind `json:"kind"`
	Step    Step           `json:"step,omitempty"`
	Code    BlockerCode    `json:"blocker_code,omitempty"`
	Message string         `json:"message,omitempty"`
}

func Advance(step Step) StepResolution {
	return StepResolution{Kind: ResolutionAdvance, Step: step}
}

func Blocked(code BlockerCode, message string) StepResolution {
	return StepResolution{Kind: ResolutionBlocked, Code: code, Message: message}
}

func Terminal() StepResolution {
	return StepResolution{Kind: ResolutionTerminal}
}

// RunStatus is the lifecycle state of a Run record.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunBlocked   RunStatus = "blocked"
)

// Issue is the subject of the workflow. Mutated only by step executors.
type Issue struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Status       Status  `json:"status" enum:"triage,drafting,spec_ready,in_progress,in_review,approved,merged,deployed,verified,held"`
	GitHubRepo   string  `json:"github_repo,omitempty"`
	GitHubIssue  *int    `json:"github_issue,omitempty"`
	PRNumber     *int    `json:"pr_number,omitempty"`
	DraftID      *string `json:"draft_id,omitempty"`
	HandoffState *string `json:"handoff_state,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// HasGitHubLink reports whether the issue is linked to an external issue.
func (i Issue) HasGitHubLink() bool {
	return i.GitHubRepo != "" && i.GitHubIssue != nil
}

// Draft is the specification artifact attached to an issue.
type Draft struct {
	ID          string `json:"id"`
	IssueID     string `json:"issue_id"`
	Validation  string `json:"validation" enum:"pending,valid,invalid"`
	Committed   bool   `json:"committed"`
	ContentHash string `json:"content_hash,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// DraftValid is the validation outcome that allows an issue past triage.
const DraftValid = "valid"

// Run is one execution attempt of advancing an issue. Append-style status
// updates only; never deleted.
type Run struct {
	ID           string    `json:"id"`
	IssueID      string    `json:"issue_id"`
	ActorID      string    `json:"actor_id"`
	RequestID    string    `json:"request_id"`
	Mode         Mode      `json:"mode" enum:"execute,dry_run"`
	Step         Step      `json:"step,omitempty"`
	Status       RunStatus `json:"status" enum:"pending,running,completed,failed,blocked"`
	StartedAt    *string   `json:"started_at,omitempty" format:"date-time"`
	FinishedAt   *string   `json:"finished_at,omitempty" format:"date-time"`
	DurationMS   *int64    `json:"duration_ms,omitempty"`
	MetadataJSON *string   `json:"metadata_json,omitempty"`
	Error        *string   `json:"error,omitempty"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
}

// Lock is an ephemeral advisory lock row. At most one non-expired row per key.
type Lock struct {
	Key        string `json:"key"`
	HolderID   string `json:"holder_id"`
	RequestID  string `json:"request_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// IdempotencyRecord is a cached successful response for an intent key.
type IdempotencyRecord struct {
	Key          string `json:"key"`
	ResponseJSON string `json:"response_json"`
	RunID        string `json:"run_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	ExpiresAt    string `json:"expires_at" format:"date-time"`
}

// Event is one audit timeline entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	IssueID string `json:"issue_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// APIKey authenticates an actor against the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
