// Package resolver maps an issue's current facts to its next workflow step.
// Everything here is pure: no I/O, no clock, no randomness. Callers may
// resolve as often as they like and always get the same answer for the
// same inputs.
package resolver

import (
	"fmt"

	"relay/internal/domain"
)

// Resolve returns the next allowed step for the issue, a blocker explaining
// why no step is allowed, or a terminal marker. Unrecognized statuses fail
// closed with UNKNOWN_STATE; they are never coerced to a default.
func Resolve(issue domain.Issue, draft *domain.Draft) domain.StepResolution {
	status := issue.Status
	if status == "" || !status.Known() {
		return domain.Blocked(domain.BlockerUnknownState,
			fmt.Sprintf("issue %s has unrecognized status %q", issue.ID, string(status)))
	}
	if status.Terminal() {
		return domain.Terminal()
	}

	switch status {
	case domain.StatusTriage, domain.StatusDrafting:
		// Gating facts checked in fixed priority order; first failure wins.
		if !issue.HasGitHubLink() {
			return domain.Blocked(domain.BlockerNoGitHubLink,
				fmt.Sprintf("issue %s is not linked to a GitHub issue", issue.ID))
		}
		if draft == nil {
			return domain.Blocked(domain.BlockerNoDraft,
				fmt.Sprintf("issue %s has no spec draft", issue.ID))
		}
		if draft.Validation != domain.DraftValid {
			return domain.Blocked(domain.BlockerDraftInvalid,
				fmt.Sprintf("draft %s validation is %q, want %q", draft.ID, draft.Validation, domain.DraftValid))
		}
		if !draft.Committed {
			return domain.Blocked(domain.BlockerDraftUncommitted,
				fmt.Sprintf("draft %s is not committed", draft.ID))
		}
		return domain.Advance(domain.StepSpecReady)

	case domain.StatusSpecReady:
		return domain.Advance(domain.StepStartImplementation)

	case domain.StatusInProgress:
		if issue.PRNumber == nil {
			return domain.Blocked(domain.BlockerNoPRLinked,
				fmt.Sprintf("issue %s has no pull request linked", issue.ID))
		}
		return domain.Advance(domain.StepRequestReview)

	case domain.StatusInReview:
		if issue.PRNumber == nil {
			return domain.Blocked(domain.BlockerNoPRLinked,
				fmt.Sprintf("issue %s has no pull request linked", issue.ID))
		}
		return domain.Advance(domain.StepReviewGate)

	case domain.StatusApproved:
		if issue.PRNumber == nil {
			return domain.Blocked(domain.BlockerNoPRLinked,
				fmt.Sprintf("issue %s has no pull request linked", issue.ID))
		}
		return domain.Advance(domain.StepMergeCheck)

	case domain.StatusMerged:
		return domain.Advance(domain.StepDeploy)

	case domain.StatusDeployed:
		return domain.Advance(domain.StepVerifyDeployment)
	}

	// Known() passed but no case matched; fail closed rather than guess.
	return domain.Blocked(domain.BlockerUnknownState,
		fmt.Sprintf("issue %s status %q has no resolution rule", issue.ID, string(status)))
}

// transitions is the single source of truth for what step executors are
// permitted to write. Terminal states have no outgoing edges.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusTriage:     {domain.StatusSpecReady},
	domain.StatusDrafting:   {domain.StatusSpecReady},
	domain.StatusSpecReady:  {domain.StatusInProgress},
	domain.StatusInProgress: {domain.StatusInReview},
	domain.StatusInReview:   {domain.StatusApproved},
	domain.StatusApproved:   {domain.StatusMerged},
	domain.StatusMerged:     {domain.StatusDeployed},
	domain.StatusDeployed:   {domain.StatusVerified},
}

// IsValidTransition reports whether from→to is an allowed status write.
// Self-transitions are always invalid (a no-op is not a transition), as is
// any transition out of a terminal state. Every non-terminal state may
// additionally transition to held.
func IsValidTransition(from, to domain.Status) bool {
	if from == to {
		return false
	}
	if !from.Known() || !to.Known() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == domain.StatusHeld {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TargetStatus returns the post-state a step writes on success.
func TargetStatus(step domain.Step) (domain.Status, bool) {
	switch step {
	case domain.StepSpecReady:
		return domain.StatusSpecReady, true
	case domain.StepStartImplementation:
		return domain.StatusInProgress, true
	case domain.StepRequestReview:
		return domain.StatusInReview, true
	case domain.StepReviewGate:
		return domain.StatusApproved, true
	case domain.StepMergeCheck:
		return domain.StatusMerged, true
	case domain.StepDeploy:
		return domain.StatusDeployed, true
	case domain.StepVerifyDeployment:
		return domain.StatusVerified, true
	}
	return "", false
}
