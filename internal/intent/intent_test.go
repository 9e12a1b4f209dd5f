package intent

import (
	"testing"

	"relay/internal/domain"
)

func TestKeyStable(t *testing.T) {
	a := Key("iss-1", domain.StepReviewGate, domain.ModeExecute, "alice")
	b := Key("iss-1", domain.StepReviewGate, domain.ModeExecute, "alice")
	if a != b {
		t.Fatalf("identical intents must hash identically: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16-char key, got %d", len(a))
	}
}

func TestKeyVariesByTuple(t *testing.T) {
	base := Key("iss-1", domain.StepReviewGate, domain.ModeExecute, "alice")
	variants := []string{
		Key("iss-2", domain.StepReviewGate, domain.ModeExecute, "alice"),
		Key("iss-1", domain.StepMergeCheck, domain.ModeExecute, "alice"),
		Key("iss-1", domain.StepReviewGate, domain.ModeDryRun, "alice"),
		Key("iss-1", domain.StepReviewGate, domain.ModeExecute, "bob"),
		Key("iss-1", domain.StepReviewGate, domain.ModeExecute, ""),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collides with base key", i)
		}
	}
}

func TestKeyEmptyStepNormalizes(t *testing.T) {
	if Key("iss-1", "", domain.ModeExecute, "alice") != Key("iss-1", "default", domain.ModeExecute, "alice") {
		t.Fatalf("empty step must normalize to default")
	}
}
