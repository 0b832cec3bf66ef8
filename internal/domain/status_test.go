package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTx() Transaction {
	return Transaction{
		ID:        uuid.New(),
		Direction: DirectionPayout,
		Provider:  ProviderCinetPay,
		Status:    StatusCreated,
		Amount:    decimal.NewFromInt(500),
		Currency:  "XOF",
		CreatedAt: time.Now(),
	}
}

func TestTransitionFollowsStateMachine(t *testing.T) {
	tx := newTx()
	now := time.Now()

	steps := []Status{StatusSubmitted, StatusAmbiguous, StatusConfirmed, StatusReconciled}
	for _, s := range steps {
		if err := tx.Transition(s, TriggerRecovery, "", now); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if tx.Status != StatusReconciled {
		t.Fatalf("expected reconciled, got %s", tx.Status)
	}
	if tx.ArchivedAt == nil {
		t.Fatalf("expected terminal transaction to be archived")
	}
	if err := CheckHistory(tx.History); err != nil {
		t.Fatalf("history not monotonic: %v", err)
	}
	if tx.FinalStatus() != FinalSucceeded {
		t.Fatalf("expected succeeded, got %s", tx.FinalStatus())
	}
}

func TestTransitionRejectsSkippingPredecessor(t *testing.T) {
	tx := newTx()

	err := tx.Transition(StatusConfirmed, TriggerWebhook, "", time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if tx.Status != StatusCreated || len(tx.History) != 0 {
		t.Fatalf("failed transition must not change state")
	}
}

func TestTerminalStatesRejectRepeat(t *testing.T) {
	tx := newTx()
	now := time.Now()
	_ = tx.Transition(StatusSubmitted, TriggerInitiate, "", now)
	_ = tx.Transition(StatusFailed, TriggerProviderResponse, "", now)
	_ = tx.Transition(StatusReconciled, TriggerRecovery, "", now)

	if err := tx.Transition(StatusReconciled, TriggerRecovery, "", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second reconcile to be rejected, got %v", err)
	}
	if tx.FinalStatus() != FinalFailed {
		t.Fatalf("expected failed, got %s", tx.FinalStatus())
	}
}

func TestOverrideMovesBackwards(t *testing.T) {
	tx := newTx()
	now := time.Now()
	_ = tx.Transition(StatusSubmitted, TriggerInitiate, "", now)
	_ = tx.Transition(StatusFailed, TriggerProviderResponse, "", now)

	if err := tx.Override(StatusAmbiguous, "provider statement shows pending", now); err != nil {
		t.Fatalf("override: %v", err)
	}
	if tx.Status != StatusAmbiguous || tx.ArchivedAt != nil {
		t.Fatalf("expected un-archived ambiguous, got %s archived=%v", tx.Status, tx.ArchivedAt)
	}
	last := tx.History[len(tx.History)-1]
	if last.Trigger != TriggerManualOverride {
		t.Fatalf("expected manual override trigger, got %s", last.Trigger)
	}
	if err := CheckHistory(tx.History); err != nil {
		t.Fatalf("override entries must be accepted by history check: %v", err)
	}
}

func TestAssignReferenceIsImmutable(t *testing.T) {
	tx := newTx()
	if err := tx.AssignReference("ref-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := tx.AssignReference("ref-1"); err != nil {
		t.Fatalf("re-assigning same reference should be a no-op: %v", err)
	}
	if err := tx.AssignReference("ref-2"); !errors.Is(err, ErrReferenceImmutable) {
		t.Fatalf("expected ErrReferenceImmutable, got %v", err)
	}
	if tx.ProviderReference != "ref-1" {
		t.Fatalf("reference changed to %s", tx.ProviderReference)
	}
}

func TestManualReviewIsPending(t *testing.T) {
	tx := newTx()
	now := time.Now()
	_ = tx.Transition(StatusSubmitted, TriggerInitiate, "", now)
	_ = tx.Transition(StatusAmbiguous, TriggerProviderResponse, "", now)
	_ = tx.Transition(StatusReconciled, TriggerRetryCap, "", now)
	tx.ManualReviewRequired = true
	tx.RequiresCompensation = true

	out := tx.Outcome()
	if out.FinalStatus != FinalPending || !out.RequiresCompensation {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestResolve(t *testing.T) {
	now := time.Now()

	ok := newTx()
	ok.Transition(StatusSubmitted, TriggerInitiate, "", now)
	ok.Transition(StatusAmbiguous, TriggerProviderResponse, "", now)
	if err := ok.Resolve(true, TriggerRecovery, "", now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok.Status != StatusReconciled || ok.RequiresCompensation || ok.FinalStatus() != FinalSucceeded {
		t.Fatalf("unexpected confirmed outcome %+v", ok.Outcome())
	}

	failed := newTx()
	failed.Transition(StatusSubmitted, TriggerInitiate, "", now)
	if err := failed.Resolve(false, TriggerWebhook, "", now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !failed.RequiresCompensation || failed.FinalStatus() != FinalFailed {
		t.Fatalf("unexpected failed outcome %+v", failed.Outcome())
	}

	created := newTx()
	if err := created.Resolve(true, TriggerRecovery, "", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("created transaction cannot be resolved, got %v", err)
	}
}
