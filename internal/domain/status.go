package domain

import (
	"fmt"
	"time"
)

// Status is a ledger state of a Transaction.
type Status string

const (
	StatusCreated    Status = "created"
	StatusSubmitted  Status = "submitted"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusAmbiguous  Status = "ambiguous"
	StatusReconciled Status = "reconciled"
)

// AllStatuses lists states in lifecycle order.
var AllStatuses = []Status{
	StatusCreated,
	StatusSubmitted,
	StatusConfirmed,
	StatusFailed,
	StatusAmbiguous,
	StatusReconciled,
}

func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether reaching the state archives the transaction.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusReconciled
}

// Trigger names what caused a transition.
type Trigger string

const (
	TriggerInitiate         Trigger = "initiate"
	TriggerProviderResponse Trigger = "provider_response"
	TriggerWebhook          Trigger = "webhook"
	TriggerRecovery         Trigger = "recovery"
	TriggerRetryCap         Trigger = "retry_cap"
	TriggerManualOverride   Trigger = "manual_override"
)

var allowed = map[Status][]Status{
	StatusCreated:   {StatusSubmitted},
	StatusSubmitted: {StatusConfirmed, StatusFailed, StatusAmbiguous},
	StatusAmbiguous: {StatusConfirmed, StatusFailed, StatusReconciled},
	StatusConfirmed: {StatusReconciled},
	StatusFailed:    {StatusReconciled},
}

// CanTransition reports whether from -> to is a forward edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition appends a forward transition to the history and moves the status.
func (t *Transaction) Transition(to Status, trigger Trigger, note string, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.appendTransition(to, trigger, note, at)
	return nil
}

// Override moves the transaction to any status, including backwards. It is
// the only path allowed to do so and is always recorded as manual.
func (t *Transaction) Override(to Status, reason string, at time.Time) error {
	if to == t.Status {
		return fmt.Errorf("%w: already %s", ErrInvalidTransition, to)
	}
	t.appendTransition(to, TriggerManualOverride, reason, at)
	if !to.Terminal() {
		t.ArchivedAt = nil
	}
	if to != StatusReconciled {
		t.ManualReviewRequired = false
	}
	return nil
}

func (t *Transaction) appendTransition(to Status, trigger Trigger, note string, at time.Time) {
	t.History = append(t.History, Transition{
		From:    t.Status,
		To:      to,
		Trigger: trigger,
		Note:    note,
		At:      at,
	})
	t.Status = to
	if to.Terminal() && t.ArchivedAt == nil {
		archived := at
		t.ArchivedAt = &archived
	}
}

// CheckHistory verifies that every automatic entry of the history follows a
// forward edge from its predecessor.
func CheckHistory(history []Transition) error {
	prev := StatusCreated
	for i, tr := range history {
		if tr.From != prev {
			return fmt.Errorf("entry %d starts at %s, expected %s", i, tr.From, prev)
		}
		if tr.Trigger != TriggerManualOverride && !CanTransition(tr.From, tr.To) {
			return fmt.Errorf("entry %d: %w: %s -> %s", i, ErrInvalidTransition, tr.From, tr.To)
		}
		prev = tr.To
	}
	return nil
}

// Resolve records a definitive provider outcome and reconciles the
// transaction. A failed payout is flagged for compensation.
func (t *Transaction) Resolve(succeeded bool, trigger Trigger, note string, at time.Time) error {
	to := StatusFailed
	if succeeded {
		to = StatusConfirmed
	}
	if t.Status != to {
		if err := t.Transition(to, trigger, note, at); err != nil {
			return err
		}
	}
	if err := t.Transition(StatusReconciled, trigger, note, at); err != nil {
		return err
	}
	t.RequiresCompensation = !succeeded && t.Direction == DirectionPayout
	return nil
}
