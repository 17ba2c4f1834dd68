// Package lifecycle owns the ProductRequest status state machine: the
// canonical vocabulary, the legal transition edges, the timestamp side
// effects, and the legacy storage encoding.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zirconsol/drshaq-backend/pkg/models"
)

// Canonical statuses. The forward flow is
// submitted -> paid -> {fulfilled | declined_customer | declined_business}.
const (
	Submitted        = "submitted"
	Paid             = "paid"
	Fulfilled        = "fulfilled"
	DeclinedCustomer = "declined_customer"
	DeclinedBusiness = "declined_business"
)

// storagePaid is the persisted encoding of Paid. External consumers of
// the database predate the paid vocabulary and still read "contacted".
const storagePaid = "contacted"

var (
	ErrUnknownStatus  = errors.New("unknown request status")
	ErrReasonRequired = errors.New("status reason required")
)

// TransitionError names the rejected edge for the Conflict response.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func IsValid(status string) bool {
	switch status {
	case Submitted, Paid, Fulfilled, DeclinedCustomer, DeclinedBusiness:
		return true
	default:
		return false
	}
}

func IsTerminal(status string) bool {
	switch status {
	case Fulfilled, DeclinedCustomer, DeclinedBusiness:
		return true
	default:
		return false
	}
}

func IsDeclined(status string) bool {
	return status == DeclinedCustomer || status == DeclinedBusiness
}

// CanTransition reports whether from -> to is a declared forward edge.
// Same-state no-ops and the flag-gated reopen are handled by Transition.
func CanTransition(from, to string) bool {
	switch from {
	case Submitted:
		return to == Paid || IsDeclined(to)
	case Paid:
		return to == Fulfilled || IsDeclined(to)
	default:
		return false
	}
}

// ToStorage maps a canonical status to its persisted column value.
func ToStorage(status string) string {
	if status == Paid {
		return storagePaid
	}
	return status
}

// FromStorage maps a persisted column value back to the canonical status.
func FromStorage(stored string) string {
	if stored == storagePaid {
		return Paid
	}
	return stored
}

// Machine evaluates transitions. ReopenEnabled gates the operator-only
// reopen edge back to Submitted; ReopenTerminal additionally lets that
// edge leave terminal states.
type Machine struct {
	ReopenEnabled  bool
	ReopenTerminal bool
}

// Change describes an accepted transition.
type Change struct {
	From   string
	To     string
	Reason string
	Actor  string
	At     time.Time
	// NoOp is true when the target equals the current status; accepted
	// for idempotent retries but recorded without a history row.
	NoOp bool
}

// Transition validates from -> to and returns the accepted change.
// Declined targets and reopens always require a reason.
func (m Machine) Transition(from, to, reason, actor string, now time.Time) (Change, error) {
	if !IsValid(from) {
		return Change{}, fmt.Errorf("%w: %q", ErrUnknownStatus, from)
	}
	if !IsValid(to) {
		return Change{}, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	reason = strings.TrimSpace(reason)
	change := Change{From: from, To: to, Reason: reason, Actor: actor, At: now.UTC()}
	if from == to {
		change.NoOp = true
		return change, nil
	}
	if to == Submitted {
		if !m.ReopenEnabled {
			return Change{}, &TransitionError{From: from, To: to}
		}
		if IsTerminal(from) && !m.ReopenTerminal {
			return Change{}, &TransitionError{From: from, To: to}
		}
		if reason == "" {
			return Change{}, ErrReasonRequired
		}
		return change, nil
	}
	if !CanTransition(from, to) {
		return Change{}, &TransitionError{From: from, To: to}
	}
	if IsDeclined(to) && reason == "" {
		return Change{}, ErrReasonRequired
	}
	return change, nil
}

// Apply writes the accepted change onto the request: status fields always,
// then the per-target timestamp side effects. History is appended only
// when the stored status actually changes.
func Apply(req *models.ProductRequest, change Change) {
	now := change.At
	req.StatusUpdatedBy = change.Actor
	req.StatusUpdatedAt = &now
	req.UpdatedAt = now
	if change.Reason != "" || IsDeclined(change.To) || change.To == Submitted {
		req.StatusReason = change.Reason
	}
	if change.NoOp {
		return
	}

	req.Status = change.To
	switch {
	case change.To == Paid:
		if req.ContactedAt == nil {
			req.ContactedAt = &now
		}
		if req.PaidAt == nil {
			req.PaidAt = &now
		}
		req.DeliveredAt = nil
		req.ResolvedAt = nil
	case change.To == Fulfilled:
		if req.ContactedAt == nil {
			req.ContactedAt = &now
		}
		if req.PaidAt == nil {
			req.PaidAt = &now
		}
		req.DeliveredAt = &now
		req.ResolvedAt = &now
	case IsDeclined(change.To):
		if req.ContactedAt == nil {
			req.ContactedAt = &now
		}
		req.DeliveredAt = nil
		req.ResolvedAt = &now
	case change.To == Submitted:
		req.ContactedAt = nil
		req.PaidAt = nil
		req.DeliveredAt = nil
		req.ResolvedAt = nil
	}

	req.History = append(req.History, models.StatusHistoryEntry{
		PreviousStatus: change.From,
		NewStatus:      change.To,
		Reason:         change.Reason,
		ChangedBy:      change.Actor,
		ChangedAt:      now,
	})
}
