package models

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTransactionCreated   EventType = "transaction.created"
	EventTransactionReserved  EventType = "transaction.reserved"
	EventContractSigned       EventType = "transaction.contract_signed"
	EventMortgageApproved     EventType = "transaction.mortgage_approved"
	EventTransactionCompleted EventType = "transaction.completed"
	EventTransactionCancelled EventType = "transaction.cancelled"
	EventTransactionExpired   EventType = "transaction.expired"
	EventPaymentRecorded      EventType = "milestone.payment_recorded"
	EventMilestonePaid        EventType = "milestone.paid"
	EventMilestoneOverdue     EventType = "milestone.overdue"
	EventMilestoneWaived      EventType = "milestone.waived"
	EventClaimStatusChanged   EventType = "htb_claim.status_changed"
)

// TransitionEvent maps a target transaction state to its event type.
func TransitionEvent(to TransactionState) EventType {
	switch to {
	case StateReserved:
		return EventTransactionReserved
	case StateContractSigned:
		return EventContractSigned
	case StateMortgageApproved:
		return EventMortgageApproved
	case StateCompleted:
		return EventTransactionCompleted
	case StateCancelled:
		return EventTransactionCancelled
	case StateExpired:
		return EventTransactionExpired
	}
	return EventTransactionCreated
}

// DomainEvent is handed to the EventPublisher after commit. Sequence is
// assigned per transaction and defines delivery order.
type DomainEvent struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Sequence      int64           `json:"sequence"`
	EventType     EventType       `json:"event_type"`
	PreviousState string          `json:"previous_state"`
	NewState      string          `json:"new_state"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
