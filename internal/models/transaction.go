package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Transaction struct {
	ID             string           `json:"id"`
	UnitID         string           `json:"unit_id"`
	BuyerID        string           `json:"buyer_id"`
	DevelopmentID  string           `json:"development_id"`
	State          TransactionState `json:"state"`
	AgreedPrice    decimal.Decimal  `json:"agreed_price"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	StateEnteredAt time.Time        `json:"state_entered_at"`
}

type TransactionState string

const (
	StateDraft            TransactionState = "DRAFT"
	StateReserved         TransactionState = "RESERVED"
	StateContractSigned   TransactionState = "CONTRACT_SIGNED"
	StateMortgageApproved TransactionState = "MORTGAGE_APPROVED"
	StateCompleted        TransactionState = "COMPLETED"
	StateCancelled        TransactionState = "CANCELLED"
	StateExpired          TransactionState = "EXPIRED"
)

func (s TransactionState) Valid() bool {
	switch s {
	case StateDraft, StateReserved, StateContractSigned, StateMortgageApproved,
		StateCompleted, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Terminal states never transition again.
func (s TransactionState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateExpired
}

// HoldsInventory reports whether a transaction in s owns a reserved unit.
// At most one transaction per unit may be in such a state.
func (s TransactionState) HoldsInventory() bool {
	return s == StateReserved || s == StateContractSigned || s == StateMortgageApproved
}

// Aggregate is the unit of locking: a transaction with its milestones and the
// snapshot of its current HTB claim taken under the transaction lock.
type Aggregate struct {
	Transaction Transaction `json:"transaction"`
	Milestones  []Milestone `json:"milestones"`
	Claim       *HTBClaim   `json:"htb_claim,omitempty"`
}

// Milestone returns the milestone of the given type, if scheduled.
func (a *Aggregate) Milestone(t MilestoneType) (Milestone, bool) {
	for _, m := range a.Milestones {
		if m.Type == t {
			return m, true
		}
	}
	return Milestone{}, false
}
