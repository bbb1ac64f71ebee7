package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Milestone struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Type          MilestoneType   `json:"type"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	DueDate       time.Time       `json:"due_date"`
	Status        MilestoneStatus `json:"status"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type MilestoneType string

const (
	MilestoneBookingDeposit  MilestoneType = "BOOKING_DEPOSIT"
	MilestoneContractDeposit MilestoneType = "CONTRACT_DEPOSIT"
	MilestoneStagePayment    MilestoneType = "STAGE_PAYMENT"
	MilestoneFinalPayment    MilestoneType = "FINAL_PAYMENT"
)

// MilestoneTypes lists every type in precedence order.
var MilestoneTypes = []MilestoneType{
	MilestoneBookingDeposit,
	MilestoneContractDeposit,
	MilestoneStagePayment,
	MilestoneFinalPayment,
}

// Precedence orders milestone types; lower values must settle first.
// Unknown types return -1.
func (t MilestoneType) Precedence() int {
	for i, mt := range MilestoneTypes {
		if mt == t {
			return i
		}
	}
	return -1
}

type MilestoneStatus string

const (
	MilestonePending MilestoneStatus = "PENDING"
	MilestonePaid    MilestoneStatus = "PAID"
	MilestoneOverdue MilestoneStatus = "OVERDUE"
	MilestoneWaived  MilestoneStatus = "WAIVED"
)

// Settled reports whether the milestone no longer blocks later milestones or transitions.
func (s MilestoneStatus) Settled() bool {
	return s == MilestonePaid || s == MilestoneWaived
}

// Outstanding is the amount still owed on the milestone.
func (m Milestone) Outstanding() decimal.Decimal {
	if m.Status.Settled() {
		return decimal.Zero
	}
	return m.AmountDue.Sub(m.PaidAmount)
}

// PaymentReceipt records the outcome of one RecordPayment call so that replays
// with the same idempotency key return the prior result.
type PaymentReceipt struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Fingerprint    string          `json:"fingerprint"`
	MilestoneID    string          `json:"milestone_id"`
	TransactionID  string          `json:"transaction_id"`
	Amount         decimal.Decimal `json:"amount"`
	Result         Milestone       `json:"result"`
	RecordedAt     time.Time       `json:"recorded_at"`
}
