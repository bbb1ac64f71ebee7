package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HTBClaim is a Help-to-Buy claim attached to a transaction. StatusHistory is
// append-only.
type HTBClaim struct {
	ID                  string              `json:"id"`
	TransactionID       string              `json:"transaction_id"`
	RequestedAmount     decimal.Decimal     `json:"requested_amount"`
	ConfirmedAmount     decimal.Decimal     `json:"confirmed_amount"`
	Status              ClaimStatus         `json:"status"`
	AccessCode          *string             `json:"access_code,omitempty"`
	AccessCodeExpiresAt *time.Time          `json:"access_code_expires_at,omitempty"`
	StatusHistory       []ClaimHistoryEntry `json:"status_history"`
	Version             int64               `json:"version"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

type ClaimHistoryEntry struct {
	Status ClaimStatus `json:"status"`
	At     time.Time   `json:"at"`
	Note   string      `json:"note,omitempty"`
}

type ClaimStatus string

const (
	ClaimNotStarted       ClaimStatus = "NOT_STARTED"
	ClaimSubmitted        ClaimStatus = "SUBMITTED"
	ClaimAccessCodeIssued ClaimStatus = "ACCESS_CODE_ISSUED"
	ClaimFundsConfirmed   ClaimStatus = "FUNDS_CONFIRMED"
	ClaimWithdrawn        ClaimStatus = "WITHDRAWN"
	ClaimRejected         ClaimStatus = "REJECTED"
)

func (s ClaimStatus) Terminal() bool {
	return s == ClaimFundsConfirmed || s == ClaimWithdrawn || s == ClaimRejected
}

// Open reports whether the claim still counts as the transaction's live claim
// for the purpose of blocking a new submission.
func (s ClaimStatus) Open() bool {
	return s != ClaimWithdrawn && s != ClaimRejected
}

// AllowsMortgageApproval reports whether a claim in s lets the transaction move
// from CONTRACT_SIGNED to MORTGAGE_APPROVED.
func (s ClaimStatus) AllowsMortgageApproval() bool {
	switch s {
	case ClaimNotStarted, ClaimAccessCodeIssued, ClaimFundsConfirmed:
		return true
	}
	return false
}

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimNotStarted:       {ClaimSubmitted, ClaimWithdrawn},
	ClaimSubmitted:        {ClaimAccessCodeIssued, ClaimRejected, ClaimWithdrawn},
	ClaimAccessCodeIssued: {ClaimFundsConfirmed, ClaimRejected, ClaimWithdrawn},
}

func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	for _, allowed := range claimTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Append records a status change. It never rewrites earlier entries.
func (c *HTBClaim) Append(status ClaimStatus, at time.Time, note string) {
	c.Status = status
	c.UpdatedAt = at
	c.StatusHistory = append(c.StatusHistory, ClaimHistoryEntry{Status: status, At: at, Note: note})
}

// Clone returns a copy that shares no mutable state with c.
func (c HTBClaim) Clone() HTBClaim {
	c.StatusHistory = append([]ClaimHistoryEntry(nil), c.StatusHistory...)
	if c.AccessCode != nil {
		code := *c.AccessCode
		c.AccessCode = &code
	}
	if c.AccessCodeExpiresAt != nil {
		exp := *c.AccessCodeExpiresAt
		c.AccessCodeExpiresAt = &exp
	}
	return c
}
