package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type ScheduleEntry struct {
	Type     MilestoneType
	Percent  decimal.Decimal
	DueAfter time.Duration
}

// ScheduleConfig describes how an agreed price is split into milestones.
type ScheduleConfig struct {
	Entries []ScheduleEntry
}

var hundred = decimal.NewFromInt(100)

var requiredMilestones = []MilestoneType{MilestoneBookingDeposit, MilestoneContractDeposit, MilestoneFinalPayment}

func (c ScheduleConfig) Validate() error {
	seen := make(map[MilestoneType]bool, len(c.Entries))
	total := decimal.Zero
	for _, e := range c.Entries {
		if e.Type.Precedence() < 0 {
			return fmt.Errorf("unknown milestone type %q", e.Type)
		}
		if seen[e.Type] {
			return fmt.Errorf("duplicate milestone type %q", e.Type)
		}
		seen[e.Type] = true
		if e.Percent.IsNegative() {
			return fmt.Errorf("negative percentage for %s", e.Type)
		}
		if e.DueAfter < 0 {
			return fmt.Errorf("negative due offset for %s", e.Type)
		}
		total = total.Add(e.Percent)
	}
	for _, t := range requiredMilestones {
		if !seen[t] {
			return fmt.Errorf("missing milestone type %s", t)
		}
		if c.Percent(t).Sign() <= 0 {
			return fmt.Errorf("%s must have a positive percentage", t)
		}
	}
	if !total.Equal(hundred) {
		return fmt.Errorf("percentages sum to %s, want 100", total.String())
	}
	return nil
}

func (c ScheduleConfig) Percent(t MilestoneType) decimal.Decimal {
	for _, e := range c.Entries {
		if e.Type == t {
			return e.Percent
		}
	}
	return decimal.Zero
}

// DefaultSchedule is 10% booking, 10% contract, 30% stage and 50% on completion.
func DefaultSchedule() ScheduleConfig {
	const day = 24 * time.Hour
	return ScheduleConfig{Entries: []ScheduleEntry{
		{Type: MilestoneBookingDeposit, Percent: decimal.NewFromInt(10), DueAfter: 3 * day},
		{Type: MilestoneContractDeposit, Percent: decimal.NewFromInt(10), DueAfter: 28 * day},
		{Type: MilestoneStagePayment, Percent: decimal.NewFromInt(30), DueAfter: 180 * day},
		{Type: MilestoneFinalPayment, Percent: decimal.NewFromInt(50), DueAfter: 365 * day},
	}}
}
