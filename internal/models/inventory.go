package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryCounters are embedded on units and developments. The three buckets
// always sum to TotalUnits.
type InventoryCounters struct {
	TotalUnits     int `json:"total_units"`
	AvailableUnits int `json:"available_units"`
	ReservedUnits  int `json:"reserved_units"`
	SoldUnits      int `json:"sold_units"`
}

func (c InventoryCounters) Balanced() bool {
	return c.AvailableUnits+c.ReservedUnits+c.SoldUnits == c.TotalUnits &&
		c.AvailableUnits >= 0 && c.ReservedUnits >= 0 && c.SoldUnits >= 0
}

func (c InventoryCounters) Get(b Bucket) int {
	switch b {
	case BucketAvailable:
		return c.AvailableUnits
	case BucketReserved:
		return c.ReservedUnits
	case BucketSold:
		return c.SoldUnits
	}
	return 0
}

// Move returns the counters with one unit moved from one bucket to another.
func (c InventoryCounters) Move(from, to Bucket) InventoryCounters {
	c.set(from, c.Get(from)-1)
	c.set(to, c.Get(to)+1)
	return c
}

func (c *InventoryCounters) set(b Bucket, v int) {
	switch b {
	case BucketAvailable:
		c.AvailableUnits = v
	case BucketReserved:
		c.ReservedUnits = v
	case BucketSold:
		c.SoldUnits = v
	}
}

type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketReserved  Bucket = "reserved"
	BucketSold      Bucket = "sold"
)

func (b Bucket) Valid() bool {
	return b == BucketAvailable || b == BucketReserved || b == BucketSold
}

type Development struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Counters  InventoryCounters `json:"counters"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type Unit struct {
	ID            string            `json:"id"`
	DevelopmentID string            `json:"development_id"`
	ListPrice     decimal.Decimal   `json:"list_price"`
	Counters      InventoryCounters `json:"counters"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
