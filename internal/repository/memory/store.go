package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/honeynil/PropertyTransactionService/internal/repository"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
)

// Store keeps every aggregate in process memory. A WithTx callback works on a
// private copy of the data that replaces the committed copy only if the
// callback succeeds, so a failed callback leaves no trace.
type Store struct {
	mu        sync.Mutex
	committed *state
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{committed: newState()}
}

type state struct {
	transactions map[string]models.Transaction
	milestones   map[string]models.Milestone
	receipts     map[string]models.PaymentReceipt
	developments map[string]models.Development
	units        map[string]models.Unit
	claims       map[string]models.HTBClaim
	claimOrder   []string
	outbox       []models.DomainEvent
	sequences    map[string]int64
}

func newState() *state {
	return &state{
		transactions: make(map[string]models.Transaction),
		milestones:   make(map[string]models.Milestone),
		receipts:     make(map[string]models.PaymentReceipt),
		developments: make(map[string]models.Development),
		units:        make(map[string]models.Unit),
		claims:       make(map[string]models.HTBClaim),
		sequences:    make(map[string]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.milestones {
		c.milestones[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.developments {
		c.developments[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v.Clone()
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	c.claimOrder = append([]string(nil), s.claimOrder...)
	c.outbox = append([]models.DomainEvent(nil), s.outbox...)
	return c
}

type txKey struct{ store *Store }

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{s}).(*state); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.committed.clone()
	if err := fn(context.WithValue(ctx, txKey{s}, staged)); err != nil {
		return err
	}
	s.committed = staged
	return nil
}

// do runs f against the transaction's staged state, or against the committed
// state under the store lock when called outside WithTx.
func (s *Store) do(ctx context.Context, f func(st *state) error) error {
	if st, ok := ctx.Value(txKey{s}).(*state); ok {
		return f(st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return f(s.committed)
}

func (s *Store) Transactions() repository.TransactionRepository { return transactionRepo{s} }
func (s *Store) Milestones() repository.MilestoneRepository { return milestoneRepo{s} }
func (s *Store) Payments() repository.PaymentRepository { return paymentRepo{s} }
func (s *Store) Inventory() repository.InventoryRepository { return inventoryRepo{s} }
func (s *Store) Claims() repository.ClaimRepository { return claimRepo{s} }
func (s *Store) Outbox() repository.OutboxRepository { return outboxRepo{s} }

type transactionRepo struct{ s *Store }

func (r transactionRepo) Create(ctx context.Context, tx *models.Transaction) error {
	if tx == nil {
		return pkgerrors.ErrInvalidInput
	}
	return r.s.do(ctx, func(st *state) error {
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		if _, exists := st.transactions[tx.ID]; exists {
			return pkgerrors.ErrVersionConflict
		}
		tx.Version = 1
		st.transactions[tx.ID] = *tx
		return nil
	})
}

func (r transactionRepo) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	var out models.Transaction
	err := r.s.do(ctx, func(st *state) error {
		tx, ok := st.transactions[id]
		if !ok {
			return pkgerrors.ErrTransactionNotFound
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r transactionRepo) Update(ctx context.Context, tx *models.Transaction, expectedVersion int64) error {
	return r.s.do(ctx, func(st *state) error {
		stored, ok := st.transactions[tx.ID]
		if !ok {
			return pkgerrors.ErrTransactionNotFound
		}
		if stored.Version != expectedVersion {
			return pkgerrors.ErrVersionConflict
		}
		tx.Version = expectedVersion + 1
		st.transactions[tx.ID] = *tx
		return nil
	})
}

func (r transactionRepo) CountHoldingUnit(ctx context.Context, unitID string) (int, error) {
	n := 0
	err := r.s.do(ctx, func(st *state) error {
		for _, tx := range st.transactions {
			if tx.UnitID == unitID && tx.State.HoldsInventory() {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r transactionRepo) ListReservedBefore(ctx context.Context, enteredBefore time.Time, limit int) ([]string, error) {
	var matches []models.Transaction
	err := r.s.do(ctx, func(st *state) error {
		for _, tx := range st.transactions {
			if tx.State == models.StateReserved && !tx.StateEnteredAt.After(enteredBefore) {
				matches = append(matches, tx)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].StateEnteredAt.Before(matches[j].StateEnteredAt) })
	ids := make([]string, 0, len(matches))
	for i, tx := range matches {
		if limit > 0 && i >= limit {
			break
		}
		ids = append(ids, tx.ID)
	}
	return ids, nil
}

type milestoneRepo struct{ s *Store }

func (r milestoneRepo) CreateBatch(ctx context.Context, milestones []models.Milestone) error {
	return r.s.do(ctx, func(st *state) error {
		for _, m := range milestones {
			if _, exists := st.milestones[m.ID]; exists {
				return pkgerrors.ErrAlreadyScheduled
			}
		}
		for _, m := range milestones {
			st.milestones[m.ID] = m
		}
		return nil
	})
}

func (r milestoneRepo) GetByID(ctx context.Context, id string) (*models.Milestone, error) {
	var out models.Milestone
	err := r.s.do(ctx, func(st *state) error {
		m, ok := st.milestones[id]
		if !ok {
			return pkgerrors.ErrMilestoneNotFound
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r milestoneRepo) ListByTransaction(ctx context.Context, transactionID string) ([]models.Milestone, error) {
	var out []models.Milestone
	err := r.s.do(ctx, func(st *state) error {
		for _, m := range st.milestones {
			if m.TransactionID == transactionID {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Type.Precedence() < out[j].Type.Precedence() })
	return out, err
}

func (r milestoneRepo) Update(ctx context.Context, m *models.Milestone) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.milestones[m.ID]; !ok {
			return pkgerrors.ErrMilestoneNotFound
		}
		st.milestones[m.ID] = *m
		return nil
	})
}

func (r milestoneRepo) ListTransactionsWithPendingDue(ctx context.Context, dueBefore time.Time, limit int) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	err := r.s.do(ctx, func(st *state) error {
		for _, m := range st.milestones {
			if m.Status == models.MilestonePending && m.DueDate.Before(dueBefore) && !seen[m.TransactionID] {
				seen[m.TransactionID] = true
				ids = append(ids, m.TransactionID)
			}
		}
		return nil
	})
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, err
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) GetReceipt(ctx context.Context, idempotencyKey string) (*models.PaymentReceipt, error) {
	var out *models.PaymentReceipt
	err := r.s.do(ctx, func(st *state) error {
		if rc, ok := st.receipts[idempotencyKey]; ok {
			out = &rc
		}
		return nil
	})
	return out, err
}

func (r paymentRepo) SaveReceipt(ctx context.Context, receipt *models.PaymentReceipt) error {
	return r.s.do(ctx, func(st *state) error {
		if _, exists := st.receipts[receipt.IdempotencyKey]; exists {
			return pkgerrors.ErrIdempotencyConflict
		}
		st.receipts[receipt.IdempotencyKey] = *receipt
		return nil
	})
}

type inventoryRepo struct{ s *Store }

func (r inventoryRepo) CreateDevelopment(ctx context.Context, d *models.Development) error {
	return r.s.do(ctx, func(st *state) error {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		st.developments[d.ID] = *d
		return nil
	})
}

func (r inventoryRepo) GetDevelopment(ctx context.Context, id string) (*models.Development, error) {
	var out models.Development
	err := r.s.do(ctx, func(st *state) error {
		d, ok := st.developments[id]
		if !ok {
			return pkgerrors.ErrDevelopmentNotFound
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r inventoryRepo) CreateUnit(ctx context.Context, u *models.Unit) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.developments[u.DevelopmentID]; !ok {
			return pkgerrors.ErrDevelopmentNotFound
		}
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		st.units[u.ID] = *u
		return nil
	})
}

func (r inventoryRepo) GetUnit(ctx context.Context, id string) (*models.Unit, error) {
	var out models.Unit
	err := r.s.do(ctx, func(st *state) error {
		u, ok := st.units[id]
		if !ok {
			return pkgerrors.ErrUnitNotFound
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r inventoryRepo) GrowDevelopment(ctx context.Context, developmentID string, n int) error {
	return r.s.do(ctx, func(st *state) error {
		d, ok := st.developments[developmentID]
		if !ok {
			return pkgerrors.ErrDevelopmentNotFound
		}
		d.Counters.TotalUnits += n
		d.Counters.AvailableUnits += n
		st.developments[developmentID] = d
		return nil
	})
}

func (r inventoryRepo) MoveUnit(ctx context.Context, unitID, developmentID string, from, to models.Bucket) error {
	return r.s.do(ctx, func(st *state) error {
		u, ok := st.units[unitID]
		if !ok {
			return pkgerrors.ErrUnitNotFound
		}
		if u.DevelopmentID != developmentID {
			return pkgerrors.ErrInvariantViolation
		}
		d, ok := st.developments[developmentID]
		if !ok {
			return pkgerrors.ErrDevelopmentNotFound
		}
		if u.Counters.Get(from) <= 0 {
			return pkgerrors.ErrCounterUnderflow
		}
		if d.Counters.Get(from) <= 0 {
			return fmt.Errorf("%w: development %s has no %s units but unit %s does",
				pkgerrors.ErrInvariantViolation, developmentID, from, unitID)
		}
		u.Counters = u.Counters.Move(from, to)
		d.Counters = d.Counters.Move(from, to)
		st.units[unitID] = u
		st.developments[developmentID] = d
		return nil
	})
}

type claimRepo struct{ s *Store }

func (r claimRepo) Create(ctx context.Context, claim *models.HTBClaim) error {
	return r.s.do(ctx, func(st *state) error {
		if claim.ID == "" {
			claim.ID = uuid.NewString()
		}
		claim.Version = 1
		st.claims[claim.ID] = claim.Clone()
		st.claimOrder = append(st.claimOrder, claim.ID)
		return nil
	})
}

func (r claimRepo) GetByID(ctx context.Context, id string) (*models.HTBClaim, error) {
	var out models.HTBClaim
	err := r.s.do(ctx, func(st *state) error {
		c, ok := st.claims[id]
		if !ok {
			return pkgerrors.ErrClaimNotFound
		}
		out = c.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r claimRepo) GetCurrentByTransaction(ctx context.Context, transactionID string) (*models.HTBClaim, error) {
	var out *models.HTBClaim
	err := r.s.do(ctx, func(st *state) error {
		for i := len(st.claimOrder) - 1; i >= 0; i-- {
			c := st.claims[st.claimOrder[i]]
			if c.TransactionID == transactionID {
				clone := c.Clone()
				out = &clone
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r claimRepo) Update(ctx context.Context, claim *models.HTBClaim, expectedVersion int64) error {
	return r.s.do(ctx, func(st *state) error {
		stored, ok := st.claims[claim.ID]
		if !ok {
			return pkgerrors.ErrClaimNotFound
		}
		if stored.Version != expectedVersion {
			return pkgerrors.ErrVersionConflict
		}
		if len(claim.StatusHistory) < len(stored.StatusHistory) {
			return pkgerrors.ErrInvariantViolation
		}
		claim.Version = expectedVersion + 1
		st.claims[claim.ID] = claim.Clone()
		return nil
	})
}

type outboxRepo struct{ s *Store }

func (r outboxRepo) Append(ctx context.Context, event *models.DomainEvent) error {
	return r.s.do(ctx, func(st *state) error {
		if event.ID == "" {
			event.ID = uuid.NewString()
		}
		st.sequences[event.TransactionID]++
		event.Sequence = st.sequences[event.TransactionID]
		st.outbox = append(st.outbox, *event)
		return nil
	})
}

func (r outboxRepo) ListPending(ctx context.Context, limit int) ([]models.DomainEvent, error) {
	var out []models.DomainEvent
	err := r.s.do(ctx, func(st *state) error {
		for _, event := range st.outbox {
			out = append(out, event)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r outboxRepo) MarkPublished(ctx context.Context, ids []string, _ time.Time) error {
	marked := make(map[string]bool, len(ids))
	for _, id := range ids {
		marked[id] = true
	}
	return r.s.do(ctx, func(st *state) error {
		pending := st.outbox[:0]
		for _, event := range st.outbox {
			if !marked[event.ID] {
				pending = append(pending, event)
			}
		}
		st.outbox = pending
		return nil
	})
}
