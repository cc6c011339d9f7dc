// Package settlement runs the verdict protocol over a lease's outcome
// branches: it issues one hash-lock per branch, keeps every fulfillment
// server-side, and discloses exactly one of them to the settler.
package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"leasebond/internal/condition"
	"leasebond/internal/lease"
	"leasebond/internal/payload"
)

const (
	DefaultPenaltyExpiry = 90 * 24 * time.Hour
	DefaultRefundExpiry  = 90 * 24 * time.Hour

	// DefaultBaseFee is the reference transaction cost in drops.
	DefaultBaseFee = 10
)

// Config parameterizes the coordinator.
type Config struct {
	// Branches is 1 (penalty lock only) or 2 (penalty and refund).
	Branches      int
	PenaltyExpiry time.Duration
	RefundExpiry  time.Duration

	// BaseFee scales the minimum release fee reported to the settler.
	BaseFee uint64
}

func (c Config) withDefaults() Config {
	if c.Branches == 0 {
		c.Branches = 2
	}
	if c.PenaltyExpiry == 0 {
		c.PenaltyExpiry = DefaultPenaltyExpiry
	}
	if c.RefundExpiry == 0 {
		c.RefundExpiry = DefaultRefundExpiry
	}
	if c.BaseFee == 0 {
		c.BaseFee = DefaultBaseFee
	}
	return c
}

func (c Config) Validate() error {
	if c.Branches != 1 && c.Branches != 2 {
		return fmt.Errorf("branches must be 1 or 2, got %d", c.Branches)
	}
	if c.PenaltyExpiry <= 0 || c.RefundExpiry <= 0 {
		return fmt.Errorf("escrow expiries must be positive")
	}
	return nil
}

// Outcomes lists the configured branches in creation order.
func (c Config) Outcomes() []lease.Outcome {
	if c.Branches == 1 {
		return []lease.Outcome{lease.OutcomeAlternateFavorable}
	}
	return []lease.Outcome{lease.OutcomeAlternateFavorable, lease.OutcomePrimaryFavorable}
}

func (c Config) expiry(o lease.Outcome) time.Duration {
	if o == lease.OutcomePrimaryFavorable {
		return c.RefundExpiry
	}
	return c.PenaltyExpiry
}

// CreateRequest describes a new lease. BondAmount is in minor units.
type CreateRequest struct {
	PropertyAddress string
	Payer           string
	Primary         string
	Alternate       string
	Settler         string
	BondAmount      string
	Baseline        lease.Narrative
}

// LockTemplate pairs an unsigned lock with the branch it funds.
type LockTemplate struct {
	Outcome  lease.Outcome        `json:"outcome"`
	Template payload.LockTemplate `json:"template"`
}

// ReleaseTemplate is the single disclosure the settler receives.
type ReleaseTemplate struct {
	Outcome    lease.Outcome           `json:"outcome"`
	Template   payload.ReleaseTemplate `json:"template"`
	MinimumFee uint64                  `json:"minimumFee"`
}

type ReclaimTemplate struct {
	Outcome  lease.Outcome           `json:"outcome"`
	Template payload.ReclaimTemplate `json:"template"`
}

// Coordinator is safe for concurrent use; all lease state lives in the store.
type Coordinator struct {
	cfg     Config
	store   lease.Store
	machine *lease.Machine
	log     *logrus.Entry

	// Now and Generate default to the wall clock and condition.Generate.
	Now      func() time.Time
	Generate func() (condition.Pair, error)
}

func New(cfg Config, store lease.Store, addresses lease.AddressFormat, log *logrus.Entry) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		machine:  lease.NewMachine(store, addresses, log),
		log:      log,
		Generate: condition.Generate,
	}
	c.machine.Now = c.now
	return c, nil
}

func (c *Coordinator) Config() Config { return c.cfg }

func (c *Coordinator) Addresses() lease.AddressFormat { return c.machine.Addresses() }

// Ping checks the backing store.
func (c *Coordinator) Ping(ctx context.Context) error { return c.store.Ping(ctx) }

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateLease validates the request and stores a lease with a fresh,
// independent condition pair per configured branch. The creator must be one
// of the lease's parties.
func (c *Coordinator) CreateLease(ctx context.Context, caller string, req CreateRequest) (*lease.Lease, error) {
	addrs := c.Addresses()
	parties := map[string]*string{
		"payer":     &req.Payer,
		"primary":   &req.Primary,
		"alternate": &req.Alternate,
		"settler":   &req.Settler,
	}
	for role, addr := range parties {
		*addr = strings.TrimSpace(*addr)
		if !addrs.Valid(*addr) {
			return nil, fmt.Errorf("%w: %s %q is not a valid %s address", lease.ErrValidation, role, *addr, addrs.Name())
		}
		*addr = addrs.Normalize(*addr)
	}
	if req.Primary == req.Alternate {
		return nil, fmt.Errorf("%w: primary and alternate recipients must differ", lease.ErrValidation)
	}
	if req.Settler == req.Primary || req.Settler == req.Alternate {
		return nil, fmt.Errorf("%w: settler cannot be a recipient", lease.ErrValidation)
	}
	if strings.TrimSpace(req.PropertyAddress) == "" {
		return nil, fmt.Errorf("%w: property address is required", lease.ErrValidation)
	}
	if err := lease.ValidateAmount(req.BondAmount); err != nil {
		return nil, err
	}
	if err := lease.ValidateNarrative(req.Baseline, false); err != nil {
		return nil, err
	}

	caller = addrs.Normalize(caller)
	if caller == "" || (caller != req.Payer && caller != req.Primary && caller != req.Alternate && caller != req.Settler) {
		return nil, fmt.Errorf("%w: creator must be a party to the lease", lease.ErrUnauthorized)
	}

	escrows := make([]lease.Escrow, 0, c.cfg.Branches)
	seen := make(map[string]bool, c.cfg.Branches)
	for _, o := range c.cfg.Outcomes() {
		pair, err := c.Generate()
		if err != nil {
			return nil, err
		}
		if seen[pair.Condition] || seen[pair.Fulfillment] {
			return nil, fmt.Errorf("%w: generated condition pairs are not independent", lease.ErrIntegrity)
		}
		seen[pair.Condition], seen[pair.Fulfillment] = true, true

		recipient := req.Alternate
		if o == lease.OutcomePrimaryFavorable {
			recipient = req.Primary
		}
		escrows = append(escrows, lease.Escrow{
			Outcome:     o,
			Recipient:   recipient,
			Condition:   pair.Condition,
			Fulfillment: pair.Fulfillment,
			Expiry:      c.cfg.expiry(o),
		})
	}

	now := c.now()
	if req.Baseline.Attachments == nil {
		req.Baseline.Attachments = []string{}
	}
	l, err := c.store.Create(ctx, lease.Lease{
		ID:              uuid.NewString(),
		PropertyAddress: strings.TrimSpace(req.PropertyAddress),
		Payer:           req.Payer,
		Primary:         req.Primary,
		Alternate:       req.Alternate,
		Settler:         req.Settler,
		BondAmount:      req.BondAmount,
		Baseline:        req.Baseline,
		Status:          lease.StatusAwaitingDeposit,
		Escrows:         escrows,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"lease_id": l.ID,
		"branches": len(escrows),
		"amount":   l.BondAmount,
	}).Info("lease created")
	return redacted(l), nil
}

// LockTemplates returns one unsigned lock per branch for the payer to sign.
// Branches whose lock is already recorded are skipped.
func (c *Coordinator) LockTemplates(ctx context.Context, leaseID, caller string) ([]LockTemplate, error) {
	l, err := c.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if !c.is(caller, l.Payer) {
		return nil, fmt.Errorf("%w: only the payer may lock funds on lease %s", lease.ErrUnauthorized, l.ID)
	}
	if l.Status != lease.StatusAwaitingDeposit {
		return nil, fmt.Errorf("%w: lease %s is %s", lease.ErrStateConflict, l.ID, l.Status)
	}

	now := c.now()
	out := make([]LockTemplate, 0, len(l.Escrows))
	for _, e := range l.Escrows {
		if e.Deposited() {
			continue
		}
		if err := c.verify(l, e); err != nil {
			return nil, err
		}
		tpl, err := payload.BuildLock(payload.LockParams{
			Payer:     l.Payer,
			Recipient: e.Recipient,
			Amount:    l.BondAmount,
			Condition: e.Condition,
			Expiry:    e.Expiry,
			Now:       now,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: lease %s %s lock: %v", lease.ErrIntegrity, l.ID, e.Outcome, err)
		}
		out = append(out, LockTemplate{Outcome: e.Outcome, Template: tpl})
	}
	return out, nil
}

// RecordLock stores a single validated lock before the lease is fully
// funded.
func (c *Coordinator) RecordLock(ctx context.Context, leaseID, caller string, d lease.Deposit) (*lease.Lease, error) {
	l, err := c.machine.RecordLock(ctx, leaseID, caller, d)
	if err != nil {
		return nil, err
	}
	return redacted(l), nil
}

func (c *Coordinator) ConfirmDeposit(ctx context.Context, leaseID, caller string, deposits []lease.Deposit) (*lease.Lease, error) {
	l, err := c.machine.ConfirmDeposit(ctx, leaseID, caller, deposits)
	if err != nil {
		return nil, err
	}
	return redacted(l), nil
}

func (c *Coordinator) ReportExit(ctx context.Context, leaseID, caller string, exit lease.Narrative) (*lease.Lease, error) {
	l, err := c.machine.ReportExit(ctx, leaseID, caller, exit)
	if err != nil {
		return nil, err
	}
	return redacted(l), nil
}

// ReleaseTemplate is the only path that discloses a fulfillment. The status
// gate runs before the identity check, so outside ExitReported every caller
// gets ErrStateConflict. The first disclosure commits the lease to its
// outcome; the other branch's fulfillment is never released afterwards.
func (c *Coordinator) ReleaseTemplate(ctx context.Context, leaseID, caller string, outcome lease.Outcome) (*ReleaseTemplate, error) {
	l, err := c.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if l.Status != lease.StatusExitReported {
		return nil, fmt.Errorf("%w: lease %s is %s, fulfillments are only disclosed after exit is reported", lease.ErrStateConflict, l.ID, l.Status)
	}
	if !c.is(caller, l.Settler) {
		return nil, fmt.Errorf("%w: only the settler may release lease %s", lease.ErrUnauthorized, l.ID)
	}
	if outcome == lease.OutcomeNone {
		return nil, fmt.Errorf("%w: release must name an outcome", lease.ErrValidation)
	}
	e, ok := l.Escrow(outcome)
	if !ok {
		return nil, fmt.Errorf("%w: lease %s has no %q escrow", lease.ErrValidation, l.ID, outcome)
	}
	if !e.Deposited() {
		return nil, fmt.Errorf("%w: %q escrow on lease %s has no lock metadata", lease.ErrIntegrity, outcome, l.ID)
	}
	if chosen := l.Chosen(); chosen != lease.OutcomeNone && chosen != outcome {
		return nil, fmt.Errorf("%w: lease %s is committed to %s", lease.ErrStateConflict, l.ID, chosen)
	}
	if err := c.verify(l, *e); err != nil {
		return nil, err
	}
	if _, err := c.machine.Disclose(ctx, l.ID, caller, outcome); err != nil {
		return nil, err
	}

	tpl, err := payload.BuildRelease(payload.ReleaseParams{
		Settler:      l.Settler,
		LockOwner:    e.Owner,
		LockSequence: e.Sequence,
		Condition:    e.Condition,
		Fulfillment:  e.Fulfillment,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: lease %s release: %v", lease.ErrIntegrity, l.ID, err)
	}

	c.log.WithFields(logrus.Fields{
		"lease_id": l.ID,
		"outcome":  outcome.String(),
		"sequence": e.Sequence,
	}).Warn("fulfillment disclosed to settler")
	return &ReleaseTemplate{Outcome: outcome, Template: tpl, MinimumFee: tpl.MinimumFee(c.cfg.BaseFee)}, nil
}

func (c *Coordinator) RecordVerdict(ctx context.Context, leaseID, caller string, outcome lease.Outcome) (*lease.Lease, error) {
	l, err := c.machine.RecordVerdict(ctx, leaseID, caller, outcome)
	if err != nil {
		return nil, err
	}
	return redacted(l), nil
}

// ReclaimTemplates returns the cancels the payer may submit. After
// settlement that is every branch except the settled one; before it, every
// deposited branch, with expiry left to the ledger.
func (c *Coordinator) ReclaimTemplates(ctx context.Context, leaseID, caller string) ([]ReclaimTemplate, error) {
	l, err := c.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if !c.is(caller, l.Payer) {
		return nil, fmt.Errorf("%w: only the payer may reclaim lease %s", lease.ErrUnauthorized, l.ID)
	}
	switch l.Status {
	case lease.StatusFundsLocked, lease.StatusExitReported, lease.StatusSettled:
	default:
		return nil, fmt.Errorf("%w: lease %s is %s, nothing is locked", lease.ErrStateConflict, l.ID, l.Status)
	}

	out := make([]ReclaimTemplate, 0, len(l.Escrows))
	for _, e := range l.Escrows {
		if e.Settled {
			continue
		}
		if !e.Deposited() {
			return nil, fmt.Errorf("%w: %q escrow on lease %s has no lock metadata", lease.ErrIntegrity, e.Outcome, l.ID)
		}
		out = append(out, ReclaimTemplate{Outcome: e.Outcome, Template: payload.BuildReclaim(e.Owner, e.Sequence)})
	}
	return out, nil
}

// Lease returns a lease without its fulfillments.
func (c *Coordinator) Lease(ctx context.Context, leaseID string) (*lease.Lease, error) {
	l, err := c.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	return redacted(l), nil
}

// LeasesFor lists leases on which address has any role, newest first.
func (c *Coordinator) LeasesFor(ctx context.Context, address string) ([]lease.Lease, error) {
	addrs := c.Addresses()
	if !addrs.Valid(address) {
		return nil, fmt.Errorf("%w: %q is not a valid %s address", lease.ErrValidation, address, addrs.Name())
	}
	ls, err := c.store.ListByParty(ctx, addrs.Normalize(address))
	if err != nil {
		return nil, err
	}
	for i := range ls {
		ls[i] = ls[i].Redacted()
	}
	return ls, nil
}

func (c *Coordinator) is(caller, party string) bool {
	caller = c.Addresses().Normalize(caller)
	return caller != "" && party != "" && caller == party
}

// verify re-checks a stored pair before anything derived from it leaves
// the service.
func (c *Coordinator) verify(l *lease.Lease, e lease.Escrow) error {
	if condition.Verify(condition.Pair{Condition: e.Condition, Fulfillment: e.Fulfillment}) {
		return nil
	}
	c.log.WithFields(logrus.Fields{
		"lease_id": l.ID,
		"outcome":  e.Outcome.String(),
	}).Error("stored condition pair failed verification")
	return fmt.Errorf("%w: %q condition pair on lease %s failed verification", lease.ErrIntegrity, e.Outcome, l.ID)
}

func redacted(l *lease.Lease) *lease.Lease {
	out := l.Redacted()
	return &out
}
