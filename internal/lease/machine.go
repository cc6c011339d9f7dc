package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Action is a caller-triggered transition.
type Action uint8

const (
	ActionConfirmDeposit Action = iota + 1
	ActionReportExit
	ActionRecordVerdict
)

func (a Action) String() string {
	switch a {
	case ActionConfirmDeposit:
		return "confirm_deposit"
	case ActionReportExit:
		return "report_exit"
	case ActionRecordVerdict:
		return "record_verdict"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Transition returns the status an action requires and the status it produces.
func (a Action) Transition() (from, to Status, err error) {
	switch a {
	case ActionConfirmDeposit:
		return StatusAwaitingDeposit, StatusFundsLocked, nil
	case ActionReportExit:
		return StatusFundsLocked, StatusExitReported, nil
	case ActionRecordVerdict:
		return StatusExitReported, StatusSettled, nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown action %d", ErrValidation, uint8(a))
	}
}

// Actor returns the only identity allowed to take action a on l.
func Actor(l *Lease, a Action) (string, error) {
	switch a {
	case ActionConfirmDeposit:
		return l.Payer, nil
	case ActionReportExit:
		return l.Primary, nil
	case ActionRecordVerdict:
		return l.Settler, nil
	default:
		return "", fmt.Errorf("%w: unknown action %d", ErrValidation, uint8(a))
	}
}

// Authorize checks identity first, then status. Identity checks fail closed:
// an empty caller or an empty designated party is always rejected.
func Authorize(l *Lease, a Action, caller string) error {
	actor, err := Actor(l, a)
	if err != nil {
		return err
	}
	if caller == "" || actor == "" || caller != actor {
		return fmt.Errorf("%w: %s on lease %s", ErrUnauthorized, a, l.ID)
	}
	from, _, err := a.Transition()
	if err != nil {
		return err
	}
	if l.Status != from {
		return fmt.Errorf("%w: %s requires %s, lease %s is %s", ErrStateConflict, a, from, l.ID, l.Status)
	}
	return nil
}

// Machine applies transitions against a Store. Each handler re-reads the
// lease and writes through the store's compare-and-swap on the pre-status.
type Machine struct {
	store     Store
	addresses AddressFormat
	log       *logrus.Entry

	// Now defaults to time.Now.
	Now func() time.Time
}

func NewMachine(store Store, addresses AddressFormat, log *logrus.Entry) *Machine {
	if addresses == nil {
		addresses = XRPLAddresses
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{store: store, addresses: addresses, log: log}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Machine) Addresses() AddressFormat { return m.addresses }

// ConfirmDeposit records the lock for every branch at once and moves the
// lease to FundsLocked.
func (m *Machine) ConfirmDeposit(ctx context.Context, leaseID, caller string, deposits []Deposit) (*Lease, error) {
	l, err := m.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	caller = m.addresses.Normalize(caller)
	if err := Authorize(l, ActionConfirmDeposit, caller); err != nil {
		return nil, err
	}

	normalized, err := m.validateDeposits(l, deposits)
	if err != nil {
		return nil, err
	}

	return m.commit(ctx, l, ActionConfirmDeposit, Patch{Deposits: normalized})
}

// RecordLock persists one branch's lock while the lease is still awaiting
// deposit, so a partially completed lock run is not repeated on retry.
// Recording the same lock twice is a no-op.
func (m *Machine) RecordLock(ctx context.Context, leaseID, caller string, d Deposit) (*Lease, error) {
	l, err := m.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	caller = m.addresses.Normalize(caller)
	if err := Authorize(l, ActionConfirmDeposit, caller); err != nil {
		return nil, err
	}
	d, err = m.validateDeposit(l, d)
	if err != nil {
		return nil, err
	}
	if e, _ := l.Escrow(d.Outcome); e.Deposited() {
		return l, nil
	}

	updated, err := m.store.Update(ctx, l.ID, StatusAwaitingDeposit, Patch{Status: StatusAwaitingDeposit, Deposits: []Deposit{d}}, m.now())
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{
		"lease_id": updated.ID,
		"outcome":  d.Outcome.String(),
		"sequence": d.Sequence,
	}).Info("lock recorded")
	return updated, nil
}

func (m *Machine) validateDeposits(l *Lease, deposits []Deposit) ([]Deposit, error) {
	if len(deposits) != len(l.Escrows) {
		return nil, fmt.Errorf("%w: expected %d deposits, got %d", ErrValidation, len(l.Escrows), len(deposits))
	}
	seenOutcome := make(map[Outcome]bool, len(deposits))
	seenSequence := make(map[uint32]bool, len(deposits))
	out := make([]Deposit, 0, len(deposits))
	for _, d := range deposits {
		d, err := m.validateDeposit(l, d)
		if err != nil {
			return nil, err
		}
		if seenOutcome[d.Outcome] {
			return nil, fmt.Errorf("%w: duplicate deposit for %q", ErrValidation, d.Outcome)
		}
		if seenSequence[d.Sequence] {
			return nil, fmt.Errorf("%w: sequence %d used twice", ErrValidation, d.Sequence)
		}
		seenOutcome[d.Outcome] = true
		seenSequence[d.Sequence] = true
		out = append(out, d)
	}
	return out, nil
}

// validateDeposit normalizes d and checks it against locks already recorded
// on l. A recorded branch only accepts the identical lock.
func (m *Machine) validateDeposit(l *Lease, d Deposit) (Deposit, error) {
	e, ok := l.Escrow(d.Outcome)
	if !ok {
		return d, fmt.Errorf("%w: lease has no %q escrow", ErrValidation, d.Outcome)
	}
	if d.Sequence == 0 {
		return d, fmt.Errorf("%w: deposit for %q has no sequence", ErrValidation, d.Outcome)
	}
	if d.Owner == "" {
		d.Owner = l.Payer
	}
	if !m.addresses.Valid(d.Owner) {
		return d, fmt.Errorf("%w: lock owner %q is not a valid %s address", ErrValidation, d.Owner, m.addresses.Name())
	}
	d.Owner = m.addresses.Normalize(d.Owner)
	if e.Deposited() && (e.Sequence != d.Sequence || e.Owner != d.Owner) {
		return d, fmt.Errorf("%w: %q lock on lease %s is already recorded as %s/%d", ErrStateConflict, d.Outcome, l.ID, e.Owner, e.Sequence)
	}
	for _, other := range l.Escrows {
		if other.Outcome != d.Outcome && other.Deposited() && other.Sequence == d.Sequence {
			return d, fmt.Errorf("%w: sequence %d already locks the %q escrow", ErrValidation, d.Sequence, other.Outcome)
		}
	}
	return d, nil
}

// ReportExit attaches the one-time exit evidence and moves the lease to
// ExitReported. Evidence and status commit together.
func (m *Machine) ReportExit(ctx context.Context, leaseID, caller string, exit Narrative) (*Lease, error) {
	l, err := m.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	caller = m.addresses.Normalize(caller)
	if err := Authorize(l, ActionReportExit, caller); err != nil {
		return nil, err
	}
	if l.Evidence != nil {
		return nil, fmt.Errorf("%w: exit evidence already submitted for lease %s", ErrStateConflict, l.ID)
	}
	if err := ValidateNarrative(exit, true); err != nil {
		return nil, err
	}

	now := m.now()
	ev := Evidence{
		ID:          uuid.NewString(),
		LeaseID:     l.ID,
		Exit:        exit,
		Digest:      exit.Digest(),
		SubmittedAt: now,
	}

	from, to, _ := ActionReportExit.Transition()
	updated, err := m.store.CreateEvidence(ctx, l.ID, from, Patch{Status: to}, ev, now)
	if err != nil {
		return nil, err
	}
	m.logTransition(updated, ActionReportExit, from, to).WithField("evidence_digest", ev.Digest).Info("exit reported")
	return updated, nil
}

// RecordVerdict persists the outcome confirmed on-chain and settles the lease.
func (m *Machine) RecordVerdict(ctx context.Context, leaseID, caller string, outcome Outcome) (*Lease, error) {
	l, err := m.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	caller = m.addresses.Normalize(caller)
	if err := Authorize(l, ActionRecordVerdict, caller); err != nil {
		return nil, err
	}
	if outcome == OutcomeNone {
		return nil, fmt.Errorf("%w: verdict must name an outcome", ErrValidation)
	}
	e, ok := l.Escrow(outcome)
	if !ok {
		return nil, fmt.Errorf("%w: lease %s has no %q escrow", ErrValidation, l.ID, outcome)
	}
	if !e.Deposited() {
		return nil, fmt.Errorf("%w: %q escrow on lease %s has no lock metadata", ErrIntegrity, outcome, l.ID)
	}
	switch chosen := l.Chosen(); chosen {
	case outcome:
	case OutcomeNone:
		return nil, fmt.Errorf("%w: no fulfillment has been disclosed for lease %s", ErrStateConflict, l.ID)
	default:
		return nil, fmt.Errorf("%w: lease %s is committed to %s, not %s", ErrStateConflict, l.ID, chosen, outcome)
	}

	return m.commit(ctx, l, ActionRecordVerdict, Patch{Verdict: outcome})
}

// Disclose commits an ExitReported lease to outcome before its fulfillment
// leaves the server. The first disclosure wins; repeating it is a no-op and
// naming the other outcome afterwards is a state conflict.
func (m *Machine) Disclose(ctx context.Context, leaseID, caller string, outcome Outcome) (*Lease, error) {
	l, err := m.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	caller = m.addresses.Normalize(caller)
	if err := Authorize(l, ActionRecordVerdict, caller); err != nil {
		return nil, err
	}
	if outcome == OutcomeNone {
		return nil, fmt.Errorf("%w: disclosure must name an outcome", ErrValidation)
	}
	if _, ok := l.Escrow(outcome); !ok {
		return nil, fmt.Errorf("%w: lease %s has no %q escrow", ErrValidation, l.ID, outcome)
	}
	switch chosen := l.Chosen(); chosen {
	case outcome:
		return l, nil
	case OutcomeNone:
	default:
		return nil, fmt.Errorf("%w: lease %s is committed to %s", ErrStateConflict, l.ID, chosen)
	}

	updated, err := m.store.Update(ctx, l.ID, StatusExitReported, Patch{Status: StatusExitReported, Disclose: outcome}, m.now())
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{
		"lease_id": updated.ID,
		"outcome":  outcome.String(),
	}).Info("outcome chosen")
	return updated, nil
}

func (m *Machine) commit(ctx context.Context, l *Lease, a Action, patch Patch) (*Lease, error) {
	from, to, err := a.Transition()
	if err != nil {
		return nil, err
	}
	patch.Status = to
	updated, err := m.store.Update(ctx, l.ID, from, patch, m.now())
	if err != nil {
		return nil, err
	}
	entry := m.logTransition(updated, a, from, to)
	if patch.Verdict != OutcomeNone {
		entry = entry.WithField("verdict", patch.Verdict.String())
	}
	entry.Info("lease transition")
	return updated, nil
}

func (m *Machine) logTransition(l *Lease, a Action, from, to Status) *logrus.Entry {
	return m.log.WithFields(logrus.Fields{
		"lease_id": l.ID,
		"action":   a.String(),
		"from":     from.String(),
		"to":       to.String(),
	})
}
