// Package relay submits templates on a caller's behalf and reports the
// confirmed outcome back to the coordinator.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"leasebond/internal/lease"
	"leasebond/internal/ledger"
	"leasebond/internal/settlement"
)

type Config struct {
	MaxElapsedTime time.Duration
	MaxInterval    time.Duration
}

// Relay is stateless; sessions are used for one call and dropped.
type Relay struct {
	coord     *settlement.Coordinator
	submitter ledger.Submitter
	cfg       Config
	log       *logrus.Entry
}

func New(coord *settlement.Coordinator, submitter ledger.Submitter, cfg Config, log *logrus.Entry) *Relay {
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = 30 * time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Relay{coord: coord, submitter: submitter, cfg: cfg, log: log}
}

func (r *Relay) Ping(ctx context.Context) error {
	return r.submitter.Ping(ctx)
}

// Submission is one relayed transaction.
type Submission struct {
	Outcome lease.Outcome `json:"outcome"`
	Result  ledger.Result `json:"result"`
}

// Lock submits the lock for every branch not yet recorded, records each one
// as soon as it validates, and confirms the deposit once all are in. Locks
// are never retried within a call: a lost response could otherwise lock the
// bond twice. Calling Lock again after a partial failure only submits the
// missing branches.
func (r *Relay) Lock(ctx context.Context, leaseID, caller string, s ledger.Session) (*lease.Lease, []Submission, error) {
	tpls, err := r.coord.LockTemplates(ctx, leaseID, caller)
	if err != nil {
		return nil, nil, err
	}

	subs := make([]Submission, 0, len(tpls))
	for _, t := range tpls {
		res, err := r.submitter.SubmitLock(ctx, s, t.Template)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"lease_id": leaseID,
				"outcome":  t.Outcome.String(),
				"locked":   len(subs),
			}).Error("lock submission failed")
			return nil, subs, fmt.Errorf("submit %s lock: %w", t.Outcome, err)
		}
		subs = append(subs, Submission{Outcome: t.Outcome, Result: res})

		d := lease.Deposit{Outcome: t.Outcome, Sequence: res.Sequence, Owner: s.Account}
		if _, err := r.coord.RecordLock(ctx, leaseID, caller, d); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"lease_id": leaseID,
				"outcome":  t.Outcome.String(),
				"sequence": res.Sequence,
			}).Error("validated lock could not be recorded")
			return nil, subs, err
		}
	}

	l, err := r.coord.Lease(ctx, leaseID)
	if err != nil {
		return nil, subs, err
	}
	deposits := make([]lease.Deposit, 0, len(l.Escrows))
	for _, e := range l.Escrows {
		deposits = append(deposits, lease.Deposit{Outcome: e.Outcome, Sequence: e.Sequence, Owner: e.Owner})
	}
	l, err = r.coord.ConfirmDeposit(ctx, leaseID, caller, deposits)
	if err != nil {
		return nil, subs, err
	}
	return l, subs, nil
}

// Release discloses the chosen fulfillment to the ledger and records the
// verdict once the release is validated. If an attempt fails in transit and
// a retry finds the lock already gone, the earlier attempt is taken to have
// finished it. A lock that is gone on the first attempt stays a rejection;
// the settler records that verdict directly once the finish is confirmed.
func (r *Relay) Release(ctx context.Context, leaseID, caller string, outcome lease.Outcome, s ledger.Session) (*lease.Lease, Submission, error) {
	tpl, err := r.coord.ReleaseTemplate(ctx, leaseID, caller, outcome)
	if err != nil {
		return nil, Submission{}, err
	}

	var (
		res   ledger.Result
		prior bool
	)
	err = r.retry(ctx, leaseID, func() (err error) {
		res, err = r.submitter.SubmitRelease(ctx, s, tpl.Template)
		if prior && errors.Is(err, ledger.ErrRejected) && res.Code == ledger.CodeNoTarget {
			r.log.WithFields(logrus.Fields{
				"lease_id": leaseID,
				"outcome":  outcome.String(),
				"sequence": tpl.Template.OfferSequence,
			}).Warn("release target gone after a failed attempt, treating as finished")
			res.Success, res.Missing, res.Sequence = true, true, tpl.Template.OfferSequence
			err = nil
		}
		prior = err != nil
		return
	})
	sub := Submission{Outcome: outcome, Result: res}
	if err != nil {
		return nil, sub, fmt.Errorf("submit %s release: %w", outcome, err)
	}

	l, err := r.coord.RecordVerdict(ctx, leaseID, caller, outcome)
	if err != nil {
		return nil, sub, err
	}
	return l, sub, nil
}

// Reclaim cancels every lock the payer may reclaim. A lock that is already
// gone counts as reclaimed.
func (r *Relay) Reclaim(ctx context.Context, leaseID, caller string, s ledger.Session) ([]Submission, error) {
	tpls, err := r.coord.ReclaimTemplates(ctx, leaseID, caller)
	if err != nil {
		return nil, err
	}

	subs := make([]Submission, 0, len(tpls))
	for _, t := range tpls {
		var res ledger.Result
		err := r.retry(ctx, leaseID, func() (err error) {
			res, err = r.submitter.SubmitReclaim(ctx, s, t.Template)
			return
		})
		if err != nil {
			return subs, fmt.Errorf("submit %s reclaim: %w", t.Outcome, err)
		}
		subs = append(subs, Submission{Outcome: t.Outcome, Result: res})
	}
	return subs, nil
}

// retry repeats transient failures. Rejections, bad sessions and
// submissions still awaiting validation are final.
func (r *Relay) retry(ctx context.Context, leaseID string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = r.cfg.MaxElapsedTime
	b.MaxInterval = r.cfg.MaxInterval

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrRejected) || errors.Is(err, ledger.ErrSession) || errors.Is(err, ledger.ErrPending) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		r.log.WithError(err).WithField("lease_id", leaseID).WithField("retry_in", d).Warn("ledger submission failed, retrying")
	})
}
