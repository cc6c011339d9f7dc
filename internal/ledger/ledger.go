// Package ledger submits unsigned escrow templates to a ledger on behalf of a
// caller who supplies their own signing session for that one call.
package ledger

import (
	"context"
	"errors"

	"leasebond/internal/payload"
)

var (
	// ErrRejected means the ledger refused or failed the transaction. It is
	// not worth retrying.
	ErrRejected = errors.New("ledger rejected transaction")

	// ErrPending means the transaction was accepted but not yet validated.
	ErrPending = errors.New("transaction not validated yet")
	ErrSession = errors.New("invalid signing session")
)

// Session is a caller-owned signing context. It is passed through for a
// single submission and never stored or logged.
type Session struct {
	Account string `json:"account"`
	Secret  string `json:"secret"`
}

func (s Session) String() string { return s.Account }

func (s Session) Validate() error {
	if s.Account == "" || s.Secret == "" {
		return ErrSession
	}
	return nil
}

// Result describes a validated submission.
type Result struct {
	Success bool `json:"success"`

	// Missing is set when a reclaim, or a retried release, found no lock
	// left on the ledger.
	Missing  bool   `json:"missing,omitempty"`
	Sequence uint32 `json:"sequence,omitempty"`
	TxHash   string `json:"txHash"`
	Code     string `json:"code"`
}

// Submitter signs, submits and waits for one escrow transaction.
type Submitter interface {
	SubmitLock(ctx context.Context, s Session, tpl payload.LockTemplate) (Result, error)
	SubmitRelease(ctx context.Context, s Session, tpl payload.ReleaseTemplate) (Result, error)
	SubmitReclaim(ctx context.Context, s Session, tpl payload.ReclaimTemplate) (Result, error)
	Ping(ctx context.Context) error
}
