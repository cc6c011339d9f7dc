// Package payload builds unsigned escrow transaction templates.
//
// Templates never carry signer sequence, fee or LastLedgerSequence; the
// submission layer fills those from live network state.
package payload

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"leasebond/internal/condition"
)

const (
	TypeEscrowCreate = "EscrowCreate"
	TypeEscrowFinish = "EscrowFinish"
	TypeEscrowCancel = "EscrowCancel"
)

// Seconds between the Unix epoch and the ledger epoch (2000-01-01T00:00:00Z).
const ledgerEpochOffset = 946_684_800

var ErrInvalidParams = errors.New("invalid template parameters")

// LockTemplate is an unsigned EscrowCreate.
type LockTemplate struct {
	TransactionType string `json:"TransactionType"`
	Account         string `json:"Account"`
	Amount          string `json:"Amount"`
	Destination     string `json:"Destination"`
	Condition       string `json:"Condition"`
	CancelAfter     uint32 `json:"CancelAfter"`
}

// ReleaseTemplate is an unsigned EscrowFinish.
type ReleaseTemplate struct {
	TransactionType string `json:"TransactionType"`
	Account         string `json:"Account"`
	Owner           string `json:"Owner"`
	OfferSequence   uint32 `json:"OfferSequence"`
	Condition       string `json:"Condition"`
	Fulfillment     string `json:"Fulfillment"`
}

// ReclaimTemplate is an unsigned EscrowCancel.
type ReclaimTemplate struct {
	TransactionType string `json:"TransactionType"`
	Account         string `json:"Account"`
	Owner           string `json:"Owner"`
	OfferSequence   uint32 `json:"OfferSequence"`
}

type LockParams struct {
	Payer     string
	Recipient string

	// Amount is a decimal integer in minor units.
	Amount    string
	Condition string

	// Expiry is how long after Now the payer may reclaim an unsettled lock.
	Expiry time.Duration
	Now    time.Time
}

// BuildLock returns the EscrowCreate for one outcome branch. FinishAfter is
// never set so the settler can release as soon as a verdict exists.
func BuildLock(p LockParams) (LockTemplate, error) {
	if p.Payer == "" || p.Recipient == "" {
		return LockTemplate{}, fmt.Errorf("%w: payer and recipient are required", ErrInvalidParams)
	}
	if _, err := ParseAmount(p.Amount); err != nil {
		return LockTemplate{}, err
	}
	if !condition.ValidCondition(p.Condition) {
		return LockTemplate{}, fmt.Errorf("%w: malformed condition", ErrInvalidParams)
	}
	if p.Expiry <= 0 {
		return LockTemplate{}, fmt.Errorf("%w: expiry must be positive", ErrInvalidParams)
	}

	return LockTemplate{
		TransactionType: TypeEscrowCreate,
		Account:         p.Payer,
		Amount:          p.Amount,
		Destination:     p.Recipient,
		Condition:       strings.ToUpper(p.Condition),
		CancelAfter:     ToLedgerTime(p.Now.Add(p.Expiry)),
	}, nil
}

type ReleaseParams struct {
	Settler      string
	LockOwner    string
	LockSequence uint32
	Condition    string
	Fulfillment  string
}

// BuildRelease returns the EscrowFinish for a lock. The caller must already
// hold the fulfillment; no authorization happens here. The submission layer
// must pay at least MinimumFee.
func BuildRelease(p ReleaseParams) (ReleaseTemplate, error) {
	if p.Settler == "" || p.LockOwner == "" {
		return ReleaseTemplate{}, fmt.Errorf("%w: settler and lock owner are required", ErrInvalidParams)
	}
	if p.LockSequence == 0 {
		return ReleaseTemplate{}, fmt.Errorf("%w: lock sequence is required", ErrInvalidParams)
	}
	if !condition.Verify(condition.Pair{Condition: p.Condition, Fulfillment: p.Fulfillment}) {
		return ReleaseTemplate{}, fmt.Errorf("%w: fulfillment does not satisfy condition", ErrInvalidParams)
	}

	return ReleaseTemplate{
		TransactionType: TypeEscrowFinish,
		Account:         p.Settler,
		Owner:           p.LockOwner,
		OfferSequence:   p.LockSequence,
		Condition:       strings.ToUpper(p.Condition),
		Fulfillment:     strings.ToUpper(p.Fulfillment),
	}, nil
}

// MinimumFee is the lowest fee the ledger accepts for this release.
func (t ReleaseTemplate) MinimumFee(base uint64) uint64 {
	return ReleaseFee(base, len(t.Fulfillment)/2)
}

// ReleaseFee computes base × ceil((33 + fulfillmentLen) / 16).
func ReleaseFee(base uint64, fulfillmentLen int) uint64 {
	if fulfillmentLen < 0 {
		fulfillmentLen = 0
	}
	units := (33 + uint64(fulfillmentLen) + 15) / 16
	return base * units
}

// BuildReclaim returns the EscrowCancel the payer submits after expiry. A
// lock that no longer exists counts as reclaimed.
func BuildReclaim(payer string, lockSequence uint32) ReclaimTemplate {
	return ReclaimTemplate{
		TransactionType: TypeEscrowCancel,
		Account:         payer,
		Owner:           payer,
		OfferSequence:   lockSequence,
	}
}

// ParseAmount parses a positive decimal integer amount in minor units.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" || strings.TrimSpace(s) != s {
		return nil, fmt.Errorf("%w: amount %q is not a decimal integer", ErrInvalidParams, s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: amount %q is not a decimal integer", ErrInvalidParams, s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount %q must be positive", ErrInvalidParams, s)
	}
	return v, nil
}

func ToLedgerTime(t time.Time) uint32 {
	secs := t.Unix() - ledgerEpochOffset
	if secs < 0 {
		return 0
	}
	return uint32(secs)
}

func FromLedgerTime(v uint32) time.Time {
	return time.Unix(int64(v)+ledgerEpochOffset, 0).UTC()
}
