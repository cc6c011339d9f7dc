package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"leasebond/internal/condition"
	"leasebond/internal/payload"
)

// Fake is an in-memory ledger for tests and local runs. It checks what a
// real ledger would check for escrows: a release must present the matching
// fulfillment, and a lock can be finished or cancelled only once.
type Fake struct {
	mu      sync.Mutex
	next    uint32
	locks   map[uint32]payload.LockTemplate
	failing map[string]int
}

func NewFake() *Fake {
	return &Fake{next: 1, locks: make(map[uint32]payload.LockTemplate), failing: make(map[string]int)}
}

// FailNext makes the next n submissions of txType fail with a transient error.
func (f *Fake) FailNext(txType string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[txType] = n
}

func (f *Fake) SubmitLock(_ context.Context, s Session, tpl payload.LockTemplate) (Result, error) {
	if err := f.check(s, tpl.Account, tpl.TransactionType); err != nil {
		return Result{}, err
	}
	if !condition.ValidCondition(tpl.Condition) {
		return Result{Code: "temMALFORMED"}, fmt.Errorf("%w: malformed condition", ErrRejected)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.next
	f.next++
	f.locks[seq] = tpl
	return Result{Success: true, Sequence: seq, TxHash: fakeHash(fmt.Sprintf("lock:%d:%s", seq, tpl.Condition)), Code: CodeSuccess}, nil
}

func (f *Fake) SubmitRelease(_ context.Context, s Session, tpl payload.ReleaseTemplate) (Result, error) {
	if err := f.check(s, tpl.Account, tpl.TransactionType); err != nil {
		return Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.locks[tpl.OfferSequence]
	if !ok {
		return Result{Code: CodeNoTarget}, fmt.Errorf("%w: %s", ErrRejected, CodeNoTarget)
	}
	if lock.Condition != tpl.Condition ||
		!condition.Verify(condition.Pair{Condition: lock.Condition, Fulfillment: tpl.Fulfillment}) {
		return Result{Code: "tecCRYPTOCONDITION_ERROR"}, fmt.Errorf("%w: tecCRYPTOCONDITION_ERROR", ErrRejected)
	}
	delete(f.locks, tpl.OfferSequence)
	return Result{Success: true, Sequence: tpl.OfferSequence, TxHash: fakeHash(fmt.Sprintf("release:%d", tpl.OfferSequence)), Code: CodeSuccess}, nil
}

func (f *Fake) SubmitReclaim(_ context.Context, s Session, tpl payload.ReclaimTemplate) (Result, error) {
	if err := f.check(s, tpl.Account, tpl.TransactionType); err != nil {
		return Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res := Result{Success: true, Sequence: tpl.OfferSequence, TxHash: fakeHash(fmt.Sprintf("reclaim:%d", tpl.OfferSequence)), Code: CodeSuccess}
	if _, ok := f.locks[tpl.OfferSequence]; !ok {
		res.Missing = true
		res.Code = CodeNoTarget
		return res, nil
	}
	delete(f.locks, tpl.OfferSequence)
	return res, nil
}

func (f *Fake) Ping(context.Context) error { return nil }

// Open reports whether a lock is still on the fake ledger.
func (f *Fake) Open(seq uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.locks[seq]
	return ok
}

func (f *Fake) check(s Session, account, txType string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Account != account {
		return fmt.Errorf("%w: session account does not match template account", ErrSession)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[txType] > 0 {
		f.failing[txType]--
		return fmt.Errorf("ledger unavailable for %s", txType)
	}
	return nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
