package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	payerA     = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	primaryB   = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	alternateL = "rf1BiGeXwwQoi8Z2ueFYTEXSwuJYfV2Jpn"
	settlerC   = "rGWrZyQqhTp9Xu7G5Pkayo7bXjH4k4QYpf"
)

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}

type MachineTestSuite struct {
	suite.Suite
	ctx     context.Context
	store   *MemoryStore
	machine *Machine
	logs    *test.Hook
	lease   *Lease
}

func (s *MachineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryStore()

	logger, hook := test.NewNullLogger()
	s.logs = hook
	s.machine = NewMachine(s.store, XRPLAddresses, logrus.NewEntry(logger))
	s.machine.Now = func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) }

	l, err := s.store.Create(s.ctx, newTestLease("lease-1"))
	s.Require().NoError(err)
	s.lease = l
}

func newTestLease(id string) Lease {
	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	return Lease{
		ID:              id,
		PropertyAddress: "12 Harbour Rd",
		Payer:           payerA,
		Primary:         primaryB,
		Alternate:       alternateL,
		Settler:         settlerC,
		BondAmount:      "5000000",
		Baseline:        Narrative{Text: "Walls freshly painted"},
		Status:          StatusAwaitingDeposit,
		Escrows: []Escrow{
			{Outcome: OutcomeAlternateFavorable, Recipient: alternateL, Condition: "C1", Fulfillment: "F1", Expiry: time.Hour},
			{Outcome: OutcomePrimaryFavorable, Recipient: primaryB, Condition: "C2", Fulfillment: "F2", Expiry: time.Hour},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func (s *MachineTestSuite) deposits() []Deposit {
	return []Deposit{
		{Outcome: OutcomeAlternateFavorable, Sequence: 10},
		{Outcome: OutcomePrimaryFavorable, Sequence: 11},
	}
}

func (s *MachineTestSuite) exit() Narrative {
	return Narrative{Text: "Minor scuff on bedroom wall", Attachments: []string{"https://img.example.com/a.jpg"}}
}

func (s *MachineTestSuite) TestHappyPath() {
	l, err := s.machine.ConfirmDeposit(s.ctx, s.lease.ID, payerA, s.deposits())
	s.Require().NoError(err)
	s.Require().Equal(StatusFundsLocked, l.Status)
	penalty, _ := l.Escrow(OutcomeAlternateFavorable)
	s.Require().Equal(uint32(10), penalty.Sequence)
	s.Require().Equal(payerA, penalty.Owner)

	l, err = s.machine.ReportExit(s.ctx, s.lease.ID, primaryB, s.exit())
	s.Require().NoError(err)
	s.Require().Equal(StatusExitReported, l.Status)
	s.Require().NotNil(l.Evidence)
	s.Require().Equal(s.exit().Digest(), l.Evidence.Digest)

	l, err = s.machine.Disclose(s.ctx, s.lease.ID, settlerC, OutcomePrimaryFavorable)
	s.Require().NoError(err)
	s.Require().Equal(StatusExitReported, l.Status)
	s.Require().Equal(OutcomePrimaryFavorable, l.Chosen())

	l, err = s.machine.RecordVerdict(s.ctx, s.lease.ID, settlerC, OutcomePrimaryFavorable)
	s.Require().NoError(err)
	s.Require().Equal(StatusSettled, l.Status)
	s.Require().Equal(OutcomePrimaryFavorable, l.Verdict)

	refund, _ := l.Escrow(OutcomePrimaryFavorable)
	penalty, _ = l.Escrow(OutcomeAlternateFavorable)
	s.Require().True(refund.Settled)
	s.Require().False(penalty.Settled)

	s.Require().Len(s.logs.AllEntries(), 4)
	s.Require().Equal("settled", s.logs.LastEntry().Data["to"])
}

func (s *MachineTestSuite) TestConfirmDepositRejectsWrongCaller() {
	for _, caller := range []string{"", primaryB, settlerC, "not-an-address"} {
		_, err := s.machine.ConfirmDeposit(s.ctx, s.lease.ID, caller, s.deposits())
		s.Require().ErrorIs(err, ErrUnauthorized, "caller %q", caller)
	}
	l, err := s.store.Get(s.ctx, s.lease.ID)
	s.Require().NoError(err)
	s.Require().Equal(StatusAwaitingDeposit, l.Status)
}

func (s *MachineTestSuite) TestConfirmDepositRequiresEveryBranch() {
	cases := map[string][]Deposit{
		"one branch only":   {{Outcome: OutcomeAlternateFavorable, Sequence: 10}},
		"duplicate outcome": {{Outcome: OutcomeAlternateFavorable, Sequence: 10}, {Outcome: OutcomeAlternateFavorable, Sequence: 11}},
		"shared sequence":   {{Outcome: OutcomeAlternateFavorable, Sequence: 10}, {Outcome: OutcomePrimaryFavorable, Sequence: 10}},
		"missing sequence":  {{Outcome: OutcomeAlternateFavorable, Sequence: 10}, {Outcome: OutcomePrimaryFavorable}},
		"unknown outcome":   {{Outcome: OutcomeAlternateFavorable, Sequence: 10}, {Outcome: OutcomeNone, Sequence: 11}},
		"malformed owner":   {{Outcome: OutcomeAlternateFavorable, Sequence: 10, Owner: "0xabc"}, {Outcome: OutcomePrimaryFavorable, Sequence: 11}},
	}
	for name, deposits := range cases {
		_, err := s.machine.ConfirmDeposit(s.ctx, s.lease.ID, payerA, deposits)
		s.Require().ErrorIs(err, ErrValidation, name)
	}
}

func (s *MachineTestSuite) TestConfirmDepositTwiceConflicts() {
	_, err := s.machine.ConfirmDeposit(s.ctx, s.lease.ID, payerA, s.deposits())
	s.Require().NoError(err)
	_, err = s.machine.ConfirmDeposit(s.ctx, s.lease.ID, payerA, s.deposits())
	s.Require().ErrorIs(err, ErrStateConflict)
}

func (s *MachineTestSuite) TestReportExitIsOneShot() {
	_, err := s.machine.ReportExit(s.ctx, s.lease.ID, primaryB, s.exit())
	s.Require().ErrorIs(err, ErrStateConflict, "exit before deposit")

	_, err = s.machine.ConfirmDeposit(s.ctx, s.lease.ID, payerA, s.deposits())
	s.Require().NoError(err)

	_, err = s.machine.ReportExit(s.ctx, s.lease.ID, payerA, s.exit())
	s.Require().ErrorIs(err, ErrUnauthorized)

	_, err = s.machine.ReportExit(s.ctx, s.lease.ID, primaryB, Narrative{Text: "  "})
	s.Require().ErrorIs(err, ErrValidation)

	_, err = s.machine.ReportExit(s.ctx, s.lease.ID, primaryB, s.exit())
	s.Require().NoError(err)

	_, err = s.machine.ReportExit(s.ctx, s.lease.ID, primaryB, s.exit())
	s.Require().ErrorIs(err, ErrStateConflict)
}

func (s *MachineTestSuite) TestRecordVerdictReplayConflicts() {
	s.advanceToExitReported()

	_, err := s.machine.Disclose(s.ctx, s.lease.ID, settlerC, OutcomeAlternateFavorable)
	s.Require().NoError(err)
	_, err = s.machine.RecordVerdict(s.ctx, s.lease.ID, settlerC, OutcomeAlternateFavorable)
	s.Require().NoError(err)

	_, err = s.machine.RecordVerdict(s.ctx, s.lease.ID, settlerC, OutcomeAlternateFavorable)
	s.Require().ErrorIs(err, ErrStateConflict)

	l, err := s.store.Get(s.ctx, s.lease.ID)
	s.Require().NoError(err)
	s.Require().Equal(OutcomeAlternateFavorable, l.Verdict)
	settled := 0
	for _, e := range l.Escrows {
		if e.Settled {
			settled++
		}
	}
	s.Require().Equal(1, settled)
}

func (s *MachineTestSuite) TestRecordVerdictByNonSettlerAtEveryStatus() {
	check := func(want Status) {
		for _, caller := range []string{"", payerA, primaryB, alternateL} {
			_, err := s.machine.RecordVerdict(s.ctx, s.lease.ID, caller, OutcomePrimaryFavorable)
			s.Require().ErrorIs(err, ErrUnauthorized)
		}
		l, err := s.store.Get(s.ctx, s.lease.ID)
		s.Require().NoError(err)
		s.Require().Equal(want, l.Status)
	}

	check(StatusAwaitingDeposit)
	_, err := s.machine.ConfirmDeposit(s.ctx, s.lease.ID, payerA, s.deposits())
	s.Require().NoError(err)
	check(StatusFundsLocked)
	_, err = s.machine.ReportExit(s.ctx, s.lease.ID, primaryB, s.exit())
	s.Require().NoError(err)
	check(StatusExitReported)
	_, err = s.machine.Disclose(s.ctx, s.lease.ID, settlerC, OutcomePrimaryFavorable)
	s.Require().NoError(err)
	_, err = s.machine.RecordVerdict(s.ctx, s.lease.ID, settlerC, OutcomePrimaryFavorable)
	s.Require().NoError(err)
	check(StatusSettled)
}

func (s *MachineTestSuite) TestRecordVerdictRequiresOutcome() {
	s.advanceToExitReported()
	_, err := s.machine.RecordVerdict(s.ctx, s.lease.ID, settlerC, OutcomeNone)
	s.Require().ErrorIs(err, ErrValidation)
}

func (s *MachineTestSuite) TestRecordVerdictMustMatchDisclosure() {
	s.advanceToExitReported()

	_, err := s.machine.RecordVerdict(s.ctx, s.lease.ID, settlerC, OutcomeAlternateFavorable)
	s.Require().ErrorIs(err, ErrStateConflict)

	_, err = s.machine.Disclose(s.ctx, s.lease.ID, primaryB, OutcomePrimaryFavorable)
	s.Require().ErrorIs(err, ErrUnauthorized)
	_, err = s.machine.Disclose(s.ctx, s.lease.ID, settlerC, OutcomeNone)
	s.Require().ErrorIs(err, ErrValidation)

	_, err = s.machine.Disclose(s.ctx, s.lease.ID, settlerC, OutcomePrimaryFavorable)
	s.Require().NoError(err)
	_, err = s.machine.Disclose(s.ctx, s.lease.ID, settlerC, OutcomePrimaryFavorable)
	s.Require().NoError(err)
	_, err = s.machine.Disclose(s.ctx, s.lease.ID, settlerC, OutcomeAlternateFavorable)
	s.Require().ErrorIs(err, ErrStateConflict)

	_, err = s.machine.RecordVerdict(s.ctx, s.lease.ID, settlerC, OutcomeAlternateFavorable)
	s.Require().ErrorIs(err, ErrStateConflict)

	l, err := s.store.Get(s.ctx, s.lease.ID)
	s.Require().NoError(err)
	s.Require().Equal(StatusExitReported, l.Status)
	s.Require().Equal(OutcomePrimaryFavorable, l.Chosen())
	for _, e := range l.Escrows {
		s.Require().Equal(e.Outcome == OutcomePrimaryFavorable, e.Disclosed, e.Outcome.String())
	}

	l, err = s.machine.RecordVerdict(s.ctx, s.lease.ID, settlerC, OutcomePrimaryFavorable)
	s.Require().NoError(err)
	s.Require().Equal(StatusSettled, l.Status)
}

func (s *MachineTestSuite) TestDiscloseOnlyAfterExit() {
	_, err := s.machine.Disclose(s.ctx, s.lease.ID, settlerC, OutcomePrimaryFavorable)
	s.Require().ErrorIs(err, ErrStateConflict)
	_, err = s.machine.ConfirmDeposit(s.ctx, s.lease.ID, payerA, s.deposits())
	s.Require().NoError(err)
	_, err = s.machine.Disclose(s.ctx, s.lease.ID, settlerC, OutcomePrimaryFavorable)
	s.Require().ErrorIs(err, ErrStateConflict)

	l, err := s.store.Get(s.ctx, s.lease.ID)
	s.Require().NoError(err)
	s.Require().Equal(OutcomeNone, l.Chosen())
}

func (s *MachineTestSuite) TestRecordLockThenConfirm() {
	l, err := s.machine.RecordLock(s.ctx, s.lease.ID, payerA, Deposit{Outcome: OutcomeAlternateFavorable, Sequence: 10})
	s.Require().NoError(err)
	s.Require().Equal(StatusAwaitingDeposit, l.Status)
	penalty, _ := l.Escrow(OutcomeAlternateFavorable)
	s.Require().True(penalty.Deposited())
	s.Require().Equal(payerA, penalty.Owner)

	_, err = s.machine.RecordLock(s.ctx, s.lease.ID, payerA, Deposit{Outcome: OutcomeAlternateFavorable, Sequence: 10})
	s.Require().NoError(err)
	_, err = s.machine.RecordLock(s.ctx, s.lease.ID, payerA, Deposit{Outcome: OutcomeAlternateFavorable, Sequence: 99})
	s.Require().ErrorIs(err, ErrStateConflict)

	l, err = s.machine.ConfirmDeposit(s.ctx, s.lease.ID, payerA, s.deposits())
	s.Require().NoError(err)
	s.Require().Equal(StatusFundsLocked, l.Status)

	_, err = s.machine.RecordLock(s.ctx, s.lease.ID, payerA, Deposit{Outcome: OutcomePrimaryFavorable, Sequence: 11})
	s.Require().ErrorIs(err, ErrStateConflict)
}

func (s *MachineTestSuite) TestConcurrentVerdictsSettleOnce() {
	s.advanceToExitReported()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 16; i++ {
		outcome := OutcomePrimaryFavorable
		if i%2 == 1 {
			outcome = OutcomeAlternateFavorable
		}
		wg.Add(1)
		go func(o Outcome) {
			defer wg.Done()
			_, err := s.machine.Disclose(s.ctx, s.lease.ID, settlerC, o)
			if err == nil {
				_, err = s.machine.RecordVerdict(s.ctx, s.lease.ID, settlerC, o)
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, ErrStateConflict) {
				conflicts++
			}
		}(outcome)
	}
	wg.Wait()

	s.Require().Equal(1, successes)
	s.Require().Equal(15, conflicts)
}

func (s *MachineTestSuite) advanceToExitReported() {
	_, err := s.machine.ConfirmDeposit(s.ctx, s.lease.ID, payerA, s.deposits())
	s.Require().NoError(err)
	_, err = s.machine.ReportExit(s.ctx, s.lease.ID, primaryB, s.exit())
	s.Require().NoError(err)
}

func TestAuthorizeFailsClosed(t *testing.T) {
	l := newTestLease("x")
	l.Settler = ""
	require.ErrorIs(t, Authorize(&l, ActionRecordVerdict, ""), ErrUnauthorized)
	require.ErrorIs(t, Authorize(&l, Action(99), payerA), ErrValidation)
}

func TestActionTransitions(t *testing.T) {
	for _, a := range []Action{ActionConfirmDeposit, ActionReportExit, ActionRecordVerdict} {
		from, to, err := a.Transition()
		require.NoError(t, err)
		require.Equal(t, from+1, to, a.String())
	}
}
