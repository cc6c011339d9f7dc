package lease

import (
	"fmt"
	"strings"
)

// Status is the lease lifecycle position. Transitions only move forward.
type Status uint8

const (
	StatusAwaitingDeposit Status = iota + 1
	StatusFundsLocked
	StatusExitReported
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusAwaitingDeposit:
		return "awaiting_deposit"
	case StatusFundsLocked:
		return "funds_locked"
	case StatusExitReported:
		return "exit_reported"
	case StatusSettled:
		return "settled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) Terminal() bool {
	return s == StatusSettled
}

func ParseStatus(v string) (Status, error) {
	for _, s := range []Status{StatusAwaitingDeposit, StatusFundsLocked, StatusExitReported, StatusSettled} {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrIntegrity, v)
}

func (s Status) MarshalText() ([]byte, error) {
	if _, err := ParseStatus(s.String()); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Outcome names which party a verdict favors.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	// OutcomePrimaryFavorable refunds the bond to the primary recipient.
	OutcomePrimaryFavorable
	// OutcomeAlternateFavorable pays the bond to the alternate recipient as a penalty.
	OutcomeAlternateFavorable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return ""
	case OutcomePrimaryFavorable:
		return "refund"
	case OutcomeAlternateFavorable:
		return "penalty"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// ParseOutcome accepts "refund"/"penalty" and the long forms
// "primary_favorable"/"alternate_favorable". Empty parses to OutcomeNone.
func ParseOutcome(v string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return OutcomeNone, nil
	case "refund", "primary_favorable":
		return OutcomePrimaryFavorable, nil
	case "penalty", "alternate_favorable":
		return OutcomeAlternateFavorable, nil
	default:
		return OutcomeNone, fmt.Errorf("%w: unknown outcome %q", ErrValidation, v)
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	parsed, err := ParseOutcome(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
