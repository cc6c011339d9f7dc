// Package lease holds the rental bond data model and the state machine that
// decides who may move a lease forward, and when.
package lease

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	MaxNarrativeLength = 2000
	MaxAttachments     = 20
)

// Narrative is a condition report with photo attachments.
type Narrative struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
}

// Escrow is one outcome branch: a lock gated by its own condition pair.
type Escrow struct {
	Outcome     Outcome       `json:"outcome"`
	Recipient   string        `json:"recipient"`
	Condition   string        `json:"condition"`
	Fulfillment string        `json:"fulfillment,omitempty"`
	Expiry      time.Duration `json:"expiry"`
	Sequence    uint32        `json:"sequence,omitempty"`
	Owner       string        `json:"owner,omitempty"`
	Disclosed   bool          `json:"disclosed"`
	Settled     bool          `json:"settled"`
}

// Deposited reports whether the on-chain lock for this branch was confirmed.
func (e Escrow) Deposited() bool {
	return e.Sequence != 0 && e.Owner != ""
}

type Evidence struct {
	ID          string    `json:"id"`
	LeaseID     string    `json:"leaseId"`
	Exit        Narrative `json:"exit"`
	Digest      string    `json:"digest"`
	SubmittedAt time.Time `json:"submittedAt"`
}

type Lease struct {
	ID              string    `json:"id"`
	PropertyAddress string    `json:"propertyAddress"`
	Payer           string    `json:"payer"`
	Primary         string    `json:"primaryRecipient"`
	Alternate       string    `json:"alternateRecipient"`
	Settler         string    `json:"settler"`
	BondAmount      string    `json:"bondAmount"`
	Baseline        Narrative `json:"baseline"`
	Status          Status    `json:"status"`
	Escrows         []Escrow  `json:"escrows"`
	Verdict         Outcome   `json:"verdict,omitempty"`
	Evidence        *Evidence `json:"evidence,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Escrow returns the branch for outcome o.
func (l *Lease) Escrow(o Outcome) (*Escrow, bool) {
	for i := range l.Escrows {
		if l.Escrows[i].Outcome == o {
			return &l.Escrows[i], true
		}
	}
	return nil, false
}

// Chosen returns the outcome whose fulfillment was disclosed to the
// settler, or OutcomeNone.
func (l *Lease) Chosen() Outcome {
	for _, e := range l.Escrows {
		if e.Disclosed {
			return e.Outcome
		}
	}
	return OutcomeNone
}

// HasParty reports whether address plays any role on the lease.
func (l *Lease) HasParty(address string) bool {
	if address == "" {
		return false
	}
	return l.Payer == address || l.Primary == address || l.Alternate == address || l.Settler == address
}

// Clone returns a deep copy.
func (l Lease) Clone() Lease {
	out := l
	out.Baseline.Attachments = append([]string(nil), l.Baseline.Attachments...)
	out.Escrows = append([]Escrow(nil), l.Escrows...)
	if l.Evidence != nil {
		ev := *l.Evidence
		ev.Exit.Attachments = append([]string(nil), l.Evidence.Exit.Attachments...)
		out.Evidence = &ev
	}
	return out
}

// Redacted returns a copy without any fulfillment.
func (l Lease) Redacted() Lease {
	out := l.Clone()
	for i := range out.Escrows {
		out.Escrows[i].Fulfillment = ""
	}
	return out
}

// Deposit records the on-chain lock confirmed for one branch.
type Deposit struct {
	Outcome  Outcome `json:"outcome"`
	Sequence uint32  `json:"sequence"`
	Owner    string  `json:"owner"`
}

// Patch is the mutation a single transition applies.
type Patch struct {
	Status   Status
	Deposits []Deposit

	// Disclose commits the lease to one outcome. Only one may ever be set.
	Disclose Outcome
	Verdict  Outcome
}

// Apply mutates l in place. Stores call it inside their compare-and-swap.
func (p Patch) Apply(l *Lease, now time.Time) error {
	for _, d := range p.Deposits {
		e, ok := l.Escrow(d.Outcome)
		if !ok {
			return fmt.Errorf("%w: lease %s has no %s escrow", ErrIntegrity, l.ID, d.Outcome)
		}
		e.Sequence = d.Sequence
		e.Owner = d.Owner
	}
	if p.Disclose != OutcomeNone {
		e, ok := l.Escrow(p.Disclose)
		if !ok {
			return fmt.Errorf("%w: lease %s has no %s escrow", ErrIntegrity, l.ID, p.Disclose)
		}
		if chosen := l.Chosen(); chosen != OutcomeNone && chosen != p.Disclose {
			return fmt.Errorf("%w: lease %s is committed to %s", ErrStateConflict, l.ID, chosen)
		}
		e.Disclosed = true
	}
	if p.Verdict != OutcomeNone {
		e, ok := l.Escrow(p.Verdict)
		if !ok {
			return fmt.Errorf("%w: lease %s has no %s escrow", ErrIntegrity, l.ID, p.Verdict)
		}
		for i := range l.Escrows {
			if l.Escrows[i].Settled {
				return fmt.Errorf("%w: lease %s already has a settled escrow", ErrIntegrity, l.ID)
			}
		}
		if chosen := l.Chosen(); chosen != p.Verdict {
			return fmt.Errorf("%w: lease %s verdict %s does not match disclosed outcome %q", ErrStateConflict, l.ID, p.Verdict, chosen)
		}
		e.Settled = true
		l.Verdict = p.Verdict
	}
	l.Status = p.Status
	l.UpdatedAt = now
	return nil
}

// ValidateNarrative checks length limits and that every attachment is an
// absolute http(s) URL.
func ValidateNarrative(n Narrative, requireText bool) error {
	if requireText && strings.TrimSpace(n.Text) == "" {
		return fmt.Errorf("%w: narrative text is required", ErrValidation)
	}
	if len(n.Text) > MaxNarrativeLength {
		return fmt.Errorf("%w: narrative exceeds %d characters", ErrValidation, MaxNarrativeLength)
	}
	if len(n.Attachments) > MaxAttachments {
		return fmt.Errorf("%w: at most %d attachments", ErrValidation, MaxAttachments)
	}
	for _, a := range n.Attachments {
		u, err := url.Parse(a)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("%w: attachment %q is not an absolute http(s) URL", ErrValidation, a)
		}
	}
	return nil
}

// Digest is the hex SHA-256 of the narrative's JSON encoding.
func (n Narrative) Digest() string {
	if n.Attachments == nil {
		n.Attachments = []string{}
	}
	b, _ := json.Marshal(n)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
