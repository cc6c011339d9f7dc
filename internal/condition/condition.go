// Package condition encodes PREIMAGE-SHA-256 crypto-conditions for ledger escrows.
//
// For a 32-byte preimage the layout is fixed:
//
//	fulfillment = A0 22 80 20 <preimage>
//	condition   = A0 25 80 20 <SHA-256(preimage)> 81 01 20
//
// The fingerprint is the hash of the raw preimage, not of the fulfillment encoding.
package condition

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	PreimageSize    = 32
	FulfillmentSize = 36
	ConditionSize   = 39
)

var (
	fulfillmentPrefix = []byte{0xa0, 0x22, 0x80, 0x20}
	conditionPrefix   = []byte{0xa0, 0x25, 0x80, 0x20}

	// cost = len(preimage) = 32, minimal DER integer
	costField = []byte{0x81, 0x01, 0x20}
)

var ErrMalformed = errors.New("malformed crypto-condition")

// Pair is a public condition and its secret fulfillment, both uppercase hex.
type Pair struct {
	Condition   string `json:"condition"`
	Fulfillment string `json:"fulfillment"`
}

// Generate draws a fresh random preimage and encodes it.
func Generate() (Pair, error) {
	preimage := make([]byte, PreimageSize)
	if _, err := rand.Read(preimage); err != nil {
		return Pair{}, fmt.Errorf("read random preimage: %w", err)
	}
	return Encode(preimage)
}

// Encode builds the pair for a known preimage. Deterministic.
func Encode(preimage []byte) (Pair, error) {
	if len(preimage) != PreimageSize {
		return Pair{}, fmt.Errorf("%w: preimage must be %d bytes, got %d", ErrMalformed, PreimageSize, len(preimage))
	}

	fulfillment := make([]byte, 0, FulfillmentSize)
	fulfillment = append(fulfillment, fulfillmentPrefix...)
	fulfillment = append(fulfillment, preimage...)

	fingerprint := sha256.Sum256(preimage)
	cond := make([]byte, 0, ConditionSize)
	cond = append(cond, conditionPrefix...)
	cond = append(cond, fingerprint[:]...)
	cond = append(cond, costField...)

	return Pair{
		Condition:   strings.ToUpper(hex.EncodeToString(cond)),
		Fulfillment: strings.ToUpper(hex.EncodeToString(fulfillment)),
	}, nil
}

// Verify reports whether the pair is structurally valid and the fingerprint
// matches the preimage. It never panics.
func Verify(p Pair) bool {
	preimage, err := DecodeFulfillment(p.Fulfillment)
	if err != nil {
		return false
	}
	fingerprint, err := DecodeCondition(p.Condition)
	if err != nil {
		return false
	}
	expected := sha256.Sum256(preimage[:])
	return bytes.Equal(expected[:], fingerprint[:])
}

// DecodeFulfillment returns the preimage carried by a hex fulfillment.
func DecodeFulfillment(s string) ([PreimageSize]byte, error) {
	var out [PreimageSize]byte
	raw, err := ParseHex(s, FulfillmentSize)
	if err != nil {
		return out, err
	}
	if !bytes.Equal(raw[:len(fulfillmentPrefix)], fulfillmentPrefix) {
		return out, fmt.Errorf("%w: bad fulfillment prefix %X", ErrMalformed, raw[:len(fulfillmentPrefix)])
	}
	copy(out[:], raw[len(fulfillmentPrefix):])
	return out, nil
}

// DecodeCondition returns the SHA-256 fingerprint carried by a hex condition.
func DecodeCondition(s string) ([sha256.Size]byte, error) {
	var out [sha256.Size]byte
	raw, err := ParseHex(s, ConditionSize)
	if err != nil {
		return out, err
	}
	if !bytes.Equal(raw[:len(conditionPrefix)], conditionPrefix) {
		return out, fmt.Errorf("%w: bad condition prefix %X", ErrMalformed, raw[:len(conditionPrefix)])
	}
	if !bytes.Equal(raw[ConditionSize-len(costField):], costField) {
		return out, fmt.Errorf("%w: bad cost field %X", ErrMalformed, raw[ConditionSize-len(costField):])
	}
	copy(out[:], raw[len(conditionPrefix):ConditionSize-len(costField)])
	return out, nil
}

// ParseHex decodes s, which must be exactly size bytes of uppercase hex.
func ParseHex(s string, size int) ([]byte, error) {
	if len(s) != size*2 {
		return nil, fmt.Errorf("%w: expected %d hex characters, got %d", ErrMalformed, size*2, len(s))
	}
	if i := strings.IndexAny(s, "abcdef"); i >= 0 {
		return nil, fmt.Errorf("%w: lowercase hex at offset %d", ErrMalformed, i)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}

// ValidCondition reports whether s is a well-formed condition.
func ValidCondition(s string) bool {
	_, err := DecodeCondition(s)
	return err == nil
}
