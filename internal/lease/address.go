package lease

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressFormat validates and canonicalizes ledger identities so that
// identity checks compare like with like.
type AddressFormat interface {
	Name() string
	Valid(address string) bool
	Normalize(address string) string
}

var (
	XRPLAddresses AddressFormat = xrplFormat{}
	EVMAddresses  AddressFormat = evmFormat{}
)

// FormatByName resolves "xrpl" or "evm".
func FormatByName(name string) (AddressFormat, error) {
	switch strings.ToLower(name) {
	case "", "xrpl":
		return XRPLAddresses, nil
	case "evm":
		return EVMAddresses, nil
	default:
		return nil, fmt.Errorf("unknown address format %q", name)
	}
}

// Classic addresses: leading r, ledger base58 alphabet (no 0, O, I, l).
var xrplClassic = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)

type xrplFormat struct{}

func (xrplFormat) Name() string { return "xrpl" }

func (xrplFormat) Valid(address string) bool { return xrplClassic.MatchString(address) }

func (xrplFormat) Normalize(address string) string { return address }

type evmFormat struct{}

func (evmFormat) Name() string { return "evm" }

func (evmFormat) Valid(address string) bool { return common.IsHexAddress(address) }

func (evmFormat) Normalize(address string) string {
	if !common.IsHexAddress(address) {
		return address
	}
	return common.HexToAddress(address).Hex()
}
