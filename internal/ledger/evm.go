package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"leasebond/internal/condition"
	"leasebond/internal/contracts"
	"leasebond/internal/payload"
)

// EVMBackend is the subset of *ethclient.Client the escrow contract needs.
type EVMBackend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type EVMConfig struct {
	RPCURL          string
	ContractAddress string
}

// EVM submits templates to a hash-lock escrow contract. Lock ids play the
// role of ledger sequences; the session secret is the caller's private key
// and is only used to sign the one transaction.
type EVM struct {
	backend  EVMBackend
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	chainID  *big.Int
	log      *logrus.Entry
}

func DialEVM(ctx context.Context, cfg EVMConfig, log *logrus.Entry) (*EVM, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewEVM(ctx, cli, cfg.ContractAddress, log)
}

func NewEVM(ctx context.Context, backend EVMBackend, contractAddress string, log *logrus.Entry) (*EVM, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("escrow contract address is required")
	}
	parsedABI, err := abi.JSON(strings.NewReader(contracts.HashLockEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	address := common.HexToAddress(contractAddress)
	return &EVM{
		backend:  backend,
		contract: bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		abi:      parsedABI,
		address:  address,
		chainID:  chainID,
		log:      log.WithField("contract", address.Hex()),
	}, nil
}

func (e *EVM) SubmitLock(ctx context.Context, s Session, tpl payload.LockTemplate) (Result, error) {
	args, err := lockArgs(tpl)
	if err != nil {
		return Result{}, err
	}
	opts, err := e.transactor(ctx, s, tpl.Account)
	if err != nil {
		return Result{}, err
	}
	opts.Value = args.value

	tx, err := e.contract.Transact(opts, "lock", args.recipient, args.fingerprint, args.cancelAfter)
	if err != nil {
		return Result{}, fmt.Errorf("lock tx: %w", err)
	}
	receipt, res, err := e.wait(ctx, tx)
	if err != nil {
		return res, err
	}

	id, err := e.lockedID(receipt)
	if err != nil {
		return res, err
	}
	res.Sequence = id
	return res, nil
}

func (e *EVM) SubmitRelease(ctx context.Context, s Session, tpl payload.ReleaseTemplate) (Result, error) {
	preimage, err := condition.DecodeFulfillment(tpl.Fulfillment)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	opts, err := e.transactor(ctx, s, tpl.Account)
	if err != nil {
		return Result{}, err
	}
	tx, err := e.contract.Transact(opts, "release", new(big.Int).SetUint64(uint64(tpl.OfferSequence)), preimage)
	if err != nil {
		return Result{}, fmt.Errorf("release tx: %w", err)
	}
	_, res, err := e.wait(ctx, tx)
	res.Sequence = tpl.OfferSequence
	return res, err
}

// SubmitReclaim reports a lock that no longer exists as reclaimed without
// sending anything.
func (e *EVM) SubmitReclaim(ctx context.Context, s Session, tpl payload.ReclaimTemplate) (Result, error) {
	id := new(big.Int).SetUint64(uint64(tpl.OfferSequence))

	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "exists", id); err != nil {
		return Result{}, fmt.Errorf("exists call: %w", err)
	}
	if len(out) == 1 {
		if exists, ok := out[0].(bool); ok && !exists {
			return Result{Success: true, Missing: true, Sequence: tpl.OfferSequence}, nil
		}
	}

	opts, err := e.transactor(ctx, s, tpl.Account)
	if err != nil {
		return Result{}, err
	}
	tx, err := e.contract.Transact(opts, "reclaim", id)
	if err != nil {
		return Result{}, fmt.Errorf("reclaim tx: %w", err)
	}
	_, res, err := e.wait(ctx, tx)
	res.Sequence = tpl.OfferSequence
	return res, err
}

func (e *EVM) Ping(ctx context.Context) error {
	_, err := e.backend.BlockNumber(ctx)
	return err
}

func (e *EVM) transactor(ctx context.Context, s Session, account string) (*bind.TransactOpts, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	pk, err := parsePrivateKey(s.Secret)
	if err != nil {
		return nil, err
	}
	signer := crypto.PubkeyToAddress(pk.PublicKey)
	if !common.IsHexAddress(s.Account) || common.HexToAddress(s.Account) != signer ||
		!common.IsHexAddress(account) || common.HexToAddress(account) != signer {
		return nil, fmt.Errorf("%w: key does not control %s", ErrSession, account)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(pk, e.chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

func (e *EVM) wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, Result, error) {
	res := Result{TxHash: tx.Hash().Hex()}
	receipt, err := bind.WaitMined(ctx, e.backend, tx)
	if err != nil {
		return nil, res, fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		res.Code = "reverted"
		e.log.WithField("hash", res.TxHash).Warn("escrow transaction reverted")
		return receipt, res, fmt.Errorf("%w: transaction %s reverted", ErrRejected, res.TxHash)
	}
	res.Code = "success"
	res.Success = true
	e.log.WithFields(logrus.Fields{"hash": res.TxHash, "block": receipt.BlockNumber}).Info("escrow transaction mined")
	return receipt, res, nil
}

type lockedEvent struct {
	Id        *big.Int
	Payer     common.Address
	Recipient common.Address
	Amount    *big.Int
}

func (e *EVM) lockedID(receipt *types.Receipt) (uint32, error) {
	event := e.abi.Events["Locked"]
	for _, l := range receipt.Logs {
		if l == nil || l.Address != e.address || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		var ev lockedEvent
		if err := e.contract.UnpackLog(&ev, "Locked", *l); err != nil {
			return 0, fmt.Errorf("unpack Locked: %w", err)
		}
		if !ev.Id.IsUint64() || ev.Id.Uint64() == 0 || ev.Id.Uint64() > math.MaxUint32 {
			return 0, fmt.Errorf("lock id %s does not fit a sequence", ev.Id)
		}
		return uint32(ev.Id.Uint64()), nil
	}
	return 0, fmt.Errorf("no Locked event in receipt %s", receipt.TxHash.Hex())
}

type evmLockArgs struct {
	recipient   common.Address
	fingerprint [32]byte
	cancelAfter uint64
	value       *big.Int
}

func lockArgs(tpl payload.LockTemplate) (evmLockArgs, error) {
	if !common.IsHexAddress(tpl.Destination) {
		return evmLockArgs{}, fmt.Errorf("%w: destination %q is not an EVM address", ErrRejected, tpl.Destination)
	}
	fingerprint, err := condition.DecodeCondition(tpl.Condition)
	if err != nil {
		return evmLockArgs{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	value, err := payload.ParseAmount(tpl.Amount)
	if err != nil {
		return evmLockArgs{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return evmLockArgs{
		recipient:   common.HexToAddress(tpl.Destination),
		fingerprint: fingerprint,
		cancelAfter: uint64(payload.FromLedgerTime(tpl.CancelAfter).Unix()),
		value:       value,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key", ErrSession)
	}
	return key, nil
}
