package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"leasebond/internal/payload"
)

// Codes the ledger may return for a transaction.
const (
	CodeSuccess  = "tesSUCCESS"
	CodeNoTarget = "tecNO_TARGET"
)

type RippledConfig struct {
	URL            string
	RequestTimeout time.Duration

	// BaseFee is the reference cost in drops used for release fees.
	BaseFee uint64

	// ValidationTimeout bounds how long a submission waits for validation.
	ValidationTimeout time.Duration
	PollInterval      time.Duration
}

// Rippled submits templates through a rippled JSON-RPC endpoint using
// sign-and-submit mode. The session secret is sent with the one request
// that needs it.
type Rippled struct {
	cfg    RippledConfig
	client *resty.Client
	log    *logrus.Entry
}

func NewRippled(cfg RippledConfig, log *logrus.Entry) (*Rippled, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rippled url is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.BaseFee == 0 {
		cfg.BaseFee = 10
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	r := &Rippled{cfg: cfg, log: log}
	r.client = resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "leasebond").
		SetRetryCount(0).
		OnAfterResponse(r.onStatusToError)
	return r, nil
}

func (r *Rippled) onStatusToError(_ *resty.Client, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	r.log.WithField("status", resp.StatusCode()).Debug("rippled request failed")
	return fmt.Errorf("unexpected rippled status: %s", resp.Status())
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (s rpcStatus) err() error {
	if s.Error == "" && s.Status != "error" {
		return nil
	}
	msg := s.ErrorMessage
	if msg == "" {
		msg = s.Error
	}
	switch s.Error {
	case "badSecret", "badSeed", "srcActMalformed", "srcActMissing":
		return fmt.Errorf("%w: %s", ErrSession, msg)
	}
	return fmt.Errorf("rippled %s: %s", s.Error, msg)
}

type submitResult struct {
	rpcStatus
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              struct {
		Hash     string `json:"hash"`
		Sequence uint32 `json:"Sequence"`
	} `json:"tx_json"`
}

type txResult struct {
	rpcStatus
	Hash      string `json:"hash"`
	Sequence  uint32 `json:"Sequence"`
	Validated bool   `json:"validated"`
	Meta      struct {
		TransactionResult string `json:"TransactionResult"`
	} `json:"meta"`
}

func (r *Rippled) call(ctx context.Context, method string, params any, out any) error {
	var env rpcEnvelope
	_, err := r.client.R().
		SetContext(ctx).
		SetBody(rpcRequest{Method: method, Params: []any{params}}).
		SetResult(&env).
		ForceContentType("application/json").
		Post("/")
	if err != nil {
		return fmt.Errorf("rippled %s: %w", method, err)
	}
	if len(env.Result) == 0 {
		return fmt.Errorf("rippled %s: empty result", method)
	}
	return json.Unmarshal(env.Result, out)
}

func (r *Rippled) SubmitLock(ctx context.Context, s Session, tpl payload.LockTemplate) (Result, error) {
	return r.submit(ctx, s, tpl, nil, false)
}

func (r *Rippled) SubmitRelease(ctx context.Context, s Session, tpl payload.ReleaseTemplate) (Result, error) {
	fee := strconv.FormatUint(tpl.MinimumFee(r.cfg.BaseFee), 10)
	return r.submit(ctx, s, tpl, map[string]any{"Fee": fee}, false)
}

func (r *Rippled) SubmitReclaim(ctx context.Context, s Session, tpl payload.ReclaimTemplate) (Result, error) {
	return r.submit(ctx, s, tpl, nil, true)
}

func (r *Rippled) Ping(ctx context.Context) error {
	var st rpcStatus
	if err := r.call(ctx, "server_info", map[string]any{}, &st); err != nil {
		return err
	}
	return st.err()
}

func (r *Rippled) submit(ctx context.Context, s Session, tpl any, extra map[string]any, reclaim bool) (Result, error) {
	if err := s.Validate(); err != nil {
		return Result{}, err
	}
	tx, err := toTxJSON(tpl)
	if err != nil {
		return Result{}, err
	}
	if tx["Account"] != s.Account {
		return Result{}, fmt.Errorf("%w: session account does not match template account", ErrSession)
	}
	for k, v := range extra {
		tx[k] = v
	}

	log := r.log.WithFields(logrus.Fields{
		"type":    tx["TransactionType"],
		"account": s.Account,
	})

	var sr submitResult
	err = r.call(ctx, "submit", map[string]any{"tx_json": tx, "secret": s.Secret}, &sr)
	if err != nil {
		return Result{}, err
	}
	if err := sr.err(); err != nil {
		return Result{}, err
	}
	switch {
	case strings.HasPrefix(sr.EngineResult, "tem"), strings.HasPrefix(sr.EngineResult, "tef"):
		log.WithField("code", sr.EngineResult).Warn("submission rejected")
		return Result{Code: sr.EngineResult, TxHash: sr.TxJSON.Hash}, fmt.Errorf("%w: %s %s", ErrRejected, sr.EngineResult, sr.EngineResultMessage)
	case strings.HasPrefix(sr.EngineResult, "tel"):
		return Result{Code: sr.EngineResult}, fmt.Errorf("rippled local error %s: %s", sr.EngineResult, sr.EngineResultMessage)
	}

	final, err := r.waitValidated(ctx, sr.TxJSON.Hash)
	if err != nil {
		return Result{TxHash: sr.TxJSON.Hash, Code: sr.EngineResult}, err
	}

	res := Result{
		TxHash:   sr.TxJSON.Hash,
		Code:     final.Meta.TransactionResult,
		Sequence: sr.TxJSON.Sequence,
	}
	if res.Sequence == 0 {
		res.Sequence = final.Sequence
	}
	switch {
	case res.Code == CodeSuccess:
		res.Success = true
	case reclaim && res.Code == CodeNoTarget:
		res.Success, res.Missing = true, true
	default:
		log.WithField("code", res.Code).Warn("transaction failed on ledger")
		return res, fmt.Errorf("%w: %s", ErrRejected, res.Code)
	}
	log.WithFields(logrus.Fields{"hash": res.TxHash, "code": res.Code}).Info("transaction validated")
	return res, nil
}

// waitValidated polls the tx method until the transaction is in a
// validated ledger or the validation timeout elapses.
func (r *Rippled) waitValidated(ctx context.Context, hash string) (txResult, error) {
	if hash == "" {
		return txResult{}, fmt.Errorf("rippled submit returned no transaction hash")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.PollInterval / 4
	b.MaxInterval = r.cfg.PollInterval
	b.MaxElapsedTime = r.cfg.ValidationTimeout

	var out txResult
	err := backoff.Retry(func() error {
		var tr txResult
		if err := r.call(ctx, "tx", map[string]any{"transaction": hash}, &tr); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if tr.Error == "txnNotFound" || !tr.Validated {
			return ErrPending
		}
		if err := tr.err(); err != nil {
			return backoff.Permanent(err)
		}
		out = tr
		return nil
	}, backoff.WithContext(b, ctx))
	return out, err
}

// toTxJSON turns a template into the generic object rippled expects,
// keeping integers exact.
func toTxJSON(tpl any) (map[string]any, error) {
	raw, err := json.Marshal(tpl)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tx map[string]any
	if err := dec.Decode(&tx); err != nil {
		return nil, err
	}
	if _, ok := tx["TransactionType"]; !ok {
		return nil, errors.New("template has no TransactionType")
	}
	return tx, nil
}
