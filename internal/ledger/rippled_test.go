package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasebond/internal/payload"
)

const (
	testPayer   = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	testSettler = "rGWrZyQqhTp9Xu7G5Pkayo7bXjH4k4QYpf"
	testSecret  = "snoPBrXtMeMyMHUVTgbuqAfg1SUTb"
)

// fakeRippled answers submit, tx and server_info the way a rippled node
// does, validating each transaction after a configurable number of polls.
type fakeRippled struct {
	mu          sync.Mutex
	engine      string
	final       string
	sequence    uint32
	pendingFor  int
	polls       int
	submitted   []map[string]any
	secrets     []string
	rpcError    string
	serverError bool
}

func (f *fakeRippled) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.serverError {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Method string           `json:"method"`
		Params []map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var result map[string]any
	switch req.Method {
	case "server_info":
		result = map[string]any{"status": "success", "info": map[string]any{"server_state": "full"}}
	case "submit":
		if f.rpcError != "" {
			result = map[string]any{"status": "error", "error": f.rpcError}
			break
		}
		tx := req.Params[0]["tx_json"].(map[string]any)
		f.submitted = append(f.submitted, tx)
		f.secrets = append(f.secrets, req.Params[0]["secret"].(string))
		result = map[string]any{
			"status":                "success",
			"engine_result":         f.engine,
			"engine_result_message": "",
			"tx_json": map[string]any{
				"hash":     "E08D6E9754025BA2534A78707605E0601F03ACE063687A0CA1BDDACFCD1698C7",
				"Sequence": f.sequence,
			},
		}
	case "tx":
		f.polls++
		if f.polls <= f.pendingFor {
			result = map[string]any{"status": "error", "error": "txnNotFound"}
			break
		}
		result = map[string]any{
			"status":    "success",
			"hash":      req.Params[0]["transaction"],
			"Sequence":  f.sequence,
			"validated": true,
			"meta":      map[string]any{"TransactionResult": f.final},
		}
	default:
		result = map[string]any{"status": "error", "error": "unknownCmd"}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func newTestRippled(t *testing.T, f *fakeRippled) (*Rippled, *test.Hook) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	r, err := NewRippled(RippledConfig{
		URL:               srv.URL,
		RequestTimeout:    time.Second,
		ValidationTimeout: 2 * time.Second,
		PollInterval:      20 * time.Millisecond,
	}, logrus.NewEntry(logger))
	require.NoError(t, err)
	return r, hook
}

func lockTemplate() payload.LockTemplate {
	return payload.LockTemplate{
		TransactionType: payload.TypeEscrowCreate,
		Account:         testPayer,
		Amount:          "5000000",
		Destination:     testSettler,
		Condition:       "A025802066687AADF862BD776C8FC18B8E9F8E20089714856EE233B3902A591D0D5F2925810120",
		CancelAfter:     812345678,
	}
}

func TestRippledSubmitLockWaitsForValidation(t *testing.T) {
	f := &fakeRippled{engine: "tesSUCCESS", final: "tesSUCCESS", sequence: 10, pendingFor: 2}
	r, hook := newTestRippled(t, f)

	res, err := r.SubmitLock(context.Background(), Session{Account: testPayer, Secret: testSecret}, lockTemplate())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint32(10), res.Sequence)
	assert.Equal(t, CodeSuccess, res.Code)
	assert.Equal(t, 3, f.polls)

	require.Len(t, f.submitted, 1)
	assert.Equal(t, "EscrowCreate", f.submitted[0]["TransactionType"])
	assert.Equal(t, float64(812345678), f.submitted[0]["CancelAfter"])
	assert.Equal(t, testSecret, f.secrets[0])

	for _, e := range hook.AllEntries() {
		s, _ := e.String()
		assert.NotContains(t, s, testSecret)
	}
}

func TestRippledReleaseCarriesMinimumFee(t *testing.T) {
	f := &fakeRippled{engine: "tesSUCCESS", final: "tesSUCCESS", sequence: 4}
	r, _ := newTestRippled(t, f)

	tpl := payload.ReleaseTemplate{
		TransactionType: payload.TypeEscrowFinish,
		Account:         testSettler,
		Owner:           testPayer,
		OfferSequence:   11,
		Condition:       lockTemplate().Condition,
		Fulfillment:     "A0228020" + "0000000000000000000000000000000000000000000000000000000000000000",
	}
	_, err := r.SubmitRelease(context.Background(), Session{Account: testSettler, Secret: testSecret}, tpl)
	require.NoError(t, err)
	require.Len(t, f.submitted, 1)
	assert.Equal(t, "50", f.submitted[0]["Fee"])
	assert.Equal(t, float64(11), f.submitted[0]["OfferSequence"])
}

func TestRippledReclaimTreatsMissingLockAsSuccess(t *testing.T) {
	f := &fakeRippled{engine: "tecNO_TARGET", final: "tecNO_TARGET"}
	r, _ := newTestRippled(t, f)

	res, err := r.SubmitReclaim(context.Background(), Session{Account: testPayer, Secret: testSecret}, payload.BuildReclaim(testPayer, 10))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Missing)
}

func TestRippledReleaseOfMissingLockFails(t *testing.T) {
	f := &fakeRippled{engine: "tecNO_TARGET", final: "tecNO_TARGET"}
	r, _ := newTestRippled(t, f)

	tpl := payload.ReleaseTemplate{TransactionType: payload.TypeEscrowFinish, Account: testSettler, Owner: testPayer, OfferSequence: 10}
	res, err := r.SubmitRelease(context.Background(), Session{Account: testSettler, Secret: testSecret}, tpl)
	require.ErrorIs(t, err, ErrRejected)
	assert.False(t, res.Success)
	assert.Equal(t, CodeNoTarget, res.Code)
}

func TestRippledMalformedIsRejectedWithoutPolling(t *testing.T) {
	f := &fakeRippled{engine: "temBAD_AMOUNT"}
	r, _ := newTestRippled(t, f)

	_, err := r.SubmitLock(context.Background(), Session{Account: testPayer, Secret: testSecret}, lockTemplate())
	require.ErrorIs(t, err, ErrRejected)
	assert.Zero(t, f.polls)
}

func TestRippledSessionErrors(t *testing.T) {
	f := &fakeRippled{rpcError: "badSecret"}
	r, _ := newTestRippled(t, f)
	ctx := context.Background()

	_, err := r.SubmitLock(ctx, Session{Account: testPayer}, lockTemplate())
	require.ErrorIs(t, err, ErrSession)

	_, err = r.SubmitLock(ctx, Session{Account: testSettler, Secret: testSecret}, lockTemplate())
	require.ErrorIs(t, err, ErrSession)

	_, err = r.SubmitLock(ctx, Session{Account: testPayer, Secret: "bad"}, lockTemplate())
	require.ErrorIs(t, err, ErrSession)
}

func TestRippledValidationTimeout(t *testing.T) {
	f := &fakeRippled{engine: "tesSUCCESS", final: "tesSUCCESS", pendingFor: 1 << 30}
	r, _ := newTestRippled(t, f)
	r.cfg.ValidationTimeout = 100 * time.Millisecond

	_, err := r.SubmitLock(context.Background(), Session{Account: testPayer, Secret: testSecret}, lockTemplate())
	require.ErrorIs(t, err, ErrPending)
}

func TestRippledPing(t *testing.T) {
	f := &fakeRippled{}
	r, _ := newTestRippled(t, f)
	require.NoError(t, r.Ping(context.Background()))

	f.serverError = true
	require.Error(t, r.Ping(context.Background()))
}
