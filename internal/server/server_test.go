package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"leasebond/internal/config"
	"leasebond/internal/hmacauth"
	"leasebond/internal/idempotency"
	"leasebond/internal/lease"
	"leasebond/internal/ledger"
	"leasebond/internal/relay"
	"leasebond/internal/settlement"
)

const (
	testSecret = "test-secret"

	payerA    = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	primaryB  = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	alternate = "rf1BiGeXwwQoi8Z2ueFYTEXSwuJYfV2Jpn"
	settlerC  = "rGWrZyQqhTp9Xu7G5Pkayo7bXjH4k4QYpf"
	outsider  = "rDsbeomae4FXwgQTJp9Rs64Qg9vDiTCdBv"
)

type testServer struct {
	t       *testing.T
	srv     *Server
	handler http.Handler
	fake    *ledger.Fake
}

func newTestServer(t *testing.T, withRelay bool) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	cfg := config.Default()
	cfg.Auth.HMACSecret = testSecret
	cfg.Auth.MaxSkew = time.Minute
	cfg.Idempotency.Window = time.Minute

	coord, err := settlement.New(settlement.Config{Branches: 2}, lease.NewMemoryStore(), lease.XRPLAddresses, log)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	ts := &testServer{t: t}
	var rel *relay.Relay
	if withRelay {
		ts.fake = ledger.NewFake()
		rel = relay.New(coord, ts.fake, relay.Config{MaxElapsedTime: time.Second, MaxInterval: 10 * time.Millisecond}, log)
	}

	ts.srv = NewServer(cfg, coord, rel, idempotency.NewMemoryStore(time.Minute), log)
	ts.handler = ts.srv.Handler()
	return ts
}

func (ts *testServer) do(method, path, caller string, body any, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			ts.t.Fatalf("marshal: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(hmacauth.HeaderTimestamp, stamp)
	req.Header.Set(hmacauth.HeaderCaller, caller)
	req.Header.Set(hmacauth.HeaderSignature, hmacauth.Sign(testSecret, stamp, caller, raw))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("expected %d got %d: %s", code, rec.Code, rec.Body.String())
	}
}

func createBody() map[string]any {
	return map[string]any{
		"propertyAddress":    "12 Harbour Rd",
		"payer":              payerA,
		"primaryRecipient":   primaryB,
		"alternateRecipient": alternate,
		"settler":            settlerC,
		"bondAmountMajor":    "5",
		"baseline":           map[string]any{"text": "Freshly painted", "attachments": []string{"https://example.com/in.jpg"}},
	}
}

func (ts *testServer) createLease() lease.Lease {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/v1/leases", alternate, createBody(), headerIdempotencyKey, "create-1")
	expectCode(ts.t, rec, http.StatusCreated)
	return decode[lease.Lease](ts.t, rec)
}

type templatesResponse[T any] struct {
	Templates []T `json:"templates"`
}

func TestLeaseLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, false)
	l := ts.createLease()
	if l.BondAmount != "5000000" {
		t.Fatalf("expected 5000000 drops, got %s", l.BondAmount)
	}
	for _, e := range l.Escrows {
		if e.Fulfillment != "" {
			t.Fatalf("fulfillment leaked on create")
		}
	}
	base := "/api/v1/leases/" + l.ID

	expectCode(t, ts.do(http.MethodGet, base+"/lock-templates", settlerC, nil), http.StatusForbidden)

	rec := ts.do(http.MethodGet, base+"/lock-templates", payerA, nil)
	expectCode(t, rec, http.StatusOK)
	locks := decode[templatesResponse[settlement.LockTemplate]](t, rec)
	if len(locks.Templates) != 2 {
		t.Fatalf("expected 2 lock templates, got %d", len(locks.Templates))
	}
	if strings.Contains(rec.Body.String(), "ulfillment") {
		t.Fatalf("lock templates must not carry fulfillments")
	}

	rec = ts.do(http.MethodPost, base+"/deposit", payerA, map[string]any{"deposits": []map[string]any{
		{"outcome": "penalty", "sequence": 10, "owner": payerA},
		{"outcome": "refund", "sequence": 11, "owner": payerA},
	}})
	expectCode(t, rec, http.StatusOK)
	if got := decode[lease.Lease](t, rec).Status; got != lease.StatusFundsLocked {
		t.Fatalf("expected funds_locked, got %s", got)
	}

	rec = ts.do(http.MethodPost, base+"/release-template", settlerC, map[string]any{"outcome": "refund"})
	expectCode(t, rec, http.StatusConflict)

	expectCode(t, ts.do(http.MethodPost, base+"/evidence", primaryB, map[string]any{"text": "Left as found"}), http.StatusCreated)

	expectCode(t, ts.do(http.MethodPost, base+"/release-template", primaryB, map[string]any{"outcome": "refund"}), http.StatusForbidden)

	rec = ts.do(http.MethodPost, base+"/release-template", settlerC, map[string]any{"outcome": "refund"})
	expectCode(t, rec, http.StatusOK)
	release := decode[settlement.ReleaseTemplate](t, rec)
	if release.Template.OfferSequence != 11 || release.Template.Owner != payerA {
		t.Fatalf("unexpected release template %+v", release.Template)
	}
	if len(release.Template.Fulfillment) != 72 || release.MinimumFee != 50 {
		t.Fatalf("expected 36-byte fulfillment and fee 50, got %d chars fee %d", len(release.Template.Fulfillment), release.MinimumFee)
	}

	rec = ts.do(http.MethodPost, base+"/release-template", settlerC, map[string]any{"outcome": "penalty"})
	expectCode(t, rec, http.StatusConflict)
	if strings.Contains(rec.Body.String(), "ulfillment") {
		t.Fatalf("second disclosure leaked a fulfillment")
	}
	expectCode(t, ts.do(http.MethodPost, base+"/verdict", settlerC, map[string]any{"outcome": "penalty"}), http.StatusConflict)
	rec = ts.do(http.MethodGet, base, settlerC, nil)
	expectCode(t, rec, http.StatusOK)
	if got := decode[lease.Lease](t, rec).Status; got != lease.StatusExitReported {
		t.Fatalf("expected exit_reported after refused disclosure, got %s", got)
	}

	rec = ts.do(http.MethodPost, base+"/verdict", settlerC, map[string]any{"outcome": "refund"})
	expectCode(t, rec, http.StatusOK)
	if got := decode[lease.Lease](t, rec).Status; got != lease.StatusSettled {
		t.Fatalf("expected settled, got %s", got)
	}

	rec = ts.do(http.MethodPost, base+"/verdict", settlerC, map[string]any{"outcome": "penalty"})
	expectCode(t, rec, http.StatusConflict)
	errResp := decode[errorBody](t, rec)
	if errResp.Error.Code != "STATE_CONFLICT" || errResp.RequestID == "" {
		t.Fatalf("unexpected error body %+v", errResp)
	}

	rec = ts.do(http.MethodGet, base+"/reclaim-templates", payerA, nil)
	expectCode(t, rec, http.StatusOK)
	reclaims := decode[templatesResponse[settlement.ReclaimTemplate]](t, rec)
	if len(reclaims.Templates) != 1 || reclaims.Templates[0].Template.OfferSequence != 10 {
		t.Fatalf("expected only the penalty lock to be reclaimable, got %+v", reclaims.Templates)
	}

	rec = ts.do(http.MethodGet, base, outsider, nil)
	expectCode(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "ulfillment") {
		t.Fatalf("read path leaked a fulfillment")
	}
}

func TestCreateLeaseIdempotency(t *testing.T) {
	ts := newTestServer(t, false)

	first := ts.do(http.MethodPost, "/api/v1/leases", alternate, createBody(), headerIdempotencyKey, "key-1")
	expectCode(t, first, http.StatusCreated)

	second := ts.do(http.MethodPost, "/api/v1/leases", alternate, createBody(), headerIdempotencyKey, "key-1")
	expectCode(t, second, http.StatusCreated)
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}
	if second.Header().Get(headerReplayed) != "true" {
		t.Fatalf("expected replay header")
	}

	changed := createBody()
	changed["propertyAddress"] = "14 Harbour Rd"
	expectCode(t, ts.do(http.MethodPost, "/api/v1/leases", alternate, changed, headerIdempotencyKey, "key-1"), http.StatusConflict)

	expectCode(t, ts.do(http.MethodPost, "/api/v1/leases", alternate, createBody()), http.StatusBadRequest)

	rec := ts.do(http.MethodGet, "/api/v1/leases?address="+payerA, payerA, nil)
	expectCode(t, rec, http.StatusOK)
	list := decode[struct {
		Leases []lease.Lease `json:"leases"`
	}](t, rec)
	if len(list.Leases) != 1 {
		t.Fatalf("expected one lease, got %d", len(list.Leases))
	}
}

func TestCreateLeaseValidation(t *testing.T) {
	ts := newTestServer(t, false)

	body := createBody()
	body["bondAmountMajor"] = "5.0000001"
	rec := ts.do(http.MethodPost, "/api/v1/leases", alternate, body, headerIdempotencyKey, "v-1")
	expectCode(t, rec, http.StatusBadRequest)
	if decode[errorBody](t, rec).Error.Code != "VALIDATION" {
		t.Fatalf("expected validation error")
	}

	body = createBody()
	body["bondAmount"] = "5000000"
	expectCode(t, ts.do(http.MethodPost, "/api/v1/leases", alternate, body, headerIdempotencyKey, "v-2"), http.StatusBadRequest)

	expectCode(t, ts.do(http.MethodPost, "/api/v1/leases", outsider, createBody(), headerIdempotencyKey, "v-3"), http.StatusForbidden)

	body = createBody()
	body["unexpected"] = true
	expectCode(t, ts.do(http.MethodPost, "/api/v1/leases", alternate, body, headerIdempotencyKey, "v-4"), http.StatusBadRequest)

	expectCode(t, ts.do(http.MethodGet, "/api/v1/leases/missing", payerA, nil), http.StatusNotFound)
}

func TestRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t, false)

	raw, _ := json.Marshal(createBody())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/leases", bytes.NewReader(raw))
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(hmacauth.HeaderTimestamp, stamp)
	req.Header.Set(hmacauth.HeaderCaller, settlerC)
	req.Header.Set(hmacauth.HeaderSignature, hmacauth.Sign(testSecret, stamp, alternate, raw))
	req.Header.Set(headerIdempotencyKey, "sig-1")

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	expectCode(t, rec, http.StatusUnauthorized)
	if decode[errorBody](t, rec).Error.Code != "UNAUTHENTICATED" {
		t.Fatalf("expected UNAUTHENTICATED")
	}
}

func TestUnsignedRequestsNeedInsecureMode(t *testing.T) {
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)
	coord, err := settlement.New(settlement.Config{Branches: 2}, lease.NewMemoryStore(), lease.XRPLAddresses, log)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	unsigned := func(insecure bool) int {
		cfg := config.Default()
		cfg.Auth.Insecure = insecure
		handler := NewServer(cfg, coord, nil, idempotency.NewMemoryStore(time.Minute), log).Handler()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/leases", nil)
		req.Header.Set(hmacauth.HeaderCaller, payerA)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := unsigned(false); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a secret, got %d", code)
	}
	if code := unsigned(true); code != http.StatusOK {
		t.Fatalf("expected 200 in insecure mode, got %d", code)
	}
}

func TestRelayRoutes(t *testing.T) {
	plain := newTestServer(t, false)
	l := plain.createLease()
	expectCode(t, plain.do(http.MethodPost, "/api/v1/leases/"+l.ID+"/relay/lock", payerA, map[string]any{}), http.StatusNotFound)

	ts := newTestServer(t, true)
	l = ts.createLease()
	base := "/api/v1/leases/" + l.ID
	session := func(account string) map[string]any {
		return map[string]any{"account": account, "secret": "snoPBrXtMeMyMHUVTgbuqAfg1SUTb"}
	}

	rec := ts.do(http.MethodPost, base+"/relay/lock", payerA, map[string]any{"session": session(settlerC)})
	expectCode(t, rec, http.StatusBadRequest)

	rec = ts.do(http.MethodPost, base+"/relay/lock", payerA, map[string]any{"session": session(payerA)})
	expectCode(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "snoPBrXt") {
		t.Fatalf("session secret echoed back")
	}

	expectCode(t, ts.do(http.MethodPost, base+"/evidence", primaryB, map[string]any{"text": "Left as found"}), http.StatusCreated)

	rec = ts.do(http.MethodPost, base+"/relay/release", settlerC, map[string]any{"outcome": "penalty", "session": session(settlerC)})
	expectCode(t, rec, http.StatusOK)
	released := decode[struct {
		Lease      lease.Lease      `json:"lease"`
		Submission relay.Submission `json:"submission"`
	}](t, rec)
	if released.Lease.Status != lease.StatusSettled || !released.Submission.Result.Success {
		t.Fatalf("unexpected release result %+v", released)
	}

	rec = ts.do(http.MethodPost, base+"/relay/reclaim", payerA, map[string]any{"session": session(payerA)})
	expectCode(t, rec, http.StatusOK)

	health := ts.do(http.MethodGet, "/api/v1/health", "", nil)
	expectCode(t, health, http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	ts.createLease()

	rec := ts.do(http.MethodGet, "/api/v1/metrics", "", nil)
	expectCode(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `leasebond_transitions_total{action="create",result="ok"} 1`) {
		t.Fatalf("expected create transition metric, got:\n%s", rec.Body.String())
	}
}
