package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"leasebond/internal/hmacauth"
	"leasebond/internal/idempotency"
	"leasebond/internal/lease"
	"leasebond/internal/ledger"
	"leasebond/internal/relay"
	"leasebond/internal/settlement"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
)

type createLeaseRequest struct {
	PropertyAddress string          `json:"propertyAddress"`
	Payer           string          `json:"payer"`
	Primary         string          `json:"primaryRecipient"`
	Alternate       string          `json:"alternateRecipient"`
	Settler         string          `json:"settler"`
	BondAmount      string          `json:"bondAmount"`
	BondAmountMajor string          `json:"bondAmountMajor"`
	Baseline        lease.Narrative `json:"baseline"`
}

type depositRequest struct {
	Deposits []lease.Deposit `json:"deposits"`
}

type outcomeRequest struct {
	Outcome lease.Outcome `json:"outcome"`
}

type relayRequest struct {
	Outcome lease.Outcome  `json:"outcome"`
	Session ledger.Session `json:"session"`
}

func (s *Server) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := hmacauth.Caller(ctx)

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		writeError(w, r, fmt.Errorf("%w: missing %s header", errBadRequest, headerIdempotencyKey))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	storeKey := caller + ":" + key
	fingerprint := fingerprintOf(caller, body)

	existing, err := s.store.Get(ctx, storeKey)
	if err != nil {
		s.log.WithError(err).WithField("request_id", requestID(ctx)).Warn("idempotency lookup failed")
	}
	if existing != nil {
		if existing.Fingerprint != "" && existing.Fingerprint != fingerprint {
			writeError(w, r, idempotency.ErrKeyReuse)
			return
		}
		s.metrics.incReplay()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerReplayed, "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		return
	}

	var req createLeaseRequest
	if err := decodeJSON(bytes.NewReader(body), &req); err != nil {
		writeError(w, r, err)
		return
	}

	amount := req.BondAmount
	if req.BondAmountMajor != "" {
		if amount != "" {
			writeError(w, r, fmt.Errorf("%w: give either bondAmount or bondAmountMajor", lease.ErrValidation))
			return
		}
		amount, err = lease.MinorUnits(req.BondAmountMajor, s.cfg.Escrow.Decimals)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	l, err := s.coord.CreateLease(ctx, caller, settlement.CreateRequest{
		PropertyAddress: req.PropertyAddress,
		Payer:           req.Payer,
		Primary:         req.Primary,
		Alternate:       req.Alternate,
		Settler:         req.Settler,
		BondAmount:      amount,
		Baseline:        req.Baseline,
	})
	s.observe("create", err)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := json.Marshal(l)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now()
	record := idempotency.Record{
		StatusCode:  http.StatusCreated,
		Response:    resp,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Idempotency.Window),
	}
	if err := s.store.Save(ctx, storeKey, record); err != nil {
		s.log.WithError(err).WithField("lease_id", l.ID).Warn("idempotency save failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(resp)
}

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		address = hmacauth.Caller(r.Context())
	}
	leases, err := s.coord.LeasesFor(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases": leases})
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	l, err := s.coord.Lease(r.Context(), chi.URLParam(r, "leaseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleLockTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.coord.LockTemplates(r.Context(), chi.URLParam(r, "leaseID"), hmacauth.Caller(r.Context()))
	s.observe("lock_templates", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": tpls})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, err)
		return
	}
	l, err := s.coord.ConfirmDeposit(r.Context(), chi.URLParam(r, "leaseID"), hmacauth.Caller(r.Context()), req.Deposits)
	s.observe("deposit", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	var req lease.Narrative
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, err)
		return
	}
	l, err := s.coord.ReportExit(r.Context(), chi.URLParam(r, "leaseID"), hmacauth.Caller(r.Context()), req)
	s.observe("exit", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleReleaseTemplate(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, err)
		return
	}
	leaseID := chi.URLParam(r, "leaseID")
	tpl, err := s.coord.ReleaseTemplate(r.Context(), leaseID, hmacauth.Caller(r.Context()), req.Outcome)
	s.observe("release_template", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.incDisclosure(tpl.Outcome.String())
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, err)
		return
	}
	l, err := s.coord.RecordVerdict(r.Context(), chi.URLParam(r, "leaseID"), hmacauth.Caller(r.Context()), req.Outcome)
	s.observe("verdict", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleReclaimTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.coord.ReclaimTemplates(r.Context(), chi.URLParam(r, "leaseID"), hmacauth.Caller(r.Context()))
	s.observe("reclaim_templates", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": tpls})
}

func (s *Server) handleRelayLock(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, err)
		return
	}
	l, subs, err := s.relay.Lock(r.Context(), chi.URLParam(r, "leaseID"), hmacauth.Caller(r.Context()), req.Session)
	s.metrics.incRelay("lock", err)
	if err != nil {
		writeError(w, r, upstream(err))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Lease       *lease.Lease       `json:"lease"`
		Submissions []relay.Submission `json:"submissions"`
	}{l, subs})
}

func (s *Server) handleRelayRelease(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, err)
		return
	}
	l, sub, err := s.relay.Release(r.Context(), chi.URLParam(r, "leaseID"), hmacauth.Caller(r.Context()), req.Outcome, req.Session)
	s.metrics.incRelay("release", err)
	if err != nil {
		writeError(w, r, upstream(err))
		return
	}
	s.metrics.incDisclosure(sub.Outcome.String())
	writeJSON(w, http.StatusOK, struct {
		Lease      *lease.Lease     `json:"lease"`
		Submission relay.Submission `json:"submission"`
	}{l, sub})
}

func (s *Server) handleRelayReclaim(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, err)
		return
	}
	subs, err := s.relay.Reclaim(r.Context(), chi.URLParam(r, "leaseID"), hmacauth.Caller(r.Context()), req.Session)
	s.metrics.incRelay("reclaim", err)
	if err != nil {
		writeError(w, r, upstream(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

// observe records a coordinator call in metrics.
func (s *Server) observe(action string, err error) {
	s.metrics.incTransition(action, err)
	if errors.Is(err, lease.ErrIntegrity) {
		s.metrics.incIntegrity()
		s.log.WithFields(logrus.Fields{"action": action}).WithError(err).Error("integrity failure")
	}
}

// upstream marks relay failures that are not domain errors as ledger
// outages.
func upstream(err error) error {
	if status, _ := classify(err); status == http.StatusInternalServerError && !errors.Is(err, lease.ErrIntegrity) {
		return fmt.Errorf("%w: %v", errUpstream, err)
	}
	return err
}

func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, lease.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: invalid json payload: %v", errBadRequest, err)
	}
	return nil
}

func fingerprintOf(caller string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(caller))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
