package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"blockbatch/crypto"
	"blockbatch/gateway/auth"
	"blockbatch/native/escrow"
)

const maxRequestBody = 1 << 20

// InitializeRequest creates an escrow. Admin defaults to the request signer;
// an empty salt is filled with random bytes.
type InitializeRequest struct {
	Admin          string `json:"admin,omitempty"`
	Depositor      string `json:"depositor"`
	Beneficiary    string `json:"beneficiary"`
	Arbitrator     string `json:"arbitrator"`
	Custody        string `json:"custody"`
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Decimals       uint32 `json:"decimals"`
	Amount         string `json:"amount"`
	TimeoutLedgers uint32 `json:"timeoutLedgers"`
	Salt           string `json:"salt,omitempty"`
}

type DepositRequest struct {
	Amount string `json:"amount"`
}

type ConditionRequest struct {
	Kind               string `json:"kind"`
	Description        string `json:"description"`
	VerificationMethod string `json:"verificationMethod,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveRequest struct {
	Outcome     string `json:"outcome"`
	BasisPoints uint32 `json:"basisPoints,omitempty"`
}

type ConditionResponse struct {
	Index              uint32 `json:"index"`
	Kind               string `json:"kind"`
	Description        string `json:"description"`
	VerificationMethod string `json:"verificationMethod,omitempty"`
	Fulfilled          bool   `json:"fulfilled"`
}

type DisputeResponse struct {
	Initiator   string `json:"initiator"`
	Reason      string `json:"reason"`
	Active      bool   `json:"active"`
	Outcome     string `json:"outcome,omitempty"`
	BasisPoints uint32 `json:"basisPoints,omitempty"`
}

// EscrowResponse is the JSON view of an escrow record.
type EscrowResponse struct {
	ID          string              `json:"id"`
	Admin       string              `json:"admin"`
	Depositor   string              `json:"depositor"`
	Beneficiary string              `json:"beneficiary"`
	Arbitrator  string              `json:"arbitrator"`
	Custody     string              `json:"custody"`
	Token       string              `json:"token"`
	Symbol      string              `json:"symbol"`
	Decimals    uint32              `json:"decimals"`
	Amount      string              `json:"amount"`
	Conditions  []ConditionResponse `json:"conditions"`
	TimeoutAt   uint64              `json:"timeoutAt"`
	Status      escrow.Status       `json:"status"`
	Dispute     *DisputeResponse    `json:"dispute,omitempty"`
	CreatedAt   uint64              `json:"createdAt"`
	UpdatedAt   uint64              `json:"updatedAt"`
}

func escrowResponse(e *escrow.Escrow) EscrowResponse {
	resp := EscrowResponse{
		ID:          hex.EncodeToString(e.ID[:]),
		Admin:       crypto.AddressFromArray(e.Admin).String(),
		Depositor:   crypto.AddressFromArray(e.Depositor).String(),
		Beneficiary: crypto.AddressFromArray(e.Beneficiary).String(),
		Arbitrator:  crypto.AddressFromArray(e.Arbitrator).String(),
		Custody:     crypto.AddressFromArray(e.Custody).String(),
		Token:       e.Asset.Token,
		Symbol:      e.Asset.Symbol,
		Decimals:    e.Asset.Decimals,
		Amount:      "0",
		Conditions:  make([]ConditionResponse, 0, len(e.Conditions)),
		TimeoutAt:   e.TimeoutAt,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.Amount != nil {
		resp.Amount = e.Amount.String()
	}
	for i, cond := range e.Conditions {
		resp.Conditions = append(resp.Conditions, ConditionResponse{
			Index:              uint32(i),
			Kind:               cond.Kind.String(),
			Description:        cond.Description,
			VerificationMethod: cond.VerificationMethod,
			Fulfilled:          cond.Fulfilled,
		})
	}
	if e.Dispute != nil {
		resp.Dispute = &DisputeResponse{
			Initiator: crypto.AddressFromArray(e.Dispute.Initiator).String(),
			Reason:    e.Dispute.Reason,
			Active:    e.Dispute.Active,
		}
		if e.Dispute.Outcome != nil {
			resp.Dispute.Outcome = e.Dispute.Outcome.Kind.String()
			if e.Dispute.Outcome.Kind == escrow.OutcomePartialRelease {
				resp.Dispute.BasisPoints = e.Dispute.Outcome.BasisPoints
			}
		}
	}
	return resp
}

// ParseEscrowID decodes a 32-byte hex identifier with an optional 0x prefix.
func ParseEscrowID(value string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid escrow id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("escrow id must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q is not a base-10 integer", escrow.ErrInvalidAmount, value)
	}
	return amount, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// signer returns the address recovered by the signature middleware.
func signer(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	addr, ok := auth.SignerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "request is not signed")
	}
	return addr, ok
}

func (s *Server) escrowID(w http.ResponseWriter, r *http.Request) ([32]byte, bool) {
	id, err := ParseEscrowID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return id, false
	}
	return id, true
}

// observe records the operation outcome and writes the error, if any.
func (s *Server) observe(w http.ResponseWriter, operation string, started time.Time, err error) bool {
	s.metrics.ObserveOperation(operation, escrow.Code(err), time.Since(started))
	if err == nil {
		return true
	}
	if escrow.Code(err) == "internal" {
		s.logger.Error("escrow operation failed", "operation", operation, "error", err)
	}
	writeEscrowError(w, err)
	return false
}

func (s *Server) Initialize(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	var req InitializeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	params := escrow.InitParams{
		Admin:          caller,
		Asset:          escrow.Asset{Token: req.Token, Symbol: req.Symbol, Decimals: req.Decimals},
		TimeoutLedgers: req.TimeoutLedgers,
	}
	var err error
	if strings.TrimSpace(req.Admin) != "" {
		if params.Admin, err = crypto.ParseAddress(req.Admin); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "admin: "+err.Error())
			return
		}
	}
	parties := []struct {
		name  string
		value string
		dst   *[20]byte
	}{
		{"depositor", req.Depositor, &params.Depositor},
		{"beneficiary", req.Beneficiary, &params.Beneficiary},
		{"arbitrator", req.Arbitrator, &params.Arbitrator},
		{"custody", req.Custody, &params.Custody},
	}
	for _, party := range parties {
		addr, err := crypto.ParseAddress(party.value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", party.name+": "+err.Error())
			return
		}
		*party.dst = addr
	}
	if params.Amount, err = parseAmount(req.Amount); err != nil {
		writeEscrowError(w, err)
		return
	}
	if strings.TrimSpace(req.Salt) == "" {
		if _, err := rand.Read(params.Salt[:]); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "salt generation failed")
			return
		}
	} else {
		salt, err := ParseEscrowID(req.Salt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "salt: "+err.Error())
			return
		}
		params.Salt = salt
	}

	started := time.Now()
	created, err := s.escrow.Initialize(r.Context(), params)
	if !s.observe(w, "initialize", started, err) {
		return
	}
	writeJSON(w, http.StatusCreated, escrowResponse(created))
}

func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	started := time.Now()
	if !s.observe(w, "deposit", started, s.escrow.Deposit(r.Context(), id, caller, amount)) {
		return
	}
	s.writeSnapshot(w, id)
}

func (s *Server) AddCondition(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req ConditionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind, err := escrow.ParseConditionKind(req.Kind)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	cond := escrow.Condition{Kind: kind, Description: req.Description, VerificationMethod: req.VerificationMethod}
	started := time.Now()
	index, err := s.escrow.AddCondition(r.Context(), id, caller, cond)
	if !s.observe(w, "add_condition", started, err) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint32{"index": index})
}

func (s *Server) VerifyCondition(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid condition index")
		return
	}
	started := time.Now()
	if !s.observe(w, "verify_condition", started, s.escrow.VerifyCondition(r.Context(), id, caller, uint32(index))) {
		return
	}
	s.writeSnapshot(w, id)
}

func (s *Server) Release(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	started := time.Now()
	if !s.observe(w, "release", started, s.escrow.Release(r.Context(), id, caller)) {
		return
	}
	s.writeSnapshot(w, id)
}

func (s *Server) Refund(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	started := time.Now()
	if !s.observe(w, "refund", started, s.escrow.Refund(r.Context(), id, caller)) {
		return
	}
	s.writeSnapshot(w, id)
}

func (s *Server) InitiateDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req DisputeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	started := time.Now()
	if !s.observe(w, "initiate_dispute", started, s.escrow.InitiateDispute(r.Context(), id, caller, req.Reason)) {
		return
	}
	s.writeSnapshot(w, id)
}

func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind, err := escrow.ParseOutcomeKind(req.Outcome)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	outcome := escrow.Outcome{Kind: kind, BasisPoints: req.BasisPoints}
	started := time.Now()
	if !s.observe(w, "resolve_dispute", started, s.escrow.ResolveDispute(r.Context(), id, caller, outcome)) {
		return
	}
	s.writeSnapshot(w, id)
}

func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	s.writeSnapshot(w, id)
}

func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	status, err := s.escrow.Status(id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": hex.EncodeToString(id[:]), "status": status})
}

func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	token := chi.URLParam(r, "token")
	balance, err := s.balances.Balance(token, addr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": crypto.AddressFromArray(addr).String(),
		"token":   strings.ToUpper(strings.TrimSpace(token)),
		"balance": balance.String(),
	})
}

func (s *Server) writeSnapshot(w http.ResponseWriter, id [32]byte) {
	record, err := s.escrow.Get(id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse(record))
}
