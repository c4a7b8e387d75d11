package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"blockbatch/crypto"
	"blockbatch/native/escrow"
)

type MilestoneRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	DueAt       uint64 `json:"dueAt"`
}

// CreateAgreementRequest opens a supplier agreement. Company defaults to the
// request signer.
type CreateAgreementRequest struct {
	Company               string             `json:"company,omitempty"`
	Supplier              string             `json:"supplier"`
	Custody               string             `json:"custody"`
	Token                 string             `json:"token"`
	Symbol                string             `json:"symbol"`
	Decimals              uint32             `json:"decimals"`
	PurchaseOrder         string             `json:"purchaseOrder"`
	Description           string             `json:"description,omitempty"`
	Total                 string             `json:"total"`
	DiscountPercent       uint32             `json:"discountPercent,omitempty"`
	DiscountWindowSeconds uint64             `json:"discountWindowSeconds,omitempty"`
	Milestones            []MilestoneRequest `json:"milestones,omitempty"`
	Salt                  string             `json:"salt,omitempty"`
}

// MilestoneUpdateRequest leaves empty fields unchanged.
type MilestoneUpdateRequest struct {
	Description string `json:"description,omitempty"`
	Amount      string `json:"amount,omitempty"`
	DueAt       uint64 `json:"dueAt,omitempty"`
}

type CompleteMilestoneRequest struct {
	Proof string `json:"proof"`
}

type ResolveMilestoneRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes,omitempty"`
}

type MilestoneResponse struct {
	Index       uint32                 `json:"index"`
	Description string                 `json:"description"`
	Amount      string                 `json:"amount"`
	DueAt       uint64                 `json:"dueAt"`
	Status      escrow.MilestoneStatus `json:"status"`
	Proof       string                 `json:"proof,omitempty"`
	PaidAmount  string                 `json:"paidAmount,omitempty"`
	PaidAt      uint64                 `json:"paidAt,omitempty"`
	Dispute     *DisputeResponse       `json:"dispute,omitempty"`
}

// AgreementResponse is the JSON view of a supplier agreement.
type AgreementResponse struct {
	ID                    string                 `json:"id"`
	Company               string                 `json:"company"`
	Supplier              string                 `json:"supplier"`
	Custody               string                 `json:"custody"`
	Token                 string                 `json:"token"`
	Symbol                string                 `json:"symbol"`
	Decimals              uint32                 `json:"decimals"`
	PurchaseOrder         string                 `json:"purchaseOrder"`
	Description           string                 `json:"description,omitempty"`
	Total                 string                 `json:"total"`
	Committed             string                 `json:"committed"`
	DiscountPercent       uint32                 `json:"discountPercent"`
	DiscountWindowSeconds uint64                 `json:"discountWindowSeconds"`
	Milestones            []MilestoneResponse    `json:"milestones"`
	Status                escrow.AgreementStatus `json:"status"`
	CreatedAt             uint64                 `json:"createdAt"`
	UpdatedAt             uint64                 `json:"updatedAt"`
}

func agreementResponse(a *escrow.Agreement) AgreementResponse {
	resp := AgreementResponse{
		ID:                    hex.EncodeToString(a.ID[:]),
		Company:               crypto.AddressFromArray(a.Company).String(),
		Supplier:              crypto.AddressFromArray(a.Supplier).String(),
		Custody:               crypto.AddressFromArray(a.Custody).String(),
		Token:                 a.Asset.Token,
		Symbol:                a.Asset.Symbol,
		Decimals:              a.Asset.Decimals,
		PurchaseOrder:         a.Order.Number,
		Description:           a.Order.Description,
		Total:                 "0",
		Committed:             a.Committed().String(),
		DiscountPercent:       a.Discount.Percent,
		DiscountWindowSeconds: a.Discount.Window,
		Milestones:            make([]MilestoneResponse, 0, len(a.Milestones)),
		Status:                a.Status,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
	if a.Order.Total != nil {
		resp.Total = a.Order.Total.String()
	}
	for i, m := range a.Milestones {
		item := MilestoneResponse{
			Index:       uint32(i),
			Description: m.Description,
			Amount:      m.Amount.String(),
			DueAt:       m.DueAt,
			Status:      m.Status,
			Proof:       m.Proof,
			PaidAt:      m.PaidAt,
		}
		if m.PaidAmount != nil {
			item.PaidAmount = m.PaidAmount.String()
		}
		if m.Dispute != nil {
			item.Dispute = &DisputeResponse{
				Initiator: crypto.AddressFromArray(m.Dispute.Initiator).String(),
				Reason:    m.Dispute.Reason,
				Active:    m.Dispute.Open,
			}
			if !m.Dispute.Open {
				item.Dispute.Outcome = "rejected"
				if m.Dispute.Approved {
					item.Dispute.Outcome = "approved"
				}
			}
		}
		resp.Milestones = append(resp.Milestones, item)
	}
	return resp
}

func milestoneFromRequest(req MilestoneRequest) (escrow.Milestone, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return escrow.Milestone{}, err
	}
	return escrow.Milestone{Description: req.Description, Amount: amount, DueAt: req.DueAt}, nil
}

func (s *Server) milestoneIndex(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid milestone index")
		return 0, false
	}
	return uint32(index), true
}

func (s *Server) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	var req CreateAgreementRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	params := escrow.AgreementParams{
		Company:  caller,
		Asset:    escrow.Asset{Token: req.Token, Symbol: req.Symbol, Decimals: req.Decimals},
		Order:    escrow.PurchaseOrder{Number: req.PurchaseOrder, Description: req.Description},
		Discount: escrow.DiscountTerms{Percent: req.DiscountPercent, Window: req.DiscountWindowSeconds},
	}
	var err error
	if strings.TrimSpace(req.Company) != "" {
		if params.Company, err = crypto.ParseAddress(req.Company); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "company: "+err.Error())
			return
		}
	}
	if params.Supplier, err = crypto.ParseAddress(req.Supplier); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "supplier: "+err.Error())
		return
	}
	if params.Custody, err = crypto.ParseAddress(req.Custody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "custody: "+err.Error())
		return
	}
	if params.Order.Total, err = parseAmount(req.Total); err != nil {
		writeEscrowError(w, err)
		return
	}
	for _, item := range req.Milestones {
		m, err := milestoneFromRequest(item)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		params.Milestones = append(params.Milestones, m)
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
	created, err := s.agreements.CreateAgreement(r.Context(), params)
	if !s.observe(w, "create_agreement", started, err) {
		return
	}
	writeJSON(w, http.StatusCreated, agreementResponse(created))
}

func (s *Server) AddMilestone(w http.ResponseWriter, r *http.Request) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var req MilestoneRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	m, err := milestoneFromRequest(req)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	started := time.Now()
	index, err := s.agreements.AddMilestone(r.Context(), id, caller, m)
	if !s.observe(w, "add_milestone", started, err) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint32{"index": index})
}

func (s *Server) UpdateMilestone(w http.ResponseWriter, r *http.Request) {
	var req MilestoneUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	update := escrow.MilestoneUpdate{Description: req.Description, DueAt: req.DueAt}
	if strings.TrimSpace(req.Amount) != "" {
		amount, err := parseAmount(req.Amount)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
		update.Amount = amount
	}
	s.milestoneCall(w, r, "update_milestone", func(ctx context.Context, id [32]byte, caller [20]byte, index uint32) error {
		return s.agreements.UpdateMilestone(ctx, id, caller, index, update)
	})
}

func (s *Server) FundMilestone(w http.ResponseWriter, r *http.Request) {
	s.milestoneCall(w, r, "fund_milestone", s.agreements.FundMilestone)
}

func (s *Server) CompleteMilestone(w http.ResponseWriter, r *http.Request) {
	var req CompleteMilestoneRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.milestoneCall(w, r, "complete_milestone", func(ctx context.Context, id [32]byte, caller [20]byte, index uint32) error {
		return s.agreements.CompleteMilestone(ctx, id, caller, index, req.Proof)
	})
}

func (s *Server) VerifyMilestone(w http.ResponseWriter, r *http.Request) {
	s.milestoneCall(w, r, "verify_milestone", s.agreements.VerifyMilestone)
}

func (s *Server) PayMilestone(w http.ResponseWriter, r *http.Request) {
	s.milestoneCall(w, r, "pay_milestone", s.agreements.PayMilestone)
}

func (s *Server) DisputeMilestone(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.milestoneCall(w, r, "dispute_milestone", func(ctx context.Context, id [32]byte, caller [20]byte, index uint32) error {
		return s.agreements.DisputeMilestone(ctx, id, caller, index, req.Reason)
	})
}

func (s *Server) ResolveMilestoneDispute(w http.ResponseWriter, r *http.Request) {
	var req ResolveMilestoneRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.milestoneCall(w, r, "resolve_milestone", func(ctx context.Context, id [32]byte, caller [20]byte, index uint32) error {
		return s.agreements.ResolveMilestoneDispute(ctx, id, caller, index, req.Approve, req.Notes)
	})
}

func (s *Server) CancelMilestone(w http.ResponseWriter, r *http.Request) {
	s.milestoneCall(w, r, "cancel_milestone", s.agreements.CancelMilestone)
}

// milestoneCall runs a signed per-milestone operation and replies with the
// agreement snapshot.
func (s *Server) milestoneCall(w http.ResponseWriter, r *http.Request, operation string, call func(context.Context, [32]byte, [20]byte, uint32) error) {
	caller, ok := signer(w, r)
	if !ok {
		return
	}
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	index, ok := s.milestoneIndex(w, r)
	if !ok {
		return
	}
	started := time.Now()
	if !s.observe(w, operation, started, call(r.Context(), id, caller, index)) {
		return
	}
	s.writeAgreement(w, id)
}

func (s *Server) GetAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	s.writeAgreement(w, id)
}

func (s *Server) QuoteMilestone(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	index, ok := s.milestoneIndex(w, r)
	if !ok {
		return
	}
	payout, discount, err := s.agreements.QuoteMilestone(id, index)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       hex.EncodeToString(id[:]),
		"index":    index,
		"payout":   payout.String(),
		"discount": discount.String(),
	})
}

func (s *Server) writeAgreement(w http.ResponseWriter, id [32]byte) {
	agreement, err := s.agreements.GetAgreement(id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agreementResponse(agreement))
}
